package helper

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"

	"tcpview/internal/conntable"
	"tcpview/internal/owner"
)

const helperModeEnv = "TCPVIEW_HELPER_TEST_MODE"

// TestMain doubles as the helper binary when re-executed by a Channel.
func TestMain(m *testing.M) {
	if os.Getenv(helperModeEnv) == "1" {
		os.Exit(runFakeHelper(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runFakeHelper(args []string) int {
	fs := flag.NewFlagSet("helper", flag.ContinueOnError)
	fs.Bool("rootmodule", false, "")
	socket := fs.String("socket", "", "")
	uid := fs.Int("uid", -1, "")
	fs.String("proc-root", "", "")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	err := Serve(context.Background(), ServeOptions{
		SocketPath: *socket,
		ClientUID:  *uid,
		Stdin:      os.Stdin,
		Resolver:   fakeResolver{},
		Log:        log,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, reqs []owner.Request) (map[conntable.Key]owner.Reply, error) {
	out := make(map[conntable.Key]owner.Reply)
	for _, r := range reqs {
		if r.Inode == 0 {
			continue
		}
		out[r.Key] = owner.Reply{
			PID:     int(r.Inode),
			Exe:     "nginx",
			User:    "www-data",
			Cmdline: []string{"nginx", "-g", "daemon off;"},
		}
	}
	return out, nil
}

func testKey(t *testing.T, port uint16) conntable.Key {
	t.Helper()
	return conntable.Key{
		Proto:  conntable.TCP,
		Local:  netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port),
		Remote: netip.AddrPortFrom(netip.MustParseAddr("10.0.0.2"), 443),
	}
}

func newTestChannel(t *testing.T, elevate string) *Channel {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)

	c, err := NewChannel(Options{
		Executable:      exe,
		Elevate:         elevate,
		SocketPath:      filepath.Join(t.TempDir(), "h.sock"),
		DeniedExitCodes: []int{126, 127},
		StartTimeout:    10 * time.Second,
		CallTimeout:     2 * time.Second,
		Env:             []string{helperModeEnv + "=1"},
		Stderr:          os.Stderr,
		Log:             log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func TestWireRoundTrip(t *testing.T) {
	in := &ResolveReply{Owners: []Owner{
		{Key: "tcp 127.0.0.1:80 0.0.0.0:0", PID: 1, Exe: "sshd", User: "root", Cmdline: []string{"sshd", "-D"}},
		{Key: "udp6 [::1]:53 [::]:0", PID: 70000, Cmdline: []string{"", "x"}},
	}}
	data, err := wireCodec{}.Marshal(in)
	require.NoError(t, err)

	var out ResolveReply
	require.NoError(t, wireCodec{}.Unmarshal(data, &out))
	assert.Equal(t, in, &out)
}

func TestWireSkipsUnknownFields(t *testing.T) {
	data := (&Item{Key: "k", Inode: 9}).marshal(nil)
	data = protowire.AppendTag(data, 15, protowire.VarintType)
	data = protowire.AppendVarint(data, 123)
	data = protowire.AppendTag(data, 16, protowire.BytesType)
	data = protowire.AppendString(data, "future")

	var it Item
	require.NoError(t, it.unmarshal(data))
	assert.Equal(t, Item{Key: "k", Inode: 9}, it)
}

func TestWireRejectsTruncated(t *testing.T) {
	data := (&ResolveRequest{Items: []Item{{Key: "tcp 1.2.3.4:1 5.6.7.8:2", Inode: 77}}}).marshal(nil)
	var req ResolveRequest
	assert.Error(t, req.unmarshal(data[:len(data)-3]))
}

func TestWireRejectsForeignType(t *testing.T) {
	_, err := wireCodec{}.Marshal("nope")
	assert.Error(t, err)
}

func TestCommand(t *testing.T) {
	c, err := NewChannel(Options{Executable: "/usr/bin/tcpview", Elevate: "pkexec --disable-internal-agent", SocketPath: "/run/user/1000/h.sock"})
	require.NoError(t, err)
	argv := c.Command()
	assert.Equal(t, []string{"pkexec", "--disable-internal-agent", "/usr/bin/tcpview", MarkerFlag, "--socket", "/run/user/1000/h.sock", "--uid"}, argv[:7])

	c, err = NewChannel(Options{Executable: "/usr/bin/tcpview", SocketPath: "/tmp/h.sock"})
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/tcpview", c.Command()[0])
	assert.NotContains(t, c.Command(), ProcRootFlag)

	c, err = NewChannel(Options{Executable: "/usr/bin/tcpview", SocketPath: "/tmp/h.sock", ProcRoot: "/host/proc"})
	require.NoError(t, err)
	argv = c.Command()
	assert.Equal(t, []string{ProcRootFlag, "/host/proc"}, argv[len(argv)-2:])
}

func TestNewChannelRejectsBadElevate(t *testing.T) {
	_, err := NewChannel(Options{Executable: "/bin/true", Elevate: `pkexec "unterminated`})
	assert.Error(t, err)
}

func TestChannelRoundTrip(t *testing.T) {
	c := newTestChannel(t, "")
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.True(t, c.Running())
	pid := c.proc.cmd.Process.Pid
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, pid, c.proc.cmd.Process.Pid)

	k1, k2 := testKey(t, 8080), testKey(t, 8081)
	got, err := c.Resolve(ctx, []owner.Request{{Key: k1, Inode: 321}, {Key: k2, Inode: 0}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, owner.Reply{PID: 321, Exe: "nginx", User: "www-data", Cmdline: []string{"nginx", "-g", "daemon off;"}}, got[k1])

	require.NoError(t, c.Stop())
	assert.False(t, c.Running())
	_, err = c.Resolve(ctx, []owner.Request{{Key: k1, Inode: 321}})
	assert.ErrorIs(t, err, ErrChannelBroken)
	assert.NoError(t, c.Stop())
}

func TestChannelHelperCrash(t *testing.T) {
	c := newTestChannel(t, "")
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	p := c.proc
	require.NoError(t, p.cmd.Process.Kill())
	<-p.exited

	_, err := c.Resolve(ctx, []owner.Request{{Key: testKey(t, 1), Inode: 5}})
	assert.ErrorIs(t, err, ErrChannelBroken)
	assert.False(t, c.Running())

	require.NoError(t, c.Start(ctx))
	got, err := c.Resolve(ctx, []owner.Request{{Key: testKey(t, 1), Inode: 5}})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestChannelElevationDenied(t *testing.T) {
	c := newTestChannel(t, "sh -c 'exit 126'")
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrElevationDenied)
	assert.False(t, c.Running())
}

func TestChannelEarlyExit(t *testing.T) {
	c := newTestChannel(t, "sh -c 'exit 3'")
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrSpawnFailed)
	assert.NotErrorIs(t, err, ErrElevationDenied)
}

func TestChannelSpawnFailed(t *testing.T) {
	c := newTestChannel(t, "/nonexistent/elevate")
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestChannelStaysResponsiveWhileStarting(t *testing.T) {
	c := newTestChannel(t, "sh -c 'sleep 10'")
	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.starting != nil
	}, 2*time.Second, 5*time.Millisecond)

	begin := time.Now()
	assert.False(t, c.Running())
	_, err := c.Resolve(context.Background(), []owner.Request{{Key: testKey(t, 1), Inode: 5}})
	assert.ErrorIs(t, err, ErrChannelBroken)
	assert.Less(t, time.Since(begin), 200*time.Millisecond)

	begin = time.Now()
	require.NoError(t, c.Stop())
	assert.Less(t, time.Since(begin), 2*time.Second)
	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrSpawnFailed)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.False(t, c.Running())
}

func TestConcurrentStartsShareOneHelper(t *testing.T) {
	c := newTestChannel(t, "")
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- c.Start(context.Background()) }()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.True(t, c.Running())
}

func TestChannelStartTimeout(t *testing.T) {
	c := newTestChannel(t, "sh -c 'sleep 5'")
	c.opts.StartTimeout = 300 * time.Millisecond
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestTokenInterceptor(t *testing.T) {
	intercept := tokenInterceptor("secret")
	handler := func(context.Context, any) (any, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: methodPing}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(tokenHeader, "secret"))
	resp, err := intercept(ctx, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs(tokenHeader, "guess"))
	_, err = intercept(ctx, nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = intercept(context.Background(), nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestServeRequiresToken(t *testing.T) {
	err := Serve(context.Background(), ServeOptions{
		SocketPath: filepath.Join(t.TempDir(), "h.sock"),
		Stdin:      strings.NewReader(""),
		Resolver:   fakeResolver{},
		Log:        logrus.New(),
	})
	assert.Error(t, err)
}
