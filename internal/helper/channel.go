// Package helper runs the privileged owner resolver in a separate elevated
// process and talks to it over gRPC on a UNIX socket.
package helper

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"tcpview/internal/conntable"
	"tcpview/internal/owner"
)

var (
	// ErrElevationDenied is returned when the user refused or failed authorisation.
	ErrElevationDenied = errors.New("elevation denied")
	// ErrSpawnFailed is returned when the helper could not be started.
	ErrSpawnFailed = errors.New("helper spawn failed")
	// ErrChannelBroken is returned when the helper is gone or a call to it failed.
	ErrChannelBroken = errors.New("helper channel broken")
)

const (
	stopWait    = 3 * time.Second
	pollReady   = 100 * time.Millisecond
	pingTimeout = 500 * time.Millisecond
)

// Options configures a Channel.
type Options struct {
	// Executable is the binary started in helper mode. Defaults to os.Executable.
	Executable string
	// Elevate is the command prefix used to gain privileges, e.g. "pkexec".
	Elevate         string
	SocketPath      string
	DeniedExitCodes []int
	StartTimeout    time.Duration
	CallTimeout     time.Duration
	// ProcRoot is forwarded to the helper, which cannot see the caller's
	// environment once elevated.
	ProcRoot string
	// Env is appended to the current environment of the helper.
	Env []string
	// Stderr receives the helper's stderr.
	Stderr io.Writer
	Log    logrus.FieldLogger
}

// Channel owns the helper process and the connection to it.
type Channel struct {
	opts Options
	log  logrus.FieldLogger

	// mu is never held while waiting for the helper.
	mu       sync.Mutex
	proc     *process
	starting *startAttempt
}

// startAttempt is a spawn waiting for authorisation and readiness.
type startAttempt struct {
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	stopped bool
}

// NewChannel validates opts and returns a stopped channel.
func NewChannel(opts Options) (*Channel, error) {
	if opts.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "locate executable")
		}
		opts.Executable = exe
	}
	if _, err := shlex.Split(opts.Elevate); err != nil {
		return nil, errors.Wrapf(err, "parse elevate command %q", opts.Elevate)
	}
	if opts.SocketPath == "" {
		opts.SocketPath = SocketPath()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 2 * time.Minute
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Channel{opts: opts, log: log.WithField("component", "channel")}, nil
}

// Command returns the argv used to start the helper.
func (c *Channel) Command() []string {
	argv, _ := shlex.Split(c.opts.Elevate)
	argv = append(argv,
		c.opts.Executable,
		MarkerFlag,
		"--socket", c.opts.SocketPath,
		"--uid", strconv.Itoa(os.Getuid()),
	)
	if c.opts.ProcRoot != "" {
		argv = append(argv, ProcRootFlag, c.opts.ProcRoot)
	}
	return argv
}

// Running reports whether a helper is up. A helper that is still starting is
// not running yet.
func (c *Channel) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil && c.proc.usable()
}

// Start launches the helper and waits until it answers. It is a no-op when a
// helper is already running; concurrent calls share one attempt.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.proc != nil && c.proc.usable() {
		c.mu.Unlock()
		return nil
	}
	if s := c.starting; s != nil {
		c.mu.Unlock()
		select {
		case <-s.done:
			return s.err
		case <-ctx.Done():
			return errors.Wrapf(ErrSpawnFailed, "helper not ready: %v", ctx.Err())
		}
	}
	dead := c.proc
	c.proc = nil
	sctx, cancel := context.WithTimeout(ctx, c.opts.StartTimeout)
	s := &startAttempt{cancel: cancel, done: make(chan struct{})}
	c.starting = s
	c.mu.Unlock()
	defer cancel()

	if dead != nil {
		// it shares the socket path, so it must be gone before the next spawn
		_ = dead.terminate()
	}

	p, err := c.spawn()
	if err == nil {
		if err = c.waitReady(sctx, p); err != nil {
			p.abort()
		}
	}

	c.mu.Lock()
	c.starting = nil
	stopped := s.stopped
	if err == nil {
		if stopped {
			err = errors.Wrap(ErrSpawnFailed, "channel stopped while starting")
		} else {
			c.proc = p
		}
	}
	c.mu.Unlock()

	if err == nil {
		c.log.WithField("pid", p.cmd.Process.Pid).Info("helper ready")
	} else if p != nil && stopped {
		p.abort()
	}
	s.err = err
	close(s.done)
	return err
}

func (c *Channel) spawn() (*process, error) {
	argv := c.Command()
	if err := ensureRuntimeDir(c.opts.SocketPath); err != nil {
		return nil, errors.Wrapf(ErrSpawnFailed, "runtime dir: %v", err)
	}
	// a stale socket from an earlier run would satisfy the readiness probe
	_ = removeSocket(c.opts.SocketPath)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), c.opts.Env...)
	cmd.Stdout = c.opts.Stderr
	cmd.Stderr = c.opts.Stderr
	// grandchildren may hold the output pipes after the helper is gone
	cmd.WaitDelay = stopWait
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(ErrSpawnFailed, "stdin pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(ErrSpawnFailed, "%s: %v", strings.Join(argv, " "), err)
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		token:  uuid.NewString(),
		socket: c.opts.SocketPath,
		exited: make(chan struct{}),
		log:    c.log,
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	// the helper may already be gone; its exit status explains why
	if _, err := fmt.Fprintln(stdin, p.token); err != nil {
		c.log.WithError(err).Debug("write session token")
	}
	return p, nil
}

func (c *Channel) waitReady(ctx context.Context, p *process) error {
	ticker := time.NewTicker(pollReady)
	defer ticker.Stop()
	for {
		select {
		case <-p.exited:
			return c.exitError(p)
		case <-ctx.Done():
			return errors.Wrapf(ErrSpawnFailed, "helper not ready: %v", ctx.Err())
		case <-ticker.C:
		}

		if _, err := os.Stat(p.socket); err != nil {
			continue
		}
		if p.conn == nil {
			conn, err := dial(p.socket)
			if err != nil {
				return errors.Wrapf(ErrSpawnFailed, "dial: %v", err)
			}
			p.conn = conn
			p.client = resolverClient{cc: conn}
		}
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := waitForReady(pctx, p.conn)
		if err == nil {
			_, err = p.client.Ping(p.outgoing(pctx), &PingRequest{})
		}
		cancel()
		if err == nil {
			return nil
		}
		c.log.WithError(err).Debug("helper not answering yet")
	}
}

func (c *Channel) exitError(p *process) error {
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		code := exitErr.ExitCode()
		for _, denied := range c.opts.DeniedExitCodes {
			if code == denied {
				return errors.Wrapf(ErrElevationDenied, "helper exited with code %d", code)
			}
		}
		return errors.Wrapf(ErrSpawnFailed, "helper exited with code %d", code)
	}
	return errors.Wrapf(ErrSpawnFailed, "helper exited: %v", p.waitErr)
}

// Resolve asks the helper for the owners of reqs.
func (c *Channel) Resolve(ctx context.Context, reqs []owner.Request) (map[conntable.Key]owner.Reply, error) {
	c.mu.Lock()
	p := c.proc
	c.mu.Unlock()
	if p == nil || !p.usable() {
		c.markBroken(p)
		return nil, errors.Wrap(ErrChannelBroken, "helper not running")
	}

	req := &ResolveRequest{Items: make([]Item, 0, len(reqs))}
	for _, r := range reqs {
		req.Items = append(req.Items, Item{Key: r.Key.String(), Inode: r.Inode})
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	resp, err := p.client.Resolve(p.outgoing(ctx), req)
	if err != nil {
		c.markBroken(p)
		return nil, errors.Wrapf(ErrChannelBroken, "resolve: %v", err)
	}

	out := make(map[conntable.Key]owner.Reply, len(resp.Owners))
	for _, o := range resp.Owners {
		key, err := conntable.ParseKey(o.Key)
		if err != nil {
			c.log.WithError(err).Debug("helper returned malformed key")
			continue
		}
		out[key] = owner.Reply{
			PID:     int(o.PID),
			Exe:     o.Exe,
			Cmdline: o.Cmdline,
			User:    o.User,
		}
	}
	return out, nil
}

// markBroken retires p. It stays in place until the next Start or Stop
// waits for its termination.
func (c *Channel) markBroken(p *process) {
	if p == nil || !p.broken.CompareAndSwap(false, true) {
		return
	}
	go p.terminate()
}

// Stop shuts the helper down and abandons a start in progress. It is safe to
// call on a stopped channel.
func (c *Channel) Stop() error {
	c.mu.Lock()
	p := c.proc
	c.proc = nil
	s := c.starting
	if s != nil {
		s.stopped = true
		s.cancel()
	}
	c.mu.Unlock()

	if s != nil {
		<-s.done
	}
	if p == nil {
		return nil
	}
	return p.terminate()
}

// process is one helper instance.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	token  string
	socket string
	log    logrus.FieldLogger

	conn   *grpc.ClientConn
	client resolverClient

	exited  chan struct{}
	waitErr error
	broken  atomic.Bool

	termOnce sync.Once
	termErr  error
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *process) usable() bool {
	return !p.broken.Load() && p.alive()
}

func (p *process) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, tokenHeader, p.token)
}

// terminate asks the helper to exit, then closes stdin and finally tries to
// kill it. An elevated helper usually cannot be signalled, so the first two
// steps do the real work.
func (p *process) terminate() error {
	p.termOnce.Do(func() {
		if p.conn != nil {
			if p.alive() {
				ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
				_, _ = p.client.Shutdown(p.outgoing(ctx), &ShutdownRequest{})
				cancel()
			}
			_ = p.conn.Close()
		}
		_ = p.stdin.Close()

		select {
		case <-p.exited:
		case <-time.After(stopWait):
			if err := p.cmd.Process.Kill(); err != nil {
				p.termErr = errors.Wrapf(err, "kill helper %d", p.cmd.Process.Pid)
				p.log.WithError(err).Warn("helper did not exit")
				break
			}
			select {
			case <-p.exited:
			case <-time.After(stopWait):
				p.termErr = errors.Errorf("helper %d did not exit after kill", p.cmd.Process.Pid)
			}
		}
		_ = removeSocket(p.socket)
	})
	return p.termErr
}

// abort kills a helper that never became ready. There is no session to shut
// down gracefully.
func (p *process) abort() {
	p.termOnce.Do(func() {
		if p.conn != nil {
			_ = p.conn.Close()
		}
		_ = p.stdin.Close()
		if p.alive() {
			_ = p.cmd.Process.Kill()
		}
		select {
		case <-p.exited:
		case <-time.After(stopWait):
			p.termErr = errors.Errorf("helper %d did not exit after kill", p.cmd.Process.Pid)
		}
		_ = removeSocket(p.socket)
	})
}

// dial opens a gRPC connection to the helper socket.
func dial(path string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(
		socketTarget(path),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(unixDialer(path)),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wireCodec{})),
	)
	if err != nil {
		return nil, err
	}
	conn.Connect()
	return conn, nil
}

func socketTarget(path string) string {
	if trimmed, ok := strings.CutPrefix(path, "/"); ok {
		return "unix:///" + trimmed
	}
	return "unix://" + path
}

func unixDialer(path string) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		switch state := conn.GetState(); state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpc connection is shut down")
		default:
			if !conn.WaitForStateChange(ctx, state) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("grpc connection stuck in state %s", state.String())
			}
		}
	}
}
