package helper

import (
	"bufio"
	"context"
	"crypto/subtle"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tcpview/internal/conntable"
	"tcpview/internal/owner"
)

const (
	// MarkerFlag switches the tcpview binary into helper mode.
	MarkerFlag = "--rootmodule"
	// ProcRootFlag carries the procfs mount the helper must scan.
	ProcRootFlag = "--proc-root"
)

const tokenHeader = "x-tcpview-token"

// ServeOptions configures the helper side of the channel.
type ServeOptions struct {
	SocketPath string
	// ClientUID owns the socket and is the only peer uid accepted besides root.
	ClientUID int
	// Stdin carries the session token; EOF on it ends the helper.
	Stdin    io.Reader
	Resolver owner.Resolver
	Log      logrus.FieldLogger
}

// Serve runs the helper until stdin is closed, a Shutdown call arrives or ctx
// is cancelled.
func Serve(ctx context.Context, opts ServeOptions) error {
	if opts.Resolver == nil {
		return errors.New("helper: resolver is required")
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "helper")

	in := bufio.NewReader(opts.Stdin)
	line, err := in.ReadString('\n')
	token := strings.TrimSpace(line)
	if token == "" {
		if err == nil {
			err = errors.New("empty")
		}
		return errors.Wrap(err, "helper: read session token")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		_, _ = io.Copy(io.Discard, in)
		log.Debug("stdin closed")
		cancel()
	}()

	ln, err := listen(opts.SocketPath, opts.ClientUID)
	if err != nil {
		return err
	}
	defer removeSocket(opts.SocketPath)

	svc := &service{resolver: opts.Resolver, log: log, stop: cancel}
	srv := grpc.NewServer(
		grpc.ForceServerCodec(wireCodec{}),
		grpc.UnaryInterceptor(tokenInterceptor(token)),
	)
	srv.RegisterService(&serviceDesc, svc)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(&peerListener{Listener: ln, uid: opts.ClientUID, log: log})
	}()
	log.WithField("socket", opts.SocketPath).Info("helper listening")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return errors.Wrap(err, "helper: serve")
	}

	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		srv.Stop()
	}
	log.Info("helper stopped")
	return nil
}

func listen(path string, uid int) (net.Listener, error) {
	if err := ensureRuntimeDir(path); err != nil {
		return nil, errors.Wrap(err, "helper: runtime dir")
	}
	if err := removeSocket(path); err != nil {
		return nil, errors.Wrap(err, "helper: remove stale socket")
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrap(err, "helper: listen")
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, errors.Wrap(err, "helper: chmod socket")
	}
	if os.Geteuid() == 0 && uid != 0 {
		if err := os.Chown(path, uid, -1); err != nil {
			ln.Close()
			return nil, errors.Wrap(err, "helper: chown socket")
		}
	}
	return ln, nil
}

// peerListener drops connections from processes running as another user.
type peerListener struct {
	net.Listener
	uid int
	log logrus.FieldLogger
}

func (l *peerListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if err := checkPeer(c, l.uid); err != nil {
			l.log.WithError(err).Warn("rejected connection")
			c.Close()
			continue
		}
		return c, nil
	}
}

func checkPeer(c net.Conn, uid int) error {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return errors.Errorf("unexpected connection type %T", c)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return err
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return err
	}
	if credErr != nil {
		return errors.Wrap(credErr, "SO_PEERCRED")
	}
	if int(cred.Uid) != uid && cred.Uid != 0 {
		return errors.Errorf("peer uid %d (pid %d) is not allowed", cred.Uid, cred.Pid)
	}
	return nil
}

func tokenInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		vals := md.Get(tokenHeader)
		if len(vals) != 1 || subtle.ConstantTimeCompare([]byte(vals[0]), []byte(token)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid session token")
		}
		return handler(ctx, req)
	}
}

// service implements the helper gRPC service on top of an owner.Resolver.
type service struct {
	resolver owner.Resolver
	log      logrus.FieldLogger

	stopOnce sync.Once
	stop     context.CancelFunc
}

func (s *service) Ping(context.Context, *PingRequest) (*PingReply, error) {
	return &PingReply{PID: int64(os.Getpid())}, nil
}

func (s *service) Resolve(ctx context.Context, req *ResolveRequest) (*ResolveReply, error) {
	reqs := make([]owner.Request, 0, len(req.Items))
	for _, it := range req.Items {
		key, err := conntable.ParseKey(it.Key)
		if err != nil {
			s.log.WithError(err).Debug("skipping malformed key")
			continue
		}
		reqs = append(reqs, owner.Request{Key: key, Inode: it.Inode})
	}

	owners, err := s.resolver.Resolve(ctx, reqs)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "resolve: %v", err)
	}

	reply := &ResolveReply{Owners: make([]Owner, 0, len(owners))}
	for key, o := range owners {
		reply.Owners = append(reply.Owners, Owner{
			Key:     key.String(),
			PID:     int64(o.PID),
			Exe:     o.Exe,
			User:    o.User,
			Cmdline: o.Cmdline,
		})
	}
	return reply, nil
}

func (s *service) Shutdown(context.Context, *ShutdownRequest) (*ShutdownReply, error) {
	s.stopOnce.Do(func() {
		s.log.Info("shutdown requested")
		s.stop()
	})
	return &ShutdownReply{}, nil
}
