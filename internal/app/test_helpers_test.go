package app

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"tcpview/internal/config"
	"tcpview/internal/conntable"
	"tcpview/internal/helper"
	"tcpview/internal/owner"
	"tcpview/internal/tracker"
)

type fakeReader struct {
	mu    sync.Mutex
	snaps []*conntable.Snapshot
	calls int
}

func (r *fakeReader) Read(context.Context) (*conntable.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	if i >= len(r.snaps) {
		i = len(r.snaps) - 1
	}
	r.calls++
	if i < 0 {
		return nil, errors.New("no snapshot")
	}
	return r.snaps[i], nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(context.Context, []owner.Request) (map[conntable.Key]owner.Reply, error) {
	return nil, nil
}

type closeCounter struct{ n int }

func (c *closeCounter) Close() error {
	c.n++
	return nil
}

type fakeChannel struct {
	mu       sync.Mutex
	startErr error
	running  bool
	stopped  int
}

func (f *fakeChannel) Resolve(context.Context, []owner.Request) (map[conntable.Key]owner.Reply, error) {
	return nil, nil
}

func (f *fakeChannel) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeChannel) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stopped++
	return nil
}

func (f *fakeChannel) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func key(local, remote string) conntable.Key {
	return conntable.Key{
		Proto:  conntable.TCP,
		Local:  netip.MustParseAddrPort(local),
		Remote: netip.MustParseAddrPort(remote),
	}
}

func snap(keys ...conntable.Key) *conntable.Snapshot {
	s := &conntable.Snapshot{
		Taken:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Entries: make(map[conntable.Key]conntable.Entry),
	}
	for _, k := range keys {
		s.Entries[k] = conntable.Entry{Key: k, State: "ESTABLISHED"}
	}
	return s
}

type stubs struct {
	reader  *fakeReader
	channel *fakeChannel
	closer  *closeCounter
}

func stubDeps(t *testing.T, snaps ...*conntable.Snapshot) *stubs {
	t.Helper()
	resetDeps()
	s := &stubs{
		reader:  &fakeReader{snaps: snaps},
		channel: &fakeChannel{},
		closer:  &closeCounter{},
	}
	newReader = func(config.Config) conntable.Reader { return s.reader }
	newLocalResolver = func(config.Config, logrus.FieldLogger) (owner.Resolver, io.Closer, error) {
		return fakeResolver{}, s.closer, nil
	}
	newChannel = func(helper.Options) (tracker.Privileged, error) { return s.channel, nil }
	t.Cleanup(resetDeps)
	return s
}

func newTestApp(t *testing.T, opts Options) *App {
	t.Helper()
	cfg := config.Default()
	opts.Config = &cfg
	log := logrus.New()
	log.SetOutput(io.Discard)
	opts.Log = log
	a, err := New(opts)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}
