// Package tracker reconciles connection table snapshots into a stable,
// incrementally updated set of records.
package tracker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tcpview/internal/conntable"
	"tcpview/internal/helper"
	"tcpview/internal/owner"
)

var (
	// ErrSourceBroken is terminal: the connection table failed too many times in a row.
	ErrSourceBroken = errors.New("connection table source broken")
	// ErrCapturing rejects deletions while stale rows are being collected.
	ErrCapturing = errors.New("cannot delete records while capturing")
	// ErrReentrantTick is returned by any Tick that starts while the update
	// callback runs.
	ErrReentrantTick = errors.New("tick called from update callback")
	// ErrNoPrivilegedResolver is returned by StartResolver when none is configured.
	ErrNoPrivilegedResolver = errors.New("no privileged resolver configured")
	// ErrShutdown is returned by Tick after Shutdown.
	ErrShutdown = errors.New("engine shut down")
)

// Privileged is an owner resolver that runs out of process and must be started.
type Privileged interface {
	owner.Resolver
	Start(ctx context.Context) error
	Stop() error
	Running() bool
}

// Options configures an Engine.
type Options struct {
	Reader conntable.Reader
	// Local resolves owners with the current privileges. Optional.
	Local owner.Resolver
	// Privileged is used instead of Local once started. Optional.
	Privileged Privileged

	PollInterval     time.Duration
	TickTimeout      time.Duration
	FailureThreshold int
	ResolverCooldown time.Duration
	Capturing        bool

	Log logrus.FieldLogger
	// Now stamps records when the snapshot carries no time.
	Now func() time.Time
}

// Engine owns the mapping from connection key to record.
type Engine struct {
	opts Options
	log  logrus.FieldLogger

	// tickMu serializes ticks and guards the fields below it.
	tickMu   sync.Mutex
	failures int
	closed   bool

	// mu guards the mapping, the mode and the callback.
	mu       sync.Mutex
	records  map[conntable.Key]Record
	ready    bool
	mode     Mode
	seq      uint64
	callback func(Update)
	err      error

	notifying atomic.Bool

	wantPrivileged atomic.Bool
	restarting     atomic.Bool
	restartLimit   *rate.Limiter
	restarts       sync.WaitGroup

	ctx          context.Context
	cancel       context.CancelFunc
	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
}

// New returns an engine that has not started polling.
func New(opts Options) (*Engine, error) {
	if opts.Reader == nil {
		return nil, errors.New("tracker: reader is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = 2 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.ResolverCooldown <= 0 {
		opts.ResolverCooldown = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:         opts,
		log:          log.WithField("component", "tracker"),
		records:      make(map[conntable.Key]Record),
		mode:         Mode{Capturing: opts.Capturing},
		restartLimit: rate.NewLimiter(rate.Every(opts.ResolverCooldown), 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}, nil
}

// Tick runs one reconciliation cycle. It does nothing while paused. Ticks
// are serialized, but the callback cannot be told apart from other
// goroutines, so every Tick made while it runs fails with ErrReentrantTick.
// Callers that tick by hand should not run alongside Start.
func (e *Engine) Tick(ctx context.Context) (Changes, error) {
	if e.notifying.Load() {
		return Changes{}, ErrReentrantTick
	}
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	if e.closed {
		return Changes{}, ErrShutdown
	}
	if err := e.Err(); err != nil {
		return Changes{}, err
	}
	if e.IsPaused() {
		return Changes{}, nil
	}

	start := time.Now()
	defer func() { metricTickDuration.Observe(time.Since(start).Seconds()) }()

	rctx, cancel := context.WithTimeout(ctx, e.opts.TickTimeout)
	snap, err := e.opts.Reader.Read(rctx)
	cancel()
	if err != nil {
		return Changes{}, e.readFailed(err)
	}
	e.failures = 0
	if snap.Partial != nil {
		e.log.WithError(snap.Partial).Warn("skipped malformed connection rows")
	}
	if n := len(snap.Duplicates); n > 0 {
		e.log.WithField("count", n).Debug("kept first row of duplicate connections")
	}
	if snap.Taken.IsZero() {
		snap.Taken = e.opts.Now()
	}

	owners := e.resolve(ctx, e.ownerRequests(snap))

	e.mu.Lock()
	if e.mode.Paused {
		e.mu.Unlock()
		return Changes{}, nil
	}
	changes := e.reconcileLocked(snap, owners)
	e.ready = true
	e.updateGaugesLocked()
	var update Update
	if !changes.Empty() {
		e.seq++
		update = Update{Seq: e.seq, At: snap.Taken, Changes: changes}
	}
	cb := e.callback
	e.mu.Unlock()

	metricTicks.Inc()
	if cb != nil && !changes.Empty() {
		e.notifying.Store(true)
		cb(update)
		e.notifying.Store(false)
	}
	return changes, nil
}

func (e *Engine) readFailed(err error) error {
	e.failures++
	metricTickFailures.Inc()
	err = errors.Wrap(err, "read snapshot")
	if e.failures < e.opts.FailureThreshold {
		return err
	}
	terminal := errors.Wrapf(ErrSourceBroken, "%d consecutive failures, last: %v", e.failures, err)
	e.mu.Lock()
	e.err = terminal
	e.mu.Unlock()
	return terminal
}

// ownerRequests picks the snapshot keys whose owner is unknown or stale.
func (e *Engine) ownerRequests(snap *conntable.Snapshot) []owner.Request {
	e.mu.Lock()
	defer e.mu.Unlock()

	var reqs []owner.Request
	for key, entry := range snap.Entries {
		if entry.Inode == 0 {
			continue
		}
		rec, ok := e.records[key]
		if ok && rec.Marker == Active && rec.HasOwner() && rec.Inode == entry.Inode {
			continue
		}
		reqs = append(reqs, owner.Request{Key: key, Inode: entry.Inode})
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Key.Less(reqs[j].Key) })
	return reqs
}

// resolve never fails: a broken resolver just leaves owners unknown.
func (e *Engine) resolve(ctx context.Context, reqs []owner.Request) map[conntable.Key]owner.Reply {
	if p := e.opts.Privileged; p != nil && e.wantPrivileged.Load() {
		switch {
		case !p.Running():
			e.scheduleRestart()
		case len(reqs) == 0:
			return nil
		default:
			out, err := p.Resolve(ctx, reqs)
			if err == nil {
				return out
			}
			metricResolverErrors.Inc()
			e.log.WithError(err).Warn("privileged resolver failed, falling back to local")
			e.scheduleRestart()
		}
	}
	if len(reqs) == 0 || e.opts.Local == nil {
		return nil
	}
	out, err := e.opts.Local.Resolve(ctx, reqs)
	if err != nil {
		metricResolverErrors.Inc()
		e.log.WithError(err).Debug("local resolver failed")
		return nil
	}
	return out
}

func (e *Engine) reconcileLocked(snap *conntable.Snapshot, owners map[conntable.Key]owner.Reply) Changes {
	var ch Changes
	at := snap.Taken

	for key, entry := range snap.Entries {
		prev, ok := e.records[key]
		if !ok {
			rec := Record{Entry: entry, Marker: Active, FirstSeen: at, LastSeen: at}
			if o, found := owners[key]; found {
				rec.setOwner(o)
			}
			e.records[key] = rec
			ch.Added = append(ch.Added, key)
			continue
		}

		next := prev
		if prev.Marker != Active {
			// a stale row that comes back starts over
			next = Record{Marker: Active, FirstSeen: at}
		} else if prev.Inode != entry.Inode {
			next.clearOwner()
		}
		next.Entry = entry
		next.LastSeen = at
		if o, found := owners[key]; found {
			next.setOwner(o)
		}
		e.records[key] = next
		if !next.equal(prev) {
			ch.Updated = append(ch.Updated, key)
		}
	}

	for key, rec := range e.records {
		if _, ok := snap.Entries[key]; ok {
			continue
		}
		switch {
		case !e.mode.Capturing:
			delete(e.records, key)
			ch.Removed = append(ch.Removed, key)
		case rec.Marker == Active:
			rec.Marker = PendingRemoval
			e.records[key] = rec
			ch.Stale = append(ch.Stale, key)
		}
	}

	ch.sort()
	return ch
}

func (e *Engine) updateGaugesLocked() {
	counts := map[Marker]int{Active: 0, PendingRemoval: 0}
	for _, rec := range e.records {
		counts[rec.Marker]++
	}
	for m, n := range counts {
		metricRecords.WithLabelValues(m.String()).Set(float64(n))
	}
}

// Data returns a copy of the mapping. The flag is false until the first
// successful tick.
func (e *Engine) Data() (map[conntable.Key]Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return nil, false
	}
	out := make(map[conntable.Key]Record, len(e.records))
	for k, r := range e.records {
		out[k] = r
	}
	return out, true
}

// Mode returns both switches at once.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

func (e *Engine) SetPaused(paused bool) {
	e.mu.Lock()
	e.mode.Paused = paused
	e.mu.Unlock()
}

func (e *Engine) IsPaused() bool {
	return e.Mode().Paused
}

// SetCapturing toggles retention of vanished connections. Turning it off
// prunes the stale rows on the next tick.
func (e *Engine) SetCapturing(capturing bool) {
	e.mu.Lock()
	e.mode.Capturing = capturing
	e.mu.Unlock()
}

func (e *Engine) IsCapturing() bool {
	return e.Mode().Capturing
}

// Delete drops stale records ahead of the next prune. Active records are
// left alone. It returns the number of records removed.
func (e *Engine) Delete(keys ...conntable.Key) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode.Capturing {
		return 0, ErrCapturing
	}
	n := 0
	for _, k := range keys {
		if rec, ok := e.records[k]; ok && rec.Marker == PendingRemoval {
			delete(e.records, k)
			n++
		}
	}
	if n > 0 {
		e.updateGaugesLocked()
	}
	return n, nil
}

// RegisterUpdateCallback installs fn as the only listener; nil removes it.
// fn runs on the polling goroutine after the mapping lock is released, so it
// may call Data or List but must not call Tick or Shutdown.
func (e *Engine) RegisterUpdateCallback(fn func(Update)) {
	e.mu.Lock()
	e.callback = fn
	e.mu.Unlock()
}

// StartResolver starts the privileged resolver and routes later resolutions
// through it. The start is abandoned when ctx ends or the engine shuts down.
func (e *Engine) StartResolver(ctx context.Context) error {
	p := e.opts.Privileged
	if p == nil {
		return ErrNoPrivilegedResolver
	}
	if e.ctx.Err() != nil {
		return ErrShutdown
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	if err := p.Start(ctx); err != nil {
		e.wantPrivileged.Store(false)
		if e.ctx.Err() != nil {
			return ErrShutdown
		}
		return err
	}
	if e.ctx.Err() != nil {
		// Shutdown may already have stopped the channel
		_ = p.Stop()
		return ErrShutdown
	}
	e.wantPrivileged.Store(true)
	return nil
}

// ResolverActive reports whether owners are resolved with elevated rights.
func (e *Engine) ResolverActive() bool {
	p := e.opts.Privileged
	return p != nil && e.wantPrivileged.Load() && p.Running()
}

// scheduleRestart brings a dead privileged resolver back, at most once per
// cooldown. The user refusing elevation ends the retries.
func (e *Engine) scheduleRestart() {
	if e.closed || e.ctx.Err() != nil {
		return
	}
	if !e.restartLimit.Allow() {
		return
	}
	if !e.restarting.CompareAndSwap(false, true) {
		return
	}
	e.restarts.Add(1)
	go func() {
		defer e.restarts.Done()
		defer e.restarting.Store(false)

		e.log.Info("restarting privileged resolver")
		err := e.opts.Privileged.Start(e.ctx)
		switch {
		case err == nil:
			e.log.Info("privileged resolver restarted")
		case errors.Is(err, helper.ErrElevationDenied):
			e.wantPrivileged.Store(false)
			e.log.WithError(err).Warn("elevation refused, using local resolver")
		default:
			metricResolverErrors.Inc()
			e.log.WithError(err).Warn("privileged resolver restart failed")
		}
	}()
}

// Start launches the polling loop: one tick now, then one per interval.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		go e.loop()
	})
}

func (e *Engine) loop() {
	defer close(e.done)
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		_, err := e.Tick(e.ctx)
		switch {
		case errors.Is(err, ErrSourceBroken):
			e.log.WithError(err).Error("stopping polling")
			return
		case err != nil && e.ctx.Err() == nil:
			e.log.WithError(err).Warn("tick failed")
		}

		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Done is closed when the polling loop has stopped.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the terminal error, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Shutdown stops polling, waits for a tick in flight and then stops the
// privileged resolver. Later calls return the first result.
func (e *Engine) Shutdown() error {
	e.shutdownOnce.Do(func() {
		e.cancel()
		e.startOnce.Do(func() { close(e.done) })
		<-e.done

		e.tickMu.Lock()
		e.closed = true
		e.tickMu.Unlock()

		e.restarts.Wait()
		if p := e.opts.Privileged; p != nil {
			e.shutdownErr = p.Stop()
		}
	})
	return e.shutdownErr
}
