package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"tcpview/internal/config"
	"tcpview/internal/conntable"
	"tcpview/internal/helper"
	"tcpview/internal/owner"
	"tcpview/internal/tracker"
)

// Options configures the top-level controller.
type Options struct {
	// ConfigPath points to the optional config file.
	ConfigPath string
	// Config, when set, is used instead of loading ConfigPath.
	Config *config.Config
	Log    logrus.FieldLogger
	// HelperStderr receives the privileged helper's diagnostics.
	HelperStderr io.Writer
	// Capture overrides capture_on_start when true.
	Capture bool
}

// App exposes high-level operations that the CLI/TUI can reuse.
type App struct {
	cfgPath string
	cfg     config.Config
	log     logrus.FieldLogger

	engine  *tracker.Engine
	closers []io.Closer
	polling atomic.Bool
}

// ErrPolling rejects a manual Refresh while the polling loop owns the ticks.
var ErrPolling = errors.New("refresh is unavailable while polling")

var (
	newReader        = defaultReader
	newLocalResolver = defaultLocalResolver
	newChannel       = defaultChannel
)

func resetDeps() {
	newReader = defaultReader
	newLocalResolver = defaultLocalResolver
	newChannel = defaultChannel
	serveHelper = helper.Serve
}

func defaultReader(cfg config.Config) conntable.Reader {
	return conntable.NewProcReader(cfg.ProcRoot)
}

func defaultLocalResolver(cfg config.Config, log logrus.FieldLogger) (owner.Resolver, io.Closer, error) {
	s, err := owner.NewScanner(cfg.ProcRoot, cfg.OwnerCacheTTL, log)
	if err != nil {
		return nil, nil, err
	}
	return owner.NewLocal(s), s, nil
}

func defaultChannel(opts helper.Options) (tracker.Privileged, error) {
	c, err := helper.NewChannel(opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// New loads the configuration and wires reader, resolvers and engine. The
// engine does not poll until Start.
func New(opts Options) (*App, error) {
	var cfg config.Config
	if opts.Config != nil {
		cfg = *opts.Config
	} else {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.Capture {
		cfg.CaptureOnStart = true
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	a := &App{cfgPath: opts.ConfigPath, cfg: cfg, log: log}

	local, closer, err := newLocalResolver(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("owner scanner: %w", err)
	}
	a.closers = append(a.closers, closer)

	priv, err := newChannel(helper.Options{
		Elevate:         cfg.ElevateCommand,
		DeniedExitCodes: cfg.DeniedExitCodes,
		StartTimeout:    cfg.HelperStartTimeout,
		CallTimeout:     cfg.HelperTimeout,
		ProcRoot:        cfg.ProcRoot,
		Stderr:          opts.HelperStderr,
		Log:             log,
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("helper channel: %w", err)
	}

	a.engine, err = tracker.New(tracker.Options{
		Reader:           newReader(cfg),
		Local:            local,
		Privileged:       priv,
		PollInterval:     cfg.PollInterval,
		TickTimeout:      cfg.TickTimeout,
		FailureThreshold: cfg.FailureThreshold,
		ResolverCooldown: cfg.ResolverCooldown,
		Capturing:        cfg.CaptureOnStart,
		Log:              log,
	})
	if err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

// ConfigPath returns the configured config file path (if any).
func (a *App) ConfigPath() string {
	return a.cfgPath
}

// Config returns the effective configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Start begins background polling.
func (a *App) Start() {
	a.polling.Store(true)
	a.engine.Start()
}

// Done is closed when polling has stopped.
func (a *App) Done() <-chan struct{} {
	return a.engine.Done()
}

// Err returns the terminal engine error, if any.
func (a *App) Err() error {
	return a.engine.Err()
}

// OnUpdate registers the single update listener.
func (a *App) OnUpdate(fn func(tracker.Update)) {
	a.engine.RegisterUpdateCallback(fn)
}

// Refresh runs one reconciliation tick immediately. It is meant for one-shot
// use before or instead of Start.
func (a *App) Refresh(ctx context.Context) (tracker.Changes, error) {
	if a.polling.Load() {
		return tracker.Changes{}, ErrPolling
	}
	return a.engine.Tick(ctx)
}

// Close shuts the engine down, stopping the helper, and releases resources.
func (a *App) Close() error {
	var result *multierror.Error
	if a.engine != nil {
		if err := a.engine.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := a.closeAll(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (a *App) closeAll() error {
	var result *multierror.Error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}
