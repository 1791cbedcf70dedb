package main

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"tcpview/internal/app"
	"tcpview/internal/config"
	"tcpview/internal/logging"
	"tcpview/internal/tracker"
	"tcpview/internal/tui"
)

type controllerAPI interface {
	tui.Controller
	Refresh(ctx context.Context) (tracker.Changes, error)
	Close() error
}

var controllerFactory = func(opts app.Options) (controllerAPI, error) {
	a, err := app.New(opts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// openController loads the config, sets up logging and builds the app.
// Logs go to the configured file, or to fallback when none is set.
func openController(fallback io.Writer, capture bool) (controllerAPI, logrus.FieldLogger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log, logCloser, err := logging.New(cfg.LogLevel, cfg.LogFile, fallback)
	if err != nil {
		return nil, nil, nil, err
	}

	ctrl, err := controllerFactory(app.Options{
		ConfigPath:   configPath,
		Config:       &cfg,
		Log:          log,
		HelperStderr: log.Out,
		Capture:      capture,
	})
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		if err := ctrl.Close(); err != nil {
			log.WithError(err).Warn("shutdown finished with errors")
		}
		_ = logCloser.Close()
	}
	return ctrl, log, cleanup, nil
}
