package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tcpview/internal/app"
	"tcpview/internal/config"
	"tcpview/internal/logging"
)

// runHelper is entered when the binary is re-executed with elevated rights.
func runHelper(cmd *cobra.Command) error {
	if helperSocket == "" {
		return errors.New("--socket is required in helper mode")
	}
	cfg, err := helperConfig()
	if err != nil {
		return err
	}
	log, closer, err := logging.New(cfg.LogLevel, "", os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.RunHelper(ctx, app.HelperParams{
		SocketPath: helperSocket,
		ClientUID:  helperUID,
		Stdin:      os.Stdin,
		ProcRoot:   cfg.ProcRoot,
		CacheTTL:   cfg.OwnerCacheTTL,
		Log:        log.WithField("component", "helper"),
	})
}

func helperConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	// the elevated environment is scrubbed, so the parent passes its proc root
	if helperProcRoot != "" {
		cfg.ProcRoot = helperProcRoot
	}
	return cfg, nil
}
