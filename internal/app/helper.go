package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"tcpview/internal/config"
	"tcpview/internal/helper"
	"tcpview/internal/owner"
)

// HelperParams configures the privileged helper process.
type HelperParams struct {
	SocketPath string
	ClientUID  int
	Stdin      io.Reader
	ProcRoot   string
	CacheTTL   time.Duration
	Log        logrus.FieldLogger
}

var serveHelper = helper.Serve

// RunHelper serves owner lookups to the parent viewer until it goes away.
func RunHelper(ctx context.Context, p HelperParams) error {
	if p.SocketPath == "" {
		return errors.New("helper socket path is required")
	}
	if p.ClientUID < 0 {
		return fmt.Errorf("invalid client uid: %d", p.ClientUID)
	}
	defaults := config.Default()
	if p.ProcRoot == "" {
		p.ProcRoot = defaults.ProcRoot
	}
	if p.CacheTTL <= 0 {
		p.CacheTTL = defaults.OwnerCacheTTL
	}
	if p.Log == nil {
		p.Log = logrus.StandardLogger()
	}

	scanner, err := owner.NewScanner(p.ProcRoot, p.CacheTTL, p.Log)
	if err != nil {
		return fmt.Errorf("owner scanner: %w", err)
	}
	defer scanner.Close()

	return serveHelper(ctx, helper.ServeOptions{
		SocketPath: p.SocketPath,
		ClientUID:  p.ClientUID,
		Stdin:      p.Stdin,
		Resolver:   scanner,
		Log:        p.Log,
	})
}
