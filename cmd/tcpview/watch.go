package main

import (
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tcpview/internal/conntable"
	"tcpview/internal/tracker"
)

var (
	watchCapture     bool
	watchMetricsAddr string
)

func init() {
	rootCmd.AddCommand(cmdWatch)

	cmdWatch.Flags().BoolVar(&watchCapture, "capture", false, "Keep vanished connections as stale rows")
	cmdWatch.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9310")
}

var cmdWatch = &cobra.Command{
	Use:   "watch",
	Short: "Poll continuously and log connection changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, log, cleanup, err := openController(cmd.ErrOrStderr(), watchCapture)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			srv := metricsServer(watchMetricsAddr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.WithError(err).Error("metrics server stopped")
				}
			}()
			defer srv.Close()
			log.WithField("addr", watchMetricsAddr).Info("serving metrics")
		}

		ctrl.OnUpdate(func(u tracker.Update) { logChanges(log, u) })
		ctrl.Start()

		select {
		case <-ctx.Done():
			return nil
		case <-ctrl.Done():
			return ctrl.Err()
		}
	},
}

func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func logChanges(log logrus.FieldLogger, u tracker.Update) {
	emit := func(kind string, keys []conntable.Key) {
		for _, k := range keys {
			log.WithFields(logrus.Fields{
				"seq":    u.Seq,
				"change": kind,
				"conn":   k.String(),
			}).Info("connection changed")
		}
	}
	emit("added", u.Changes.Added)
	emit("updated", u.Changes.Updated)
	emit("stale", u.Changes.Stale)
	emit("removed", u.Changes.Removed)
	log.WithField("seq", u.Seq).Debugf("%d changes", u.Changes.Len())
}
