package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kak-smko/mongodb-ro/internal/metrics"
	"github.com/kak-smko/mongodb-ro/internal/server"
	"github.com/kak-smko/mongodb-ro/pkg/indexsync"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Synchronize every model and serve gRPC health and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().Int("grpc_port", 0, "gRPC health port")
	cmd.Flags().Int("metrics_port", 0, "HTTP metrics and probes port")
	cmd.Flags().Duration("sync_retry", 0, "Pause between synchronization attempts")
	return cmd
}

func (a *app) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, closeDB, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	syncers, err := a.synchronizers(db, indexsync.WithMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		return err
	}

	a.log.LogServerStart(a.cfg.GRPCPort, a.cfg.Database)

	srv := server.New(syncers, server.Options{
		Logger:  a.log,
		Metrics: metrics.NewMetrics(),
		Retry:   a.cfg.SyncRetry,
	})
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	obs := server.NewObservabilityServer(a.cfg.MetricsPort, prometheus.DefaultGatherer, srv.Ready, a.log)
	errCh := make(chan error, 2)
	go func() { errCh <- obs.Start() }()
	go func() { errCh <- srv.Serve(lis) }()

	go func() {
		if err := srv.WaitReady(ctx); err != nil {
			return
		}
		a.log.LogServerReady(a.cfg.GRPCPort, len(syncers))
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	a.log.LogServerShutdown()
	srv.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := obs.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}
