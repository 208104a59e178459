// Package server exposes model readiness over gRPC health checking
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kak-smko/mongodb-ro/internal/logger"
	"github.com/kak-smko/mongodb-ro/internal/metrics"
	"github.com/kak-smko/mongodb-ro/pkg/indexsync"
)

// Server reports one health service per model collection. A collection is
// SERVING once its declared indexes are synchronized; the overall service
// ("") is SERVING once every collection is.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	syncers []*indexsync.Synchronizer
	log     *logger.Logger
	metrics *metrics.Metrics
	retry   time.Duration

	mu    sync.RWMutex
	ready map[string]bool
}

// Options configures a Server
type Options struct {
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Retry   time.Duration // Pause between synchronization passes in WaitReady
}

// New creates a server for the given synchronizers. Every collection starts
// NOT_SERVING.
func New(syncers []*indexsync.Synchronizer, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Retry <= 0 {
		opts.Retry = 5 * time.Second
	}

	s := &Server{
		health:  health.NewServer(),
		syncers: syncers,
		log:     opts.Logger.GrpcLogger("health"),
		metrics: opts.Metrics,
		retry:   opts.Retry,
		ready:   make(map[string]bool, len(syncers)),
	}

	var interceptors []grpc.ServerOption
	if opts.Metrics != nil {
		interceptors = append(interceptors, grpc.UnaryInterceptor(GrpcMetricsInterceptor(opts.Metrics, opts.Logger)))
	}
	s.grpc = grpc.NewServer(interceptors...)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, sy := range syncers {
		s.health.SetServingStatus(sy.Collection(), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// SyncAll runs one synchronization pass over every collection that is not
// ready yet and updates the health statuses
func (s *Server) SyncAll(ctx context.Context) error {
	var errs []error
	for _, sy := range s.syncers {
		name := sy.Collection()
		if s.isReady(name) {
			continue
		}

		if _, err := sy.Sync(ctx); err != nil {
			s.log.Warn("Model not ready").Str("collection", name).Err(err).Send()
			s.metrics.SetModelReady(name, false)
			errs = append(errs, err)
			continue
		}

		s.mu.Lock()
		s.ready[name] = true
		s.mu.Unlock()
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
		s.metrics.SetModelReady(name, true)
		s.log.Info("Model ready").Str("collection", name).Send()
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return nil
}

// WaitReady repeats SyncAll until every collection is ready or ctx ends
func (s *Server) WaitReady(ctx context.Context) error {
	for {
		err := s.SyncAll(ctx)
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("models not ready: %w", errors.Join(err, ctx.Err()))
		case <-time.After(s.retry):
		}
	}
}

func (s *Server) isReady(collection string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready[collection]
}

// Ready reports whether every collection is synchronized
func (s *Server) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sy := range s.syncers {
		if !s.ready[sy.Collection()] {
			return false
		}
	}
	return true
}

// Serve accepts gRPC connections on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops gracefully
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
