// Package metrics provides Prometheus metrics for mongoro
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the model layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Database metrics
	DbOperationsTotal   *prometheus.CounterVec
	DbOperationDuration *prometheus.HistogramVec
	DbDocumentsTotal    *prometheus.CounterVec

	// Index synchronization metrics
	IndexSyncRunsTotal  *prometheus.CounterVec
	IndexesCreatedTotal *prometheus.CounterVec
	IndexesDroppedTotal *prometheus.CounterVec
	ModelsReady         *prometheus.GaugeVec

	// Server metrics
	ServerUptimeSeconds prometheus.GaugeFunc
	ServerStartTime     time.Time
}

// NewMetrics registers the metric set with the default registry
func NewMetrics() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// New registers the metric set with reg. Registering twice against the same
// registry reuses the collectors already there, so several bindings can
// share one registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.GrpcRequestsTotal = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoro_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	))

	m.GrpcRequestDuration = register(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongoro_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	))

	m.GrpcRequestsInFlight = register(reg, prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mongoro_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	))

	m.DbOperationsTotal = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoro_db_operations_total",
			Help: "Total number of driver calls issued by models",
		},
		[]string{"collection", "operation", "status"},
	))

	m.DbOperationDuration = register(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongoro_db_operation_duration_seconds",
			Help:    "Duration of driver calls in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"collection", "operation"},
	))

	m.DbDocumentsTotal = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoro_db_documents_total",
			Help: "Documents returned, inserted, updated or deleted by models",
		},
		[]string{"collection", "operation"},
	))

	m.IndexSyncRunsTotal = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoro_index_sync_runs_total",
			Help: "Total number of index synchronization runs",
		},
		[]string{"collection", "status"},
	))

	m.IndexesCreatedTotal = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoro_indexes_created_total",
			Help: "Total number of indexes created by synchronization",
		},
		[]string{"collection"},
	))

	m.IndexesDroppedTotal = register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoro_indexes_dropped_total",
			Help: "Total number of indexes dropped by prune or rollback",
		},
		[]string{"collection"},
	))

	m.ModelsReady = register(reg, prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongoro_model_ready",
			Help: "1 when the model's indexes are synchronized",
		},
		[]string{"collection"},
	))

	start := m.ServerStartTime
	m.ServerUptimeSeconds = register(reg, prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mongoro_uptime_seconds",
			Help: "Seconds since the metric set was created",
		},
		func() float64 { return time.Since(start).Seconds() },
	))

	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDbOperation records one driver call and the documents it touched
func (m *Metrics) RecordDbOperation(collection, operation, status string, duration time.Duration, docs int64) {
	if m == nil {
		return
	}
	m.DbOperationsTotal.WithLabelValues(collection, operation, status).Inc()
	m.DbOperationDuration.WithLabelValues(collection, operation).Observe(duration.Seconds())
	if docs > 0 {
		m.DbDocumentsTotal.WithLabelValues(collection, operation).Add(float64(docs))
	}
}

// RecordIndexSync records one synchronization run
func (m *Metrics) RecordIndexSync(collection, status string, created, dropped int) {
	if m == nil {
		return
	}
	m.IndexSyncRunsTotal.WithLabelValues(collection, status).Inc()
	if created > 0 {
		m.IndexesCreatedTotal.WithLabelValues(collection).Add(float64(created))
	}
	if dropped > 0 {
		m.IndexesDroppedTotal.WithLabelValues(collection).Add(float64(dropped))
	}
}

// SetModelReady flips the readiness gauge for a collection
func (m *Metrics) SetModelReady(collection string, ready bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	m.ModelsReady.WithLabelValues(collection).Set(v)
}
