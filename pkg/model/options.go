package model

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type options struct {
	log      *zerolog.Logger
	reg      prometheus.Registerer
	clock    func() time.Time
	skipSync bool
}

// Option configures a Binding
type Option func(*options)

// WithLogger logs driver calls (debug) and index synchronization (info)
func WithLogger(z zerolog.Logger) Option {
	return func(o *options) {
		o.log = &z
	}
}

// WithMetrics records driver calls and index synchronization in reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.reg = reg
	}
}

// WithClock replaces time.Now for timestamps
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

// WithoutIndexSync skips index synchronization, for callers that manage
// indexes elsewhere (e.g. `mongoro indexes sync` at deploy time)
func WithoutIndexSync() Option {
	return func(o *options) {
		o.skipSync = true
	}
}
