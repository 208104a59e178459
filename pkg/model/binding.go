// ABOUTME: Binds registered model metadata to a database handle
// ABOUTME: Runs index synchronization once and hands out per-request models

package model

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kak-smko/mongodb-ro/internal/logger"
	"github.com/kak-smko/mongodb-ro/internal/metrics"
	"github.com/kak-smko/mongodb-ro/pkg/driver"
	"github.com/kak-smko/mongodb-ro/pkg/indexsync"
	"github.com/kak-smko/mongodb-ro/pkg/modelerr"
	"github.com/kak-smko/mongodb-ro/pkg/schema"
)

// Binding ties a model's metadata to one database. It is safe for
// concurrent use and is normally created once at startup.
type Binding[T any, R any] struct {
	db      driver.Database
	coll    driver.Collection
	meta    *schema.Metadata
	syncer  *indexsync.Synchronizer
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	skipSync bool
	mu       sync.Mutex
	ready    bool
}

// Bind checks that meta describes T and R and prepares a binding on db.
// No I/O happens until Ready or New.
func Bind[T any, R any](db driver.Database, meta *schema.Metadata, opts ...Option) (*Binding[T, R], error) {
	if meta == nil {
		return nil, modelerr.Configuration("", "", "metadata is nil")
	}
	if typ := meta.Type(); typ != nil && typ != reflect.TypeOf((*T)(nil)).Elem() {
		return nil, modelerr.Configuration(meta.Collection(), "",
			"metadata registered for %s, bound as %s", typ, reflect.TypeOf((*T)(nil)).Elem())
	}
	if req := meta.ReqType(); req != nil && req != reflect.TypeOf((*R)(nil)).Elem() {
		return nil, modelerr.Configuration(meta.Collection(), "",
			"request type registered as %s, bound as %s", req, reflect.TypeOf((*R)(nil)).Elem())
	}

	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Binding[T, R]{
		db:       db,
		coll:     db.Collection(meta.Collection()),
		meta:     meta,
		log:      logger.Nop(),
		now:      o.clock,
		skipSync: o.skipSync,
	}

	var syncOpts []indexsync.Option
	if o.log != nil {
		b.log = logger.FromZerolog(*o.log).ModelLogger(meta.Collection())
		syncOpts = append(syncOpts, indexsync.WithLogger(*o.log))
	}
	if o.reg != nil {
		b.metrics = metrics.New(o.reg)
		syncOpts = append(syncOpts, indexsync.WithMetrics(o.reg))
	}
	b.syncer = indexsync.New(b.coll, meta, syncOpts...)

	return b, nil
}

// MustBind is like Bind but panics on error
func MustBind[T any, R any](db driver.Database, meta *schema.Metadata, opts ...Option) *Binding[T, R] {
	b, err := Bind[T, R](db, meta, opts...)
	if err != nil {
		panic(err)
	}
	return b
}

// Ready synchronizes the declared indexes the first time it succeeds.
// After a failure the next call tries again.
func (b *Binding[T, R]) Ready(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ready || b.skipSync {
		return nil
	}
	if _, err := b.syncer.Sync(ctx); err != nil {
		b.metrics.SetModelReady(b.meta.Collection(), false)
		return err
	}
	b.ready = true
	b.metrics.SetModelReady(b.meta.Collection(), true)
	return nil
}

// IsReady reports whether indexes have been synchronized
func (b *Binding[T, R]) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready || b.skipSync
}

// New returns a fresh model for one unit of work. It fails with an
// IndexSyncError if the declared indexes cannot be created.
func (b *Binding[T, R]) New(ctx context.Context, req R) (*Model[T, R], error) {
	if err := b.Ready(ctx); err != nil {
		return nil, err
	}
	// model_id ties together the driver calls of one unit of work
	log := b.log.WithFields(map[string]interface{}{"model_id": uuid.NewString()})
	return &Model[T, R]{b: b, log: log, req: req}, nil
}

// Metadata returns the model's metadata
func (b *Binding[T, R]) Metadata() *schema.Metadata {
	return b.meta
}

// Database returns the database handle, e.g. to start sessions
func (b *Binding[T, R]) Database() driver.Database {
	return b.db
}

// Collection returns the underlying collection handle
func (b *Binding[T, R]) Collection() driver.Collection {
	return b.coll
}

// Synchronizer returns the binding's index synchronizer
func (b *Binding[T, R]) Synchronizer() *indexsync.Synchronizer {
	return b.syncer
}
