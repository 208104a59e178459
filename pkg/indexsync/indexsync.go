// ABOUTME: Reconciles a collection's live indexes with a model's field declarations
// ABOUTME: Non-destructive idempotent sync plus an explicit prune operation

// Package indexsync keeps the physical indexes of a collection in line with
// the indexes declared on a model's fields.
//
// Sync only ever adds indexes. Removing indexes that are no longer declared
// is a separate, explicit operation (Prune).
package indexsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/kak-smko/mongodb-ro/internal/logger"
	"github.com/kak-smko/mongodb-ro/internal/metrics"
	"github.com/kak-smko/mongodb-ro/pkg/driver"
	"github.com/kak-smko/mongodb-ro/pkg/modelerr"
	"github.com/kak-smko/mongodb-ro/pkg/schema"
)

// Synchronizer reconciles one collection. Safe for concurrent use as long as
// the underlying collection is.
type Synchronizer struct {
	coll    driver.Collection
	meta    *schema.Metadata
	log     *logger.Logger
	metrics *metrics.Metrics
}

// Option configures a Synchronizer
type Option func(*Synchronizer)

// WithLogger sets the logger; the default discards output
func WithLogger(z zerolog.Logger) Option {
	return func(s *Synchronizer) {
		s.log = logger.FromZerolog(z).IndexLogger(s.meta.Collection())
	}
}

// WithMetrics records runs in reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Synchronizer) {
		s.metrics = metrics.New(reg)
	}
}

// New creates a Synchronizer for the collection described by meta
func New(coll driver.Collection, meta *schema.Metadata, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		coll: coll,
		meta: meta,
		log:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Collection returns the name of the reconciled collection
func (s *Synchronizer) Collection() string {
	return s.meta.Collection()
}

// Entry is one index in a plan
type Entry struct {
	Name   string            `yaml:"name"`
	Key    string            `yaml:"key"`
	Unique bool              `yaml:"unique,omitempty"`
	Model  driver.IndexModel `yaml:"-"`
}

func entryFor(idx driver.IndexModel) Entry {
	return Entry{
		Name:   idx.Name,
		Key:    driver.CanonicalKeys(idx),
		Unique: idx.Unique,
		Model:  idx,
	}
}

// Plan is the difference between declared and live indexes
type Plan struct {
	Collection string  `yaml:"collection"`
	Present    []Entry `yaml:"present"`
	Missing    []Entry `yaml:"missing"`
	Undeclared []Entry `yaml:"undeclared"`
}

// InSync reports whether nothing needs to be created
func (p *Plan) InSync() bool {
	return len(p.Missing) == 0
}

// Report summarizes a Sync or Prune run
type Report struct {
	Collection string        `yaml:"collection"`
	Created    []string      `yaml:"created,omitempty"`
	Existing   []string      `yaml:"existing,omitempty"`
	Dropped    []string      `yaml:"dropped,omitempty"`
	Duration   time.Duration `yaml:"duration"`
}

// Declared returns the index every indexed field of meta requires,
// in field order
func Declared(meta *schema.Metadata) []driver.IndexModel {
	fields := meta.Indexed()
	out := make([]driver.IndexModel, 0, len(fields))
	for _, f := range fields {
		keys := bson.D{{Key: f.DBName, Value: f.Index.KeyValue()}}
		idx := driver.IndexModel{
			Name:   driver.DefaultIndexName(keys),
			Keys:   keys,
			Unique: f.Index.Unique,
		}
		if f.Index.Kind == schema.Text {
			idx.DefaultLanguage = f.Index.Language
		}
		out = append(out, idx)
	}
	return out
}

func signature(idx driver.IndexModel) string {
	return fmt.Sprintf("%s|unique=%t", driver.CanonicalKeys(idx), idx.Unique)
}

// Plan compares the declared indexes with the live ones
func (s *Synchronizer) Plan(ctx context.Context) (*Plan, error) {
	live, err := s.coll.ListIndexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}

	liveBySig := make(map[string]driver.IndexModel, len(live))
	for _, idx := range live {
		liveBySig[signature(idx)] = idx
	}

	plan := &Plan{Collection: s.meta.Collection()}
	declared := make(map[string]bool)
	for _, want := range Declared(s.meta) {
		sig := signature(want)
		declared[sig] = true
		if have, ok := liveBySig[sig]; ok {
			plan.Present = append(plan.Present, entryFor(have))
			continue
		}
		plan.Missing = append(plan.Missing, entryFor(want))
	}

	for _, idx := range live {
		if idx.Name == driver.IDIndexName || declared[signature(idx)] {
			continue
		}
		plan.Undeclared = append(plan.Undeclared, entryFor(idx))
	}
	return plan, nil
}

// Sync creates every declared index that is missing. Running it again is a
// no-op. If any creation fails, indexes created by this run are dropped again
// and the per-index failures are returned in one IndexSyncError.
func (s *Synchronizer) Sync(ctx context.Context) (*Report, error) {
	start := time.Now()
	collection := s.meta.Collection()

	plan, err := s.Plan(ctx)
	if err != nil {
		s.metrics.RecordIndexSync(collection, "error", 0, 0)
		return nil, modelerr.IndexSync(collection, err)
	}

	report := &Report{Collection: collection}
	for _, e := range plan.Present {
		report.Existing = append(report.Existing, e.Name)
	}

	var created []string
	var failures []error
	for _, e := range plan.Missing {
		name, err := s.coll.CreateIndex(ctx, e.Model)
		if err != nil {
			s.log.Warn("Index creation failed").Str("index", e.Name).Err(err).Send()
			failures = append(failures, fmt.Errorf("index %s (%s): %w", e.Name, e.Key, err))
			continue
		}
		s.log.Info("Index created").Str("index", name).Str("key", e.Key).Bool("unique", e.Model.Unique).Send()
		created = append(created, name)
	}

	if len(failures) > 0 {
		dropped, rollbackErr := s.drop(context.WithoutCancel(ctx), created)
		if rollbackErr != nil {
			failures = append(failures, fmt.Errorf("rollback: %w", rollbackErr))
		}
		s.metrics.RecordIndexSync(collection, "error", len(created), len(dropped))
		return nil, modelerr.IndexSync(collection, errors.Join(failures...))
	}

	report.Created = created
	report.Duration = time.Since(start)
	s.metrics.RecordIndexSync(collection, "ok", len(created), 0)
	s.log.Debug("Indexes synchronized").
		Int("created", len(created)).
		Int("existing", len(report.Existing)).
		Dur("duration_ms", report.Duration).
		Send()
	return report, nil
}

// Prune drops live indexes that no field declares. The _id_ index is never
// touched. This is the only destructive operation in the package.
func (s *Synchronizer) Prune(ctx context.Context) (*Report, error) {
	start := time.Now()
	collection := s.meta.Collection()

	plan, err := s.Plan(ctx)
	if err != nil {
		return nil, &modelerr.Error{Kind: modelerr.ErrIndexSync, Op: "prune_indexes", Collection: collection, Err: err}
	}

	names := make([]string, 0, len(plan.Undeclared))
	for _, e := range plan.Undeclared {
		names = append(names, e.Name)
	}
	dropped, err := s.drop(ctx, names)
	s.metrics.RecordIndexSync(collection, statusOf(err), 0, len(dropped))
	if err != nil {
		return nil, &modelerr.Error{Kind: modelerr.ErrIndexSync, Op: "prune_indexes", Collection: collection, Err: err}
	}

	return &Report{Collection: collection, Dropped: dropped, Duration: time.Since(start)}, nil
}

func (s *Synchronizer) drop(ctx context.Context, names []string) ([]string, error) {
	var dropped []string
	var errs []error
	for _, name := range names {
		if err := s.coll.DropIndex(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("drop %s: %w", name, err))
			continue
		}
		s.log.Info("Index dropped").Str("index", name).Send()
		dropped = append(dropped, name)
	}
	return dropped, errors.Join(errs...)
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
