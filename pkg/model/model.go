// ABOUTME: Per-request model instance holding record data and query state
// ABOUTME: Optional hooks let record types react to writes and shape reads

// Package model is a typed layer over one collection per record type.
//
// A Binding is created once per record type and database; every unit of work
// gets its own Model from Binding.New, chains builder calls onto it and ends
// with one terminal operation (Create, Get, First, Update, Delete, ...).
//
//	users := model.MustBind[User, Request](db, userMeta)
//	m, err := users.New(ctx, req)
//	doc, err := m.Where(bson.M{"name": "Smko"}).Visible("password").First(ctx, nil)
//
// A Model is not safe for concurrent use.
package model

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kak-smko/mongodb-ro/internal/logger"
	"github.com/kak-smko/mongodb-ro/pkg/driver"
)

// Mode is the cardinality a terminal operation applies to
type Mode int

const (
	Unspecified Mode = iota
	Single
	Multi
)

func (m Mode) String() string {
	switch m {
	case Single:
		return "single"
	case Multi:
		return "multi"
	default:
		return "unspecified"
	}
}

// Operation names passed to Finisher hooks
const (
	OpCreate     = "create"
	OpUpdate     = "update"
	OpUpdateMany = "update_many"
	OpDelete     = "delete"
	OpDeleteMany = "delete_many"
)

// Finisher is implemented by record types (on *T) that want to observe
// successful writes. old and new are in logical field names. For single
// updates old is the document before the update; for many-document writes it
// carries the affected count.
type Finisher[R any] interface {
	Finish(ctx context.Context, req R, op string, old, new bson.M, sess driver.Session)
}

// Caster is implemented by record types (on *T) that reshape each fetched
// document before hidden fields are masked.
type Caster[R any] interface {
	Cast(doc bson.M, req R) bson.M
}

type queryState struct {
	filters   []bson.M
	visible   map[string]bool
	mode      Mode
	sort      bson.D
	skip      int64
	limit     int64
	selection bson.M
	upsert    bool
}

// Model is one unit of work against a bound collection. Data holds the
// field values used by Create.
type Model[T any, R any] struct {
	Data T

	b   *Binding[T, R]
	log *logger.Logger
	req R
	q   queryState
}

// Request returns the request value hooks receive
func (m *Model[T, R]) Request() R {
	return m.req
}

// SetRequest replaces the request value
func (m *Model[T, R]) SetRequest(req R) *Model[T, R] {
	m.req = req
	return m
}

// Binding returns the binding this model was created from
func (m *Model[T, R]) Binding() *Binding[T, R] {
	return m.b
}

func (m *Model[T, R]) collection() string {
	return m.b.meta.Collection()
}

func (m *Model[T, R]) finish(ctx context.Context, op string, old, new bson.M, sess driver.Session) {
	if f, ok := any(&m.Data).(Finisher[R]); ok {
		f.Finish(ctx, m.req, op, old, new, sess)
	}
}

func (m *Model[T, R]) cast(doc bson.M) bson.M {
	if c, ok := any(&m.Data).(Caster[R]); ok {
		if out := c.Cast(doc, m.req); out != nil {
			return out
		}
	}
	return doc
}
