// ABOUTME: Interface boundary to the document database driver
// ABOUTME: Implemented by the MongoDB adapter and the in-memory driver

// Package driver defines the operations the model layer needs from a
// document database. Every operation takes a context and an optional
// session; a nil session runs the operation outside any transaction.
package driver

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrDuplicateKey indicates a unique index violation
	ErrDuplicateKey = errors.New("driver: duplicate key")

	// ErrWriteConflict indicates a transaction lost a write conflict
	ErrWriteConflict = errors.New("driver: write conflict")

	// ErrIndexConflict indicates an index that clashes with an existing one
	ErrIndexConflict = errors.New("driver: index conflict")

	// ErrUnsupported indicates an operator or stage the driver cannot run
	ErrUnsupported = errors.New("driver: unsupported operation")

	// ErrSessionEnded indicates use of a session after EndSession
	ErrSessionEnded = errors.New("driver: session ended")

	// ErrNoTransaction indicates commit/abort without a running transaction
	ErrNoTransaction = errors.New("driver: no transaction in progress")

	// ErrForeignSession indicates a session created by another driver
	ErrForeignSession = errors.New("driver: session belongs to another driver")
)

// Database is a handle to one database. Safe for concurrent use.
type Database interface {
	Name() string
	Collection(name string) Collection
	StartSession(ctx context.Context) (Session, error)
}

// Session is a caller-owned handle for transactional work.
// A session must not be used by two goroutines at once.
type Session interface {
	ID() string
	StartTransaction() error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	EndSession(ctx context.Context)
}

// Collection is a handle to one collection. Safe for concurrent use.
type Collection interface {
	Name() string

	InsertOne(ctx context.Context, sess Session, doc bson.M) (any, error)
	InsertMany(ctx context.Context, sess Session, docs []bson.M) ([]any, error)
	Find(ctx context.Context, sess Session, filter bson.M, opts *FindOptions) ([]bson.M, error)

	// FindOneAndUpdate returns the document as it was before the update,
	// or nil if nothing matched.
	FindOneAndUpdate(ctx context.Context, sess Session, filter, update bson.M, opts *UpdateOptions) (bson.M, error)
	UpdateMany(ctx context.Context, sess Session, filter, update bson.M, opts *UpdateOptions) (*UpdateResult, error)

	// FindOneAndDelete returns the deleted document, or nil if nothing matched.
	FindOneAndDelete(ctx context.Context, sess Session, filter bson.M, opts *DeleteOptions) (bson.M, error)
	DeleteMany(ctx context.Context, sess Session, filter bson.M) (int64, error)

	CountDocuments(ctx context.Context, sess Session, filter bson.M, opts *CountOptions) (int64, error)
	Distinct(ctx context.Context, sess Session, field string, filter bson.M) ([]any, error)
	Aggregate(ctx context.Context, sess Session, pipeline []bson.D) ([]bson.M, error)

	ListIndexes(ctx context.Context) ([]IndexModel, error)
	CreateIndex(ctx context.Context, idx IndexModel) (string, error)
	DropIndex(ctx context.Context, name string) error
	Drop(ctx context.Context) error
}

// FindOptions shapes a find
type FindOptions struct {
	Sort       bson.D
	Skip       int64
	Limit      int64
	Projection bson.M
}

// UpdateOptions shapes an update
type UpdateOptions struct {
	Upsert bool
	Sort   bson.D // Single-document updates only
}

// DeleteOptions shapes a single-document delete
type DeleteOptions struct {
	Sort bson.D
}

// CountOptions shapes a count
type CountOptions struct {
	Skip  int64
	Limit int64
}

// UpdateResult reports the outcome of a multi-document update
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedCount int64
	UpsertedID    any
}

// IndexModel describes one index as stored by the database
type IndexModel struct {
	Name            string `yaml:"name,omitempty"`
	Keys            bson.D `yaml:"-"`
	Unique          bool   `yaml:"unique,omitempty"`
	DefaultLanguage string `yaml:"default_language,omitempty"`
	Weights         bson.D `yaml:"-"` // Text indexes list their fields here
}

// IDIndexName is the name of the mandatory primary key index
const IDIndexName = "_id_"
