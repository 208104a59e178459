// ABOUTME: MongoDB implementation of the driver boundary
// ABOUTME: Thin adapter over go.mongodb.org/mongo-driver with error classification

// Package mongodriver adapts the official MongoDB Go driver to the
// driver.Database interface.
package mongodriver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/kak-smko/mongodb-ro/pkg/driver"
)

// Server error codes the adapter classifies
const (
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
	codeWriteConflict         = 112
)

// Database wraps a *mongo.Database
type Database struct {
	db *mongo.Database
}

var _ driver.Database = (*Database)(nil)

// Connect dials the server, verifies it with a ping and returns a handle to dbName
func Connect(ctx context.Context, uri, dbName string) (*Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", uri, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping %s: %w", uri, err)
	}
	return Wrap(client.Database(dbName)), nil
}

// Wrap adapts an existing database handle
func Wrap(db *mongo.Database) *Database {
	return &Database{db: db}
}

// Disconnect closes the underlying client
func (d *Database) Disconnect(ctx context.Context) error {
	return d.db.Client().Disconnect(ctx)
}

// Ping checks the server is reachable
func (d *Database) Ping(ctx context.Context) error {
	return d.db.Client().Ping(ctx, readpref.Primary())
}

// Name returns the database name
func (d *Database) Name() string {
	return d.db.Name()
}

// Collection returns a collection handle
func (d *Database) Collection(name string) driver.Collection {
	return &Collection{db: d, coll: d.db.Collection(name)}
}

// StartSession starts a client session
func (d *Database) StartSession(ctx context.Context) (driver.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := d.db.Client().StartSession()
	if err != nil {
		return nil, classify(err)
	}
	return &Session{sess: sess, owner: d}, nil
}

// Session wraps a mongo.Session
type Session struct {
	sess  mongo.Session
	owner *Database

	mu    sync.Mutex
	ended bool
	inTxn bool
}

var _ driver.Session = (*Session)(nil)

// ID returns the logical session id
func (s *Session) ID() string {
	return s.sess.ID().String()
}

// StartTransaction begins a transaction
func (s *Session) StartTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return driver.ErrSessionEnded
	}
	if err := s.sess.StartTransaction(); err != nil {
		return classify(err)
	}
	s.inTxn = true
	return nil
}

// CommitTransaction commits the running transaction
func (s *Session) CommitTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return driver.ErrSessionEnded
	}
	if !s.inTxn {
		return driver.ErrNoTransaction
	}
	s.inTxn = false
	return classify(s.sess.CommitTransaction(ctx))
}

// AbortTransaction aborts the running transaction
func (s *Session) AbortTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return driver.ErrSessionEnded
	}
	if !s.inTxn {
		return driver.ErrNoTransaction
	}
	s.inTxn = false
	return classify(s.sess.AbortTransaction(ctx))
}

// EndSession ends the session, aborting any running transaction
func (s *Session) EndSession(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return
	}
	s.ended = true
	s.inTxn = false
	s.sess.EndSession(ctx)
}

// bind attaches sess to ctx
func (d *Database) bind(ctx context.Context, sess driver.Session) (context.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sess == nil {
		return ctx, nil
	}
	s, ok := sess.(*Session)
	if !ok || s == nil || s.owner.db.Client() != d.db.Client() {
		return nil, driver.ErrForeignSession
	}
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return nil, driver.ErrSessionEnded
	}
	return mongo.NewSessionContext(ctx, s.sess), nil
}

// classify maps server errors onto the driver sentinels while keeping the
// original error in the chain
func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %w", driver.ErrDuplicateKey, err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case se.HasErrorCode(codeIndexOptionsConflict), se.HasErrorCode(codeIndexKeySpecsConflict):
			return fmt.Errorf("%w: %w", driver.ErrIndexConflict, err)
		case se.HasErrorCode(codeWriteConflict):
			return fmt.Errorf("%w: %w", driver.ErrWriteConflict, err)
		}
	}
	return err
}

// storedIndex is the shape listIndexes returns
type storedIndex struct {
	Name            string `bson:"name"`
	Key             bson.D `bson:"key"`
	Unique          bool   `bson:"unique,omitempty"`
	DefaultLanguage string `bson:"default_language,omitempty"`
	Weights         bson.D `bson:"weights,omitempty"`
}

func (s storedIndex) model() driver.IndexModel {
	return driver.IndexModel{
		Name:            s.Name,
		Keys:            s.Key,
		Unique:          s.Unique,
		DefaultLanguage: s.DefaultLanguage,
		Weights:         s.Weights,
	}
}
