package memdriver

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/kak-smko/mongodb-ro/pkg/driver"
)

// Session is an in-memory session. Transactions see a snapshot of every
// collection taken on first access and commit only if none of the
// collections they wrote to changed in the meantime.
type Session struct {
	id string
	db *Database

	mu    sync.Mutex
	ended bool
	txn   *transaction
}

var _ driver.Session = (*Session)(nil)

type transaction struct {
	views map[string]*collectionData
	base  map[string]uint64
	dirty map[string]bool
}

func newSession(db *Database) *Session {
	return &Session{id: uuid.NewString(), db: db}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// StartTransaction begins a transaction on the session
func (s *Session) StartTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return driver.ErrSessionEnded
	}
	if s.txn != nil {
		return errors.New("memdriver: transaction already in progress")
	}
	s.txn = &transaction{
		views: make(map[string]*collectionData),
		base:  make(map[string]uint64),
		dirty: make(map[string]bool),
	}
	return nil
}

// CommitTransaction installs the transaction's writes or fails with
// driver.ErrWriteConflict. The transaction is over either way.
func (s *Session) CommitTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return driver.ErrSessionEnded
	}
	if s.txn == nil {
		return driver.ErrNoTransaction
	}
	txn := s.txn
	s.txn = nil
	if err := ctx.Err(); err != nil {
		return err
	}

	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()

	for coll := range txn.dirty {
		if db.liveVersion(coll) != txn.base[coll] {
			return driver.ErrWriteConflict
		}
	}
	for coll := range txn.dirty {
		view := txn.views[coll]
		db.tick++
		view.version = db.tick
		db.collections[coll] = view
	}
	return nil
}

// AbortTransaction discards the transaction's writes
func (s *Session) AbortTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return driver.ErrSessionEnded
	}
	if s.txn == nil {
		return driver.ErrNoTransaction
	}
	s.txn = nil
	return nil
}

// EndSession aborts any running transaction and closes the session
func (s *Session) EndSession(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txn = nil
	s.ended = true
}

// run executes fn against the transaction's view of coll
func (t *transaction) run(db *Database, coll string, write bool, fn func(*collectionData) error) error {
	view, ok := t.views[coll]
	if !ok {
		db.mu.RLock()
		live, exists := db.collections[coll]
		if exists {
			view = live.clone()
		} else {
			view = newCollectionData()
		}
		t.base[coll] = view.version
		db.mu.RUnlock()
		t.views[coll] = view
	}

	if !write {
		return fn(view)
	}
	work := view.clone()
	if err := fn(work); err != nil {
		return err
	}
	t.views[coll] = work
	t.dirty[coll] = true
	return nil
}
