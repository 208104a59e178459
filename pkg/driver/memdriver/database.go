// ABOUTME: In-memory implementation of the driver boundary
// ABOUTME: Copy-on-write btree collections with snapshot transactions

// Package memdriver is an in-memory document database used by tests, the
// example program and `mongoro serve --memory`. It mirrors the server
// behaviour the model layer depends on: unique indexes, text index listing,
// before-images from find-and-modify and snapshot-isolated transactions.
package memdriver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/btree"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/kak-smko/mongodb-ro/pkg/driver"
)

// Database is an in-memory database. Safe for concurrent use.
type Database struct {
	name string

	mu          sync.RWMutex
	collections map[string]*collectionData
	tick        uint64 // source of collection versions
}

var _ driver.Database = (*Database)(nil)

type record struct {
	seq uint64
	raw bson.Raw
}

type collectionData struct {
	docs    *btree.Map[string, record]
	indexes []driver.IndexModel
	seq     uint64
	version uint64
}

// New creates an empty database
func New(name string) *Database {
	return &Database{
		name:        name,
		collections: make(map[string]*collectionData),
	}
}

func newCollectionData() *collectionData {
	return &collectionData{docs: btree.NewMap[string, record](0)}
}

func (c *collectionData) clone() *collectionData {
	indexes := make([]driver.IndexModel, len(c.indexes))
	copy(indexes, c.indexes)
	return &collectionData{
		docs:    c.docs.Copy(),
		indexes: indexes,
		seq:     c.seq,
		version: c.version,
	}
}

// all returns the documents in insertion order
func (c *collectionData) all() ([]bson.M, []string, error) {
	type entry struct {
		key string
		rec record
	}
	entries := make([]entry, 0, c.docs.Len())
	c.docs.Scan(func(key string, rec record) bool {
		entries = append(entries, entry{key, rec})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].rec.seq < entries[j].rec.seq })

	docs := make([]bson.M, 0, len(entries))
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		doc, err := decode(e.rec.raw)
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, doc)
		keys = append(keys, e.key)
	}
	return docs, keys, nil
}

// Name returns the database name
func (db *Database) Name() string {
	return db.name
}

// Collection returns a handle; the collection is created on first write
func (db *Database) Collection(name string) driver.Collection {
	return &Collection{db: db, name: name}
}

// CollectionNames lists collections that currently exist
func (db *Database) CollectionNames() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (db *Database) session(sess driver.Session) (*Session, error) {
	if sess == nil {
		return nil, nil
	}
	s, ok := sess.(*Session)
	if !ok || s.db != db {
		return nil, driver.ErrForeignSession
	}
	return s, nil
}

// withData runs fn against a private copy of the collection and installs the
// copy only if fn succeeds and the operation writes. Inside a transaction the
// copy comes from the transaction's snapshot instead of the live data.
func (db *Database) withData(ctx context.Context, sess driver.Session, coll string, write bool, fn func(*collectionData) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := db.session(sess)
	if err != nil {
		return err
	}

	if s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.ended {
			return driver.ErrSessionEnded
		}
		if s.txn != nil {
			return s.txn.run(db, coll, write, fn)
		}
	}

	if !write {
		db.mu.RLock()
		defer db.mu.RUnlock()

		data, ok := db.collections[coll]
		if !ok {
			data = newCollectionData()
		}
		return fn(data)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	live, ok := db.collections[coll]
	if !ok {
		live = newCollectionData()
	}
	work := live.clone()
	if err := fn(work); err != nil {
		return err
	}
	db.tick++
	work.version = db.tick
	db.collections[coll] = work
	return nil
}

// StartSession opens a session
func (db *Database) StartSession(ctx context.Context) (driver.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newSession(db), nil
}

func (db *Database) liveVersion(coll string) uint64 {
	if data, ok := db.collections[coll]; ok {
		return data.version
	}
	return 0
}

func (db *Database) String() string {
	return fmt.Sprintf("memdriver(%s)", db.name)
}
