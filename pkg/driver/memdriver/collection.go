package memdriver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/kak-smko/mongodb-ro/pkg/driver"
)

// Collection is a handle to an in-memory collection
type Collection struct {
	db   *Database
	name string
}

var _ driver.Collection = (*Collection)(nil)

// Name returns the collection name
func (c *Collection) Name() string {
	return c.name
}

func insertDoc(data *collectionData, doc bson.M) (any, error) {
	id, ok := doc["_id"]
	if !ok || id == nil {
		id = primitive.NewObjectID()
		doc["_id"] = id
	}
	key := idKey(id)
	if _, exists := data.docs.Get(key); exists {
		return nil, fmt.Errorf("%w: index %s dup key { _id: %v }", driver.ErrDuplicateKey, driver.IDIndexName, id)
	}
	if err := checkUnique(data, doc, ""); err != nil {
		return nil, err
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("memdriver: failed to encode document: %w", err)
	}
	data.seq++
	data.docs.Set(key, record{seq: data.seq, raw: raw})
	return id, nil
}

func replaceDoc(data *collectionData, key string, doc bson.M) error {
	rec, ok := data.docs.Get(key)
	if !ok {
		return fmt.Errorf("memdriver: document %s vanished", key)
	}
	if err := checkUnique(data, doc, key); err != nil {
		return err
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("memdriver: failed to encode document: %w", err)
	}
	data.docs.Set(key, record{seq: rec.seq, raw: raw})
	return nil
}

// matching returns the documents matching filter, in insertion order
func matching(data *collectionData, filter bson.M) ([]bson.M, []string, error) {
	filter, err := normalize(filter)
	if err != nil {
		return nil, nil, err
	}
	docs, keys, err := data.all()
	if err != nil {
		return nil, nil, err
	}

	var outDocs []bson.M
	var outKeys []string
	for i, doc := range docs {
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			outDocs = append(outDocs, doc)
			outKeys = append(outKeys, keys[i])
		}
	}
	return outDocs, outKeys, nil
}

// sortedMatching is matching plus a stable sort that keeps keys aligned
func sortedMatching(data *collectionData, filter bson.M, spec bson.D) ([]bson.M, []string, error) {
	docs, keys, err := matching(data, filter)
	if err != nil || len(spec) == 0 {
		return docs, keys, err
	}
	less, err := sortLess(spec)
	if err != nil {
		return nil, nil, err
	}

	order := make([]int, len(docs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return less(docs[order[i]], docs[order[j]]) })

	sortedDocs := make([]bson.M, len(docs))
	sortedKeys := make([]string, len(keys))
	for i, o := range order {
		sortedDocs[i] = docs[o]
		sortedKeys[i] = keys[o]
	}
	return sortedDocs, sortedKeys, nil
}

// InsertOne inserts a document, generating an ObjectID when _id is absent
func (c *Collection) InsertOne(ctx context.Context, sess driver.Session, doc bson.M) (any, error) {
	ids, err := c.InsertMany(ctx, sess, []bson.M{doc})
	if err != nil {
		return nil, err
	}
	return ids[0], nil
}

// InsertMany inserts documents atomically; one failure inserts nothing
func (c *Collection) InsertMany(ctx context.Context, sess driver.Session, docs []bson.M) ([]any, error) {
	ids := make([]any, 0, len(docs))
	err := c.db.withData(ctx, sess, c.name, true, func(data *collectionData) error {
		for _, doc := range docs {
			norm, err := normalize(doc)
			if err != nil {
				return err
			}
			id, err := insertDoc(data, norm)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Find returns matching documents
func (c *Collection) Find(ctx context.Context, sess driver.Session, filter bson.M, opts *driver.FindOptions) ([]bson.M, error) {
	if opts == nil {
		opts = &driver.FindOptions{}
	}
	var out []bson.M
	err := c.db.withData(ctx, sess, c.name, false, func(data *collectionData) error {
		docs, err := matchingSorted(data, filter, opts.Sort)
		if err != nil {
			return err
		}
		docs = window(docs, opts.Skip, opts.Limit)
		out = make([]bson.M, 0, len(docs))
		for _, doc := range docs {
			projected, err := project(doc, opts.Projection)
			if err != nil {
				return err
			}
			out = append(out, projected)
		}
		return nil
	})
	return out, err
}

func matchingSorted(data *collectionData, filter bson.M, spec bson.D) ([]bson.M, error) {
	docs, _, err := sortedMatching(data, filter, spec)
	return docs, err
}

// upsertInto inserts the document an upsert produces when nothing matched
func upsertInto(data *collectionData, filter, update bson.M) (any, error) {
	seed, err := upsertSeed(filter)
	if err != nil {
		return nil, err
	}
	seed, err = normalize(seed)
	if err != nil {
		return nil, err
	}
	if err := applyUpdate(seed, update, true, time.Now()); err != nil {
		return nil, err
	}
	return insertDoc(data, seed)
}

// updateOne applies update to doc and writes it back, reporting whether
// the stored document changed
func updateOne(data *collectionData, key string, doc, update bson.M) (bool, error) {
	after, err := normalize(doc)
	if err != nil {
		return false, err
	}
	if err := applyUpdate(after, update, false, time.Now()); err != nil {
		return false, err
	}
	if !valuesEqual(doc["_id"], after["_id"]) {
		return false, fmt.Errorf("memdriver: field _id is immutable")
	}
	after, err = normalize(after)
	if err != nil {
		return false, err
	}
	if docsEqual(doc, after) {
		return false, nil
	}
	return true, replaceDoc(data, key, after)
}

// FindOneAndUpdate updates the first match and returns its before-image
func (c *Collection) FindOneAndUpdate(ctx context.Context, sess driver.Session, filter, update bson.M, opts *driver.UpdateOptions) (bson.M, error) {
	if opts == nil {
		opts = &driver.UpdateOptions{}
	}
	var before bson.M
	err := c.db.withData(ctx, sess, c.name, true, func(data *collectionData) error {
		update, err := normalize(update)
		if err != nil {
			return err
		}
		docs, keys, err := sortedMatching(data, filter, opts.Sort)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			if opts.Upsert {
				_, err := upsertInto(data, filter, update)
				return err
			}
			return nil
		}
		before = docs[0]
		_, err = updateOne(data, keys[0], docs[0], update)
		return err
	})
	if err != nil {
		return nil, err
	}
	return before, nil
}

// UpdateMany updates every match
func (c *Collection) UpdateMany(ctx context.Context, sess driver.Session, filter, update bson.M, opts *driver.UpdateOptions) (*driver.UpdateResult, error) {
	if opts == nil {
		opts = &driver.UpdateOptions{}
	}
	res := &driver.UpdateResult{}
	err := c.db.withData(ctx, sess, c.name, true, func(data *collectionData) error {
		update, err := normalize(update)
		if err != nil {
			return err
		}
		docs, keys, err := matching(data, filter)
		if err != nil {
			return err
		}
		if len(docs) == 0 && opts.Upsert {
			id, err := upsertInto(data, filter, update)
			if err != nil {
				return err
			}
			res.UpsertedCount = 1
			res.UpsertedID = id
			return nil
		}
		for i, doc := range docs {
			changed, err := updateOne(data, keys[i], doc, update)
			if err != nil {
				return err
			}
			res.MatchedCount++
			if changed {
				res.ModifiedCount++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// FindOneAndDelete deletes the first match and returns it
func (c *Collection) FindOneAndDelete(ctx context.Context, sess driver.Session, filter bson.M, opts *driver.DeleteOptions) (bson.M, error) {
	if opts == nil {
		opts = &driver.DeleteOptions{}
	}
	var deleted bson.M
	err := c.db.withData(ctx, sess, c.name, true, func(data *collectionData) error {
		docs, keys, err := sortedMatching(data, filter, opts.Sort)
		if err != nil || len(docs) == 0 {
			return err
		}
		data.docs.Delete(keys[0])
		deleted = docs[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// DeleteMany deletes every match
func (c *Collection) DeleteMany(ctx context.Context, sess driver.Session, filter bson.M) (int64, error) {
	var n int64
	err := c.db.withData(ctx, sess, c.name, true, func(data *collectionData) error {
		_, keys, err := matching(data, filter)
		if err != nil {
			return err
		}
		for _, key := range keys {
			data.docs.Delete(key)
		}
		n = int64(len(keys))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// CountDocuments counts matches after skip and limit
func (c *Collection) CountDocuments(ctx context.Context, sess driver.Session, filter bson.M, opts *driver.CountOptions) (int64, error) {
	if opts == nil {
		opts = &driver.CountOptions{}
	}
	var n int64
	err := c.db.withData(ctx, sess, c.name, false, func(data *collectionData) error {
		docs, _, err := matching(data, filter)
		if err != nil {
			return err
		}
		n = int64(len(window(docs, opts.Skip, opts.Limit)))
		return nil
	})
	return n, err
}

// Distinct returns the distinct values of field across matches; array
// values contribute their elements
func (c *Collection) Distinct(ctx context.Context, sess driver.Session, field string, filter bson.M) ([]any, error) {
	var out []any
	err := c.db.withData(ctx, sess, c.name, false, func(data *collectionData) error {
		docs, _, err := matching(data, filter)
		if err != nil {
			return err
		}
		out = make([]any, 0)
		add := func(v any) {
			for _, seen := range out {
				if valuesEqual(seen, v) {
					return
				}
			}
			out = append(out, v)
		}
		for _, doc := range docs {
			v, found := lookup(doc, field)
			if !found {
				continue
			}
			if arr, ok := asArray(v); ok {
				for _, el := range arr {
					add(el)
				}
				continue
			}
			add(v)
		}
		return nil
	})
	return out, err
}

// Drop removes the collection and its indexes
func (c *Collection) Drop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	delete(c.db.collections, c.name)
	return nil
}
