// ABOUTME: Terminal operations turning builder state into one driver call each
// ABOUTME: Results pass back through renaming, Cast hooks and the visibility mask

package model

import (
	"context"
	"fmt"
	"maps"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/kak-smko/mongodb-ro/pkg/driver"
	"github.com/kak-smko/mongodb-ro/pkg/modelerr"
	"github.com/kak-smko/mongodb-ro/pkg/schema"
)

// UpdateResult reports the outcome of Update. For single-document updates
// Matched and Modified are 0 or 1 and Previous holds the document as it was
// before the update, masked like any fetched document.
type UpdateResult struct {
	Matched    int64
	Modified   int64
	UpsertedID any
	Previous   bson.M
}

// DeleteResult reports the outcome of Delete. Document is set for
// single-document deletes.
type DeleteResult struct {
	Deleted  int64
	Document bson.M
}

// exec runs one driver call, logs and records it, and wraps its error
func (m *Model[T, R]) exec(op, call string, fn func() (int64, error)) error {
	start := time.Now()
	n, err := fn()
	duration := time.Since(start)

	m.log.LogDbOperation(call, duration, n, err)
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.b.metrics.RecordDbOperation(m.collection(), call, status, duration, n)

	return modelerr.Execution(m.collection(), op, err)
}

func (m *Model[T, R]) usage(op, reason string) error {
	return modelerr.Usage(m.collection(), op, reason)
}

func (m *Model[T, R]) encodeErr(op string, err error) error {
	return &modelerr.Error{Kind: modelerr.ErrUsage, Op: op, Collection: m.collection(), Err: fmt.Errorf("encode record: %w", err)}
}

func (m *Model[T, R]) decodeErr(op string, err error) error {
	return &modelerr.Error{Kind: modelerr.ErrQueryExecution, Op: op, Collection: m.collection(), Err: fmt.Errorf("decode result: %w", err)}
}

// toDoc converts a record to a document in logical names
func toDoc(v any) (bson.M, error) {
	if doc, ok := v.(bson.M); ok {
		return maps.Clone(doc), nil
	}
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decode[T any](doc bson.M) (T, error) {
	var out T
	raw, err := bson.Marshal(doc)
	if err != nil {
		return out, err
	}
	err = bson.Unmarshal(raw, &out)
	return out, err
}

// emptyID reports whether _id is left for the database to generate
func emptyID(v any) bool {
	switch id := v.(type) {
	case nil:
		return true
	case primitive.ObjectID:
		return id.IsZero()
	case string:
		return id == ""
	default:
		return false
	}
}

// prepare turns a logical document into the stored document to insert
func (b *Binding[T, R]) prepare(doc bson.M, now primitive.DateTime) bson.M {
	if doc == nil {
		doc = bson.M{}
	}
	if emptyID(doc[schema.IDField]) {
		delete(doc, schema.IDField)
	}
	stored := b.renameKeys(doc)
	b.stampCreate(stored, now)
	return stored
}

// Create inserts Data, stamping created_at and updated_at when unset. The
// generated _id and the timestamps are written back into Data. The filter is
// not consulted.
func (m *Model[T, R]) Create(ctx context.Context, sess driver.Session) (any, error) {
	doc, err := toDoc(m.Data)
	if err != nil {
		return nil, m.encodeErr(OpCreate, err)
	}

	stored, id, err := m.insert(ctx, doc, sess)
	if err != nil {
		return nil, err
	}

	logical := m.b.renameBack(stored)
	data, err := decode[T](logical)
	if err != nil {
		return id, m.decodeErr(OpCreate, err)
	}
	m.Data = data

	m.finish(ctx, OpCreate, bson.M{}, logical, sess)
	return id, nil
}

// CreateDoc inserts doc, given in logical names, like Create does for Data
func (m *Model[T, R]) CreateDoc(ctx context.Context, doc bson.M, sess driver.Session) (any, error) {
	stored, id, err := m.insert(ctx, maps.Clone(doc), sess)
	if err != nil {
		return nil, err
	}
	m.finish(ctx, OpCreate, bson.M{}, m.b.renameBack(stored), sess)
	return id, nil
}

func (m *Model[T, R]) insert(ctx context.Context, doc bson.M, sess driver.Session) (bson.M, any, error) {
	stored := m.b.prepare(doc, m.b.clock())

	var id any
	err := m.exec(OpCreate, "insert_one", func() (int64, error) {
		var err error
		id, err = m.b.coll.InsertOne(ctx, sess, stored)
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil {
		return nil, nil, err
	}
	stored[schema.IDField] = id
	return stored, id, nil
}

// CreateMany inserts records in one call. Either all are inserted or none.
// Every inserted record gets the same timestamps.
func (m *Model[T, R]) CreateMany(ctx context.Context, records []T, sess driver.Session) ([]any, error) {
	if len(records) == 0 {
		return nil, nil
	}

	now := m.b.clock()
	docs := make([]bson.M, 0, len(records))
	for _, rec := range records {
		doc, err := toDoc(rec)
		if err != nil {
			return nil, m.encodeErr(OpCreate, err)
		}
		docs = append(docs, m.b.prepare(doc, now))
	}

	var ids []any
	err := m.exec(OpCreate, "insert_many", func() (int64, error) {
		var err error
		ids, err = m.b.coll.InsertMany(ctx, sess, docs)
		return int64(len(ids)), err
	})
	if err != nil {
		return nil, err
	}

	for i, doc := range docs {
		doc[schema.IDField] = ids[i]
		m.finish(ctx, OpCreate, bson.M{}, m.b.renameBack(doc), sess)
	}
	return ids, nil
}

// Update applies patch to the first match, or to every match after All().
// Update operators are sent as given with field keys renamed; a patch without
// operators is a $set. updated_at is always set.
func (m *Model[T, R]) Update(ctx context.Context, patch bson.M, sess driver.Session) (*UpdateResult, error) {
	op := OpUpdate
	if m.q.mode == Multi {
		op = OpUpdateMany
	}
	if !m.hasFilter() && m.q.mode != Multi {
		return nil, m.usage(op, "update without a filter requires All()")
	}

	filter := m.Filter()
	update, err := m.b.renamePatch(patch)
	if err != nil {
		return nil, m.encodeErr(op, err)
	}
	m.b.stampUpdate(update, m.b.clock(), m.q.upsert)

	if m.q.mode == Multi {
		var res *driver.UpdateResult
		err := m.exec(op, "update_many", func() (int64, error) {
			var err error
			res, err = m.b.coll.UpdateMany(ctx, sess, filter, update, &driver.UpdateOptions{Upsert: m.q.upsert})
			if err != nil {
				return 0, err
			}
			return res.ModifiedCount + res.UpsertedCount, nil
		})
		if err != nil {
			return nil, err
		}
		m.finish(ctx, op, bson.M{"modified_count": res.ModifiedCount}, patch, sess)
		return &UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount, UpsertedID: res.UpsertedID}, nil
	}

	var before bson.M
	err = m.exec(op, "find_one_and_update", func() (int64, error) {
		var err error
		before, err = m.b.coll.FindOneAndUpdate(ctx, sess, filter, update, &driver.UpdateOptions{
			Upsert: m.q.upsert,
			Sort:   m.b.renameSort(m.q.sort),
		})
		if before == nil {
			return 0, err
		}
		return 1, err
	})
	if err != nil {
		return nil, err
	}

	res := &UpdateResult{}
	if before == nil {
		m.finish(ctx, op, nil, patch, sess)
		return res, nil
	}
	old := m.b.renameBack(before)
	res.Matched, res.Modified = 1, 1
	res.Previous = m.b.mask(m.cast(maps.Clone(old)), m.q.visible)
	m.finish(ctx, op, old, patch, sess)
	return res, nil
}

// Delete removes the first match, or every match after All(). Without a
// filter it is refused unless All() was called.
func (m *Model[T, R]) Delete(ctx context.Context, sess driver.Session) (*DeleteResult, error) {
	op := OpDelete
	if m.q.mode == Multi {
		op = OpDeleteMany
	}
	if !m.hasFilter() && m.q.mode != Multi {
		return nil, m.usage(op, "delete without a filter requires All()")
	}

	filter := m.Filter()

	if m.q.mode == Multi {
		var n int64
		err := m.exec(op, "delete_many", func() (int64, error) {
			var err error
			n, err = m.b.coll.DeleteMany(ctx, sess, filter)
			return n, err
		})
		if err != nil {
			return nil, err
		}
		m.finish(ctx, op, bson.M{"deleted_count": n}, nil, sess)
		return &DeleteResult{Deleted: n}, nil
	}

	var deleted bson.M
	err := m.exec(op, "find_one_and_delete", func() (int64, error) {
		var err error
		deleted, err = m.b.coll.FindOneAndDelete(ctx, sess, filter, &driver.DeleteOptions{Sort: m.b.renameSort(m.q.sort)})
		if deleted == nil {
			return 0, err
		}
		return 1, err
	})
	if err != nil {
		return nil, err
	}
	if deleted == nil {
		return &DeleteResult{}, nil
	}

	old := m.b.renameBack(deleted)
	res := &DeleteResult{
		Deleted:  1,
		Document: m.b.mask(m.cast(maps.Clone(old)), m.q.visible),
	}
	m.finish(ctx, op, old, nil, sess)
	return res, nil
}

func (m *Model[T, R]) find(ctx context.Context, op string, limit int64, sess driver.Session) ([]bson.M, error) {
	opts := &driver.FindOptions{
		Sort:  m.b.renameSort(m.q.sort),
		Skip:  m.q.skip,
		Limit: limit,
	}
	if m.q.selection != nil {
		opts.Projection = m.b.renameKeysCopy(m.q.selection)
	}
	filter := m.Filter()

	var docs []bson.M
	err := m.exec(op, "find", func() (int64, error) {
		var err error
		docs, err = m.b.coll.Find(ctx, sess, filter, opts)
		return int64(len(docs)), err
	})
	if err != nil {
		return nil, err
	}

	for i := range docs {
		docs[i] = m.present(docs[i])
	}
	return docs, nil
}

func decodeAll[T any](docs []bson.M) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := decode[T](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// GetDocs fetches every match as documents in logical names. The mode is
// left unchanged.
func (m *Model[T, R]) GetDocs(ctx context.Context, sess driver.Session) ([]bson.M, error) {
	return m.find(ctx, "get", m.q.limit, sess)
}

// Get fetches every match
func (m *Model[T, R]) Get(ctx context.Context, sess driver.Session) ([]T, error) {
	docs, err := m.GetDocs(ctx, sess)
	if err != nil {
		return nil, err
	}
	out, err := decodeAll[T](docs)
	if err != nil {
		return nil, m.decodeErr("get", err)
	}
	return out, nil
}

// FirstDoc fetches the first match, or nil. It commits the model to Single.
func (m *Model[T, R]) FirstDoc(ctx context.Context, sess driver.Session) (bson.M, error) {
	m.q.mode = Single
	docs, err := m.find(ctx, "first", 1, sess)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// First fetches the first match, or nil. It commits the model to Single.
func (m *Model[T, R]) First(ctx context.Context, sess driver.Session) (*T, error) {
	doc, err := m.FirstDoc(ctx, sess)
	if err != nil || doc == nil {
		return nil, err
	}
	v, err := decode[T](doc)
	if err != nil {
		return nil, m.decodeErr("first", err)
	}
	return &v, nil
}

// Count counts matches, honoring Skip and Limit
func (m *Model[T, R]) Count(ctx context.Context, sess driver.Session) (int64, error) {
	filter := m.Filter()
	var n int64
	err := m.exec("count", "count_documents", func() (int64, error) {
		var err error
		n, err = m.b.coll.CountDocuments(ctx, sess, filter, &driver.CountOptions{Skip: m.q.skip, Limit: m.q.limit})
		return 0, err
	})
	return n, err
}

// Distinct returns the distinct values of field among matches. Hidden
// fields must be made visible first.
func (m *Model[T, R]) Distinct(ctx context.Context, field string, sess driver.Session) ([]any, error) {
	if f, ok := m.b.meta.Field(field); ok && f.Hidden && !m.q.visible[field] {
		return nil, m.usage("distinct", fmt.Sprintf("field %s is hidden", field))
	}

	filter := m.Filter()
	var values []any
	err := m.exec("distinct", "distinct", func() (int64, error) {
		var err error
		values, err = m.b.coll.Distinct(ctx, sess, m.b.meta.DBName(field), filter)
		return int64(len(values)), err
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// AggregateDocs runs pipeline as given, in stored field names, and returns
// the output documents renamed, cast and masked. The builder filter is not
// applied.
func (m *Model[T, R]) AggregateDocs(ctx context.Context, pipeline []bson.D, sess driver.Session) ([]bson.M, error) {
	var docs []bson.M
	err := m.exec("aggregate", "aggregate", func() (int64, error) {
		var err error
		docs, err = m.b.coll.Aggregate(ctx, sess, pipeline)
		return int64(len(docs)), err
	})
	if err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i] = m.present(docs[i])
	}
	return docs, nil
}

// Aggregate is AggregateDocs decoded into T
func (m *Model[T, R]) Aggregate(ctx context.Context, pipeline []bson.D, sess driver.Session) ([]T, error) {
	docs, err := m.AggregateDocs(ctx, pipeline, sess)
	if err != nil {
		return nil, err
	}
	out, err := decodeAll[T](docs)
	if err != nil {
		return nil, m.decodeErr("aggregate", err)
	}
	return out, nil
}
