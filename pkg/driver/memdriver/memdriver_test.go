// ABOUTME: Tests for the in-memory driver
// ABOUTME: Covers CRUD, index management, aggregation and transactions

package memdriver

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/kak-smko/mongodb-ro/pkg/driver"
)

func seed(t *testing.T, coll driver.Collection, docs ...bson.M) {
	t.Helper()
	if _, err := coll.InsertMany(context.Background(), nil, docs); err != nil {
		t.Fatalf("Failed to seed documents: %v", err)
	}
}

func names(docs []bson.M) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		s, _ := d["name"].(string)
		out = append(out, s)
	}
	return out
}

func TestInsertGeneratesObjectID(t *testing.T) {
	coll := New("test").Collection("users")

	id, err := coll.InsertOne(context.Background(), nil, bson.M{"name": "smko"})
	if err != nil {
		t.Fatalf("InsertOne failed: %v", err)
	}
	if _, ok := id.(primitive.ObjectID); !ok {
		t.Fatalf("Expected ObjectID, got %T", id)
	}

	docs, err := coll.Find(context.Background(), nil, bson.M{"_id": id}, nil)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(docs) != 1 || docs[0]["name"] != "smko" {
		t.Fatalf("Expected the inserted document, got %v", docs)
	}
}

func TestInsertDuplicateID(t *testing.T) {
	coll := New("test").Collection("users")
	seed(t, coll, bson.M{"_id": "a"})

	_, err := coll.InsertOne(context.Background(), nil, bson.M{"_id": "a"})
	if !errors.Is(err, driver.ErrDuplicateKey) {
		t.Fatalf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestInsertManyIsAtomic(t *testing.T) {
	coll := New("test").Collection("users")

	_, err := coll.InsertMany(context.Background(), nil, []bson.M{{"_id": 1}, {"_id": 2}, {"_id": 1}})
	if !errors.Is(err, driver.ErrDuplicateKey) {
		t.Fatalf("Expected ErrDuplicateKey, got %v", err)
	}
	n, err := coll.CountDocuments(context.Background(), nil, bson.M{}, nil)
	if err != nil {
		t.Fatalf("CountDocuments failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 documents after failed batch, got %d", n)
	}
}

func TestFindOperators(t *testing.T) {
	coll := New("test").Collection("users")
	seed(t, coll,
		bson.M{"name": "a", "age": 3, "tags": bson.A{"x", "y"}},
		bson.M{"name": "b", "age": 5, "tags": bson.A{"y"}},
		bson.M{"name": "c", "age": 7.5},
		bson.M{"name": "d", "profile": bson.M{"city": "tehran"}},
	)

	tests := []struct {
		name   string
		filter bson.M
		want   []string
	}{
		{"equality", bson.M{"name": "b"}, []string{"b"}},
		{"gt mixes numeric types", bson.M{"age": bson.M{"$gt": 4}}, []string{"b", "c"}},
		{"range", bson.M{"age": bson.M{"$gte": 3, "$lt": 7}}, []string{"a", "b"}},
		{"in", bson.M{"name": bson.M{"$in": bson.A{"a", "d"}}}, []string{"a", "d"}},
		{"nin", bson.M{"name": bson.M{"$nin": bson.A{"a", "d"}}}, []string{"b", "c"}},
		{"ne", bson.M{"name": bson.M{"$ne": "a"}}, []string{"b", "c", "d"}},
		{"exists false", bson.M{"age": bson.M{"$exists": false}}, []string{"d"}},
		{"array contains", bson.M{"tags": "x"}, []string{"a"}},
		{"size", bson.M{"tags": bson.M{"$size": 1}}, []string{"b"}},
		{"dotted path", bson.M{"profile.city": "tehran"}, []string{"d"}},
		{"or", bson.M{"$or": bson.A{bson.M{"name": "a"}, bson.M{"age": 5}}}, []string{"a", "b"}},
		{"and", bson.M{"$and": bson.A{bson.M{"tags": "y"}, bson.M{"age": bson.M{"$lt": 4}}}}, []string{"a"}},
		{"nor", bson.M{"$nor": bson.A{bson.M{"name": "a"}, bson.M{"name": "b"}}}, []string{"c", "d"}},
		{"not", bson.M{"age": bson.M{"$not": bson.M{"$gt": 4}}}, []string{"a", "d"}},
		{"null matches missing", bson.M{"age": nil}, []string{"d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := coll.Find(context.Background(), nil, tt.filter, nil)
			if err != nil {
				t.Fatalf("Find failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, names(docs)); diff != "" {
				t.Errorf("Unexpected result (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFindUnsupportedOperator(t *testing.T) {
	coll := New("test").Collection("users")
	seed(t, coll, bson.M{"name": "a"})

	_, err := coll.Find(context.Background(), nil, bson.M{"name": bson.M{"$regex": "^a"}}, nil)
	if !errors.Is(err, driver.ErrUnsupported) {
		t.Fatalf("Expected ErrUnsupported, got %v", err)
	}
}

func TestFindSortSkipLimitProjection(t *testing.T) {
	coll := New("test").Collection("users")
	seed(t, coll,
		bson.M{"name": "a", "age": 3, "secret": "s1"},
		bson.M{"name": "b", "age": 9, "secret": "s2"},
		bson.M{"name": "c", "age": 5, "secret": "s3"},
		bson.M{"name": "d", "age": 5, "secret": "s4"},
	)

	docs, err := coll.Find(context.Background(), nil, bson.M{}, &driver.FindOptions{
		Sort:       bson.D{{Key: "age", Value: -1}},
		Skip:       1,
		Limit:      2,
		Projection: bson.M{"secret": 0},
	})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if diff := cmp.Diff([]string{"c", "d"}, names(docs)); diff != "" {
		t.Errorf("Unexpected order (-want +got):\n%s", diff)
	}
	for _, d := range docs {
		if _, ok := d["secret"]; ok {
			t.Errorf("Expected secret to be projected out, got %v", d)
		}
	}

	docs, err = coll.Find(context.Background(), nil, bson.M{"name": "a"}, &driver.FindOptions{
		Projection: bson.M{"name": 1, "_id": 0},
	})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if diff := cmp.Diff([]bson.M{{"name": "a"}}, docs); diff != "" {
		t.Errorf("Unexpected inclusion projection (-want +got):\n%s", diff)
	}
}

func TestFindOneAndUpdateReturnsBeforeImage(t *testing.T) {
	ctx := context.Background()
	coll := New("test").Collection("users")
	seed(t, coll, bson.M{"_id": "u1", "age": 3})

	before, err := coll.FindOneAndUpdate(ctx, nil, bson.M{"_id": "u1"}, bson.M{"$inc": bson.M{"age": 1}}, nil)
	if err != nil {
		t.Fatalf("FindOneAndUpdate failed: %v", err)
	}
	if before["age"] != int32(3) {
		t.Errorf("Expected before-image age 3, got %v (%T)", before["age"], before["age"])
	}

	docs, _ := coll.Find(ctx, nil, bson.M{"_id": "u1"}, nil)
	if docs[0]["age"] != int32(4) {
		t.Errorf("Expected stored age 4, got %v", docs[0]["age"])
	}

	before, err = coll.FindOneAndUpdate(ctx, nil, bson.M{"_id": "missing"}, bson.M{"$set": bson.M{"age": 1}}, nil)
	if err != nil {
		t.Fatalf("FindOneAndUpdate failed: %v", err)
	}
	if before != nil {
		t.Errorf("Expected nil before-image for no match, got %v", before)
	}
}

func TestUpdateRejectsReplacementAndIDChange(t *testing.T) {
	ctx := context.Background()
	coll := New("test").Collection("users")
	seed(t, coll, bson.M{"_id": "u1", "age": 3})

	if _, err := coll.UpdateMany(ctx, nil, bson.M{}, bson.M{"age": 4}, nil); err == nil {
		t.Error("Expected error for update without operators")
	}
	if _, err := coll.UpdateMany(ctx, nil, bson.M{}, bson.M{"$set": bson.M{"_id": "u2"}}, nil); err == nil {
		t.Error("Expected error for changing _id")
	}
}

func TestUpdateManyAndUpsert(t *testing.T) {
	ctx := context.Background()
	coll := New("test").Collection("users")
	seed(t, coll,
		bson.M{"name": "a", "role": "admin"},
		bson.M{"name": "b", "role": "admin"},
		bson.M{"name": "c", "role": "user"},
	)

	res, err := coll.UpdateMany(ctx, nil, bson.M{"role": "admin"}, bson.M{"$set": bson.M{"active": true}}, nil)
	if err != nil {
		t.Fatalf("UpdateMany failed: %v", err)
	}
	if res.MatchedCount != 2 || res.ModifiedCount != 2 {
		t.Errorf("Expected 2 matched and modified, got %+v", res)
	}

	res, err = coll.UpdateMany(ctx, nil, bson.M{"role": "admin"}, bson.M{"$set": bson.M{"active": true}}, nil)
	if err != nil {
		t.Fatalf("UpdateMany failed: %v", err)
	}
	if res.MatchedCount != 2 || res.ModifiedCount != 0 {
		t.Errorf("Expected 2 matched and 0 modified for a no-op, got %+v", res)
	}

	res, err = coll.UpdateMany(ctx, nil, bson.M{"name": "z"},
		bson.M{"$set": bson.M{"role": "guest"}, "$setOnInsert": bson.M{"created": 1}},
		&driver.UpdateOptions{Upsert: true})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if res.UpsertedCount != 1 || res.UpsertedID == nil {
		t.Fatalf("Expected one upserted document, got %+v", res)
	}

	docs, _ := coll.Find(ctx, nil, bson.M{"name": "z"}, nil)
	if len(docs) != 1 || docs[0]["role"] != "guest" || docs[0]["created"] != int32(1) {
		t.Errorf("Expected upserted document seeded from the filter, got %v", docs)
	}
}

func TestPushAndUnset(t *testing.T) {
	ctx := context.Background()
	coll := New("test").Collection("users")
	seed(t, coll, bson.M{"_id": 1, "tags": bson.A{"a"}, "tmp": true})

	_, err := coll.UpdateMany(ctx, nil, bson.M{"_id": 1}, bson.M{
		"$push":  bson.M{"tags": bson.M{"$each": bson.A{"b", "c"}}},
		"$unset": bson.M{"tmp": ""},
	}, nil)
	if err != nil {
		t.Fatalf("UpdateMany failed: %v", err)
	}

	docs, _ := coll.Find(ctx, nil, bson.M{"_id": 1}, nil)
	if diff := cmp.Diff(primitive.A{"a", "b", "c"}, docs[0]["tags"]); diff != "" {
		t.Errorf("Unexpected tags (-want +got):\n%s", diff)
	}
	if _, ok := docs[0]["tmp"]; ok {
		t.Error("Expected tmp to be unset")
	}
}

func TestDeletes(t *testing.T) {
	ctx := context.Background()
	coll := New("test").Collection("users")
	seed(t, coll,
		bson.M{"name": "a", "age": 1},
		bson.M{"name": "b", "age": 2},
		bson.M{"name": "c", "age": 3},
	)

	deleted, err := coll.FindOneAndDelete(ctx, nil, bson.M{}, &driver.DeleteOptions{Sort: bson.D{{Key: "age", Value: -1}}})
	if err != nil {
		t.Fatalf("FindOneAndDelete failed: %v", err)
	}
	if deleted["name"] != "c" {
		t.Errorf("Expected to delete c, got %v", deleted)
	}

	n, err := coll.DeleteMany(ctx, nil, bson.M{})
	if err != nil {
		t.Fatalf("DeleteMany failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 deleted, got %d", n)
	}

	deleted, err = coll.FindOneAndDelete(ctx, nil, bson.M{}, nil)
	if err != nil || deleted != nil {
		t.Errorf("Expected nil, nil on empty collection, got %v, %v", deleted, err)
	}
}

func TestDistinctFlattensArrays(t *testing.T) {
	coll := New("test").Collection("posts")
	seed(t, coll,
		bson.M{"tags": bson.A{"go", "db"}},
		bson.M{"tags": bson.A{"go"}},
		bson.M{"tags": "misc"},
	)

	vals, err := coll.Distinct(context.Background(), nil, "tags", bson.M{})
	if err != nil {
		t.Fatalf("Distinct failed: %v", err)
	}
	if diff := cmp.Diff([]any{"go", "db", "misc"}, vals); diff != "" {
		t.Errorf("Unexpected distinct values (-want +got):\n%s", diff)
	}
}

func TestAggregate(t *testing.T) {
	coll := New("test").Collection("orders")
	seed(t, coll,
		bson.M{"user": "a", "total": 10},
		bson.M{"user": "b", "total": 5},
		bson.M{"user": "a", "total": 7},
		bson.M{"user": "c", "total": 1, "void": true},
	)

	rows, err := coll.Aggregate(context.Background(), nil, []bson.D{
		{{Key: "$match", Value: bson.M{"void": bson.M{"$exists": false}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$user"},
			{Key: "sum", Value: bson.M{"$sum": "$total"}},
			{Key: "orders", Value: bson.M{"$sum": 1}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "sum", Value: -1}}}},
	})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}

	want := []bson.M{
		{"_id": "a", "sum": int64(17), "orders": int64(2)},
		{"_id": "b", "sum": int64(5), "orders": int64(1)},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("Unexpected aggregate result (-want +got):\n%s", diff)
	}

	rows, err = coll.Aggregate(context.Background(), nil, []bson.D{{{Key: "$count", Value: "n"}}})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if len(rows) != 1 || rows[0]["n"] != int32(4) {
		t.Errorf("Expected count 4, got %v", rows)
	}
}

func TestIndexLifecycle(t *testing.T) {
	ctx := context.Background()
	coll := New("test").Collection("users")

	idxs, err := coll.ListIndexes(ctx)
	if err != nil {
		t.Fatalf("ListIndexes failed: %v", err)
	}
	if len(idxs) != 0 {
		t.Fatalf("Expected no indexes on a missing collection, got %v", idxs)
	}

	name, err := coll.CreateIndex(ctx, driver.IndexModel{Keys: bson.D{{Key: "phone", Value: int32(1)}}, Unique: true})
	if err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}
	if name != "phone_1" {
		t.Errorf("Expected name phone_1, got %s", name)
	}

	// identical request is a no-op
	if _, err := coll.CreateIndex(ctx, driver.IndexModel{Keys: bson.D{{Key: "phone", Value: 1}}, Unique: true}); err != nil {
		t.Errorf("Expected identical index to be accepted, got %v", err)
	}

	_, err = coll.CreateIndex(ctx, driver.IndexModel{Keys: bson.D{{Key: "phone", Value: int32(1)}}})
	if !errors.Is(err, driver.ErrIndexConflict) {
		t.Errorf("Expected ErrIndexConflict for changed options, got %v", err)
	}

	idxs, _ = coll.ListIndexes(ctx)
	if len(idxs) != 2 || idxs[0].Name != driver.IDIndexName || idxs[1].Name != "phone_1" {
		t.Fatalf("Unexpected index list: %+v", idxs)
	}

	if err := coll.DropIndex(ctx, driver.IDIndexName); err == nil {
		t.Error("Expected dropping _id_ to fail")
	}
	if err := coll.DropIndex(ctx, "nope_1"); err == nil {
		t.Error("Expected dropping an unknown index to fail")
	}
	if err := coll.DropIndex(ctx, "phone_1"); err != nil {
		t.Errorf("DropIndex failed: %v", err)
	}
	idxs, _ = coll.ListIndexes(ctx)
	if len(idxs) != 1 {
		t.Errorf("Expected only _id_ after drop, got %+v", idxs)
	}
}

func TestUniqueIndexEnforced(t *testing.T) {
	ctx := context.Background()
	coll := New("test").Collection("users")
	seed(t, coll, bson.M{"phone": "1"}, bson.M{"phone": "1"})

	_, err := coll.CreateIndex(ctx, driver.IndexModel{Keys: bson.D{{Key: "phone", Value: 1}}, Unique: true})
	if !errors.Is(err, driver.ErrDuplicateKey) {
		t.Fatalf("Expected ErrDuplicateKey when building over duplicates, got %v", err)
	}

	if _, err := coll.DeleteMany(ctx, nil, bson.M{}); err != nil {
		t.Fatalf("DeleteMany failed: %v", err)
	}
	if _, err := coll.CreateIndex(ctx, driver.IndexModel{Keys: bson.D{{Key: "phone", Value: 1}}, Unique: true}); err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}
	seed(t, coll, bson.M{"phone": "1"})

	_, err = coll.InsertOne(ctx, nil, bson.M{"phone": "1"})
	if !errors.Is(err, driver.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey on insert, got %v", err)
	}

	seed(t, coll, bson.M{"phone": "2"})
	_, err = coll.UpdateMany(ctx, nil, bson.M{"phone": "2"}, bson.M{"$set": bson.M{"phone": "1"}}, nil)
	if !errors.Is(err, driver.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey on update, got %v", err)
	}
}

func TestTextIndexListedInStoredForm(t *testing.T) {
	ctx := context.Background()
	coll := New("test").Collection("users")

	requested := driver.IndexModel{Keys: bson.D{{Key: "bio", Value: "text"}}}
	name, err := coll.CreateIndex(ctx, requested)
	if err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}
	if name != "bio_text" {
		t.Errorf("Expected name bio_text, got %s", name)
	}

	idxs, _ := coll.ListIndexes(ctx)
	stored := idxs[1]
	if stored.Keys[0].Key != "_fts" {
		t.Errorf("Expected _fts key, got %v", stored.Keys)
	}
	if stored.DefaultLanguage != "english" {
		t.Errorf("Expected default language english, got %q", stored.DefaultLanguage)
	}
	if driver.CanonicalKeys(stored) != driver.CanonicalKeys(requested) {
		t.Errorf("Expected canonical keys to match: %s vs %s", driver.CanonicalKeys(stored), driver.CanonicalKeys(requested))
	}

	_, err = coll.CreateIndex(ctx, driver.IndexModel{Keys: bson.D{{Key: "title", Value: "text"}}})
	if !errors.Is(err, driver.ErrIndexConflict) {
		t.Errorf("Expected ErrIndexConflict for a second text index, got %v", err)
	}
}

func TestTransactionIsolationAndCommit(t *testing.T) {
	ctx := context.Background()
	db := New("test")
	coll := db.Collection("users")

	sess, err := db.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	defer sess.EndSession(ctx)

	if err := sess.StartTransaction(); err != nil {
		t.Fatalf("StartTransaction failed: %v", err)
	}
	if _, err := coll.InsertOne(ctx, sess, bson.M{"name": "a"}); err != nil {
		t.Fatalf("InsertOne in transaction failed: %v", err)
	}

	inside, _ := coll.CountDocuments(ctx, sess, bson.M{}, nil)
	outside, _ := coll.CountDocuments(ctx, nil, bson.M{}, nil)
	if inside != 1 || outside != 0 {
		t.Fatalf("Expected 1 inside and 0 outside, got %d and %d", inside, outside)
	}

	if err := sess.CommitTransaction(ctx); err != nil {
		t.Fatalf("CommitTransaction failed: %v", err)
	}
	outside, _ = coll.CountDocuments(ctx, nil, bson.M{}, nil)
	if outside != 1 {
		t.Errorf("Expected 1 after commit, got %d", outside)
	}
}

func TestTransactionAbortAndConflict(t *testing.T) {
	ctx := context.Background()
	db := New("test")
	coll := db.Collection("users")
	seed(t, coll, bson.M{"_id": 1, "n": 0})

	sess, _ := db.StartSession(ctx)
	defer sess.EndSession(ctx)

	_ = sess.StartTransaction()
	if _, err := coll.UpdateMany(ctx, sess, bson.M{"_id": 1}, bson.M{"$inc": bson.M{"n": 1}}, nil); err != nil {
		t.Fatalf("UpdateMany failed: %v", err)
	}
	if err := sess.AbortTransaction(ctx); err != nil {
		t.Fatalf("AbortTransaction failed: %v", err)
	}
	docs, _ := coll.Find(ctx, nil, bson.M{"_id": 1}, nil)
	if docs[0]["n"] != int32(0) {
		t.Errorf("Expected abort to discard the write, got n=%v", docs[0]["n"])
	}

	_ = sess.StartTransaction()
	if _, err := coll.UpdateMany(ctx, sess, bson.M{"_id": 1}, bson.M{"$inc": bson.M{"n": 1}}, nil); err != nil {
		t.Fatalf("UpdateMany failed: %v", err)
	}
	if _, err := coll.UpdateMany(ctx, nil, bson.M{"_id": 1}, bson.M{"$inc": bson.M{"n": 10}}, nil); err != nil {
		t.Fatalf("UpdateMany outside transaction failed: %v", err)
	}
	if err := sess.CommitTransaction(ctx); !errors.Is(err, driver.ErrWriteConflict) {
		t.Fatalf("Expected ErrWriteConflict, got %v", err)
	}
	docs, _ = coll.Find(ctx, nil, bson.M{"_id": 1}, nil)
	if docs[0]["n"] != int32(10) {
		t.Errorf("Expected only the outside write to land, got n=%v", docs[0]["n"])
	}

	if err := sess.CommitTransaction(ctx); !errors.Is(err, driver.ErrNoTransaction) {
		t.Errorf("Expected ErrNoTransaction, got %v", err)
	}
}

func TestSessionMisuse(t *testing.T) {
	ctx := context.Background()
	db := New("test")
	other := New("other")
	coll := db.Collection("users")

	foreign, _ := other.StartSession(ctx)
	if _, err := coll.InsertOne(ctx, foreign, bson.M{}); !errors.Is(err, driver.ErrForeignSession) {
		t.Errorf("Expected ErrForeignSession, got %v", err)
	}

	sess, _ := db.StartSession(ctx)
	if sess.ID() == "" {
		t.Error("Expected a session id")
	}
	sess.EndSession(ctx)
	if _, err := coll.InsertOne(ctx, sess, bson.M{}); !errors.Is(err, driver.ErrSessionEnded) {
		t.Errorf("Expected ErrSessionEnded, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	coll := New("test").Collection("users")
	if _, err := coll.Find(ctx, nil, bson.M{}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
