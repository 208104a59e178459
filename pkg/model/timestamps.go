package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/kak-smko/mongodb-ro/pkg/schema"
)

func (b *Binding[T, R]) clock() primitive.DateTime {
	return primitive.NewDateTimeFromTime(b.now())
}

// stampCreate sets created_at and updated_at on a document in stored names,
// keeping values the caller set. Both get the same instant.
func (b *Binding[T, R]) stampCreate(doc bson.M, now primitive.DateTime) {
	if !b.meta.Timestamps() {
		return
	}
	for _, f := range []string{schema.CreatedAtField, schema.UpdatedAtField} {
		key := b.meta.DBName(f)
		if unsetTime(doc[key]) {
			doc[key] = now
		}
	}
}

// stampUpdate sets updated_at on a renamed patch. An upsert also gets
// created_at for the inserted document.
func (b *Binding[T, R]) stampUpdate(patch bson.M, now primitive.DateTime, upsert bool) {
	if !b.meta.Timestamps() {
		return
	}
	set := operatorDoc(patch, "$set")
	set[b.meta.DBName(schema.UpdatedAtField)] = now

	if !upsert {
		return
	}
	created := b.meta.DBName(schema.CreatedAtField)
	if _, ok := set[created]; ok {
		return
	}
	onInsert := operatorDoc(patch, "$setOnInsert")
	if _, ok := onInsert[created]; !ok {
		onInsert[created] = now
	}
}

func operatorDoc(patch bson.M, op string) bson.M {
	if doc, ok := patch[op].(bson.M); ok {
		return doc
	}
	doc := bson.M{}
	patch[op] = doc
	return doc
}

func unsetTime(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case primitive.DateTime:
		return t == 0 || t.Time().IsZero()
	case time.Time:
		return t.IsZero()
	case *time.Time:
		return t == nil || t.IsZero()
	case primitive.Null, primitive.Undefined:
		return true
	default:
		return false
	}
}
