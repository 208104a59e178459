package model

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/kak-smko/mongodb-ro/pkg/driver"
	"github.com/kak-smko/mongodb-ro/pkg/driver/memdriver"
	"github.com/kak-smko/mongodb-ro/pkg/schema"
)

type journal struct {
	prefix string
	ops    []string
	olds   []bson.M
}

type note struct {
	ID     primitive.ObjectID `bson:"_id,omitempty"`
	Title  string             `bson:"title"`
	Secret string             `bson:"secret" model:"hidden"`
}

func (n *note) Finish(_ context.Context, req *journal, op string, old, _ bson.M, _ driver.Session) {
	req.ops = append(req.ops, op)
	req.olds = append(req.olds, old)
}

// Cast runs before masking, so it still sees hidden fields
func (n *note) Cast(doc bson.M, req *journal) bson.M {
	doc["label"] = req.prefix + doc["title"].(string)
	if _, ok := doc["secret"]; ok {
		doc["has_secret"] = true
	}
	return doc
}

var noteMeta = schema.MustRegister[note, *journal](schema.Config{Collection: "notes"})

func TestHooks(t *testing.T) {
	ctx := context.Background()
	b := MustBind[note, *journal](memdriver.New("test"), noteMeta)
	j := &journal{prefix: "note: "}

	m, err := b.New(ctx, j)
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	m.Data = note{Title: "first", Secret: "s"}
	if _, err := m.Create(ctx, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	doc, err := m.Reset().Where(bson.M{"title": "first"}).FirstDoc(ctx, nil)
	if err != nil {
		t.Fatalf("FirstDoc failed: %v", err)
	}
	want := bson.M{"_id": m.Data.ID, "title": "first", "label": "note: first", "has_secret": true}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("Unexpected cast document (-want +got):\n%s", diff)
	}

	if _, err := m.Update(ctx, bson.M{"title": "second"}, nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := m.Reset().All().Update(ctx, bson.M{"title": "third"}, nil); err != nil {
		t.Fatalf("Update all failed: %v", err)
	}
	if _, err := m.Reset().All().Delete(ctx, nil); err != nil {
		t.Fatalf("Delete all failed: %v", err)
	}

	if diff := cmp.Diff([]string{OpCreate, OpUpdate, OpUpdateMany, OpDeleteMany}, j.ops); diff != "" {
		t.Errorf("Unexpected hook calls (-want +got):\n%s", diff)
	}
	if j.olds[1]["title"] != "first" || j.olds[1]["secret"] != "s" {
		t.Errorf("Expected unmasked before-image for update, got %v", j.olds[1])
	}
	if diff := cmp.Diff(bson.M{"modified_count": int64(1)}, j.olds[2]); diff != "" {
		t.Errorf("Unexpected update_many old value (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(bson.M{"deleted_count": int64(1)}, j.olds[3]); diff != "" {
		t.Errorf("Unexpected delete_many old value (-want +got):\n%s", diff)
	}
}

func TestDeclaredModelAsDocuments(t *testing.T) {
	ctx := context.Background()
	meta, err := schema.FromDeclaration(schema.Declaration{
		Collection: "events",
		Fields: []schema.FieldDeclaration{
			{Name: "kind", Attrs: "asc"},
			{Name: "payload", Attrs: "hidden,name=p"},
		},
	})
	if err != nil {
		t.Fatalf("FromDeclaration failed: %v", err)
	}

	b := MustBind[bson.M, struct{}](memdriver.New("test"), meta)
	m, err := b.New(ctx, struct{}{})
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	m.Data = bson.M{"kind": "click", "payload": "x"}
	id, err := m.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if m.Data["_id"] != id {
		t.Errorf("Expected _id %v written back, got %v", id, m.Data["_id"])
	}

	got, err := m.Reset().Where(bson.M{"kind": "click"}).Visible("payload").First(ctx, nil)
	if err != nil || got == nil {
		t.Fatalf("First failed: %v (%v)", got, err)
	}
	if diff := cmp.Diff(bson.M{"_id": id, "kind": "click", "payload": "x"}, *got); diff != "" {
		t.Errorf("Unexpected document (-want +got):\n%s", diff)
	}
}
