package memdriver

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kak-smko/mongodb-ro/pkg/driver"
)

const defaultTextLanguage = "english"

// storedForm converts a requested index into the shape the server lists:
// text keys collapse into {_fts: "text", _ftsx: 1} with per-field weights.
func storedForm(idx driver.IndexModel) driver.IndexModel {
	out := driver.IndexModel{
		Name:   idx.Name,
		Unique: idx.Unique,
	}
	if out.Name == "" {
		out.Name = driver.DefaultIndexName(idx.Keys)
	}
	if !driver.IsTextIndex(idx) {
		out.Keys = append(bson.D(nil), idx.Keys...)
		return out
	}

	if len(idx.Weights) > 0 {
		// already in stored form
		out.Keys = append(bson.D(nil), idx.Keys...)
		out.Weights = append(bson.D(nil), idx.Weights...)
	} else {
		textAdded := false
		for _, k := range idx.Keys {
			if k.Value != "text" {
				out.Keys = append(out.Keys, k)
				continue
			}
			out.Weights = append(out.Weights, bson.E{Key: k.Key, Value: int32(1)})
			if !textAdded {
				out.Keys = append(out.Keys, bson.E{Key: "_fts", Value: "text"}, bson.E{Key: "_ftsx", Value: int32(1)})
				textAdded = true
			}
		}
	}
	out.DefaultLanguage = idx.DefaultLanguage
	if out.DefaultLanguage == "" {
		out.DefaultLanguage = defaultTextLanguage
	}
	return out
}

func sameOptions(a, b driver.IndexModel) bool {
	if driver.CanonicalKeys(a) != driver.CanonicalKeys(b) || a.Unique != b.Unique {
		return false
	}
	return a.DefaultLanguage == b.DefaultLanguage
}

// ListIndexes lists the collection's indexes, _id_ first
func (c *Collection) ListIndexes(ctx context.Context) ([]driver.IndexModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()

	data, ok := c.db.collections[c.name]
	if !ok {
		return nil, nil
	}
	out := []driver.IndexModel{{Name: driver.IDIndexName, Keys: bson.D{{Key: "_id", Value: int32(1)}}}}
	out = append(out, data.indexes...)
	return out, nil
}

// CreateIndex creates an index. Creating an identical index again is a no-op.
func (c *Collection) CreateIndex(ctx context.Context, idx driver.IndexModel) (string, error) {
	if len(idx.Keys) == 0 {
		return "", errors.New("memdriver: index keys must not be empty")
	}
	want := storedForm(idx)
	if want.Name == driver.IDIndexName {
		return want.Name, nil
	}

	err := c.db.withData(ctx, nil, c.name, true, func(data *collectionData) error {
		for _, have := range data.indexes {
			switch {
			case have.Name == want.Name && sameOptions(have, want):
				return errIndexExists
			case have.Name == want.Name:
				return fmt.Errorf("%w: index %q already exists with different options", driver.ErrIndexConflict, want.Name)
			case driver.CanonicalKeys(have) == driver.CanonicalKeys(want):
				return fmt.Errorf("%w: index with the same keys already exists as %q", driver.ErrIndexConflict, have.Name)
			case driver.IsTextIndex(have) && driver.IsTextIndex(want):
				return fmt.Errorf("%w: collection already has text index %q", driver.ErrIndexConflict, have.Name)
			}
		}

		if want.Unique {
			if err := checkExistingUnique(data, want); err != nil {
				return err
			}
		}
		data.indexes = append(data.indexes, want)
		return nil
	})
	if errors.Is(err, errIndexExists) {
		return want.Name, nil
	}
	if err != nil {
		return "", err
	}
	return want.Name, nil
}

var errIndexExists = errors.New("memdriver: index exists")

// DropIndex drops an index by name
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	if name == driver.IDIndexName {
		return errors.New("memdriver: cannot drop _id index")
	}
	return c.db.withData(ctx, nil, c.name, true, func(data *collectionData) error {
		for i, idx := range data.indexes {
			if idx.Name == name {
				data.indexes = append(data.indexes[:i], data.indexes[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("memdriver: index not found with name [%s]", name)
	})
}

// uniqueKey extracts the indexed values of doc; missing fields count as null
func uniqueKey(doc bson.M, idx driver.IndexModel) []any {
	vals := make([]any, 0, len(idx.Keys))
	for _, k := range idx.Keys {
		v, _ := lookup(doc, k.Key)
		vals = append(vals, v)
	}
	return vals
}

func sameKey(a, b []any) bool {
	for i := range a {
		if !valuesEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func uniqueIndexes(data *collectionData) []driver.IndexModel {
	var out []driver.IndexModel
	for _, idx := range data.indexes {
		if idx.Unique && !driver.IsTextIndex(idx) {
			out = append(out, idx)
		}
	}
	return out
}

// checkUnique verifies doc against every unique index, ignoring the
// document stored under selfKey
func checkUnique(data *collectionData, doc bson.M, selfKey string) error {
	indexes := uniqueIndexes(data)
	if len(indexes) == 0 {
		return nil
	}
	docs, keys, err := data.all()
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		want := uniqueKey(doc, idx)
		for i, other := range docs {
			if keys[i] == selfKey {
				continue
			}
			if sameKey(want, uniqueKey(other, idx)) {
				return fmt.Errorf("%w: index %s dup key %v", driver.ErrDuplicateKey, idx.Name, want)
			}
		}
	}
	return nil
}

func checkExistingUnique(data *collectionData, idx driver.IndexModel) error {
	docs, _, err := data.all()
	if err != nil {
		return err
	}
	for i := range docs {
		a := uniqueKey(docs[i], idx)
		for j := i + 1; j < len(docs); j++ {
			if sameKey(a, uniqueKey(docs[j], idx)) {
				return fmt.Errorf("%w: cannot build unique index %s, dup key %v", driver.ErrDuplicateKey, idx.Name, a)
			}
		}
	}
	return nil
}
