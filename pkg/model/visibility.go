// ABOUTME: Field renaming between logical and stored names, and hidden field masking
// ABOUTME: Applied to filters and patches on the way out and to documents on the way back

package model

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// renameFilter translates field keys of a filter expression to stored names.
// Logical operators are followed; operator documents under a field are kept
// as they are.
func (b *Binding[T, R]) renameFilter(filter bson.M) bson.M {
	out := make(bson.M, len(filter))
	for k, v := range filter {
		switch k {
		case "$and", "$or", "$nor":
			out[k] = b.renameClauses(v)
		default:
			if strings.HasPrefix(k, "$") {
				out[k] = v
				continue
			}
			out[b.meta.DBName(k)] = v
		}
	}
	return out
}

func (b *Binding[T, R]) renameClauses(v any) any {
	switch clauses := v.(type) {
	case bson.A:
		out := make(bson.A, len(clauses))
		for i, c := range clauses {
			out[i] = b.renameClause(c)
		}
		return out
	case []any:
		out := make(bson.A, len(clauses))
		for i, c := range clauses {
			out[i] = b.renameClause(c)
		}
		return out
	case []bson.M:
		out := make(bson.A, len(clauses))
		for i, c := range clauses {
			out[i] = b.renameFilter(c)
		}
		return out
	default:
		return v
	}
}

func (b *Binding[T, R]) renameClause(c any) any {
	switch doc := c.(type) {
	case bson.M:
		return b.renameFilter(doc)
	case map[string]any:
		return b.renameFilter(bson.M(doc))
	case bson.D:
		return b.renameFilter(doc.Map())
	default:
		return c
	}
}

// renameKeys translates the top-level keys of doc to stored names
func (b *Binding[T, R]) renameKeys(doc bson.M) bson.M {
	if !b.meta.HasRenames() {
		return doc
	}
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[b.meta.DBName(k)] = v
	}
	return out
}

// renameBack translates the top-level keys of a fetched document to logical names
func (b *Binding[T, R]) renameBack(doc bson.M) bson.M {
	if doc == nil || !b.meta.HasRenames() {
		return doc
	}
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[b.meta.LogicalName(k)] = v
	}
	return out
}

func (b *Binding[T, R]) renameSort(sort bson.D) bson.D {
	if sort == nil {
		return nil
	}
	out := make(bson.D, len(sort))
	for i, e := range sort {
		out[i] = bson.E{Key: b.meta.DBName(e.Key), Value: e.Value}
	}
	return out
}

// renamePatch translates an update document. Keys inside update operators
// are renamed; a patch without operators is wrapped in $set. Operator values
// of any other document type (structs, bson.Raw) are converted to bson.M
// first. The caller's maps are never modified.
func (b *Binding[T, R]) renamePatch(patch bson.M) (bson.M, error) {
	hasOps := false
	for k := range patch {
		if strings.HasPrefix(k, "$") {
			hasOps = true
			break
		}
	}
	if !hasOps {
		fields := make(bson.M, len(patch))
		for k, v := range patch {
			fields[b.meta.DBName(k)] = v
		}
		return bson.M{"$set": fields}, nil
	}

	out := make(bson.M, len(patch))
	for op, v := range patch {
		switch fields := v.(type) {
		case bson.M:
			out[op] = b.renameKeysCopy(fields)
		case map[string]any:
			out[op] = b.renameKeysCopy(bson.M(fields))
		case bson.D:
			out[op] = b.renameKeysCopy(fields.Map())
		default:
			doc, err := toDoc(v)
			if err != nil {
				return nil, fmt.Errorf("%s value must be a document: %w", op, err)
			}
			out[op] = b.renameKeysCopy(doc)
		}
	}
	return out, nil
}

func (b *Binding[T, R]) renameKeysCopy(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[b.meta.DBName(k)] = v
	}
	return out
}

// mask removes hidden fields that were not made visible
func (b *Binding[T, R]) mask(doc bson.M, visible map[string]bool) bson.M {
	for _, name := range b.meta.HiddenFields() {
		if !visible[name] {
			delete(doc, name)
		}
	}
	return doc
}

// present turns a stored document into what the caller sees
func (m *Model[T, R]) present(doc bson.M) bson.M {
	if doc == nil {
		return nil
	}
	doc = m.cast(m.b.renameBack(doc))
	return m.b.mask(doc, m.q.visible)
}
