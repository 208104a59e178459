// ABOUTME: Field and index metadata for registered models
// ABOUTME: Immutable descriptions shared by every instance of a model

package schema

import (
	"reflect"
	"strings"
)

// Reserved logical field names
const (
	IDField        = "_id"
	CreatedAtField = "created_at"
	UpdatedAtField = "updated_at"
)

// IndexKind is the ordering or kind of a single-field index
type IndexKind int

const (
	Ascending IndexKind = iota + 1
	Descending
	Text
	Sphere2D
)

func (k IndexKind) String() string {
	switch k {
	case Ascending:
		return "asc"
	case Descending:
		return "desc"
	case Text:
		return "text"
	case Sphere2D:
		return "sphere2d"
	default:
		return "none"
	}
}

// IndexSpec describes the index declared on one field
type IndexSpec struct {
	Kind     IndexKind
	Language string // Default language, text indexes only
	Unique   bool
}

// KeyValue returns the value stored for the field in the index key document.
func (s IndexSpec) KeyValue() any {
	switch s.Kind {
	case Descending:
		return int32(-1)
	case Text:
		return "text"
	case Sphere2D:
		return "2dsphere"
	default:
		return int32(1)
	}
}

// FieldSpec describes one persisted field of a model
type FieldSpec struct {
	Name   string     // Logical name used by application code (bson key)
	GoName string     // Struct field name, empty for declared models
	DBName string     // Name stored in the database
	Hidden bool       // Excluded from results unless made visible
	Index  *IndexSpec // Declared index, nil if none
}

// Renamed reports whether the field is stored under a different name.
func (f FieldSpec) Renamed() bool {
	return f.DBName != f.Name
}

// Metadata is the registered description of a model.
// It is built once and never mutated afterwards.
type Metadata struct {
	collection string
	typ        reflect.Type
	reqType    reflect.Type
	fields     []FieldSpec
	timestamps bool

	byName map[string]int
	byDB   map[string]int
}

// Collection returns the collection name
func (m *Metadata) Collection() string {
	return m.collection
}

// Type returns the record type, nil for declaration-built metadata
func (m *Metadata) Type() reflect.Type {
	return m.typ
}

// ReqType returns the request context type tag
func (m *Metadata) ReqType() reflect.Type {
	return m.reqType
}

// Timestamps reports whether created_at/updated_at are managed
func (m *Metadata) Timestamps() bool {
	return m.timestamps
}

// Fields returns a copy of the field specs in declaration order
func (m *Metadata) Fields() []FieldSpec {
	out := make([]FieldSpec, len(m.fields))
	copy(out, m.fields)
	return out
}

// Field looks up a field by logical name
func (m *Metadata) Field(name string) (FieldSpec, bool) {
	i, ok := m.byName[name]
	if !ok {
		return FieldSpec{}, false
	}
	return m.fields[i], true
}

// FieldByDBName looks up a field by its stored name
func (m *Metadata) FieldByDBName(dbName string) (FieldSpec, bool) {
	i, ok := m.byDB[dbName]
	if !ok {
		return FieldSpec{}, false
	}
	return m.fields[i], true
}

// DBName translates a logical key, possibly a dotted path, to its stored form.
// Unknown keys are returned unchanged.
func (m *Metadata) DBName(key string) string {
	head, rest, dotted := strings.Cut(key, ".")
	f, ok := m.Field(head)
	if !ok {
		return key
	}
	if dotted {
		return f.DBName + "." + rest
	}
	return f.DBName
}

// LogicalName translates a stored key, possibly a dotted path, back to its logical form.
func (m *Metadata) LogicalName(key string) string {
	head, rest, dotted := strings.Cut(key, ".")
	f, ok := m.FieldByDBName(head)
	if !ok {
		return key
	}
	if dotted {
		return f.Name + "." + rest
	}
	return f.Name
}

// HiddenFields returns the logical names of hidden fields
func (m *Metadata) HiddenFields() []string {
	var out []string
	for _, f := range m.fields {
		if f.Hidden {
			out = append(out, f.Name)
		}
	}
	return out
}

// Indexed returns the fields that declare an index
func (m *Metadata) Indexed() []FieldSpec {
	var out []FieldSpec
	for _, f := range m.fields {
		if f.Index != nil {
			out = append(out, f)
		}
	}
	return out
}

// HasRenames reports whether any field is stored under another name
func (m *Metadata) HasRenames() bool {
	for _, f := range m.fields {
		if f.Renamed() {
			return true
		}
	}
	return false
}
