// ABOUTME: Model registration from struct tags
// ABOUTME: Validates names and index declarations before any query runs

package schema

import (
	"reflect"
	"strings"

	"github.com/kak-smko/mongodb-ro/pkg/modelerr"
)

// Config holds model-level declarations
type Config struct {
	Collection        string // Required
	DisableTimestamps bool   // Do not manage created_at/updated_at
}

// Register builds the metadata for record type T whose hooks receive a
// request context of type R. T must be a struct.
func Register[T any, R any](cfg Config) (*Metadata, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() != reflect.Struct {
		return nil, modelerr.Configuration(cfg.Collection, "", "record type %s is not a struct", typ)
	}

	fields, err := collectFields(cfg.Collection, typ)
	if err != nil {
		return nil, err
	}

	hasTimes := hasField(fields, CreatedAtField) && hasField(fields, UpdatedAtField)
	return build(cfg.Collection, typ, reflect.TypeOf((*R)(nil)).Elem(), fields, hasTimes && !cfg.DisableTimestamps)
}

// MustRegister is like Register but panics on error.
// Intended for package-level model declarations.
func MustRegister[T any, R any](cfg Config) *Metadata {
	m, err := Register[T, R](cfg)
	if err != nil {
		panic(err)
	}
	return m
}

func collectFields(collection string, typ reflect.Type) ([]FieldSpec, error) {
	var fields []FieldSpec

	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)

		name, inline, skip := bsonKey(sf)
		if skip {
			continue
		}

		if inline {
			inner := sf.Type
			if inner.Kind() == reflect.Pointer {
				inner = inner.Elem()
			}
			if inner.Kind() != reflect.Struct {
				return nil, modelerr.Configuration(collection, sf.Name, "inline field is not a struct")
			}
			sub, err := collectFields(collection, inner)
			if err != nil {
				return nil, err
			}
			fields = append(fields, sub...)
			continue
		}

		a, err := parseAttrs(collection, name, sf.Tag.Get(TagName))
		if err != nil {
			return nil, err
		}

		f := FieldSpec{
			Name:   name,
			GoName: sf.Name,
			DBName: name,
			Hidden: a.hidden,
			Index:  a.index,
		}
		if a.name != "" {
			f.DBName = a.name
		}
		fields = append(fields, f)
	}

	return fields, nil
}

// bsonKey resolves the key the bson codec uses for a struct field
func bsonKey(sf reflect.StructField) (name string, inline bool, skip bool) {
	if !sf.IsExported() && !sf.Anonymous {
		return "", false, true
	}

	tag := sf.Tag.Get("bson")
	if tag == "-" {
		return "", false, true
	}

	key, opts, _ := strings.Cut(tag, ",")
	for _, opt := range strings.Split(opts, ",") {
		if opt == "inline" {
			inline = true
		}
	}
	if inline {
		return "", true, false
	}
	if !sf.IsExported() {
		return "", false, true
	}
	if key == "" {
		key = strings.ToLower(sf.Name)
	}
	return key, false, false
}

func hasField(fields []FieldSpec, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// build validates a field set and freezes it into Metadata
func build(collection string, typ, reqType reflect.Type, fields []FieldSpec, timestamps bool) (*Metadata, error) {
	if strings.TrimSpace(collection) == "" {
		return nil, modelerr.Configuration("", "", "collection name is required")
	}

	m := &Metadata{
		collection: collection,
		typ:        typ,
		reqType:    reqType,
		fields:     fields,
		timestamps: timestamps,
		byName:     make(map[string]int, len(fields)),
		byDB:       make(map[string]int, len(fields)),
	}

	for i, f := range fields {
		if f.Name == "" {
			return nil, modelerr.Configuration(collection, f.GoName, "empty field name")
		}
		if _, dup := m.byName[f.Name]; dup {
			return nil, modelerr.Configuration(collection, f.Name, "duplicate field name %q", f.Name)
		}
		if prev, dup := m.byDB[f.DBName]; dup {
			return nil, modelerr.Configuration(collection, f.Name,
				"db name %q already used by field %q", f.DBName, fields[prev].Name)
		}
		if (f.Name == IDField || f.DBName == IDField) && f.Renamed() {
			return nil, modelerr.Configuration(collection, f.Name, "%s cannot be renamed", IDField)
		}
		if strings.Contains(f.DBName, ".") || strings.HasPrefix(f.DBName, "$") {
			return nil, modelerr.Configuration(collection, f.Name, "invalid db name %q", f.DBName)
		}
		m.byName[f.Name] = i
		m.byDB[f.DBName] = i
	}

	return m, nil
}
