package model

import (
	"maps"

	"go.mongodb.org/mongo-driver/bson"
)

// Where ANDs filter onto the accumulated filter. Keys use logical field
// names. An empty filter changes nothing. The filter is copied, so later
// changes to the caller's map are not seen.
func (m *Model[T, R]) Where(filter bson.M) *Model[T, R] {
	if len(filter) == 0 {
		return m
	}
	m.q.filters = append(m.q.filters, maps.Clone(filter))
	return m
}

// Visible unmasks hidden fields for the terminal operations that follow
func (m *Model[T, R]) Visible(fields ...string) *Model[T, R] {
	if m.q.visible == nil {
		m.q.visible = make(map[string]bool, len(fields))
	}
	for _, f := range fields {
		m.q.visible[f] = true
	}
	return m
}

// All makes Update and Delete apply to every matching document, and allows
// them with an empty filter
func (m *Model[T, R]) All() *Model[T, R] {
	m.q.mode = Multi
	return m
}

// One makes Update and Delete apply to the first matching document
func (m *Model[T, R]) One() *Model[T, R] {
	m.q.mode = Single
	return m
}

// Sort orders Get and First, and picks the document single Update and
// Delete apply to
func (m *Model[T, R]) Sort(sort bson.D) *Model[T, R] {
	m.q.sort = sort
	return m
}

// Skip skips n matches in Get and Count
func (m *Model[T, R]) Skip(n int64) *Model[T, R] {
	m.q.skip = n
	return m
}

// Limit caps Get and Count at n matches; 0 means no limit
func (m *Model[T, R]) Limit(n int64) *Model[T, R] {
	m.q.limit = n
	return m
}

// Select restricts the fields Get and First fetch. Keys use logical names.
func (m *Model[T, R]) Select(projection bson.M) *Model[T, R] {
	m.q.selection = projection
	return m
}

// Upsert makes the next Update insert when nothing matches
func (m *Model[T, R]) Upsert() *Model[T, R] {
	m.q.upsert = true
	return m
}

// Fill replaces the field values used by Create
func (m *Model[T, R]) Fill(data T) *Model[T, R] {
	m.Data = data
	return m
}

// Reset discards the filter, visibility overrides and query options.
// Data and the request value are kept.
func (m *Model[T, R]) Reset() *Model[T, R] {
	m.q = queryState{}
	return m
}

// Mode returns the current cardinality
func (m *Model[T, R]) Mode() Mode {
	return m.q.mode
}

// Filter returns the accumulated filter in stored field names, as it will be
// sent to the database
func (m *Model[T, R]) Filter() bson.M {
	switch len(m.q.filters) {
	case 0:
		return bson.M{}
	case 1:
		return m.b.renameFilter(m.q.filters[0])
	}
	and := make(bson.A, 0, len(m.q.filters))
	for _, f := range m.q.filters {
		and = append(and, m.b.renameFilter(f))
	}
	return bson.M{"$and": and}
}

func (m *Model[T, R]) hasFilter() bool {
	return len(m.q.filters) > 0
}
