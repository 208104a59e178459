package memdriver

import (
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// sortLess builds the comparison for a sort specification
func sortLess(spec bson.D) (func(a, b bson.M) bool, error) {
	dirs := make([]int, len(spec))
	for i, e := range spec {
		n, ok := toInt64(e.Value)
		if !ok || (n != 1 && n != -1) {
			return nil, fmt.Errorf("memdriver: sort direction for %q must be 1 or -1", e.Key)
		}
		dirs[i] = int(n)
	}
	return func(a, b bson.M) bool {
		for k, e := range spec {
			av, _ := lookup(a, e.Key)
			bv, _ := lookup(b, e.Key)
			if c := compareValues(av, bv); c != 0 {
				return c*dirs[k] < 0
			}
		}
		return false
	}, nil
}

// sortDocs orders documents in place; ties keep their previous order
func sortDocs(docs []bson.M, spec bson.D) error {
	if len(spec) == 0 {
		return nil
	}
	less, err := sortLess(spec)
	if err != nil {
		return err
	}
	sort.SliceStable(docs, func(i, j int) bool { return less(docs[i], docs[j]) })
	return nil
}

func window[T any](items []T, skip, limit int64) []T {
	if skip > 0 {
		if skip >= int64(len(items)) {
			return items[:0]
		}
		items = items[skip:]
	}
	if limit > 0 && limit < int64(len(items)) {
		items = items[:limit]
	}
	return items
}

// project applies an inclusion or exclusion projection.
// In inclusion mode a "$path" string value copies another field.
func project(doc bson.M, projection bson.M) (bson.M, error) {
	if len(projection) == 0 {
		return doc, nil
	}

	include, exclude := false, false
	for k, v := range projection {
		if k == "_id" {
			continue
		}
		if isFieldRef(v) || truthy(v) {
			include = true
		} else {
			exclude = true
		}
	}
	if include && exclude {
		return nil, fmt.Errorf("memdriver: cannot mix inclusion and exclusion in a projection")
	}

	if !include {
		out, err := normalize(doc)
		if err != nil {
			return nil, err
		}
		for k := range projection {
			if idv, isID := projection["_id"]; k == "_id" && isID && truthy(idv) {
				continue
			}
			unsetPath(out, k)
		}
		return out, nil
	}

	out := bson.M{}
	if idv, ok := projection["_id"]; !ok || truthy(idv) {
		if id, found := doc["_id"]; found {
			out["_id"] = id
		}
	}
	for k, v := range projection {
		if k == "_id" {
			continue
		}
		src := k
		if isFieldRef(v) {
			src = strings.TrimPrefix(v.(string), "$")
		}
		val, found := lookup(doc, src)
		if !found {
			continue
		}
		if err := setPath(out, k, val); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func isFieldRef(v any) bool {
	s, ok := v.(string)
	return ok && len(s) > 1 && strings.HasPrefix(s, "$")
}
