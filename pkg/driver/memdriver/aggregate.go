package memdriver

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kak-smko/mongodb-ro/pkg/driver"
)

// Aggregate runs a pipeline of $match, $sort, $skip, $limit, $project,
// $group and $count stages
func (c *Collection) Aggregate(ctx context.Context, sess driver.Session, pipeline []bson.D) ([]bson.M, error) {
	var out []bson.M
	err := c.db.withData(ctx, sess, c.name, false, func(data *collectionData) error {
		docs, _, err := data.all()
		if err != nil {
			return err
		}
		for _, stage := range pipeline {
			if len(stage) != 1 {
				return fmt.Errorf("memdriver: a pipeline stage must have exactly one field")
			}
			docs, err = runStage(docs, stage[0].Key, stage[0].Value)
			if err != nil {
				return err
			}
		}
		out = docs
		return nil
	})
	return out, err
}

func runStage(docs []bson.M, name string, arg any) ([]bson.M, error) {
	switch name {
	case "$match":
		filter, ok := asDoc(arg)
		if !ok {
			return nil, fmt.Errorf("memdriver: $match needs a document")
		}
		filter, err := normalize(filter)
		if err != nil {
			return nil, err
		}
		var out []bson.M
		for _, doc := range docs {
			hit, err := matches(doc, filter)
			if err != nil {
				return nil, err
			}
			if hit {
				out = append(out, doc)
			}
		}
		return out, nil
	case "$sort":
		spec, ok := asOrderedDoc(arg)
		if !ok {
			return nil, fmt.Errorf("memdriver: $sort needs a document")
		}
		return docs, sortDocs(docs, spec)
	case "$skip":
		n, ok := toInt64(arg)
		if !ok || n < 0 {
			return nil, fmt.Errorf("memdriver: $skip needs a non-negative number")
		}
		return window(docs, n, 0), nil
	case "$limit":
		n, ok := toInt64(arg)
		if !ok || n <= 0 {
			return nil, fmt.Errorf("memdriver: $limit needs a positive number")
		}
		return window(docs, 0, n), nil
	case "$project":
		spec, ok := asDoc(arg)
		if !ok {
			return nil, fmt.Errorf("memdriver: $project needs a document")
		}
		out := make([]bson.M, 0, len(docs))
		for _, doc := range docs {
			projected, err := project(doc, spec)
			if err != nil {
				return nil, err
			}
			out = append(out, projected)
		}
		return out, nil
	case "$count":
		field, ok := arg.(string)
		if !ok || field == "" {
			return nil, fmt.Errorf("memdriver: $count needs a field name")
		}
		if len(docs) == 0 {
			return []bson.M{}, nil
		}
		return []bson.M{{field: int32(len(docs))}}, nil
	case "$group":
		spec, ok := asOrderedDoc(arg)
		if !ok {
			return nil, fmt.Errorf("memdriver: $group needs a document")
		}
		return group(docs, spec)
	default:
		return nil, fmt.Errorf("%w: pipeline stage %s", driver.ErrUnsupported, name)
	}
}

// eval resolves "$path" references and passes literals through
func eval(doc bson.M, expr any) any {
	if isFieldRef(expr) {
		v, _ := lookup(doc, strings.TrimPrefix(expr.(string), "$"))
		return v
	}
	return expr
}

type groupState struct {
	id   any
	acc  bson.M
	seen map[string]bool
	n    map[string]int
}

// group supports the $sum, $avg, $min, $max, $first, $last and $push accumulators
func group(docs []bson.M, spec bson.D) ([]bson.M, error) {
	var idExpr any
	hasID := false
	for _, e := range spec {
		if e.Key == "_id" {
			idExpr, hasID = e.Value, true
		}
	}
	if !hasID {
		return nil, fmt.Errorf("memdriver: $group needs an _id field")
	}

	var groups []*groupState
	for _, doc := range docs {
		id := eval(doc, idExpr)
		var g *groupState
		for _, existing := range groups {
			if valuesEqual(existing.id, id) {
				g = existing
				break
			}
		}
		if g == nil {
			g = &groupState{id: id, acc: bson.M{}, seen: map[string]bool{}, n: map[string]int{}}
			groups = append(groups, g)
		}

		for _, e := range spec {
			if e.Key == "_id" {
				continue
			}
			op, ok := asOrderedDoc(e.Value)
			if !ok || len(op) != 1 {
				return nil, fmt.Errorf("memdriver: accumulator for %q must be a single-operator document", e.Key)
			}
			if err := accumulate(g, e.Key, op[0].Key, eval(doc, op[0].Value)); err != nil {
				return nil, err
			}
		}
	}

	out := make([]bson.M, 0, len(groups))
	for _, g := range groups {
		row := bson.M{"_id": g.id}
		for k, v := range g.acc {
			if n, isAvg := g.n[k]; isAvg {
				f, _ := toFloat(v)
				row[k] = f / float64(n)
				continue
			}
			row[k] = v
		}
		out = append(out, row)
	}
	return out, nil
}

func accumulate(g *groupState, field, op string, v any) error {
	first := !g.seen[field]
	g.seen[field] = true

	switch op {
	case "$sum", "$avg":
		if op == "$avg" {
			if _, isNum := toFloat(v); !isNum {
				return nil
			}
			g.n[field]++
		}
		switch n := v.(type) {
		case int:
			v = int64(n)
		case int32:
			v = int64(n)
		case int64, float64:
		default:
			v = int64(0)
		}
		if cur, ok := g.acc[field]; ok {
			g.acc[field] = addNumbers(cur, v)
		} else {
			g.acc[field] = v
		}
	case "$min", "$max":
		cur, ok := g.acc[field]
		if !ok || v == nil {
			if !ok {
				g.acc[field] = v
			}
			return nil
		}
		c := compareValues(v, cur)
		if (op == "$min" && c < 0) || (op == "$max" && c > 0) || cur == nil {
			g.acc[field] = v
		}
	case "$first":
		if first {
			g.acc[field] = v
		}
	case "$last":
		g.acc[field] = v
	case "$push":
		arr, _ := g.acc[field].([]any)
		g.acc[field] = append(arr, v)
	default:
		return fmt.Errorf("%w: accumulator %s", driver.ErrUnsupported, op)
	}
	return nil
}
