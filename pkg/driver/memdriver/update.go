package memdriver

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/kak-smko/mongodb-ro/pkg/driver"
)

// applyUpdate runs update operators against doc in place.
// $setOnInsert only applies when inserting is true.
func applyUpdate(doc, update bson.M, inserting bool, now time.Time) error {
	if len(update) == 0 {
		return fmt.Errorf("memdriver: update document is empty")
	}

	for op, arg := range update {
		if !strings.HasPrefix(op, "$") {
			return fmt.Errorf("memdriver: update document must only contain operators, found %q", op)
		}
		fields, ok := asDoc(arg)
		if !ok {
			return fmt.Errorf("memdriver: %s needs a document", op)
		}

		for path, v := range fields {
			if path == "_id" || strings.HasPrefix(path, "_id.") {
				if op != "$setOnInsert" || !inserting {
					return fmt.Errorf("memdriver: field _id is immutable")
				}
			}

			var err error
			switch op {
			case "$set":
				err = setPath(doc, path, v)
			case "$setOnInsert":
				if inserting {
					err = setPath(doc, path, v)
				}
			case "$unset":
				unsetPath(doc, path)
			case "$inc":
				err = incPath(doc, path, v)
			case "$push":
				err = pushPath(doc, path, v)
			case "$currentDate":
				err = setPath(doc, path, primitive.NewDateTimeFromTime(now))
			default:
				return fmt.Errorf("%w: update operator %s", driver.ErrUnsupported, op)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func incPath(doc bson.M, path string, delta any) error {
	if _, ok := toFloat(delta); !ok {
		return fmt.Errorf("memdriver: $inc needs a numeric argument for %q", path)
	}

	cur, found := lookup(doc, path)
	if !found || cur == nil {
		return setPath(doc, path, delta)
	}
	if _, ok := toFloat(cur); !ok {
		return fmt.Errorf("memdriver: cannot apply $inc to non-numeric field %q", path)
	}
	return setPath(doc, path, addNumbers(cur, delta))
}

// addNumbers widens like the server: int32 -> int64 -> double
func addNumbers(a, b any) any {
	_, aFloat := a.(float64)
	_, bFloat := b.(float64)
	if aFloat || bFloat {
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		return af + bf
	}

	ai, _ := toInt64(a)
	bi, _ := toInt64(b)
	sum := ai + bi
	_, a32 := a.(int32)
	_, b32 := b.(int32)
	if a32 && b32 && sum >= math.MinInt32 && sum <= math.MaxInt32 {
		return int32(sum)
	}
	return sum
}

func pushPath(doc bson.M, path string, v any) error {
	items := []any{v}
	if each, ok := asDoc(v); ok {
		if list, has := each["$each"]; has {
			arr, ok := asArray(list)
			if !ok {
				return fmt.Errorf("memdriver: $each needs an array")
			}
			items = arr
		}
	}

	cur, found := lookup(doc, path)
	if !found || cur == nil {
		return setPath(doc, path, primitive.A(items))
	}
	arr, ok := asArray(cur)
	if !ok {
		return fmt.Errorf("memdriver: cannot $push to non-array field %q", path)
	}
	next := make(primitive.A, 0, len(arr)+len(items))
	next = append(next, arr...)
	next = append(next, items...)
	return setPath(doc, path, next)
}

// upsertSeed builds the document inserted by an upsert from the filter's
// equality conditions
func upsertSeed(filter bson.M) (bson.M, error) {
	seed := bson.M{}
	if err := collectEqualities(seed, filter); err != nil {
		return nil, err
	}
	return seed, nil
}

func collectEqualities(seed, filter bson.M) error {
	for key, cond := range filter {
		if key == "$and" {
			clauses, _ := asArray(cond)
			for _, c := range clauses {
				if sub, ok := asDoc(c); ok {
					if err := collectEqualities(seed, sub); err != nil {
						return err
					}
				}
			}
			continue
		}
		if strings.HasPrefix(key, "$") {
			continue
		}
		if ops, isOps := operatorDoc(cond); isOps {
			if eq, ok := ops["$eq"]; ok {
				if err := setPath(seed, key, eq); err != nil {
					return err
				}
			}
			continue
		}
		if err := setPath(seed, key, cond); err != nil {
			return err
		}
	}
	return nil
}
