package memdriver

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kak-smko/mongodb-ro/pkg/driver"
)

// matches evaluates a normalized filter against a normalized document
func matches(doc, filter bson.M) (bool, error) {
	for key, cond := range filter {
		ok, err := matchKey(doc, key, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchKey(doc bson.M, key string, cond any) (bool, error) {
	switch key {
	case "$and", "$or", "$nor":
		clauses, ok := asArray(cond)
		if !ok || len(clauses) == 0 {
			return false, fmt.Errorf("memdriver: %s needs a non-empty array", key)
		}
		for _, c := range clauses {
			sub, ok := asDoc(c)
			if !ok {
				return false, fmt.Errorf("memdriver: %s entries must be documents", key)
			}
			hit, err := matches(doc, sub)
			if err != nil {
				return false, err
			}
			switch {
			case key == "$and" && !hit:
				return false, nil
			case key == "$or" && hit:
				return true, nil
			case key == "$nor" && hit:
				return false, nil
			}
		}
		return key != "$or", nil
	}

	if strings.HasPrefix(key, "$") {
		return false, fmt.Errorf("%w: top-level operator %s", driver.ErrUnsupported, key)
	}

	val, found := lookup(doc, key)
	return matchCond(val, found, cond)
}

// operatorDoc reports whether a condition is an operator document like {$gt: 1}
func operatorDoc(cond any) (bson.M, bool) {
	d, ok := asDoc(cond)
	if !ok || len(d) == 0 {
		return nil, false
	}
	for k := range d {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return d, true
}

func matchCond(val any, found bool, cond any) (bool, error) {
	ops, isOps := operatorDoc(cond)
	if !isOps {
		return matchEq(val, found, cond), nil
	}

	for op, arg := range ops {
		ok, err := matchOp(val, found, op, arg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchEq(val any, found bool, target any) bool {
	if target == nil {
		return !found || val == nil
	}
	if !found {
		return false
	}
	if arr, ok := asArray(val); ok {
		if _, targetIsArray := asArray(target); !targetIsArray {
			for _, el := range arr {
				if valuesEqual(el, target) {
					return true
				}
			}
			return false
		}
	}
	return valuesEqual(val, target)
}

func matchOp(val any, found bool, op string, arg any) (bool, error) {
	switch op {
	case "$eq":
		return matchEq(val, found, arg), nil
	case "$ne":
		return !matchEq(val, found, arg), nil
	case "$gt", "$gte", "$lt", "$lte":
		if !found {
			return false, nil
		}
		if arr, ok := asArray(val); ok {
			for _, el := range arr {
				if compareOp(el, op, arg) {
					return true, nil
				}
			}
			return false, nil
		}
		return compareOp(val, op, arg), nil
	case "$in", "$nin":
		list, ok := asArray(arg)
		if !ok {
			return false, fmt.Errorf("memdriver: %s needs an array", op)
		}
		hit := false
		for _, candidate := range list {
			if matchEq(val, found, candidate) {
				hit = true
				break
			}
		}
		return hit == (op == "$in"), nil
	case "$exists":
		return found == truthy(arg), nil
	case "$size":
		arr, ok := asArray(val)
		n, isNum := toInt64(arg)
		return ok && isNum && int64(len(arr)) == n, nil
	case "$not":
		inner, ok := operatorDoc(arg)
		if !ok {
			return false, fmt.Errorf("memdriver: $not needs an operator document")
		}
		hit, err := matchCond(val, found, inner)
		return !hit, err
	default:
		return false, fmt.Errorf("%w: query operator %s", driver.ErrUnsupported, op)
	}
}

// compareOp only matches values of the same type class, like the server
func compareOp(val any, op string, arg any) bool {
	if typeClass(val) != typeClass(arg) {
		return false
	}
	c := compareValues(val, arg)
	switch op {
	case "$gt":
		return c > 0
	case "$gte":
		return c >= 0
	case "$lt":
		return c < 0
	default:
		return c <= 0
	}
}
