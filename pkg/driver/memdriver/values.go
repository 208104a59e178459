package memdriver

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// normalize round-trips a document through BSON so that every value has the
// type a real server would hand back (int32/int64/float64, primitive.DateTime,
// primitive.A, bson.M).
func normalize(doc bson.M) (bson.M, error) {
	if doc == nil {
		return bson.M{}, nil
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("memdriver: failed to encode document: %w", err)
	}
	return decode(raw)
}

func normalizeValue(v any) (any, error) {
	doc, err := normalize(bson.M{"v": v})
	if err != nil {
		return nil, err
	}
	return doc["v"], nil
}

func decode(raw bson.Raw) (bson.M, error) {
	var out bson.M
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("memdriver: failed to decode document: %w", err)
	}
	return out, nil
}

func asDoc(v any) (bson.M, bool) {
	switch d := v.(type) {
	case bson.M:
		return d, true
	case map[string]any:
		return bson.M(d), true
	case bson.D:
		out := make(bson.M, len(d))
		for _, e := range d {
			out[e.Key] = e.Value
		}
		return out, true
	default:
		return nil, false
	}
}

// asOrderedDoc keeps key order when the input has one
func asOrderedDoc(v any) (bson.D, bool) {
	switch d := v.(type) {
	case bson.D:
		return d, true
	case bson.M:
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(bson.D, 0, len(d))
		for _, k := range keys {
			out = append(out, bson.E{Key: k, Value: d[k]})
		}
		return out, true
	case map[string]any:
		return asOrderedDoc(bson.M(d))
	default:
		return nil, false
	}
}

func asArray(v any) ([]any, bool) {
	switch a := v.(type) {
	case primitive.A:
		return a, true
	case []any:
		return a, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case nil:
		return false
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}

// typeClass follows the server's cross-type comparison order
func typeClass(v any) int {
	switch v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return 1
	case int32, int64, int, float64:
		return 2
	case string, primitive.Symbol:
		return 3
	case bson.M, map[string]any, bson.D:
		return 4
	case primitive.A, []any:
		return 5
	case primitive.Binary, []byte:
		return 6
	case primitive.ObjectID:
		return 7
	case bool:
		return 8
	case primitive.DateTime, time.Time:
		return 9
	case primitive.Timestamp:
		return 10
	default:
		return 11
	}
}

// compareValues orders two values; values of different classes order by class.
func compareValues(a, b any) int {
	ca, cb := typeClass(a), typeClass(b)
	if ca != cb {
		return ca - cb
	}

	switch ca {
	case 1:
		return 0
	case 2:
		ai, aInt := a.(int64)
		bi, bInt := b.(int64)
		if aInt && bInt {
			return cmpOrdered(ai, bi)
		}
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		return cmpOrdered(af, bf)
	case 3:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	case 4:
		if docsEqual(a, b) {
			return 0
		}
		return strings.Compare(docString(a), docString(b))
	case 5:
		aa, _ := asArray(a)
		ba, _ := asArray(b)
		for i := 0; i < len(aa) && i < len(ba); i++ {
			if c := compareValues(aa[i], ba[i]); c != 0 {
				return c
			}
		}
		return len(aa) - len(ba)
	case 6:
		return bytes.Compare(binaryBytes(a), binaryBytes(b))
	case 7:
		ao := a.(primitive.ObjectID)
		bo := b.(primitive.ObjectID)
		return bytes.Compare(ao[:], bo[:])
	case 8:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 9:
		return cmpOrdered(millis(a), millis(b))
	case 10:
		at, bt := a.(primitive.Timestamp), b.(primitive.Timestamp)
		return primitive.CompareTimestamp(at, bt)
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func valuesEqual(a, b any) bool {
	if typeClass(a) == 4 && typeClass(b) == 4 {
		return docsEqual(a, b)
	}
	return compareValues(a, b) == 0
}

func docsEqual(a, b any) bool {
	ad, _ := asDoc(a)
	bd, _ := asDoc(b)
	if len(ad) != len(bd) {
		return false
	}
	for k, av := range ad {
		bv, ok := bd[k]
		if !ok || !valuesEqual(av, bv) {
			return false
		}
	}
	return true
}

func docString(v any) string {
	d, _ := asOrderedDoc(v)
	return fmt.Sprint(d)
}

func binaryBytes(v any) []byte {
	switch b := v.(type) {
	case primitive.Binary:
		return b.Data
	case []byte:
		return b
	}
	return nil
}

func millis(v any) int64 {
	switch t := v.(type) {
	case primitive.DateTime:
		return int64(t)
	case time.Time:
		return t.UnixMilli()
	}
	return 0
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// lookup resolves a dotted path inside a document
func lookup(doc bson.M, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		if d, ok := asDoc(cur); ok {
			v, found := d[seg]
			if !found {
				return nil, false
			}
			cur = v
			continue
		}
		if arr, ok := asArray(cur); ok {
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(arr) {
				return nil, false
			}
			cur = arr[i]
			continue
		}
		return nil, false
	}
	return cur, true
}

// setPath assigns a value at a dotted path, creating intermediate documents
func setPath(doc bson.M, path string, v any) error {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, found := cur[seg]
		if !found || next == nil {
			child := bson.M{}
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := asDoc(next)
		if !ok {
			return fmt.Errorf("memdriver: cannot create field %q in non-document value", path)
		}
		if _, isM := next.(bson.M); !isM {
			cur[seg] = child
		}
		cur = child
	}
	cur[segs[len(segs)-1]] = v
	return nil
}

func unsetPath(doc bson.M, path string) {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		child, ok := asDoc(cur[seg])
		if !ok {
			return
		}
		cur = child
	}
	delete(cur, segs[len(segs)-1])
}

// idKey maps an _id value to its btree key
func idKey(id any) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return "o" + v.Hex()
	case string:
		return "s" + v
	case int32, int64, int, float64:
		f, _ := toFloat(v)
		return "n" + strconv.FormatFloat(f, 'g', -1, 64)
	default:
		return "x" + fmt.Sprint(v)
	}
}
