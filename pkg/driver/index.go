package driver

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// DefaultIndexName returns the name the server assigns to an index with the
// given keys, e.g. "phone_1" or "bio_text".
func DefaultIndexName(keys bson.D) string {
	parts := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		parts = append(parts, k.Key, keyValueString(k.Value))
	}
	return strings.Join(parts, "_")
}

// CanonicalKeys renders an index key pattern in a form that is equal for
// equivalent indexes regardless of numeric types or how a text index was
// listed (requested {f:"text"} versus stored {_fts:"text",_ftsx:1} + weights).
func CanonicalKeys(idx IndexModel) string {
	var parts []string
	for _, k := range idx.Keys {
		switch k.Key {
		case "_fts":
			fields := make([]string, 0, len(idx.Weights))
			for _, w := range idx.Weights {
				fields = append(fields, w.Key+":text")
			}
			sort.Strings(fields)
			parts = append(parts, fields...)
		case "_ftsx":
		default:
			parts = append(parts, k.Key+":"+keyValueString(k.Value))
		}
	}
	return strings.Join(parts, ",")
}

// IsTextIndex reports whether the index is a text index in either form
func IsTextIndex(idx IndexModel) bool {
	for _, k := range idx.Keys {
		if k.Key == "_fts" || k.Value == "text" {
			return true
		}
	}
	return false
}

func keyValueString(v any) string {
	switch n := v.(type) {
	case int:
		return fmt.Sprint(n)
	case int32:
		return fmt.Sprint(n)
	case int64:
		return fmt.Sprint(n)
	case float64:
		if n == math.Trunc(n) {
			return fmt.Sprint(int64(n))
		}
		return fmt.Sprint(n)
	case string:
		return n
	default:
		return fmt.Sprint(v)
	}
}
