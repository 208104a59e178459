package schema

import (
	"strings"

	"github.com/kak-smko/mongodb-ro/pkg/modelerr"
)

// TagName is the struct tag holding field attributes
const TagName = "model"

type attrs struct {
	hidden bool
	name   string
	index  *IndexSpec
}

// parseAttrs parses a comma separated attribute list such as
//
//	model:"asc,unique"
//	model:"hidden,name=pswd"
//	model:"text=english"
//
// A bare "unique" declares an ascending unique index.
func parseAttrs(collection, field, tag string) (attrs, error) {
	var (
		a      attrs
		kind   IndexKind
		lang   string
		unique bool
	)

	setKind := func(k IndexKind) error {
		if kind != 0 && kind != k {
			return modelerr.Configuration(collection, field,
				"incompatible index declarations %s and %s", kind, k)
		}
		kind = k
		return nil
	}

	for _, tok := range strings.Split(tag, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		key, val, hasVal := strings.Cut(tok, "=")
		var err error
		switch key {
		case "hidden":
			a.hidden = true
		case "name":
			if !hasVal || strings.TrimSpace(val) == "" {
				return a, modelerr.Configuration(collection, field, "empty name attribute")
			}
			a.name = strings.TrimSpace(val)
		case "asc":
			err = setKind(Ascending)
		case "desc":
			err = setKind(Descending)
		case "sphere2d":
			err = setKind(Sphere2D)
		case "text":
			err = setKind(Text)
			lang = "english"
			if hasVal && strings.TrimSpace(val) != "" {
				lang = strings.TrimSpace(val)
			}
		case "unique":
			unique = true
		default:
			return a, modelerr.Configuration(collection, field, "unknown attribute %q", tok)
		}
		if err != nil {
			return a, err
		}
	}

	if kind == 0 && unique {
		kind = Ascending
	}
	if kind != 0 {
		a.index = &IndexSpec{Kind: kind, Language: lang, Unique: unique}
	}
	return a, nil
}
