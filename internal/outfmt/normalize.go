package outfmt

import (
	"encoding/json"
	"reflect"
)

// normalize wraps top-level lists in {"items": [...]} so every JSON
// result is an object. Nil lists become empty ones.
func normalize(v any) any {
	switch v.(type) {
	case nil, []byte, json.RawMessage:
		return v
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return v
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return v
	}
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return map[string]any{"items": []any{}}
	}
	return map[string]any{"items": rv.Interface()}
}
