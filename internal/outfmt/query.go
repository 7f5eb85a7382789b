package outfmt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/itchyny/gojq"
)

type queryKey struct{}

// WithQuery adds a jq expression to the context
func WithQuery(ctx context.Context, query string) context.Context {
	return context.WithValue(ctx, queryKey{}, query)
}

// GetQuery retrieves the jq expression from context
func GetQuery(ctx context.Context) string {
	q, _ := ctx.Value(queryKey{}).(string)
	return q
}

// ApplyQuery normalizes v and runs a jq expression over it. A single
// result is returned bare, several as a list. Expressions that iterate the
// root (".[]") fall back to the "items" list when the root is an object.
func ApplyQuery(v any, query string) (any, error) {
	v = normalize(v)
	if query == "" {
		return v, nil
	}
	// zsh escapes ! even inside single quotes.
	query = strings.ReplaceAll(query, `\!`, `!`)
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	data, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	results, err := run(parsed, data)
	if err != nil {
		items, ok := itemsOf(data)
		if !ok || !iteratesRoot(query) {
			return nil, err
		}
		if results, err = run(parsed, items); err != nil {
			return nil, err
		}
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

// WriteJSONFiltered writes v as JSON after applying query.
func WriteJSONFiltered(w io.Writer, v any, query string, compact bool) error {
	out, err := ApplyQuery(v, query)
	if err != nil {
		return err
	}
	return writeJSON(w, out, compact)
}

// toGeneric round-trips through JSON so gojq sees only maps, slices and
// scalars.
func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func run(q *gojq.Query, data any) ([]any, error) {
	results := []any{}
	iter := q.Run(data)
	for {
		v, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, ok := v.(error); ok {
			return nil, fmt.Errorf("query error: %w", err)
		}
		results = append(results, v)
	}
}

func itemsOf(data any) ([]any, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, false
	}
	items, ok := m["items"].([]any)
	return items, ok
}

func iteratesRoot(query string) bool {
	q := strings.TrimSpace(query)
	for _, prefix := range []string{".[]", "[.[]", "(.[]"} {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}
