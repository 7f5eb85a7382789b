package outfmt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"
)

type templateKey struct{}

// WithTemplate adds a Go template to the context
func WithTemplate(ctx context.Context, tmpl string) context.Context {
	return context.WithValue(ctx, templateKey{}, tmpl)
}

// GetTemplate retrieves the template from context
func GetTemplate(ctx context.Context) string {
	t, _ := ctx.Value(templateKey{}).(string)
	return t
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		raw, err := json.Marshal(v)
		return string(raw), err
	},
	"upper": strings.ToUpper,
	"join": func(sep string, v []any) string {
		parts := make([]string, len(v))
		for i, p := range v {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, sep)
	},
	// since renders an RFC 3339 timestamp relative to now.
	"since": func(v any) string {
		s, _ := v.(string)
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return s
		}
		return time.Since(t).Round(time.Second).String()
	},
}

// WriteTemplate renders v with tmpl. Missing keys render as zero values.
func WriteTemplate(w io.Writer, v any, tmpl string) error {
	t, err := template.New("output").Funcs(templateFuncs).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}
	if err := t.Execute(w, v); err != nil {
		return fmt.Errorf("template: %w", err)
	}
	return nil
}
