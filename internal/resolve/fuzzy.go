// Package resolve turns what a user typed (a label title, a contact name)
// into the record it most likely means.
package resolve

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/chatwoot/crm-sync/internal/crm"
)

// Named is a candidate with an id and a display name.
type Named struct {
	ID   crm.ID
	Name string
}

// Match is a fuzzy match result with score.
type Match struct {
	ID    crm.ID
	Name  string
	Score int
}

var (
	ErrEmptyQuery = errors.New("empty search query")
	ErrEmptyItems = errors.New("no items to match against")
)

// AmbiguousError lists the best candidates when two tie.
type AmbiguousError struct {
	Query   string
	Matches []Match
}

func (e *AmbiguousError) Error() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "ambiguous match for %q", e.Query)
	if len(e.Matches) > 0 {
		b.WriteString(", candidates:")
		for _, m := range e.Matches {
			_, _ = fmt.Fprintf(&b, "\n  %s: %s", m.ID, m.Name)
		}
	}
	return b.String()
}

type lowered []Named

func (s lowered) String(i int) string { return strings.ToLower(s[i].Name) }
func (s lowered) Len() int            { return len(s) }

// FuzzyMatch returns the id of the item whose name best matches query. An
// exact case-insensitive name wins outright; a tie between the two best
// fuzzy results is an *AmbiguousError.
func FuzzyMatch(query string, items []Named) (crm.ID, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	if len(items) == 0 {
		return "", ErrEmptyItems
	}
	for _, item := range items {
		if strings.EqualFold(item.Name, query) {
			return item.ID, nil
		}
	}

	results := fuzzy.FindFrom(strings.ToLower(query), lowered(items))
	if len(results) == 0 {
		return "", fmt.Errorf("no match found for %q", query)
	}
	if len(results) > 1 && results[0].Score == results[1].Score {
		return "", &AmbiguousError{Query: query, Matches: top(items, results, 5)}
	}
	return items[results[0].Index].ID, nil
}

// FuzzyMatchAll returns up to limit matches, best first.
func FuzzyMatchAll(query string, items []Named, limit int) []Match {
	query = strings.TrimSpace(query)
	if query == "" || len(items) == 0 || limit <= 0 {
		return nil
	}
	return top(items, fuzzy.FindFrom(strings.ToLower(query), lowered(items)), limit)
}

func top(items []Named, results fuzzy.Matches, limit int) []Match {
	if len(results) > limit {
		results = results[:limit]
	}
	var matches []Match
	for _, r := range results {
		matches = append(matches, Match{ID: items[r.Index].ID, Name: items[r.Index].Name, Score: r.Score})
	}
	return matches
}

// Label resolves a label title. Conversations reference labels by title,
// so the returned id is the canonical title.
func Label(query string, labels []crm.Label) (string, error) {
	items := make([]Named, len(labels))
	for i, l := range labels {
		items[i] = Named{ID: crm.ID(l.Title), Name: l.Title}
	}
	id, err := FuzzyMatch(query, items)
	return string(id), err
}

// Conversation resolves a conversation by id, contact name or phone number.
func Conversation(query string, convs []crm.Conversation) (crm.ID, error) {
	query = strings.TrimSpace(query)
	var items []Named
	for _, c := range convs {
		if string(c.ID) == query {
			return c.ID, nil
		}
		if c.Contact.Name != "" {
			items = append(items, Named{ID: c.ID, Name: c.Contact.Name})
		}
		if c.Contact.PhoneNumber != "" {
			items = append(items, Named{ID: c.ID, Name: c.Contact.PhoneNumber})
		}
	}
	return FuzzyMatch(query, items)
}
