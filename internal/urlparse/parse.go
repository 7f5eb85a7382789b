// Package urlparse reads conversation and contact ids out of links copied
// from the Chatwoot dashboard.
package urlparse

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/chatwoot/crm-sync/internal/crm"
)

// Resource kinds a dashboard link can point at.
const (
	Conversation = "conversation"
	Contact      = "contact"
)

// Link is a parsed dashboard link.
type Link struct {
	BaseURL   string
	AccountID crm.ID
	Resource  string
	ID        crm.ID
}

var resources = map[string]string{
	"conversations": Conversation,
	"contacts":      Contact,
}

// /app/accounts/{account}/{resource}/{id}, optionally nested under an
// inbox or label view and followed by a sub-page.
var linkPattern = regexp.MustCompile(`^/app/accounts/(\d+)(?:/(?:inbox|label|team)/[^/]+)?/([a-z]+)(?:/(\d+))?(?:/.*)?$`)

// LooksLikeURL reports whether s should be parsed as a link rather than
// matched as a name.
func LooksLikeURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Parse extracts the resource from a dashboard link.
func Parse(raw string) (*Link, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme %q: expected http or https", u.Scheme)
	}

	m := linkPattern.FindStringSubmatch(strings.TrimRight(u.Path, "/"))
	if m == nil {
		return nil, fmt.Errorf("not a Chatwoot dashboard link: expected /app/accounts/{account}/{conversations|contacts}/{id}")
	}
	resource, ok := resources[m[2]]
	if !ok {
		return nil, fmt.Errorf("unsupported resource %q: expected conversations or contacts", m[2])
	}
	return &Link{
		BaseURL:   u.Scheme + "://" + u.Host,
		AccountID: crm.ID(m[1]),
		Resource:  resource,
		ID:        crm.ID(m[3]),
	}, nil
}

// ID returns the id of a link to resource. A link to another resource or
// to a list view is an error.
func ID(raw, resource string) (crm.ID, error) {
	link, err := Parse(raw)
	if err != nil {
		return "", err
	}
	if link.Resource != resource {
		return "", fmt.Errorf("link points at a %s, expected a %s", link.Resource, resource)
	}
	if link.ID == "" {
		return "", fmt.Errorf("link has no %s id", resource)
	}
	return link.ID, nil
}
