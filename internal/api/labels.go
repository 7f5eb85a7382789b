package api

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/validation"
)

// LabelRemoval selects how a label is taken off a conversation.
type LabelRemoval string

const (
	// RemovalDelete calls DELETE on the conversation labels endpoint. A 404
	// or 405 answer means the vendor lacks it.
	RemovalDelete LabelRemoval = "delete"
	// RemovalReplace posts the full label set minus the removed title.
	RemovalReplace LabelRemoval = "replace"
	// RemovalNone reports every removal as unsupported without a request.
	RemovalNone LabelRemoval = "none"
)

// ParseLabelRemoval parses a configured removal strategy.
func ParseLabelRemoval(s string) (LabelRemoval, error) {
	switch LabelRemoval(strings.ToLower(strings.TrimSpace(s))) {
	case RemovalDelete, "":
		return RemovalDelete, nil
	case RemovalReplace:
		return RemovalReplace, nil
	case RemovalNone:
		return RemovalNone, nil
	default:
		return "", fmt.Errorf("invalid label removal mode %q (want delete, replace or none)", s)
	}
}

// Capabilities records what the vendor API version supports.
type Capabilities struct {
	LabelRemoval LabelRemoval
}

func DefaultCapabilities() Capabilities {
	return Capabilities{LabelRemoval: RemovalDelete}
}

var labelColorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// List retrieves all labels for the account.
func (s LabelsService) List(ctx context.Context) ([]crm.Label, error) {
	return listLabels(ctx, s)
}

func listLabels(ctx context.Context, r Requester) ([]crm.Label, error) {
	url := r.accountPath("/labels")
	body, err := r.doRaw(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeList[Label](url, body)
	if err != nil {
		return nil, err
	}
	out := make([]crm.Label, 0, len(items))
	for i := range items {
		out = append(out, items[i].ToCRM())
	}
	return out, nil
}

// Create creates an account label. An empty color falls back to
// crm.DefaultLabelColor.
func (s LabelsService) Create(ctx context.Context, title, color, description string) (crm.Label, error) {
	return createLabel(ctx, s, title, color, description)
}

func createLabel(ctx context.Context, r Requester, title, color, description string) (crm.Label, error) {
	title = strings.TrimSpace(title)
	if err := validation.ValidateLabelTitle(title); err != nil {
		return crm.Label{}, &ValidationError{Field: "title", Message: err.Error()}
	}
	if color == "" {
		color = crm.DefaultLabelColor
	}
	if !labelColorPattern.MatchString(color) {
		return crm.Label{}, &ValidationError{Field: "color", Message: fmt.Sprintf("%q is not a #rrggbb color", color)}
	}
	body := map[string]any{
		"title":           title,
		"color":           color,
		"show_on_sidebar": true,
	}
	if description != "" {
		body["description"] = description
	}

	url := r.accountPath("/labels")
	raw, err := r.doRaw(ctx, http.MethodPost, url, body)
	if err != nil {
		return crm.Label{}, err
	}
	label, err := decodeObject[Label](url, raw, "")
	if err != nil {
		return crm.Label{}, err
	}
	return label.ToCRM(), nil
}

// ForConversation lists the label titles applied to a conversation.
func (s LabelsService) ForConversation(ctx context.Context, conversationID crm.ID) ([]string, error) {
	return conversationLabels(ctx, s, conversationID)
}

func conversationLabels(ctx context.Context, r Requester, conversationID crm.ID) ([]string, error) {
	url := r.accountPath(fmt.Sprintf("/conversations/%s/labels", conversationID))
	body, err := r.doRaw(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, withResource(err, "conversation", conversationID)
	}
	return decodeList[string](url, body)
}

// Add applies titles to the conversation. The vendor endpoint replaces the
// whole set, so the current labels are read and the union is written back.
// Returns the resulting set.
func (s LabelsService) Add(ctx context.Context, conversationID crm.ID, titles ...string) ([]string, error) {
	return addConversationLabels(ctx, s, conversationID, titles)
}

func addConversationLabels(ctx context.Context, r Requester, conversationID crm.ID, titles []string) ([]string, error) {
	if len(titles) == 0 {
		return nil, &ValidationError{Field: "labels", Message: "no labels given"}
	}
	current, err := conversationLabels(ctx, r, conversationID)
	if err != nil {
		return nil, err
	}
	return postConversationLabels(ctx, r, conversationID, unionLabels(current, titles))
}

// Remove takes title off the conversation using the configured strategy.
// Returns NotSupportedError when the vendor cannot remove labels; after the
// first such answer later calls fail without a request.
func (s LabelsService) Remove(ctx context.Context, conversationID crm.ID, title string) ([]string, error) {
	s.capMu.Lock()
	mode := s.Capabilities.LabelRemoval
	s.capMu.Unlock()

	labels, err := removeConversationLabel(ctx, s, conversationID, title, mode)
	if IsNotSupported(err) && mode == RemovalDelete {
		s.capMu.Lock()
		s.Capabilities.LabelRemoval = RemovalNone
		s.capMu.Unlock()
	}
	return labels, err
}

func removeConversationLabel(ctx context.Context, r Requester, conversationID crm.ID, title string, mode LabelRemoval) ([]string, error) {
	switch mode {
	case RemovalNone:
		return nil, &NotSupportedError{Operation: "remove label"}
	case RemovalReplace:
		current, err := conversationLabels(ctx, r, conversationID)
		if err != nil {
			return nil, err
		}
		kept := make([]string, 0, len(current))
		for _, l := range current {
			if l != title {
				kept = append(kept, l)
			}
		}
		return postConversationLabels(ctx, r, conversationID, kept)
	default:
		url := r.accountPath(fmt.Sprintf("/conversations/%s/labels", conversationID))
		body, err := r.doRaw(ctx, http.MethodDelete, url, map[string]any{"labels": []string{title}})
		if err != nil {
			var verr *VendorError
			if nf, ok := err.(*NotFoundError); ok {
				verr, _ = nf.Err.(*VendorError)
			} else {
				verr, _ = err.(*VendorError)
			}
			if verr != nil && !verr.Proxy && (verr.StatusCode == http.StatusNotFound || verr.StatusCode == http.StatusMethodNotAllowed) {
				return nil, &NotSupportedError{Operation: "remove label", Reason: fmt.Sprintf("vendor answered %d", verr.StatusCode)}
			}
			return nil, err
		}
		if len(strings.TrimSpace(string(body))) == 0 {
			return conversationLabels(ctx, r, conversationID)
		}
		return decodeList[string](url, body)
	}
}

func postConversationLabels(ctx context.Context, r Requester, conversationID crm.ID, labels []string) ([]string, error) {
	url := r.accountPath(fmt.Sprintf("/conversations/%s/labels", conversationID))
	body, err := r.doRaw(ctx, http.MethodPost, url, map[string]any{"labels": labels})
	if err != nil {
		return nil, withResource(err, "conversation", conversationID)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return labels, nil
	}
	return decodeList[string](url, body)
}

// unionLabels keeps the order of current and appends new titles once.
func unionLabels(current, add []string) []string {
	seen := make(map[string]struct{}, len(current)+len(add))
	out := make([]string, 0, len(current)+len(add))
	for _, list := range [][]string{current, add} {
		for _, l := range list {
			l = strings.TrimSpace(l)
			if l == "" {
				continue
			}
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}
