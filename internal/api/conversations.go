package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/chatwoot/crm-sync/internal/crm"
)

// ListConversationsParams defines filters for listing conversations.
type ListConversationsParams struct {
	Status       string
	InboxID      string
	AssigneeType string
	Labels       []string
	Page         int
}

func buildConversationQuery(params ListConversationsParams) url.Values {
	query := url.Values{}
	if params.Status != "" && params.Status != "all" {
		query.Set("status", params.Status)
	}
	if params.InboxID != "" {
		query.Set("inbox_id", params.InboxID)
	}
	if params.AssigneeType != "" {
		query.Set("assignee_type", params.AssigneeType)
	}
	if len(params.Labels) > 0 {
		query.Set("labels", strings.Join(params.Labels, ","))
	}
	if params.Page > 0 {
		query.Set("page", fmt.Sprintf("%d", params.Page))
	}
	return query
}

// List retrieves conversations, newest activity first.
func (s ConversationsService) List(ctx context.Context, params ListConversationsParams) ([]crm.Conversation, error) {
	return listConversations(ctx, s, params, s.botAttribute())
}

func listConversations(ctx context.Context, r Requester, params ListConversationsParams, botKey string) ([]crm.Conversation, error) {
	path := "/conversations"
	if query := buildConversationQuery(params); len(query) > 0 {
		path += "?" + query.Encode()
	}
	url := r.accountPath(path)
	body, err := r.doRaw(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeList[Conversation](url, body)
	if err != nil {
		return nil, err
	}
	out := make([]crm.Conversation, 0, len(items))
	for i := range items {
		if items[i].ID == "" {
			continue
		}
		out = append(out, items[i].ToCRM(botKey))
	}
	crm.SortConversations(out)
	return out, nil
}

// Get retrieves one conversation.
func (s ConversationsService) Get(ctx context.Context, id crm.ID) (crm.Conversation, error) {
	return getConversation(ctx, s, id, s.botAttribute())
}

func getConversation(ctx context.Context, r Requester, id crm.ID, botKey string) (crm.Conversation, error) {
	url := r.accountPath("/conversations/" + string(id))
	body, err := r.doRaw(ctx, http.MethodGet, url, nil)
	if err != nil {
		return crm.Conversation{}, withResource(err, "conversation", id)
	}
	conv, err := decodeObject[Conversation](url, body, "")
	if err != nil {
		return crm.Conversation{}, err
	}
	return conv.ToCRM(botKey), nil
}

// ToggleStatus changes the conversation status.
func (s ConversationsService) ToggleStatus(ctx context.Context, id crm.ID, status crm.Status) error {
	return toggleConversationStatus(ctx, s, id, status)
}

func toggleConversationStatus(ctx context.Context, r Requester, id crm.ID, status crm.Status) error {
	if _, ok := crm.ParseStatus(string(status)); !ok {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	path := fmt.Sprintf("/conversations/%s/toggle_status", id)
	err := r.do(ctx, http.MethodPost, r.accountPath(path), map[string]string{"status": string(status)}, nil)
	return withResource(err, "conversation", id)
}

// MarkRead tells the vendor the agent has seen the conversation.
func (s ConversationsService) MarkRead(ctx context.Context, id crm.ID) error {
	return markConversationRead(ctx, s, id)
}

func markConversationRead(ctx context.Context, r Requester, id crm.ID) error {
	path := fmt.Sprintf("/conversations/%s/update_last_seen", id)
	err := r.do(ctx, http.MethodPost, r.accountPath(path), nil, nil)
	return withResource(err, "conversation", id)
}

// withResource names the missing resource on a NotFoundError.
func withResource(err error, resource string, id crm.ID) error {
	if nf, ok := err.(*NotFoundError); ok && nf.Resource == "" {
		return &NotFoundError{Resource: resource, ID: string(id), Err: nf.Err}
	}
	return err
}
