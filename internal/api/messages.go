package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/validation"
)

const maxPaginationIterations = 1000

// List retrieves the latest page of messages, oldest first. Activity entries
// are dropped.
func (s MessagesService) List(ctx context.Context, conversationID crm.ID) ([]crm.Message, error) {
	return listMessagesBefore(ctx, s, conversationID, "")
}

// ListBefore retrieves the page of messages older than the given message id.
func (s MessagesService) ListBefore(ctx context.Context, conversationID, before crm.ID) ([]crm.Message, error) {
	return listMessagesBefore(ctx, s, conversationID, before)
}

func listMessagesBefore(ctx context.Context, r Requester, conversationID, before crm.ID) ([]crm.Message, error) {
	path := fmt.Sprintf("/conversations/%s/messages", conversationID)
	if before != "" {
		path = fmt.Sprintf("%s?before=%s", path, before)
	}
	url := r.accountPath(path)
	body, err := r.doRaw(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, withResource(err, "conversation", conversationID)
	}
	items, err := decodeList[Message](url, body)
	if err != nil {
		return nil, err
	}
	out := make([]crm.Message, 0, len(items))
	for i := range items {
		if items[i].IsActivity() || items[i].ID == "" {
			continue
		}
		msg := items[i].ToCRM()
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		out = append(out, msg)
	}
	crm.SortMessages(out)
	return out, nil
}

// ListWithLimit pages backwards until limit messages are collected or the
// history is exhausted.
func (s MessagesService) ListWithLimit(ctx context.Context, conversationID crm.ID, limit, maxPages int) ([]crm.Message, error) {
	return listMessagesWithLimit(ctx, s, conversationID, limit, maxPages)
}

func listMessagesWithLimit(ctx context.Context, r Requester, conversationID crm.ID, limit, maxPages int) ([]crm.Message, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	if maxPages <= 0 {
		maxPages = maxPaginationIterations
	}

	var all []crm.Message
	var before crm.ID
	for iteration := 0; iteration < maxPages; iteration++ {
		page, err := listMessagesBefore(ctx, r, conversationID, before)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages page (before=%s): %w", before, err)
		}
		if len(page) == 0 || page[0].ID == before {
			break
		}
		all = append(page, all...)
		if len(all) >= limit {
			all = all[len(all)-limit:]
			break
		}
		before = page[0].ID
	}
	return all, nil
}

// Send posts an outgoing text message. Empty content is rejected locally.
// clientID is echoed back by the vendor so the optimistic copy can be matched.
func (s MessagesService) Send(ctx context.Context, conversationID crm.ID, content, clientID string) (crm.Message, error) {
	return sendMessage(ctx, s, conversationID, content, clientID)
}

func sendMessage(ctx context.Context, r Requester, conversationID crm.ID, content, clientID string) (crm.Message, error) {
	if strings.TrimSpace(content) == "" {
		return crm.Message{}, &ValidationError{Field: "content", Message: "message content is empty"}
	}
	if err := validation.ValidateMessageContent(content); err != nil {
		return crm.Message{}, &ValidationError{Field: "content", Message: err.Error()}
	}

	body := map[string]any{
		"content":      content,
		"message_type": "outgoing",
		"private":      false,
	}
	if clientID != "" {
		body["echo_id"] = clientID
	}
	url := r.accountPath(fmt.Sprintf("/conversations/%s/messages", conversationID))
	raw, err := r.doRaw(ctx, http.MethodPost, url, body)
	if err != nil {
		return crm.Message{}, withResource(err, "conversation", conversationID)
	}
	sent, err := decodeObject[Message](url, raw, "")
	if err != nil {
		return crm.Message{}, err
	}
	msg := sent.ToCRM()
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if msg.ClientID == "" {
		msg.ClientID = clientID
	}
	return msg, nil
}
