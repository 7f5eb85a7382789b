package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Source names the vendor that sent a webhook.
type Source string

const (
	SourceChatwoot  Source = "chatwoot"
	SourceEvolution Source = "evolution"
)

// Chatwoot event names.
const (
	EventMessageCreated            = "message_created"
	EventContactCreated            = "contact_created"
	EventContactUpdated            = "contact_updated"
	EventConversationCreated       = "conversation_created"
	EventConversationStatusChanged = "conversation_status_changed"
	EventConversationUpdated       = "conversation_updated"
)

// Evolution event names, normalized.
const (
	EventMessagesUpsert   = "messages.upsert"
	EventConnectionUpdate = "connection.update"
)

// Event is one webhook delivery.
type Event struct {
	Source Source
	Name   string
	Body   json.RawMessage
}

// ParseEvent reads the event name from a delivery body. Evolution names are
// normalized from the MESSAGES_UPSERT form to messages.upsert.
func ParseEvent(source Source, body []byte) (Event, error) {
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return Event{}, fmt.Errorf("decode webhook body: %w", err)
	}
	if head.Event == "" {
		return Event{}, fmt.Errorf("webhook body has no event field")
	}
	name := head.Event
	if source == SourceEvolution {
		name = normalizeEvolutionEvent(name)
	}
	return Event{Source: source, Name: name, Body: body}, nil
}

func normalizeEvolutionEvent(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(name, "_", ".")
}
