// Package webhook persists vendor webhook deliveries and fans them out to
// realtime clients.
//
// Vendors retry deliveries they consider failed, and may deliver the same
// event to several replicas at once. Every write therefore goes through a
// Store upsert keyed by vendor id; nothing reads a row to decide whether to
// insert it.
package webhook

import (
	"context"

	"github.com/chatwoot/crm-sync/internal/crm"
)

// Store is the persistent side of webhook sync. Implementations must make
// each method safe to repeat and safe under concurrent calls with the same
// vendor id.
type Store interface {
	// UpsertContact inserts or updates a contact by vendor id and returns its
	// local id. Empty fields do not overwrite stored values.
	UpsertContact(ctx context.Context, c crm.Contact) (int64, error)
	// UpsertConversation inserts or updates a conversation by vendor id.
	// contactID 0 leaves the stored contact link unchanged.
	UpsertConversation(ctx context.Context, c crm.Conversation, contactID int64) (int64, error)
	// InsertMessageIfAbsent stores a message unless its vendor id is already
	// known. It reports whether a row was inserted.
	InsertMessageIfAbsent(ctx context.Context, m crm.Message, conversationID int64) (bool, error)
}

// Publisher delivers realtime frames to dashboard clients.
type Publisher interface {
	Publish(ctx context.Context, room, event string, data any) error
}
