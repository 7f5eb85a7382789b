package reconcile

import (
	"context"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/whatsapp"
)

// Vendor is what a Session needs from a vendor client.
type Vendor interface {
	Conversations(ctx context.Context) ([]crm.Conversation, error)
	Messages(ctx context.Context, conversationID crm.ID) ([]crm.Message, error)
	Send(ctx context.Context, conversationID crm.ID, text, clientID string) (crm.Message, error)
	MarkRead(ctx context.Context, conversationID crm.ID) error
	SetStatus(ctx context.Context, conversationID crm.ID, status crm.Status) error

	Labels(ctx context.Context) ([]crm.Label, error)
	CreateLabel(ctx context.Context, title, color string) (crm.Label, error)
	AddLabel(ctx context.Context, conversationID crm.ID, title string) ([]string, error)
	RemoveLabel(ctx context.Context, conversationID crm.ID, title string) ([]string, error)

	UpdateContact(ctx context.Context, contactID crm.ID, patch api.ContactPatch) (crm.Contact, error)
	SetBotState(ctx context.Context, contactID crm.ID, state crm.BotState) (crm.Contact, error)
}

// Chatwoot adapts an api.Client.
type Chatwoot struct {
	Client *api.Client
	// Filter narrows the conversation list.
	Filter api.ListConversationsParams
}

func (c Chatwoot) Conversations(ctx context.Context) ([]crm.Conversation, error) {
	return c.Client.Conversations().List(ctx, c.Filter)
}

func (c Chatwoot) Messages(ctx context.Context, id crm.ID) ([]crm.Message, error) {
	return c.Client.Messages().List(ctx, id)
}

func (c Chatwoot) Send(ctx context.Context, id crm.ID, text, clientID string) (crm.Message, error) {
	return c.Client.Messages().Send(ctx, id, text, clientID)
}

func (c Chatwoot) MarkRead(ctx context.Context, id crm.ID) error {
	return c.Client.Conversations().MarkRead(ctx, id)
}

func (c Chatwoot) SetStatus(ctx context.Context, id crm.ID, status crm.Status) error {
	return c.Client.Conversations().ToggleStatus(ctx, id, status)
}

func (c Chatwoot) Labels(ctx context.Context) ([]crm.Label, error) {
	return c.Client.Labels().List(ctx)
}

func (c Chatwoot) CreateLabel(ctx context.Context, title, color string) (crm.Label, error) {
	return c.Client.Labels().Create(ctx, title, color, "")
}

func (c Chatwoot) AddLabel(ctx context.Context, id crm.ID, title string) ([]string, error) {
	return c.Client.Labels().Add(ctx, id, title)
}

func (c Chatwoot) RemoveLabel(ctx context.Context, id crm.ID, title string) ([]string, error) {
	return c.Client.Labels().Remove(ctx, id, title)
}

func (c Chatwoot) UpdateContact(ctx context.Context, id crm.ID, patch api.ContactPatch) (crm.Contact, error) {
	return c.Client.Contacts().Update(ctx, id, patch)
}

func (c Chatwoot) SetBotState(ctx context.Context, id crm.ID, state crm.BotState) (crm.Contact, error) {
	return c.Client.Contacts().SetBotState(ctx, id, state)
}

// WhatsApp adapts the gateway client. Conversations are keyed by phone
// number; the gateway has no labels, contacts or read receipts.
type WhatsApp struct {
	Client *whatsapp.Client
}

func (w WhatsApp) Conversations(ctx context.Context) ([]crm.Conversation, error) {
	return w.Client.Chats(ctx)
}

func (w WhatsApp) Messages(ctx context.Context, id crm.ID) ([]crm.Message, error) {
	return w.Client.Messages(ctx, string(id))
}

func (w WhatsApp) Send(ctx context.Context, id crm.ID, text, clientID string) (crm.Message, error) {
	m, err := w.Client.SendText(ctx, string(id), text)
	if err != nil {
		return crm.Message{}, err
	}
	m.ClientID = clientID
	return m, nil
}

// MarkRead is a no-op; the gateway clears unread counts itself.
func (w WhatsApp) MarkRead(context.Context, crm.ID) error { return nil }

func (w WhatsApp) SetStatus(context.Context, crm.ID, crm.Status) error {
	return &api.NotSupportedError{Operation: "change conversation status", Reason: "WhatsApp gateway"}
}

// Labels returns no labels so the label list degrades to empty.
func (w WhatsApp) Labels(context.Context) ([]crm.Label, error) { return []crm.Label{}, nil }

func (w WhatsApp) CreateLabel(context.Context, string, string) (crm.Label, error) {
	return crm.Label{}, &api.NotSupportedError{Operation: "create label", Reason: "WhatsApp gateway"}
}

func (w WhatsApp) AddLabel(context.Context, crm.ID, string) ([]string, error) {
	return nil, &api.NotSupportedError{Operation: "add label", Reason: "WhatsApp gateway"}
}

func (w WhatsApp) RemoveLabel(context.Context, crm.ID, string) ([]string, error) {
	return nil, &api.NotSupportedError{Operation: "remove label", Reason: "WhatsApp gateway"}
}

func (w WhatsApp) UpdateContact(context.Context, crm.ID, api.ContactPatch) (crm.Contact, error) {
	return crm.Contact{}, &api.NotSupportedError{Operation: "update contact", Reason: "WhatsApp gateway"}
}

func (w WhatsApp) SetBotState(context.Context, crm.ID, crm.BotState) (crm.Contact, error) {
	return crm.Contact{}, &api.NotSupportedError{Operation: "toggle bot", Reason: "WhatsApp gateway"}
}
