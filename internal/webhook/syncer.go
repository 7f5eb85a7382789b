package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/realtime"
	"github.com/chatwoot/crm-sync/internal/whatsapp"
)

// Outcome is what handling an event did.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUpdated   Outcome = "updated"
	OutcomePublished Outcome = "published"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// WhatsAppKeyPrefix namespaces gateway ids so phone numbers never collide
// with Chatwoot's numeric ids in the store.
const WhatsAppKeyPrefix = "wa:"

// Syncer applies webhook events to a Store and publishes realtime frames for
// new data.
type Syncer struct {
	store     Store
	publisher Publisher
	botKey    string
	logger    *slog.Logger
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithPublisher sets where realtime frames go. Without one nothing is
// published.
func WithPublisher(p Publisher) SyncerOption {
	return func(s *Syncer) { s.publisher = p }
}

// WithBotAttribute sets the contact attribute holding the bot switch.
func WithBotAttribute(key string) SyncerOption {
	return func(s *Syncer) { s.botKey = key }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = l }
}

// NewSyncer creates a syncer writing to store.
func NewSyncer(store Store, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		store:  store,
		botKey: crm.DefaultBotAttribute,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle applies one event. Unhandled event names are logged and ignored.
func (s *Syncer) Handle(ctx context.Context, ev Event) (Outcome, error) {
	switch ev.Source {
	case SourceChatwoot:
		switch ev.Name {
		case EventMessageCreated:
			return s.messageCreated(ctx, ev.Body)
		case EventContactCreated, EventContactUpdated:
			return s.contactUpdated(ctx, ev.Body)
		case EventConversationCreated, EventConversationStatusChanged, EventConversationUpdated:
			return s.conversationChanged(ctx, ev.Body)
		}
	case SourceEvolution:
		switch ev.Name {
		case EventMessagesUpsert:
			return s.messagesUpsert(ctx, ev.Body)
		case EventConnectionUpdate:
			return s.connectionUpdate(ctx, ev.Body)
		}
	}
	s.logger.Info("unhandled webhook event", "source", ev.Source, "event", ev.Name)
	return OutcomeIgnored, nil
}

// messageCreated persists a Chatwoot message with its contact and
// conversation. The contact is the message sender for incoming messages and
// the conversation's contact for agent replies.
func (s *Syncer) messageCreated(ctx context.Context, body []byte) (Outcome, error) {
	var m api.Message
	if err := json.Unmarshal(body, &m); err != nil {
		return OutcomeFailed, fmt.Errorf("decode message_created: %w", err)
	}
	var raw struct {
		Sender *api.Contact `json:"sender"`
	}
	_ = json.Unmarshal(body, &raw)

	if m.ID == "" {
		return OutcomeFailed, errors.New("message_created payload has no message id")
	}
	if m.Conversation == nil || m.Conversation.ID == "" {
		return OutcomeFailed, errors.New("message_created payload has no conversation")
	}
	contact := messageContact(&m, raw.Sender)
	if contact == nil || contact.ID == "" {
		return OutcomeFailed, errors.New("message_created payload has no sender")
	}
	if m.IsActivity() {
		s.logger.Debug("skipping activity message", "message", m.ID)
		return OutcomeIgnored, nil
	}

	c := contact.ToCRM()
	contactID, err := s.store.UpsertContact(ctx, c)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("upsert contact %s: %w", c.ID, err)
	}
	conv := m.Conversation.ToCRM(s.botKey)
	conv.Contact = c.Ref()
	convID, err := s.store.UpsertConversation(ctx, conv, contactID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("upsert conversation %s: %w", conv.ID, err)
	}
	msg := m.ToCRM()
	msg.ConversationID = conv.ID
	inserted, err := s.store.InsertMessageIfAbsent(ctx, msg, convID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	if !inserted {
		s.logger.Debug("message already stored", "message", msg.ID)
		return OutcomeDuplicate, nil
	}

	s.publish(ctx, realtime.RoomChat, realtime.EventNewMessage, map[string]any{
		"conversation_id": conv.ID,
		"message":         msg,
		"conversation":    conv,
	})
	return OutcomeInserted, nil
}

func messageContact(m *api.Message, sender *api.Contact) *api.Contact {
	var meta *api.Contact
	if m.Conversation != nil {
		meta = m.Conversation.Meta.Sender
	}
	fromAgent := m.MessageType == api.MessageTypeOutgoing || m.MessageType == api.MessageTypeTemplate
	if m.Sender != nil {
		switch strings.ToLower(m.Sender.Type) {
		case "user", "agent_bot":
			fromAgent = true
		}
	}
	if fromAgent && meta != nil {
		return meta
	}
	if sender != nil && sender.ID != "" {
		return sender
	}
	return meta
}

// contactUpdated stores contact fields and announces a bot switch when the
// bot attribute changed.
func (s *Syncer) contactUpdated(ctx context.Context, body []byte) (Outcome, error) {
	var c api.Contact
	if err := json.Unmarshal(body, &c); err != nil {
		return OutcomeFailed, fmt.Errorf("decode contact_updated: %w", err)
	}
	if c.ID == "" {
		return OutcomeFailed, errors.New("contact_updated payload has no contact id")
	}
	contact := c.ToCRM()
	if _, err := s.store.UpsertContact(ctx, contact); err != nil {
		return OutcomeFailed, fmt.Errorf("upsert contact %s: %w", c.ID, err)
	}

	s.publish(ctx, realtime.RoomChat, realtime.EventContactUpdated, json.RawMessage(body))
	if s.botChanged(body, contact) {
		s.publish(ctx, realtime.RoomChat, realtime.EventBotStatusChanged, map[string]any{
			"contact_id": contact.ID,
			"bot_status": string(contact.BotState(s.botKey)),
		})
	}
	return OutcomeUpdated, nil
}

// botChanged compares the bot attribute before and after the update using
// Chatwoot's changed_attributes list. Payloads without the list count as a
// change whenever the attribute is present.
func (s *Syncer) botChanged(body []byte, c crm.Contact) bool {
	var p struct {
		ChangedAttributes []map[string]struct {
			Previous json.RawMessage `json:"previous_value"`
			Current  json.RawMessage `json:"current_value"`
		} `json:"changed_attributes"`
	}
	_ = json.Unmarshal(body, &p)
	if p.ChangedAttributes == nil {
		_, ok := c.CustomAttributes[s.botKey]
		return ok
	}
	for _, change := range p.ChangedAttributes {
		attrs, ok := change["custom_attributes"]
		if !ok {
			continue
		}
		var before, after map[string]any
		_ = json.Unmarshal(attrs.Previous, &before)
		_ = json.Unmarshal(attrs.Current, &after)
		if crm.BotStateFrom(before, s.botKey) != crm.BotStateFrom(after, s.botKey) {
			return true
		}
	}
	return false
}

// conversationChanged stores status and labels of a conversation.
func (s *Syncer) conversationChanged(ctx context.Context, body []byte) (Outcome, error) {
	var c api.Conversation
	if err := json.Unmarshal(body, &c); err != nil {
		return OutcomeFailed, fmt.Errorf("decode conversation event: %w", err)
	}
	if c.ID == "" {
		return OutcomeFailed, errors.New("conversation payload has no conversation id")
	}
	var contactID int64
	if c.Meta.Sender != nil && c.Meta.Sender.ID != "" {
		id, err := s.store.UpsertContact(ctx, c.Meta.Sender.ToCRM())
		if err != nil {
			return OutcomeFailed, fmt.Errorf("upsert contact %s: %w", c.Meta.Sender.ID, err)
		}
		contactID = id
	}
	if _, err := s.store.UpsertConversation(ctx, c.ToCRM(s.botKey), contactID); err != nil {
		return OutcomeFailed, fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	s.publish(ctx, realtime.RoomChat, realtime.EventConversationUpdated, json.RawMessage(body))
	return OutcomeUpdated, nil
}

// messagesUpsert persists gateway messages. The contact and the
// conversation are both keyed by the remote phone number.
func (s *Syncer) messagesUpsert(ctx context.Context, body []byte) (Outcome, error) {
	var p struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return OutcomeFailed, fmt.Errorf("decode messages.upsert: %w", err)
	}
	var msgs []whatsapp.Message
	data := bytes.TrimSpace(p.Data)
	switch {
	case len(data) == 0:
		return OutcomeFailed, errors.New("messages.upsert payload has no data")
	case data[0] == '[':
		if err := json.Unmarshal(data, &msgs); err != nil {
			return OutcomeFailed, fmt.Errorf("decode messages.upsert data: %w", err)
		}
	default:
		var m whatsapp.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return OutcomeFailed, fmt.Errorf("decode messages.upsert data: %w", err)
		}
		msgs = append(msgs, m)
	}

	outcome := OutcomeDuplicate
	for _, m := range msgs {
		inserted, err := s.storeGatewayMessage(ctx, m)
		if err != nil {
			return OutcomeFailed, err
		}
		if inserted {
			outcome = OutcomeInserted
			s.publish(ctx, realtime.RoomWhatsApp, realtime.EventNewMessageDirect, map[string]any{"data": m})
		}
	}
	return outcome, nil
}

func (s *Syncer) storeGatewayMessage(ctx context.Context, m whatsapp.Message) (bool, error) {
	if m.Key.ID == "" || m.Key.RemoteJID == "" {
		return false, errors.New("messages.upsert message key is incomplete")
	}
	msg := whatsapp.NormalizeMessage(m)
	phone := string(msg.ConversationID)

	contact := crm.Contact{ID: crm.ID(WhatsAppKeyPrefix + phone), PhoneNumber: phone}
	if !m.Key.FromMe {
		contact.Name = m.PushName
	}
	contactID, err := s.store.UpsertContact(ctx, contact)
	if err != nil {
		return false, fmt.Errorf("upsert contact %s: %w", contact.ID, err)
	}
	conv := crm.Conversation{
		ID:             crm.ID(WhatsAppKeyPrefix + phone),
		Contact:        contact.Ref(),
		Status:         crm.StatusOpen,
		Labels:         []string{},
		LastActivityAt: msg.CreatedAt,
	}
	convID, err := s.store.UpsertConversation(ctx, conv, contactID)
	if err != nil {
		return false, fmt.Errorf("upsert conversation %s: %w", conv.ID, err)
	}
	msg.ID = crm.ID(WhatsAppKeyPrefix + string(msg.ID))
	msg.ConversationID = conv.ID
	inserted, err := s.store.InsertMessageIfAbsent(ctx, msg, convID)
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return inserted, nil
}

// connectionUpdate forwards the gateway pairing state to dashboards.
func (s *Syncer) connectionUpdate(ctx context.Context, body []byte) (Outcome, error) {
	var p struct {
		Instance string `json:"instance"`
		Data     struct {
			State string `json:"state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return OutcomeFailed, fmt.Errorf("decode connection.update: %w", err)
	}
	if p.Data.State == "" {
		return OutcomeFailed, errors.New("connection.update payload has no state")
	}
	s.logger.Info("gateway connection changed", "instance", p.Instance, "state", p.Data.State)
	s.publish(ctx, realtime.RoomWhatsApp, realtime.EventConnectionUpdateDirect, map[string]any{
		"instance": p.Instance,
		"data":     map[string]string{"state": p.Data.State},
	})
	return OutcomePublished, nil
}

// publish is best effort; failures are logged.
func (s *Syncer) publish(ctx context.Context, room, event string, data any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, room, event, data); err != nil {
		s.logger.Warn("realtime publish failed", "room", room, "event", event, "error", err)
	}
}
