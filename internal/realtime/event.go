package realtime

import (
	"encoding/json"

	"github.com/chatwoot/crm-sync/internal/crm"
)

// Room names joined by the dashboard. The hub and the Chatwoot cable both
// understand them.
const (
	RoomChat     = "chat"
	RoomWhatsApp = "whatsapp"
)

// DefaultRooms are joined when a listener is created without rooms.
var DefaultRooms = []string{RoomChat, RoomWhatsApp}

// Wire event names.
const (
	EventNewMessage             = "new_message"
	EventNewMessageDirect       = "new_message_direct"
	EventMessageSent            = "message_sent"
	EventBotStatusChanged       = "bot_status_changed"
	EventConnectionUpdate       = "connection_update"
	EventConnectionUpdateDirect = "connection_update_direct"
	EventConversationUpdated    = "conversation_updated"
	EventContactUpdated         = "contact_updated"

	// Chatwoot ActionCable names.
	cableMessageCreated      = "message.created"
	cableMessageUpdated      = "message.updated"
	cableConversationCreated = "conversation.created"
	cableConversationUpdated = "conversation.updated"
	cableConversationStatus  = "conversation.status_changed"
	cableConversationRead    = "conversation.read"
	cableContactUpdated      = "contact.updated"
)

// Frame is one named event received on a room.
type Frame struct {
	Room  string          `json:"room,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is a typed realtime event. The concrete types are MessageEvent,
// ConversationEvent, ContactEvent, BotStatusEvent, ConnectionEvent and
// StatusEvent.
type Event interface {
	isEvent()
}

// MessageEvent carries a new or updated message.
type MessageEvent struct {
	Room    string
	Message crm.Message
	// Conversation is set when the payload carried a conversation summary.
	Conversation *crm.Conversation
}

// ConversationEvent carries an updated conversation summary.
type ConversationEvent struct {
	Room         string
	Conversation crm.Conversation
}

// ContactEvent carries an updated contact.
type ContactEvent struct {
	Room    string
	Contact crm.Contact
}

// BotStatusEvent reports that automated replies were switched for a
// conversation or contact.
type BotStatusEvent struct {
	Room           string
	ConversationID crm.ID
	ContactID      crm.ID
	Paused         bool
}

// ConnectionEvent is the vendor instance connection state (WhatsApp pairing).
type ConnectionEvent struct {
	Room  string
	State string
}

// Connected reports whether the vendor instance is paired.
func (e ConnectionEvent) Connected() bool { return e.State == "open" }

// StatusEvent reports the listener's own transport state.
type StatusEvent struct {
	State   ConnState
	Attempt int
	Err     error
}

func (MessageEvent) isEvent()      {}
func (ConversationEvent) isEvent() {}
func (ContactEvent) isEvent()      {}
func (BotStatusEvent) isEvent()    {}
func (ConnectionEvent) isEvent()   {}
func (StatusEvent) isEvent()       {}
