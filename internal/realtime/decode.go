package realtime

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/whatsapp"
)

// Decoder turns frames into typed events.
type Decoder struct {
	// BotAttribute is the contact custom attribute holding the bot switch.
	BotAttribute string
}

// ErrUnknownEvent is returned for frames whose event name is not handled.
type ErrUnknownEvent struct {
	Event string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unhandled realtime event %q", e.Event)
}

// Decode converts a frame. Unknown event names return *ErrUnknownEvent;
// payloads that cannot be parsed return a wrapped decode error.
func (d Decoder) Decode(f Frame) ([]Event, error) {
	switch f.Event {
	case EventNewMessage:
		return d.newMessage(f)
	case EventNewMessageDirect:
		return d.directMessage(f)
	case EventMessageSent:
		return d.messageSent(f)
	case EventBotStatusChanged:
		return d.botStatus(f)
	case EventConnectionUpdate, EventConnectionUpdateDirect:
		return d.connection(f)
	case EventConversationUpdated, cableConversationCreated, cableConversationUpdated,
		cableConversationStatus, cableConversationRead:
		return d.conversation(f)
	case EventContactUpdated, cableContactUpdated:
		return d.contact(f)
	case cableMessageCreated, cableMessageUpdated:
		return d.cableMessage(f)
	default:
		return nil, &ErrUnknownEvent{Event: f.Event}
	}
}

func decodeErr(f Frame, err error) error {
	return fmt.Errorf("decode %s: %w", f.Event, err)
}

// pushMessage accepts the canonical message shape plus the is_from_me and
// unix timestamp variants the gateway emits.
type pushMessage struct {
	crm.Message
	IsFromMe  *bool         `json:"is_from_me"`
	CreatedAt crm.Timestamp `json:"created_at"`
	UpdatedAt crm.Timestamp `json:"updated_at"`
	Timestamp crm.Timestamp `json:"timestamp"`
}

func (p pushMessage) toCRM(conversationID crm.ID) crm.Message {
	m := p.Message
	m.CreatedAt = p.CreatedAt.Time
	if m.CreatedAt.IsZero() {
		m.CreatedAt = p.Timestamp.Time
	}
	m.UpdatedAt = p.UpdatedAt.Time
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	if m.Direction == "" {
		m.Direction = crm.Incoming
		if p.IsFromMe != nil && *p.IsFromMe {
			m.Direction = crm.Outgoing
		}
	}
	if m.Sender == "" {
		m.Sender = crm.SenderContact
		if m.Direction == crm.Outgoing {
			m.Sender = crm.SenderAgent
		}
	}
	if m.ContentType == "" {
		m.ContentType = crm.ContentText
	}
	return m
}

func (d Decoder) newMessage(f Frame) ([]Event, error) {
	var p struct {
		ConversationID crm.ID            `json:"conversation_id"`
		Message        pushMessage       `json:"message"`
		Conversation   *crm.Conversation `json:"conversation,omitempty"`
	}
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return nil, decodeErr(f, err)
	}
	msg := p.Message.toCRM(p.ConversationID)
	if msg.ID == "" || msg.ConversationID == "" {
		return nil, decodeErr(f, fmt.Errorf("message id and conversation id are required"))
	}
	return []Event{MessageEvent{Room: f.Room, Message: msg, Conversation: p.Conversation}}, nil
}

func (d Decoder) directMessage(f Frame) ([]Event, error) {
	var p struct {
		Data whatsapp.Message `json:"data"`
	}
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return nil, decodeErr(f, err)
	}
	if p.Data.Key.ID == "" || p.Data.Key.RemoteJID == "" {
		return nil, decodeErr(f, fmt.Errorf("message key is incomplete"))
	}
	return []Event{MessageEvent{Room: f.Room, Message: whatsapp.NormalizeMessage(p.Data)}}, nil
}

// messageSent confirms a message the gateway sent. Payloads without an id get
// one derived from phone and timestamp, or from phone and text when the
// timestamp is missing too, so replays stay idempotent.
func (d Decoder) messageSent(f Frame) ([]Event, error) {
	var p struct {
		ID          crm.ID        `json:"id"`
		PhoneNumber string        `json:"phone_number"`
		Message     string        `json:"message"`
		Timestamp   crm.Timestamp `json:"timestamp"`
	}
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return nil, decodeErr(f, err)
	}
	phone := whatsapp.JIDToPhone(p.PhoneNumber)
	if phone == "" {
		return nil, decodeErr(f, fmt.Errorf("phone_number is required"))
	}
	id := p.ID
	switch {
	case id != "":
	case !p.Timestamp.IsZero():
		id = crm.ID("sent_" + phone + "_" + strconv.FormatInt(p.Timestamp.UnixNano(), 10))
	default:
		h := fnv.New64a()
		_, _ = h.Write([]byte(phone + "\x00" + p.Message))
		id = crm.ID("sent_" + phone + "_h" + strconv.FormatUint(h.Sum64(), 16))
	}
	msg := crm.Message{
		ID:             id,
		ConversationID: crm.ID(phone),
		Content:        p.Message,
		ContentType:    crm.ContentText,
		Direction:      crm.Outgoing,
		Sender:         crm.SenderAgent,
		CreatedAt:      p.Timestamp.Time,
		Delivery:       crm.DeliverySent,
	}
	return []Event{MessageEvent{Room: f.Room, Message: msg}}, nil
}

func (d Decoder) botStatus(f Frame) ([]Event, error) {
	var p struct {
		ConversationID crm.ID `json:"conversation_id"`
		ContactID      crm.ID `json:"contact_id"`
		BotPaused      *bool  `json:"bot_paused"`
		BotStatus      string `json:"bot_status"`
	}
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return nil, decodeErr(f, err)
	}
	if p.ConversationID == "" && p.ContactID == "" {
		return nil, decodeErr(f, fmt.Errorf("conversation_id or contact_id is required"))
	}
	var paused bool
	switch {
	case p.BotPaused != nil:
		paused = *p.BotPaused
	case p.BotStatus != "":
		paused = crm.BotStateFrom(map[string]any{"s": p.BotStatus}, "s").Paused()
	default:
		return nil, decodeErr(f, fmt.Errorf("bot_paused or bot_status is required"))
	}
	return []Event{BotStatusEvent{Room: f.Room, ConversationID: p.ConversationID, ContactID: p.ContactID, Paused: paused}}, nil
}

func (d Decoder) connection(f Frame) ([]Event, error) {
	var p struct {
		State string `json:"state"`
		Data  *struct {
			State string `json:"state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return nil, decodeErr(f, err)
	}
	state := p.State
	if p.Data != nil && p.Data.State != "" {
		state = p.Data.State
	}
	if state == "" {
		return nil, decodeErr(f, fmt.Errorf("state is required"))
	}
	return []Event{ConnectionEvent{Room: f.Room, State: strings.ToLower(state)}}, nil
}

func (d Decoder) conversation(f Frame) ([]Event, error) {
	var c api.Conversation
	if err := json.Unmarshal(f.Data, &c); err != nil {
		return nil, decodeErr(f, err)
	}
	if c.ID == "" {
		return nil, decodeErr(f, fmt.Errorf("conversation id is required"))
	}
	return []Event{ConversationEvent{Room: f.Room, Conversation: c.ToCRM(d.BotAttribute)}}, nil
}

func (d Decoder) contact(f Frame) ([]Event, error) {
	var c api.Contact
	if err := json.Unmarshal(f.Data, &c); err != nil {
		return nil, decodeErr(f, err)
	}
	if c.ID == "" {
		return nil, decodeErr(f, fmt.Errorf("contact id is required"))
	}
	return []Event{ContactEvent{Room: f.Room, Contact: c.ToCRM()}}, nil
}

func (d Decoder) cableMessage(f Frame) ([]Event, error) {
	var m api.Message
	if err := json.Unmarshal(f.Data, &m); err != nil {
		return nil, decodeErr(f, err)
	}
	if m.ID == "" || m.ConversationID == "" {
		return nil, decodeErr(f, fmt.Errorf("message id and conversation_id are required"))
	}
	if m.IsActivity() {
		return nil, nil
	}
	ev := MessageEvent{Room: f.Room, Message: m.ToCRM()}
	if m.Conversation != nil && m.Conversation.ID != "" {
		conv := m.Conversation.ToCRM(d.BotAttribute)
		ev.Conversation = &conv
	}
	return []Event{ev}, nil
}
