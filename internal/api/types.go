package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/chatwoot/crm-sync/internal/crm"
)

// MessageType is Chatwoot's message_type. REST responses use integers,
// webhook payloads use names; both decode into this type.
type MessageType int

const (
	MessageTypeIncoming MessageType = 0 // Customer message
	MessageTypeOutgoing MessageType = 1 // Agent or bot reply
	MessageTypeActivity MessageType = 2 // System activity (status changes, assignments)
	MessageTypeTemplate MessageType = 3 // Template message (WhatsApp, etc.)
)

func (t *MessageType) UnmarshalJSON(data []byte) error {
	var i int
	if err := json.Unmarshal(data, &i); err == nil {
		*t = MessageType(i)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("cannot unmarshal %s into MessageType", data)
	}
	switch strings.ToLower(s) {
	case "incoming", "":
		*t = MessageTypeIncoming
	case "outgoing":
		*t = MessageTypeOutgoing
	case "activity":
		*t = MessageTypeActivity
	case "template":
		*t = MessageTypeTemplate
	default:
		if n, err := strconv.Atoi(s); err == nil {
			*t = MessageType(n)
			return nil
		}
		return fmt.Errorf("unknown message_type %q", s)
	}
	return nil
}

func (t MessageType) String() string {
	switch t {
	case MessageTypeIncoming:
		return "incoming"
	case MessageTypeOutgoing:
		return "outgoing"
	case MessageTypeActivity:
		return "activity"
	case MessageTypeTemplate:
		return "template"
	default:
		return "unknown"
	}
}

// Conversation is a Chatwoot conversation as returned by the REST API and
// embedded in webhook payloads.
type Conversation struct {
	ID               crm.ID           `json:"id"`
	AccountID        crm.ID           `json:"account_id"`
	InboxID          crm.ID           `json:"inbox_id"`
	Status           string           `json:"status"`
	Unread           int              `json:"unread_count"`
	Labels           []string         `json:"labels,omitempty"`
	CreatedAt        crm.Timestamp    `json:"created_at"`
	UpdatedAt        crm.Timestamp    `json:"updated_at"`
	LastActivityAt   crm.Timestamp    `json:"last_activity_at"`
	Timestamp        crm.Timestamp    `json:"timestamp"`
	Meta             ConversationMeta `json:"meta"`
	CustomAttributes map[string]any   `json:"custom_attributes,omitempty"`
	Messages         []Message        `json:"messages,omitempty"`

	LastNonActivityMessage *Message `json:"last_non_activity_message,omitempty"`
}

// ConversationMeta carries the contact embedded in a conversation.
type ConversationMeta struct {
	Sender   *Contact       `json:"sender,omitempty"`
	Assignee *MessageSender `json:"assignee,omitempty"`
	Channel  string         `json:"channel,omitempty"`
}

// MessageSender is the sender object embedded in messages.
type MessageSender struct {
	ID   crm.ID `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Message is a Chatwoot message.
type Message struct {
	ID                crm.ID         `json:"id"`
	ConversationID    crm.ID         `json:"conversation_id"`
	Content           string         `json:"content"`
	ContentType       string         `json:"content_type"`
	MessageType       MessageType    `json:"message_type"`
	Private           bool           `json:"private"`
	Status            string         `json:"status,omitempty"`
	SourceID          string         `json:"source_id,omitempty"`
	EchoID            string         `json:"echo_id,omitempty"`
	SenderType        string         `json:"sender_type,omitempty"`
	Sender            *MessageSender `json:"sender,omitempty"`
	CreatedAt         crm.Timestamp  `json:"created_at"`
	UpdatedAt         crm.Timestamp  `json:"updated_at"`
	Attachments       []Attachment   `json:"attachments,omitempty"`
	ContentAttributes map[string]any `json:"content_attributes,omitempty"`

	// Conversation is present on webhook and realtime payloads.
	Conversation *Conversation `json:"conversation,omitempty"`
}

// Attachment is a message attachment.
type Attachment struct {
	ID       crm.ID `json:"id"`
	FileType string `json:"file_type"`
	DataURL  string `json:"data_url"`
	ThumbURL string `json:"thumb_url,omitempty"`
	FileSize int    `json:"file_size,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// Contact is a Chatwoot contact.
type Contact struct {
	ID               crm.ID         `json:"id"`
	Name             string         `json:"name"`
	Email            string         `json:"email,omitempty"`
	PhoneNumber      string         `json:"phone_number,omitempty"`
	Identifier       string         `json:"identifier,omitempty"`
	Thumbnail        string         `json:"thumbnail,omitempty"`
	AvatarURL        string         `json:"avatar_url,omitempty"`
	CustomAttributes map[string]any `json:"custom_attributes,omitempty"`
	CreatedAt        crm.Timestamp  `json:"created_at"`
	UpdatedAt        crm.Timestamp  `json:"updated_at"`
	LastActivityAt   crm.Timestamp  `json:"last_activity_at"`
}

// Label is an account label.
type Label struct {
	ID            crm.ID `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Color         string `json:"color,omitempty"`
	ShowOnSidebar bool   `json:"show_on_sidebar"`
}

// IsActivity reports whether the message is a system activity entry rather
// than something a person or bot wrote.
func (m *Message) IsActivity() bool {
	return m.MessageType == MessageTypeActivity
}

// ToCRM converts the vendor message into the canonical record.
func (m *Message) ToCRM() crm.Message {
	out := crm.Message{
		ID:             m.ID,
		ClientID:       m.EchoID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		ContentType:    crm.ContentText,
		Direction:      crm.Outgoing,
		CreatedAt:      m.CreatedAt.Time,
		UpdatedAt:      m.UpdatedAt.Time,
		Delivery:       deliveryOf(m.Status),
		Private:        m.Private,
	}
	if out.ConversationID == "" && m.Conversation != nil {
		out.ConversationID = m.Conversation.ID
	}
	if m.Sender != nil {
		out.SenderName = m.Sender.Name
	}

	switch {
	case m.MessageType == MessageTypeIncoming:
		out.Direction = crm.Incoming
		out.Sender = crm.SenderContact
	case isBotSender(m):
		out.Sender = crm.SenderBot
	default:
		out.Sender = crm.SenderAgent
	}

	if len(m.Attachments) > 0 {
		out.ContentType = contentTypeOf(m.Attachments[0].FileType)
		if strings.TrimSpace(out.Content) == "" {
			out.Content = AttachmentPlaceholder(m.Attachments[0])
		}
	}
	return out
}

func isBotSender(m *Message) bool {
	if strings.EqualFold(m.SenderType, "AgentBot") {
		return true
	}
	return m.Sender != nil && (strings.EqualFold(m.Sender.Type, "agent_bot") || strings.EqualFold(m.Sender.Type, "AgentBot"))
}

func deliveryOf(status string) crm.Delivery {
	switch strings.ToLower(status) {
	case "delivered":
		return crm.DeliveryDelivered
	case "read":
		return crm.DeliveryRead
	case "failed":
		return crm.DeliveryFailed
	case "progress":
		return crm.DeliveryPending
	default:
		return crm.DeliverySent
	}
}

func contentTypeOf(fileType string) crm.ContentType {
	switch strings.ToLower(fileType) {
	case "image":
		return crm.ContentImage
	case "audio":
		return crm.ContentAudio
	case "video":
		return crm.ContentVideo
	case "location":
		return crm.ContentLocation
	case "contact":
		return crm.ContentContact
	case "sticker":
		return crm.ContentSticker
	default:
		return crm.ContentDocument
	}
}

// AttachmentPlaceholder is the text shown for an attachment-only message.
func AttachmentPlaceholder(a Attachment) string {
	switch contentTypeOf(a.FileType) {
	case crm.ContentImage:
		return "[Image]"
	case crm.ContentAudio:
		return "[Audio]"
	case crm.ContentVideo:
		return "[Video]"
	case crm.ContentLocation:
		return "[Location]"
	case crm.ContentContact:
		return "[Contact]"
	case crm.ContentSticker:
		return "[Sticker]"
	default:
		if a.FileName != "" {
			return "[Document: " + a.FileName + "]"
		}
		return "[Document]"
	}
}

// ToCRM converts the vendor contact into the canonical record.
func (c *Contact) ToCRM() crm.Contact {
	avatar := c.AvatarURL
	if avatar == "" {
		avatar = c.Thumbnail
	}
	updated := c.UpdatedAt.Time
	if updated.IsZero() {
		updated = c.LastActivityAt.Time
	}
	return crm.Contact{
		ID:               c.ID,
		Name:             c.Name,
		PhoneNumber:      c.PhoneNumber,
		Email:            c.Email,
		AvatarURL:        avatar,
		CustomAttributes: c.CustomAttributes,
		UpdatedAt:        updated,
	}
}

// ToCRM converts the vendor conversation into the canonical record. botKey
// names the contact attribute holding the bot switch.
func (c *Conversation) ToCRM(botKey string) crm.Conversation {
	status, ok := crm.ParseStatus(c.Status)
	if !ok {
		status = crm.StatusOpen
	}
	out := crm.Conversation{
		ID:             c.ID,
		InboxID:        c.InboxID,
		Status:         status,
		Labels:         append([]string{}, c.Labels...),
		LastActivityAt: c.LastActivityAt.Time,
		UpdatedAt:      c.UpdatedAt.Time,
		UnreadCount:    c.Unread,
	}
	if out.LastActivityAt.IsZero() {
		out.LastActivityAt = c.Timestamp.Time
	}
	if c.Meta.Sender != nil {
		contact := c.Meta.Sender.ToCRM()
		out.Contact = contact.Ref()
		out.BotPaused = contact.BotState(botKey).Paused()
	}

	last := c.LastNonActivityMessage
	if last == nil {
		for i := len(c.Messages) - 1; i >= 0; i-- {
			if !c.Messages[i].IsActivity() {
				last = &c.Messages[i]
				break
			}
		}
	}
	if last != nil {
		msg := last.ToCRM()
		if msg.ConversationID == "" {
			msg.ConversationID = c.ID
		}
		out.LastMessage = &msg
		if out.LastActivityAt.IsZero() {
			out.LastActivityAt = msg.CreatedAt
		}
	}
	return out
}

// ToCRM converts the vendor label into the canonical record.
func (l *Label) ToCRM() crm.Label {
	return crm.Label{
		ID:          l.ID,
		Title:       l.Title,
		Color:       l.Color,
		Description: l.Description,
	}
}
