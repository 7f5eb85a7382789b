// Package crm defines the canonical records shared by the vendor clients, the
// realtime listener, the reconciler and the webhook sync.
//
// Vendor payloads (Chatwoot REST, Chatwoot webhooks, ActionCable frames and the
// WhatsApp gateway) are all normalized into these types so downstream code never
// needs to know where a record came from.
package crm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID is a vendor identifier. Chatwoot uses integers, the WhatsApp gateway uses
// strings; both are carried as strings.
type ID string

// UnmarshalJSON accepts JSON strings and numbers.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("cannot unmarshal %s into ID", data)
	}
	if i, err := n.Int64(); err == nil {
		*id = ID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Int returns the numeric form of the id, if it has one.
func (id ID) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IntID formats a numeric vendor id.
func IntID(n int64) ID {
	if n == 0 {
		return ""
	}
	return ID(strconv.FormatInt(n, 10))
}

// Status is the conversation lifecycle state owned by the vendor.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusSnoozed  Status = "snoozed"
)

// ParseStatus normalizes a vendor status string.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusOpen:
		return StatusOpen, true
	case StatusPending:
		return StatusPending, true
	case StatusResolved:
		return StatusResolved, true
	case StatusSnoozed:
		return StatusSnoozed, true
	default:
		return "", false
	}
}

// Direction tells whether a message came from the contact or was sent to them.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// SenderKind distinguishes human agents from automated replies.
type SenderKind string

const (
	SenderContact SenderKind = "user"
	SenderAgent   SenderKind = "agent"
	SenderBot     SenderKind = "bot"
)

// ContentType describes the message body. Non-text content carries a
// placeholder string in Message.Content.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentAudio    ContentType = "audio"
	ContentVideo    ContentType = "video"
	ContentDocument ContentType = "document"
	ContentSticker  ContentType = "sticker"
	ContentLocation ContentType = "location"
	ContentContact  ContentType = "contact"
)

// Delivery is a display-only delivery marker.
type Delivery string

const (
	DeliveryPending   Delivery = "pending"
	DeliverySent      Delivery = "sent"
	DeliveryDelivered Delivery = "delivered"
	DeliveryRead      Delivery = "read"
	DeliveryFailed    Delivery = "failed"
)

// ContactRef is the contact summary embedded in a conversation.
type ContactRef struct {
	ID          ID     `json:"id"`
	Name        string `json:"name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Conversation is one thread with a contact.
type Conversation struct {
	ID             ID         `json:"id"`
	InboxID        ID         `json:"inbox_id,omitempty"`
	Contact        ContactRef `json:"contact"`
	Status         Status     `json:"status,omitempty"`
	Labels         []string   `json:"labels"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	UnreadCount    int        `json:"unread_count"`
	BotPaused      bool       `json:"bot_paused"`
	LastMessage    *Message   `json:"last_message,omitempty"`
}

// Version is the instant used to decide which of two copies of the same
// conversation is newer.
func (c Conversation) Version() time.Time {
	if !c.UpdatedAt.IsZero() {
		return c.UpdatedAt
	}
	return c.LastActivityAt
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Labels != nil {
		out.Labels = append([]string(nil), c.Labels...)
	}
	if c.LastMessage != nil {
		m := *c.LastMessage
		out.LastMessage = &m
	}
	return out
}

// HasLabel reports whether the conversation carries the label title.
func (c Conversation) HasLabel(title string) bool {
	for _, l := range c.Labels {
		if l == title {
			return true
		}
	}
	return false
}

// Message is a single entry of a conversation.
type Message struct {
	ID             ID          `json:"id"`
	ClientID       string      `json:"client_id,omitempty"`
	ConversationID ID          `json:"conversation_id"`
	Content        string      `json:"content"`
	ContentType    ContentType `json:"content_type,omitempty"`
	Direction      Direction   `json:"direction"`
	Sender         SenderKind  `json:"sender,omitempty"`
	SenderName     string      `json:"sender_name,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at,omitempty"`
	Delivery       Delivery    `json:"delivery,omitempty"`
	Private        bool        `json:"private,omitempty"`

	// Seq is the local arrival order, assigned by the projection.
	Seq uint64 `json:"-"`
}

// Version is the instant used to decide which of two copies of the same
// message is newer.
func (m Message) Version() time.Time {
	if !m.UpdatedAt.IsZero() {
		return m.UpdatedAt
	}
	return m.CreatedAt
}

// Pending reports whether the message is an optimistic local placeholder that
// the vendor has not acknowledged yet.
func (m Message) Pending() bool {
	return m.Delivery == DeliveryPending
}

// Contact is a vendor contact record.
type Contact struct {
	ID               ID             `json:"id"`
	Name             string         `json:"name"`
	PhoneNumber      string         `json:"phone_number,omitempty"`
	Email            string         `json:"email,omitempty"`
	AvatarURL        string         `json:"avatar_url,omitempty"`
	CustomAttributes map[string]any `json:"custom_attributes,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at,omitempty"`
}

// Ref returns the summary embedded in conversations.
func (c Contact) Ref() ContactRef {
	return ContactRef{
		ID:          c.ID,
		Name:        c.Name,
		PhoneNumber: c.PhoneNumber,
		Email:       c.Email,
		AvatarURL:   c.AvatarURL,
	}
}

// BotState returns the derived bot state stored under key.
func (c Contact) BotState(key string) BotState {
	return BotStateFrom(c.CustomAttributes, key)
}

// Label is an account-wide label. Conversations reference labels by title.
type Label struct {
	ID          ID     `json:"id,omitempty"`
	Title       string `json:"title"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
}

// DefaultLabelColor is used when a label is created without a color.
const DefaultLabelColor = "#1f93ff"
