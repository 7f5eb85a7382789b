package whatsapp

import (
	"strings"
	"time"

	"github.com/chatwoot/crm-sync/internal/crm"
)

// ConnectionState is the gateway instance state as reported by Evolution.
type ConnectionState string

const (
	StateOpen       ConnectionState = "open"
	StateConnecting ConnectionState = "connecting"
	StateClose      ConnectionState = "close"
)

// Connected reports whether the instance can send and receive.
func (s ConnectionState) Connected() bool { return s == StateOpen }

// Label is the dashboard wording for the state.
func (s ConnectionState) Label() string {
	if s.Connected() {
		return "connected"
	}
	return "disconnected"
}

// MessageKey identifies an Evolution message.
type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// Message is the raw Evolution message record delivered by webhooks and the
// messages endpoint.
type Message struct {
	Key              MessageKey    `json:"key"`
	PushName         string        `json:"pushName,omitempty"`
	Message          *MessageBody  `json:"message,omitempty"`
	MessageType      string        `json:"messageType,omitempty"`
	MessageTimestamp crm.Timestamp `json:"messageTimestamp"`
	Status           string        `json:"status,omitempty"`
}

// MessageBody holds the one populated content variant.
type MessageBody struct {
	Conversation        string           `json:"conversation,omitempty"`
	ExtendedTextMessage *TextMessage     `json:"extendedTextMessage,omitempty"`
	ImageMessage        *MediaMessage    `json:"imageMessage,omitempty"`
	AudioMessage        *MediaMessage    `json:"audioMessage,omitempty"`
	VideoMessage        *MediaMessage    `json:"videoMessage,omitempty"`
	DocumentMessage     *MediaMessage    `json:"documentMessage,omitempty"`
	StickerMessage      *MediaMessage    `json:"stickerMessage,omitempty"`
	LocationMessage     *LocationMessage `json:"locationMessage,omitempty"`
	ContactMessage      *ContactMessage  `json:"contactMessage,omitempty"`
}

type TextMessage struct {
	Text string `json:"text"`
}

type MediaMessage struct {
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	URL      string `json:"url,omitempty"`
}

type LocationMessage struct {
	Name             string  `json:"name,omitempty"`
	DegreesLatitude  float64 `json:"degreesLatitude"`
	DegreesLongitude float64 `json:"degreesLongitude"`
}

type ContactMessage struct {
	DisplayName string `json:"displayName"`
}

// Chat is a gateway chat summary.
type Chat struct {
	ID              string        `json:"id,omitempty"`
	RemoteJID       string        `json:"remoteJid,omitempty"`
	PhoneNumber     string        `json:"phone_number,omitempty"`
	Name            string        `json:"name,omitempty"`
	PushName        string        `json:"pushName,omitempty"`
	ProfilePicURL   string        `json:"profilePicUrl,omitempty"`
	UnreadCount     int           `json:"unread_count,omitempty"`
	UnreadMessages  int           `json:"unreadMessages,omitempty"`
	LastMessage     string        `json:"last_message,omitempty"`
	LastMessageTime crm.Timestamp `json:"last_message_time"`
	UpdatedAt       crm.Timestamp `json:"updatedAt"`
}

// GatewayMessage is the already-flattened message shape some gateway builds
// return instead of raw Evolution records.
type GatewayMessage struct {
	ID          string        `json:"id"`
	Content     string        `json:"content"`
	MessageType string        `json:"message_type"`
	IsFromMe    bool          `json:"is_from_me"`
	Timestamp   crm.Timestamp `json:"timestamp"`
	SenderPhone string        `json:"sender_phone"`
	Status      string        `json:"status"`
}

// JIDToPhone strips the WhatsApp domain from a jid.
func JIDToPhone(jid string) string {
	for _, suffix := range []string{"@s.whatsapp.net", "@c.us", "@g.us"} {
		if strings.HasSuffix(jid, suffix) {
			return strings.TrimSuffix(jid, suffix)
		}
	}
	return jid
}

// NormalizeMessage converts an Evolution record into the canonical message.
// Non-text content becomes a bracketed placeholder.
func NormalizeMessage(m Message) crm.Message {
	content, kind := describe(m.Message)
	phone := JIDToPhone(m.Key.RemoteJID)

	out := crm.Message{
		ID:             crm.ID(m.Key.ID),
		ConversationID: crm.ID(phone),
		Content:        content,
		ContentType:    kind,
		CreatedAt:      m.MessageTimestamp.Time,
		Delivery:       deliveryOf(m.Status),
	}
	if m.Key.FromMe {
		out.Direction = crm.Outgoing
		out.Sender = crm.SenderAgent
	} else {
		out.Direction = crm.Incoming
		out.Sender = crm.SenderContact
		out.SenderName = m.PushName
	}
	return out
}

func describe(body *MessageBody) (string, crm.ContentType) {
	if body == nil {
		return "", crm.ContentText
	}
	switch {
	case body.Conversation != "":
		return body.Conversation, crm.ContentText
	case body.ExtendedTextMessage != nil:
		return body.ExtendedTextMessage.Text, crm.ContentText
	case body.ImageMessage != nil:
		if body.ImageMessage.Caption != "" {
			return body.ImageMessage.Caption, crm.ContentImage
		}
		return "[Image]", crm.ContentImage
	case body.AudioMessage != nil:
		return "[Audio]", crm.ContentAudio
	case body.VideoMessage != nil:
		if body.VideoMessage.Caption != "" {
			return body.VideoMessage.Caption, crm.ContentVideo
		}
		return "[Video]", crm.ContentVideo
	case body.DocumentMessage != nil:
		name := body.DocumentMessage.FileName
		if name == "" {
			name = "file"
		}
		return "[Document: " + name + "]", crm.ContentDocument
	case body.StickerMessage != nil:
		return "[Sticker]", crm.ContentSticker
	case body.LocationMessage != nil:
		return "[Location]", crm.ContentLocation
	case body.ContactMessage != nil:
		return "[Contact]", crm.ContentContact
	default:
		return "", crm.ContentText
	}
}

func deliveryOf(status string) crm.Delivery {
	switch strings.ToUpper(status) {
	case "PENDING", "SERVER_ACK", "SENT":
		return crm.DeliverySent
	case "READ", "PLAYED":
		return crm.DeliveryRead
	case "ERROR", "FAILED":
		return crm.DeliveryFailed
	default:
		return crm.DeliveryDelivered
	}
}

// ToCRM converts a flattened gateway message.
func (g GatewayMessage) ToCRM(chatID string) crm.Message {
	out := crm.Message{
		ID:             crm.ID(g.ID),
		ConversationID: crm.ID(chatID),
		Content:        g.Content,
		ContentType:    crm.ContentText,
		CreatedAt:      g.Timestamp.Time,
		Delivery:       deliveryOf(g.Status),
	}
	if ct := crm.ContentType(strings.ToLower(g.MessageType)); ct != "" {
		out.ContentType = ct
	}
	if g.IsFromMe {
		out.Direction, out.Sender = crm.Outgoing, crm.SenderAgent
	} else {
		out.Direction, out.Sender = crm.Incoming, crm.SenderContact
	}
	return out
}

// ToCRM converts a chat summary into a conversation keyed by phone number.
func (c Chat) ToCRM() crm.Conversation {
	phone := c.PhoneNumber
	if phone == "" {
		phone = JIDToPhone(firstNonEmpty(c.RemoteJID, c.ID))
	}
	name := firstNonEmpty(c.Name, c.PushName, phone)
	activity := c.LastMessageTime.Time
	if activity.IsZero() {
		activity = c.UpdatedAt.Time
	}
	conv := crm.Conversation{
		ID:             crm.ID(phone),
		Contact:        crm.ContactRef{ID: crm.ID(phone), Name: name, PhoneNumber: phone, AvatarURL: c.ProfilePicURL},
		Status:         crm.StatusOpen,
		Labels:         []string{},
		LastActivityAt: activity,
		UnreadCount:    max(c.UnreadCount, c.UnreadMessages),
	}
	if c.LastMessage != "" {
		conv.LastMessage = &crm.Message{
			ConversationID: conv.ID,
			Content:        c.LastMessage,
			ContentType:    crm.ContentText,
			Direction:      crm.Incoming,
			CreatedAt:      activity,
		}
	}
	return conv
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// sentAt is overridden in tests.
var sentAt = func() time.Time { return time.Now().UTC() }
