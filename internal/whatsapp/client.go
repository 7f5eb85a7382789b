// Package whatsapp is a client for the WhatsApp gateway that fronts an
// Evolution API instance. It shares the retrying transport of the Chatwoot
// client and returns canonical crm records.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/validation"
)

// AuthHeader is the header Evolution reads the API key from.
const AuthHeader = "apikey"

// Client talks to the gateway. BaseURL includes the gateway prefix, e.g.
// http://localhost:5000/api/whatsapp.
type Client struct {
	api *api.Client
}

// New creates a gateway client.
func New(baseURL, apiKey string) *Client {
	c := api.New(baseURL, apiKey, 0)
	c.AuthHeader = AuthHeader
	return &Client{api: c}
}

// NewWithClient wraps a preconfigured transport (tests, custom HTTP clients).
func NewWithClient(c *api.Client) *Client {
	if c.AuthHeader == "" || c.AuthHeader == api.DefaultAuthHeader {
		c.AuthHeader = AuthHeader
	}
	return &Client{api: c}
}

// envelope is the gateway's {status, data} wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Base64  string          `json:"base64,omitempty"`
	Code    string          `json:"code,omitempty"`
}

func (c *Client) call(ctx context.Context, method, path string, body any) (envelope, []byte, error) {
	raw, err := c.api.DoRootRaw(ctx, method, path, body)
	if err != nil {
		return envelope{}, nil, err
	}
	var env envelope
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return envelope{}, nil, &api.MalformedResponseError{URL: c.api.RootURL(path), Err: err}
		}
		if strings.EqualFold(env.Status, "error") {
			msg := env.Error
			if msg == "" {
				msg = env.Message
			}
			return env, raw, &api.VendorError{StatusCode: http.StatusOK, Body: msg}
		}
	}
	return env, raw, nil
}

// InstanceStatus returns the instance connection state.
func (c *Client) InstanceStatus(ctx context.Context) (ConnectionState, error) {
	env, raw, err := c.call(ctx, http.MethodGet, "/instance/status", nil)
	if err != nil {
		return "", err
	}
	var data struct {
		State    ConnectionState `json:"state"`
		Instance *struct {
			State ConnectionState `json:"state"`
		} `json:"instance"`
	}
	src := env.Data
	if len(src) == 0 {
		src = raw
	}
	if err := json.Unmarshal(src, &data); err != nil {
		return "", &api.MalformedResponseError{URL: c.api.RootURL("/instance/status"), Err: err}
	}
	if data.State == "" && data.Instance != nil {
		data.State = data.Instance.State
	}
	if data.State == "" {
		return StateClose, nil
	}
	return data.State, nil
}

// QRCode returns the pairing QR code as a base64 data URL.
func (c *Client) QRCode(ctx context.Context) (string, error) {
	env, _, err := c.call(ctx, http.MethodGet, "/instance/qr", nil)
	if err != nil {
		return "", err
	}
	if env.Base64 != "" {
		return env.Base64, nil
	}
	var data struct {
		Base64 string `json:"base64"`
	}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &data)
	}
	if data.Base64 == "" {
		return "", &api.MalformedResponseError{URL: c.api.RootURL("/instance/qr"), Err: fmt.Errorf("no QR code in response")}
	}
	return data.Base64, nil
}

// Logout disconnects the instance from WhatsApp.
func (c *Client) Logout(ctx context.Context) error {
	_, _, err := c.call(ctx, http.MethodPost, "/instance/logout", nil)
	return err
}

// Chats lists chats as conversations keyed by phone number.
func (c *Client) Chats(ctx context.Context) ([]crm.Conversation, error) {
	path := "/chats"
	raw, err := c.api.DoRootRaw(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	chats, err := api.DecodeList[Chat](c.api.RootURL(path), raw)
	if err != nil {
		return nil, err
	}
	out := make([]crm.Conversation, 0, len(chats))
	for _, chat := range chats {
		conv := chat.ToCRM()
		if conv.ID == "" {
			continue
		}
		out = append(out, conv)
	}
	crm.SortConversations(out)
	return out, nil
}

// Messages lists a chat's messages, oldest first. Both raw Evolution records
// and flattened gateway messages are accepted.
func (c *Client) Messages(ctx context.Context, chatID string) ([]crm.Message, error) {
	chatID = JIDToPhone(chatID)
	path := "/chat/" + url.PathEscape(chatID) + "/messages"
	raw, err := c.api.DoRootRaw(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	items, err := api.DecodeList[json.RawMessage](c.api.RootURL(path), raw)
	if err != nil {
		return nil, err
	}
	out := make([]crm.Message, 0, len(items))
	for _, item := range items {
		msg, ok := decodeAnyMessage(item, chatID)
		if !ok {
			continue
		}
		out = append(out, msg)
	}
	crm.SortMessages(out)
	return out, nil
}

func decodeAnyMessage(item json.RawMessage, chatID string) (crm.Message, bool) {
	var probe struct {
		Key *MessageKey `json:"key"`
	}
	if err := json.Unmarshal(item, &probe); err != nil {
		return crm.Message{}, false
	}
	if probe.Key != nil {
		var m Message
		if err := json.Unmarshal(item, &m); err != nil || m.Key.ID == "" {
			return crm.Message{}, false
		}
		msg := NormalizeMessage(m)
		if msg.ConversationID == "" {
			msg.ConversationID = crm.ID(chatID)
		}
		return msg, true
	}
	var g GatewayMessage
	if err := json.Unmarshal(item, &g); err != nil || g.ID == "" {
		return crm.Message{}, false
	}
	return g.ToCRM(chatID), true
}

// SendText sends a text message to number. Empty text is rejected locally.
func (c *Client) SendText(ctx context.Context, number, text string) (crm.Message, error) {
	if strings.TrimSpace(text) == "" {
		return crm.Message{}, &api.ValidationError{Field: "message", Message: "message text is empty"}
	}
	if err := validation.ValidatePhone(number); err != nil || strings.TrimSpace(number) == "" {
		return crm.Message{}, &api.ValidationError{Field: "phone_number", Message: fmt.Sprintf("invalid phone number %q", number)}
	}
	phone := JIDToPhone(strings.TrimSpace(number))
	env, _, err := c.call(ctx, http.MethodPost, "/send-message", map[string]string{
		"phone_number": phone,
		"message":      text,
	})
	if err != nil {
		return crm.Message{}, err
	}

	msg := crm.Message{
		ConversationID: crm.ID(phone),
		Content:        text,
		ContentType:    crm.ContentText,
		Direction:      crm.Outgoing,
		Sender:         crm.SenderAgent,
		CreatedAt:      sentAt(),
		Delivery:       crm.DeliverySent,
	}
	var data struct {
		Key MessageKey `json:"key"`
	}
	if len(env.Data) > 0 && json.Unmarshal(env.Data, &data) == nil && data.Key.ID != "" {
		msg.ID = crm.ID(data.Key.ID)
	} else {
		msg.ID = crm.ID("sent_" + uuid.NewString())
	}
	return msg, nil
}

// ConfigureWebhook points the instance webhook at webhookURL.
func (c *Client) ConfigureWebhook(ctx context.Context, webhookURL string) error {
	if err := validation.ValidateWebhookURL(webhookURL); err != nil {
		return &api.ValidationError{Field: "webhook_url", Message: err.Error()}
	}
	_, _, err := c.call(ctx, http.MethodPost, "/configure-webhook", map[string]string{"webhook_url": webhookURL})
	return err
}
