package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/crm"
)

func newGateway(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL+"/api/whatsapp", "key-1")
}

func TestInstanceStatus(t *testing.T) {
	tests := []struct {
		body string
		want ConnectionState
	}{
		{`{"status":"success","data":{"state":"open"}}`, StateOpen},
		{`{"status":"success","data":{"instance":{"state":"connecting"}}}`, StateConnecting},
		{`{"state":"close"}`, StateClose},
		{`{"status":"success","data":{}}`, StateClose},
	}
	for _, tt := range tests {
		c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/whatsapp/instance/status", r.URL.Path)
			assert.Equal(t, "key-1", r.Header.Get(AuthHeader))
			_, _ = w.Write([]byte(tt.body))
		})
		got, err := c.InstanceStatus(context.Background())
		require.NoError(t, err, tt.body)
		assert.Equal(t, tt.want, got, tt.body)
	}
	assert.Equal(t, "connected", StateOpen.Label())
	assert.Equal(t, "disconnected", StateConnecting.Label())
}

func TestGatewayErrorEnvelope(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","message":"instance not found"}`))
	})
	_, err := c.InstanceStatus(context.Background())
	require.Error(t, err)
	assert.Equal(t, api.KindVendor, api.Kind(err))
}

func TestQRCode(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","base64":"data:image/png;base64,AAA"}`))
	})
	qr, err := c.QRCode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,AAA", qr)

	empty := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success"}`))
	})
	_, err = empty.QRCode(context.Background())
	assert.True(t, api.IsMalformedResponse(err))
}

func TestChats(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"phone_number":"5511999","name":"Ana","last_message":"hola","last_message_time":1709296200,"unread_count":2},
			{"remoteJid":"5511888@s.whatsapp.net","pushName":"Bruno","updatedAt":"2024-03-01T13:00:00Z"},
			{"name":"no id"}
		]`))
	})
	convs, err := c.Chats(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, crm.ID("5511888"), convs[0].ID)
	assert.Equal(t, "Bruno", convs[0].Contact.Name)
	assert.Equal(t, crm.ID("5511999"), convs[1].ID)
	assert.Equal(t, 2, convs[1].UnreadCount)
	require.NotNil(t, convs[1].LastMessage)
	assert.Equal(t, "hola", convs[1].LastMessage.Content)
}

func TestMessagesAcceptsBothShapes(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/whatsapp/chat/5511999/messages", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[
			{"key":{"remoteJid":"5511999@s.whatsapp.net","fromMe":false,"id":"A1"},"pushName":"Ana",
			 "message":{"imageMessage":{"caption":""}},"messageTimestamp":"1709296200"},
			{"id":"sent_1","content":"ok","message_type":"text","is_from_me":true,"timestamp":"2024-03-01T12:31:00Z","status":"sent"},
			{"something":"else"}
		]}`))
	})
	msgs, err := c.Messages(context.Background(), "5511999@s.whatsapp.net")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "[Image]", msgs[0].Content)
	assert.Equal(t, crm.Incoming, msgs[0].Direction)
	assert.Equal(t, "Ana", msgs[0].SenderName)
	assert.Equal(t, crm.Outgoing, msgs[1].Direction)
	assert.Equal(t, crm.ID("5511999"), msgs[1].ConversationID)
}

func TestSendText(t *testing.T) {
	sentAt = func() time.Time { return time.Unix(1709296200, 0).UTC() }
	t.Cleanup(func() { sentAt = func() time.Time { return time.Now().UTC() } })

	var body map[string]string
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"status":"success","data":{"key":{"id":"BAE5","fromMe":true}}}`))
	})
	msg, err := c.SendText(context.Background(), "5511999@s.whatsapp.net", "hola")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"phone_number": "5511999", "message": "hola"}, body)
	assert.Equal(t, crm.ID("BAE5"), msg.ID)
	assert.Equal(t, crm.Outgoing, msg.Direction)
	assert.Equal(t, int64(1709296200), msg.CreatedAt.Unix())
}

func TestSendTextValidation(t *testing.T) {
	calls := 0
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) { calls++ })
	_, err := c.SendText(context.Background(), "5511999", "  ")
	assert.True(t, api.IsValidationError(err))
	_, err = c.SendText(context.Background(), "", "hola")
	assert.True(t, api.IsValidationError(err))
	assert.Zero(t, calls)
}

func TestConfigureWebhook(t *testing.T) {
	var body map[string]string
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/whatsapp/configure-webhook", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	})
	require.NoError(t, c.ConfigureWebhook(context.Background(), "https://crm.example.com/webhook/evolution?token=s"))
	assert.Equal(t, "https://crm.example.com/webhook/evolution?token=s", body["webhook_url"])
	assert.True(t, api.IsValidationError(c.ConfigureWebhook(context.Background(), "ftp://x")))
}
