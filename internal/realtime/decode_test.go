package realtime

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwoot/crm-sync/internal/crm"
)

func decodeOne(t *testing.T, d Decoder, event, data string) Event {
	t.Helper()
	events, err := d.Decode(Frame{Room: RoomChat, Event: event, Data: json.RawMessage(data)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}

func TestDecodeNewMessageCanonicalShape(t *testing.T) {
	ev := decodeOne(t, Decoder{}, EventNewMessage, `{
		"conversation_id": "12",
		"message": {"id": 5, "content": "hi", "direction": "outgoing", "sender": "bot",
		            "created_at": "2024-03-01T12:30:00Z", "client_id": "tmp-1"},
		"conversation": {"id": "12", "unread_count": 0, "labels": ["vip"]}
	}`).(MessageEvent)

	assert.Equal(t, crm.ID("5"), ev.Message.ID)
	assert.Equal(t, crm.Outgoing, ev.Message.Direction)
	assert.Equal(t, crm.SenderBot, ev.Message.Sender)
	assert.Equal(t, "tmp-1", ev.Message.ClientID)
	require.NotNil(t, ev.Conversation)
	assert.Equal(t, []string{"vip"}, ev.Conversation.Labels)
}

func TestDecodeNewMessageFromMe(t *testing.T) {
	ev := decodeOne(t, Decoder{}, EventNewMessage,
		`{"conversation_id":"5511999","message":{"id":"A","content":"x","is_from_me":true,"timestamp":"1709296200"}}`).(MessageEvent)
	assert.Equal(t, crm.Outgoing, ev.Message.Direction)
	assert.Equal(t, crm.SenderAgent, ev.Message.Sender)
	assert.Equal(t, int64(1709296200), ev.Message.CreatedAt.Unix())
}

func TestDecodeDirectMessage(t *testing.T) {
	ev := decodeOne(t, Decoder{}, EventNewMessageDirect, `{"event":"messages.upsert","data":{
		"key":{"remoteJid":"5511999@s.whatsapp.net","fromMe":false,"id":"ABC"},
		"pushName":"Ana","message":{"audioMessage":{}},"messageTimestamp":1709296200}}`).(MessageEvent)
	assert.Equal(t, crm.ID("ABC"), ev.Message.ID)
	assert.Equal(t, crm.ID("5511999"), ev.Message.ConversationID)
	assert.Equal(t, "[Audio]", ev.Message.Content)
}

func TestDecodeMessageSentWithoutTimestamp(t *testing.T) {
	first := decodeOne(t, Decoder{}, EventMessageSent, `{"phone_number":"5511999","message":"ok"}`).(MessageEvent)
	replay := decodeOne(t, Decoder{}, EventMessageSent, `{"phone_number":"5511999","message":"ok"}`).(MessageEvent)
	other := decodeOne(t, Decoder{}, EventMessageSent, `{"phone_number":"5511999","message":"see you"}`).(MessageEvent)

	assert.Equal(t, first.Message.ID, replay.Message.ID)
	assert.NotEqual(t, first.Message.ID, other.Message.ID)
	assert.Contains(t, string(first.Message.ID), "sent_5511999_")
	assert.True(t, first.Message.CreatedAt.IsZero())
}

func TestDecodeMessageSentDerivesStableID(t *testing.T) {
	data := `{"phone_number":"5511999","message":"ok","timestamp":"2024-03-01T12:31:00Z"}`
	a := decodeOne(t, Decoder{}, EventMessageSent, data).(MessageEvent)
	b := decodeOne(t, Decoder{}, EventMessageSent, data).(MessageEvent)
	assert.Equal(t, a.Message.ID, b.Message.ID)
	assert.Equal(t, crm.Outgoing, a.Message.Direction)
	assert.Equal(t, crm.ID("5511999"), a.Message.ConversationID)
}

func TestDecodeBotStatus(t *testing.T) {
	ev := decodeOne(t, Decoder{}, EventBotStatusChanged, `{"conversation_id":7,"bot_status":"off"}`).(BotStatusEvent)
	assert.True(t, ev.Paused)
	assert.Equal(t, crm.ID("7"), ev.ConversationID)

	ev = decodeOne(t, Decoder{}, EventBotStatusChanged, `{"contact_id":3,"bot_paused":false}`).(BotStatusEvent)
	assert.False(t, ev.Paused)
	assert.Equal(t, crm.ID("3"), ev.ContactID)
}

func TestDecodeConnectionUpdate(t *testing.T) {
	ev := decodeOne(t, Decoder{}, EventConnectionUpdateDirect, `{"data":{"state":"open"}}`).(ConnectionEvent)
	assert.True(t, ev.Connected())
	ev = decodeOne(t, Decoder{}, EventConnectionUpdate, `{"state":"close"}`).(ConnectionEvent)
	assert.False(t, ev.Connected())
}

func TestDecodeCableEvents(t *testing.T) {
	d := Decoder{BotAttribute: "bot"}

	msg := decodeOne(t, d, "message.created", `{"id":99,"conversation_id":12,"content":"hello",
		"message_type":0,"created_at":1709296200,"sender":{"id":3,"name":"Ana","type":"contact"}}`).(MessageEvent)
	assert.Equal(t, crm.ID("99"), msg.Message.ID)
	assert.Equal(t, crm.Incoming, msg.Message.Direction)

	conv := decodeOne(t, d, "conversation.status_changed", `{"id":12,"status":"resolved",
		"meta":{"sender":{"id":3,"name":"Ana","custom_attributes":{"bot":"off"}}}}`).(ConversationEvent)
	assert.Equal(t, crm.StatusResolved, conv.Conversation.Status)
	assert.True(t, conv.Conversation.BotPaused)

	contact := decodeOne(t, d, "contact.updated", `{"id":3,"name":"Ana B"}`).(ContactEvent)
	assert.Equal(t, "Ana B", contact.Contact.Name)
}

func TestDecodeDropsCableActivity(t *testing.T) {
	events, err := Decoder{}.Decode(Frame{Event: "message.created", Data: json.RawMessage(
		`{"id":100,"conversation_id":12,"content":"Conversation was resolved","message_type":2}`)})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decoder{}.Decode(Frame{Event: "typing_on"})
	var unknown *ErrUnknownEvent
	assert.True(t, errors.As(err, &unknown))

	for _, f := range []Frame{
		{Event: EventNewMessage, Data: json.RawMessage(`{"message":{"content":"no id"}}`)},
		{Event: EventBotStatusChanged, Data: json.RawMessage(`{"bot_paused":true}`)},
		{Event: EventConnectionUpdate, Data: json.RawMessage(`{}`)},
		{Event: EventNewMessageDirect, Data: json.RawMessage(`{"data":{}}`)},
	} {
		_, err := Decoder{}.Decode(f)
		assert.Error(t, err, f.Event)
		assert.False(t, errors.As(err, &unknown), f.Event)
	}
}
