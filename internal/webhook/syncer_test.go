package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/realtime"
)

// memStore is a Store backed by maps.
type memStore struct {
	mu       sync.Mutex
	next     int64
	contacts map[crm.ID]int64
	convs    map[crm.ID]int64
	msgs     map[crm.ID]int64

	contactRows map[int64]crm.Contact
	convRows    map[int64]crm.Conversation
	convContact map[int64]int64
	msgRows     map[int64]crm.Message

	fail error
}

func newMemStore() *memStore {
	return &memStore{
		contacts:    map[crm.ID]int64{},
		convs:       map[crm.ID]int64{},
		msgs:        map[crm.ID]int64{},
		contactRows: map[int64]crm.Contact{},
		convRows:    map[int64]crm.Conversation{},
		convContact: map[int64]int64{},
		msgRows:     map[int64]crm.Message{},
	}
}

func (s *memStore) id(index map[crm.ID]int64, key crm.ID) (int64, bool) {
	if id, ok := index[key]; ok {
		return id, false
	}
	s.next++
	index[key] = s.next
	return s.next, true
}

func (s *memStore) UpsertContact(_ context.Context, c crm.Contact) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	id, _ := s.id(s.contacts, c.ID)
	prev := s.contactRows[id]
	if c.Name == "" {
		c.Name = prev.Name
	}
	if c.PhoneNumber == "" {
		c.PhoneNumber = prev.PhoneNumber
	}
	s.contactRows[id] = c
	return id, nil
}

func (s *memStore) UpsertConversation(_ context.Context, c crm.Conversation, contactID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := s.id(s.convs, c.ID)
	s.convRows[id] = c
	if contactID != 0 {
		s.convContact[id] = contactID
	}
	return id, nil
}

func (s *memStore) InsertMessageIfAbsent(_ context.Context, m crm.Message, conversationID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, created := s.id(s.msgs, m.ID)
	if created {
		s.msgRows[id] = m
	}
	return created, nil
}

type published struct {
	Room  string
	Event string
	Data  json.RawMessage
}

type recorder struct {
	mu     sync.Mutex
	frames []published
	err    error
}

func (r *recorder) Publish(_ context.Context, room, event string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	r.frames = append(r.frames, published{Room: room, Event: event, Data: raw})
	return r.err
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Room + "/" + f.Event
	}
	return out
}

const incomingMessage = `{
  "event": "message_created",
  "id": 501,
  "content": "Hola, quiero info",
  "message_type": "incoming",
  "content_type": "text",
  "created_at": "2026-03-01T12:00:00.000Z",
  "private": false,
  "sender": {"id": 42, "name": "Ana", "phone_number": "+5511999", "type": "contact"},
  "conversation": {
    "id": 7, "inbox_id": 1, "status": "open", "labels": ["lead"],
    "meta": {"sender": {"id": 42, "name": "Ana", "phone_number": "+5511999", "custom_attributes": {"bot_status": "off"}}}
  }
}`

const outgoingMessage = `{
  "event": "message_created",
  "id": 502,
  "content": "Claro",
  "message_type": "outgoing",
  "created_at": 1772366460,
  "sender": {"id": 3, "name": "Agent Smith", "type": "user"},
  "conversation": {
    "id": 7, "status": "open",
    "meta": {"sender": {"id": 42, "name": "Ana"}}
  }
}`

func handle(t *testing.T, s *Syncer, source Source, body string) (Outcome, error) {
	t.Helper()
	ev, err := ParseEvent(source, []byte(body))
	require.NoError(t, err)
	return s.Handle(context.Background(), ev)
}

func TestMessageCreated(t *testing.T) {
	store := newMemStore()
	pub := &recorder{}
	s := NewSyncer(store, WithPublisher(pub))

	outcome, err := handle(t, s, SourceChatwoot, incomingMessage)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, outcome)

	require.Len(t, store.msgRows, 1)
	var stored crm.Message
	for _, m := range store.msgRows {
		stored = m
	}
	assert.Equal(t, crm.ID("501"), stored.ID)
	assert.Equal(t, crm.ID("7"), stored.ConversationID)
	assert.Equal(t, crm.Incoming, stored.Direction)
	assert.Equal(t, "Hola, quiero info", stored.Content)

	convID := store.convs["7"]
	assert.Equal(t, store.contacts["42"], store.convContact[convID])
	assert.True(t, store.convRows[convID].BotPaused)
	assert.Equal(t, "+5511999", store.contactRows[store.contacts["42"]].PhoneNumber)

	require.Equal(t, []string{"chat/new_message"}, pub.events())
	var frame struct {
		ConversationID crm.ID      `json:"conversation_id"`
		Message        crm.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(pub.frames[0].Data, &frame))
	assert.Equal(t, crm.ID("7"), frame.ConversationID)
	assert.Equal(t, crm.ID("501"), frame.Message.ID)
}

func TestMessageCreatedReplayIsIdempotent(t *testing.T) {
	store := newMemStore()
	pub := &recorder{}
	s := NewSyncer(store, WithPublisher(pub))

	_, err := handle(t, s, SourceChatwoot, incomingMessage)
	require.NoError(t, err)
	outcome, err := handle(t, s, SourceChatwoot, incomingMessage)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Len(t, store.msgRows, 1)
	assert.Len(t, store.contacts, 1)
	assert.Len(t, store.convs, 1)
	assert.Len(t, pub.frames, 1)
}

func TestMessageCreatedConcurrentDeliveries(t *testing.T) {
	store := newMemStore()
	s := NewSyncer(store)

	var wg sync.WaitGroup
	results := make(chan Outcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, _ := ParseEvent(SourceChatwoot, []byte(incomingMessage))
			out, err := s.Handle(context.Background(), ev)
			assert.NoError(t, err)
			results <- out
		}()
	}
	wg.Wait()
	close(results)

	inserted := 0
	for out := range results {
		if out == OutcomeInserted {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)
	assert.Len(t, store.msgRows, 1)
}

func TestAgentReplyUsesConversationContact(t *testing.T) {
	store := newMemStore()
	s := NewSyncer(store)

	_, err := handle(t, s, SourceChatwoot, outgoingMessage)
	require.NoError(t, err)

	_, agentStored := store.contacts["3"]
	assert.False(t, agentStored, "agents are not stored as contacts")
	require.Contains(t, store.contacts, crm.ID("42"))
	m := store.msgRows[store.msgs["502"]]
	assert.Equal(t, crm.Outgoing, m.Direction)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestMessageCreatedMissingParts(t *testing.T) {
	s := NewSyncer(newMemStore())

	_, err := handle(t, s, SourceChatwoot, `{"event":"message_created","id":1,"content":"x","sender":{"id":2}}`)
	assert.ErrorContains(t, err, "no conversation")

	_, err = handle(t, s, SourceChatwoot, `{"event":"message_created","id":1,"message_type":"incoming","conversation":{"id":7}}`)
	assert.ErrorContains(t, err, "no sender")
}

func TestActivityMessageIgnored(t *testing.T) {
	store := newMemStore()
	s := NewSyncer(store)

	outcome, err := handle(t, s, SourceChatwoot, `{"event":"message_created","id":9,"message_type":"activity","content":"Conversation resolved","conversation":{"id":7,"meta":{"sender":{"id":42}}}}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Empty(t, store.msgRows)
}

func TestStoreFailureSurfaces(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("database is locked")
	s := NewSyncer(store)

	outcome, err := handle(t, s, SourceChatwoot, incomingMessage)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorContains(t, err, "database is locked")
}

func TestContactUpdated(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantBot bool
	}{
		{
			name:    "bot attribute switched",
			body:    `{"event":"contact_updated","id":42,"name":"Ana B","custom_attributes":{"bot_status":"off","plan":"gold"},"changed_attributes":[{"custom_attributes":{"previous_value":{"bot_status":"on","plan":"gold"},"current_value":{"bot_status":"off","plan":"gold"}}}]}`,
			wantBot: true,
		},
		{
			name: "other attribute changed",
			body: `{"event":"contact_updated","id":42,"name":"Ana B","custom_attributes":{"bot_status":"off","plan":"silver"},"changed_attributes":[{"custom_attributes":{"previous_value":{"bot_status":"off","plan":"gold"},"current_value":{"bot_status":"off","plan":"silver"}}}]}`,
		},
		{
			name: "name only",
			body: `{"event":"contact_updated","id":42,"name":"Ana B","changed_attributes":[{"name":{"previous_value":"Ana","current_value":"Ana B"}}]}`,
		},
		{
			name:    "no change list",
			body:    `{"event":"contact_updated","id":42,"name":"Ana B","custom_attributes":{"bot_status":"on"}}`,
			wantBot: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			pub := &recorder{}
			s := NewSyncer(store, WithPublisher(pub))

			outcome, err := handle(t, s, SourceChatwoot, tt.body)
			require.NoError(t, err)
			assert.Equal(t, OutcomeUpdated, outcome)
			assert.Equal(t, "Ana B", store.contactRows[store.contacts["42"]].Name)

			want := []string{"chat/contact_updated"}
			if tt.wantBot {
				want = append(want, "chat/bot_status_changed")
			}
			assert.Equal(t, want, pub.events())
		})
	}
}

func TestBotStatusFrameDecodes(t *testing.T) {
	pub := &recorder{}
	s := NewSyncer(newMemStore(), WithPublisher(pub))
	_, err := handle(t, s, SourceChatwoot, `{"event":"contact_updated","id":42,"custom_attributes":{"bot_status":"off"}}`)
	require.NoError(t, err)
	require.Len(t, pub.frames, 2)

	f := pub.frames[1]
	events, err := realtime.Decoder{}.Decode(realtime.Frame{Room: f.Room, Event: f.Event, Data: f.Data})
	require.NoError(t, err)
	assert.Equal(t, []realtime.Event{realtime.BotStatusEvent{Room: realtime.RoomChat, ContactID: "42", Paused: true}}, events)
}

func TestConversationStatusChanged(t *testing.T) {
	store := newMemStore()
	pub := &recorder{}
	s := NewSyncer(store, WithPublisher(pub))

	_, err := handle(t, s, SourceChatwoot, `{"event":"conversation_status_changed","id":7,"status":"resolved","labels":["vip"],"meta":{"sender":{"id":42,"name":"Ana"}}}`)
	require.NoError(t, err)

	c := store.convRows[store.convs["7"]]
	assert.Equal(t, crm.StatusResolved, c.Status)
	assert.Equal(t, []string{"vip"}, c.Labels)
	assert.Equal(t, store.contacts["42"], store.convContact[store.convs["7"]])
	assert.Equal(t, []string{"chat/conversation_updated"}, pub.events())
}

const evolutionUpsert = `{
  "event": "MESSAGES_UPSERT",
  "instance": "crm",
  "data": {
    "key": {"remoteJid": "5511999@s.whatsapp.net", "fromMe": false, "id": "BAE5F1"},
    "pushName": "Ana",
    "message": {"conversation": "oi"},
    "messageTimestamp": 1772366400
  }
}`

func TestEvolutionMessagesUpsert(t *testing.T) {
	store := newMemStore()
	pub := &recorder{}
	s := NewSyncer(store, WithPublisher(pub))

	outcome, err := handle(t, s, SourceEvolution, evolutionUpsert)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, outcome)

	m := store.msgRows[store.msgs["wa:BAE5F1"]]
	assert.Equal(t, crm.ID("wa:5511999"), m.ConversationID)
	assert.Equal(t, "oi", m.Content)
	contact := store.contactRows[store.contacts["wa:5511999"]]
	assert.Equal(t, "Ana", contact.Name)
	assert.Equal(t, "5511999", contact.PhoneNumber)

	require.Equal(t, []string{"whatsapp/new_message_direct"}, pub.events())
	f := pub.frames[0]
	events, err := realtime.Decoder{}.Decode(realtime.Frame{Room: f.Room, Event: f.Event, Data: f.Data})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, crm.ID("5511999"), events[0].(realtime.MessageEvent).Message.ConversationID)

	outcome, err = handle(t, s, SourceEvolution, evolutionUpsert)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Len(t, pub.frames, 1)
}

func TestEvolutionMessagesUpsertBatch(t *testing.T) {
	store := newMemStore()
	s := NewSyncer(store)

	outcome, err := handle(t, s, SourceEvolution, `{"event":"messages.upsert","data":[
		{"key":{"remoteJid":"5511999@s.whatsapp.net","fromMe":true,"id":"A1"},"message":{"conversation":"hola"},"messageTimestamp":1772366400},
		{"key":{"remoteJid":"5511999@s.whatsapp.net","fromMe":false,"id":"A2"},"pushName":"Ana","message":{"imageMessage":{"caption":"foto"}},"messageTimestamp":1772366401}
	]}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, outcome)
	assert.Len(t, store.msgRows, 2)
	assert.Len(t, store.convs, 1)
	assert.Equal(t, "Ana", store.contactRows[store.contacts["wa:5511999"]].Name)

	_, err = handle(t, s, SourceEvolution, `{"event":"messages.upsert","data":{"key":{"id":"A3"}}}`)
	assert.ErrorContains(t, err, "key is incomplete")
}

func TestEvolutionConnectionUpdate(t *testing.T) {
	pub := &recorder{}
	s := NewSyncer(newMemStore(), WithPublisher(pub))

	outcome, err := handle(t, s, SourceEvolution, `{"event":"CONNECTION_UPDATE","instance":"crm","data":{"state":"open"}}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, outcome)

	f := pub.frames[0]
	events, err := realtime.Decoder{}.Decode(realtime.Frame{Room: f.Room, Event: f.Event, Data: f.Data})
	require.NoError(t, err)
	assert.Equal(t, []realtime.Event{realtime.ConnectionEvent{Room: realtime.RoomWhatsApp, State: "open"}}, events)
}

func TestUnhandledEventIgnored(t *testing.T) {
	pub := &recorder{}
	s := NewSyncer(newMemStore(), WithPublisher(pub))

	outcome, err := handle(t, s, SourceChatwoot, `{"event":"webwidget_triggered","id":1}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Empty(t, pub.frames)
}

func TestPublishFailureDoesNotFailDelivery(t *testing.T) {
	pub := &recorder{err: errors.New("redis down")}
	s := NewSyncer(newMemStore(), WithPublisher(pub))

	outcome, err := handle(t, s, SourceChatwoot, incomingMessage)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, outcome)
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent(SourceEvolution, []byte(`{"event":"MESSAGES_UPSERT"}`))
	require.NoError(t, err)
	assert.Equal(t, EventMessagesUpsert, ev.Name)

	_, err = ParseEvent(SourceChatwoot, []byte(`{"id":1}`))
	assert.Error(t, err)
	_, err = ParseEvent(SourceChatwoot, []byte(`not json`))
	assert.Error(t, err)
}
