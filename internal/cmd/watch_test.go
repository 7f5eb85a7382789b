package cmd

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwoot/crm-sync/internal/config"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/iocontext"
	"github.com/chatwoot/crm-sync/internal/realtime"
	"github.com/chatwoot/crm-sync/internal/reconcile"
)

func TestTransportFor(t *testing.T) {
	assert.Nil(t, transportFor(config.Account{}))

	room, ok := transportFor(config.Account{RealtimeURL: "ws://localhost:8080/ws"}).(realtime.RoomTransport)
	require.True(t, ok)
	assert.Equal(t, "ws://localhost:8080/ws", room.URL)

	cable, ok := transportFor(config.Account{
		RealtimeURL: "wss://chat.example.com/cable", PubsubToken: "pubsub", AccountID: 3, UserID: 9,
	}).(realtime.CableTransport)
	require.True(t, ok)
	assert.Equal(t, "pubsub", cable.PubsubToken)
	assert.Equal(t, 3, cable.AccountID)
	assert.Equal(t, 9, cable.UserID)
}

func TestDescribeChange(t *testing.T) {
	view := reconcile.View{
		Conversations: []crm.Conversation{{ID: "7", Status: crm.StatusOpen, Contact: crm.ContactRef{Name: "Ana"}}},
		Active:        "7",
		Messages:      []crm.Message{{ID: "501", ConversationID: "7", Content: "oi", Direction: crm.Incoming, SenderName: "Ana"}},
		Link:          realtime.Connected,
	}

	rec := describeChange(reconcile.Change{Kind: reconcile.ChangeMessages, ConversationID: "7", MessageID: "501"}, view)
	require.NotNil(t, rec.Message)
	assert.Contains(t, changeLine(rec), "< Ana: oi")

	rec = describeChange(reconcile.Change{Kind: reconcile.ChangeMessages, ConversationID: "8", MessageID: "600"}, view)
	assert.Nil(t, rec.Message)
	assert.Equal(t, "new activity in conversation 8", changeLine(rec))

	rec = describeChange(reconcile.Change{Kind: reconcile.ChangeConversation, ConversationID: "7"}, view)
	assert.Equal(t, "conversation 7 Ana [open]", changeLine(rec))

	rec = describeChange(reconcile.Change{Kind: reconcile.ChangeConnection}, view)
	assert.Equal(t, "realtime connected", changeLine(rec))

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"connection","link":"connected"}`, string(raw))
}

func TestWatchPollsSnapshot(t *testing.T) {
	h := newRouteHandler().
		On("GET", "/api/v1/accounts/1/conversations", jsonResponse(200, conversationsPayload)).
		On("GET", "/api/v1/accounts/1/labels", jsonResponse(200, labelsPayload)).
		On("GET", "/api/v1/accounts/1/conversations/7/messages", jsonResponse(200,
			`{"payload":[{"id":1,"content":"oi","message_type":0,"created_at":1767268800}]}`)).
		On("POST", "/api/v1/accounts/1/conversations/7/update_last_seen", jsonResponse(200, `{}`))
	setupTestEnvWithHandler(t, h)

	streams, out, _ := iocontext.Buffered("")
	ctx, cancel := context.WithTimeout(iocontext.WithIO(context.Background(), streams), 700*time.Millisecond)
	defer cancel()

	err := Execute(ctx, []string{"watch", "--select", "7", "--refresh", "200ms", "-o", "jsonl"})
	require.NoError(t, err)

	kinds := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var rec struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		kinds[rec.Kind] = true
	}
	assert.True(t, kinds["conversations"])
	assert.True(t, kinds["selection"])
	assert.True(t, kinds["messages"])
}

func TestWatchRejectsNegativeRefresh(t *testing.T) {
	setupTestEnvWithHandler(t, newRouteHandler())

	_, _, err := execute(t, "", "watch", "--refresh", "-1s")
	require.Error(t, err)
	assert.Equal(t, exitUsage, ExitCode(err))
}
