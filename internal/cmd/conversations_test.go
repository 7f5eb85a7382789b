package cmd

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwoot/crm-sync/internal/api"
	"github.com/chatwoot/crm-sync/internal/crm"
)

const conversationsPayload = `{"data":{"meta":{"all_count":2},"payload":[
  {"id":7,"inbox_id":1,"status":"open","unread_count":2,"labels":["vip"],"last_activity_at":1767268800,
   "meta":{"sender":{"id":42,"name":"Ana Souza","phone_number":"+5511999990001"}}},
  {"id":8,"inbox_id":1,"status":"pending","unread_count":0,"labels":[],"last_activity_at":1767265200,
   "meta":{"sender":{"id":43,"name":"Bruno Lima","phone_number":"+5511999990002"}}}
]}}`

func TestConversationsListText(t *testing.T) {
	h := newRouteHandler().
		On("GET", "/api/v1/accounts/1/conversations", jsonResponse(200, conversationsPayload))
	setupTestEnvWithHandler(t, h)

	out, _, err := execute(t, "", "conversations", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "CONTACT")
	assert.Contains(t, out, "Ana Souza")
	assert.Contains(t, out, "vip")
	assert.Less(t, strings.Index(out, "Ana Souza"), strings.Index(out, "Bruno Lima"), "most recent activity first")
}

func TestConversationsListJSONFilters(t *testing.T) {
	h := newRouteHandler().
		On("GET", "/api/v1/accounts/1/conversations", jsonResponse(200, conversationsPayload))
	setupTestEnvWithHandler(t, h)

	out, _, err := execute(t, "", "conversations", "list", "--unread", "-o", "json")
	require.NoError(t, err)

	var got struct {
		Items []map[string]any `json:"items"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Items, 1)
	assert.Equal(t, "7", got.Items[0]["id"])

	out, _, err = execute(t, "", "conversations", "list", "-q", ".items | length")
	require.NoError(t, err)
	assert.Equal(t, "2", strings.TrimSpace(out))
}

func TestSendResolvesContactName(t *testing.T) {
	var body map[string]any
	h := newRouteHandler().
		On("GET", "/api/v1/accounts/1/conversations", jsonResponse(200, conversationsPayload)).
		On("POST", "/api/v1/accounts/1/conversations/8/messages", func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &body)
			jsonResponse(200, `{"id":9001,"conversation_id":8,"content":"Olá","message_type":1,"created_at":1767268900}`)(w, r)
		})
	setupTestEnvWithHandler(t, h)

	out, _, err := execute(t, "", "send", "bruno", "Olá")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent message 9001 to conversation 8")
	assert.Equal(t, "Olá", body["content"])
	assert.NotEmpty(t, body["echo_id"])
}

func TestSendAcceptsDashboardLink(t *testing.T) {
	h := newRouteHandler().
		On("POST", "/api/v1/accounts/1/conversations/8/messages", jsonResponse(200,
			`{"id":9002,"conversation_id":8,"content":"ok","message_type":1,"created_at":1767268900}`))
	setupTestEnvWithHandler(t, h)

	out, _, err := execute(t, "", "send", "https://app.chatwoot.com/app/accounts/1/conversations/8", "ok")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent message 9002 to conversation 8")
	assert.Equal(t, []string{"POST /api/v1/accounts/1/conversations/8/messages"}, h.requests())

	_, _, err = execute(t, "", "send", "https://app.chatwoot.com/app/accounts/1/contacts/8", "ok")
	require.Error(t, err)
	assert.Equal(t, exitUsage, ExitCode(err))
}

func TestSendRejectsEmptyText(t *testing.T) {
	h := newRouteHandler()
	setupTestEnvWithHandler(t, h)

	_, stderr, err := execute(t, "", "send", "7", "   ")
	require.Error(t, err)
	assert.Equal(t, exitUsage, ExitCode(err))
	assert.Contains(t, stderr, "message cannot be empty")
	assert.Empty(t, h.requests())
}

func TestStatusValidatesBeforeCalling(t *testing.T) {
	h := newRouteHandler()
	setupTestEnvWithHandler(t, h)

	_, _, err := execute(t, "", "status", "7", "closed")
	require.Error(t, err)
	assert.Equal(t, exitUsage, ExitCode(err))
	assert.Empty(t, h.requests())
}

func TestStatusToggles(t *testing.T) {
	var body map[string]any
	h := newRouteHandler().
		On("POST", "/api/v1/accounts/1/conversations/7/toggle_status", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&body)
			jsonResponse(200, `{"payload":{"success":true,"current_status":"resolved"}}`)(w, r)
		})
	setupTestEnvWithHandler(t, h)

	out, _, err := execute(t, "", "status", "7", "resolved", "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, "resolved", body["status"])
	assert.Contains(t, out, `"status": "resolved"`)
}

func TestShowNotFoundMapsExitCode(t *testing.T) {
	setupTestEnvWithHandler(t, newRouteHandler())

	_, stderr, err := execute(t, "", "conversations", "show", "99")
	require.Error(t, err)
	assert.Equal(t, exitNotFound, ExitCode(err))
	assert.Contains(t, stderr, "Error:")
	assert.True(t, errors.Is(err, errAlreadyHandled))
}

func TestJSONErrorEnvelope(t *testing.T) {
	setupTestEnvWithHandler(t, newRouteHandler())

	_, stderr, err := execute(t, "", "conversations", "show", "99", "-o", "json")
	require.Error(t, err)

	var env struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(stderr), &env))
	assert.Equal(t, string(api.KindNotFound), env.Error.Kind)
}

func TestMessagesText(t *testing.T) {
	h := newRouteHandler().
		On("GET", "/api/v1/accounts/1/conversations/7/messages", jsonResponse(200, `{"payload":[
		  {"id":2,"content":"tudo bem","message_type":1,"created_at":1767268860,"sender":{"id":1,"name":"Agent"}},
		  {"id":1,"content":"oi","message_type":0,"created_at":1767268800,"sender":{"id":42,"name":"Ana"}},
		  {"id":3,"content":"Conversation was resolved","message_type":2,"created_at":1767268900}
		]}`))
	setupTestEnvWithHandler(t, h)

	out, _, err := execute(t, "", "messages", "7")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "< Ana: oi")
	assert.Contains(t, lines[1], "> Agent: tudo bem")
}

func TestFilterConversations(t *testing.T) {
	h := newRouteHandler().
		On("GET", "/api/v1/accounts/1/conversations", jsonResponse(200, conversationsPayload))
	setupTestEnvWithHandler(t, h)

	out, _, err := execute(t, "", "conversations", "list", "--label", "vip", "-o", "json", "-q", "[.items[].id]")
	require.NoError(t, err)
	assert.JSONEq(t, `["7"]`, out)
}

func TestSendDryRunMakesNoRequest(t *testing.T) {
	h := newRouteHandler()
	setupTestEnvWithHandler(t, h)

	out, _, err := execute(t, "", "--dry-run", "send", "7", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "[DRY-RUN] Would send a message to conversation 7 on chatwoot")
	assert.Contains(t, out, "text: hello")
	assert.Empty(t, h.requests())

	out, _, err = execute(t, "", "--dry-run", "-j", "status", "7", "resolved")
	require.NoError(t, err)
	assert.Contains(t, out, `"dry_run": true`)
	assert.Contains(t, out, `"status": "resolved"`)
	assert.Empty(t, h.requests())
}

func TestFilterConversationsSince(t *testing.T) {
	now := time.Now()
	convs := []crm.Conversation{
		{ID: "1", Status: crm.StatusOpen, LastActivityAt: now.Add(-time.Hour)},
		{ID: "2", Status: crm.StatusOpen, LastActivityAt: now.Add(-72 * time.Hour), UnreadCount: 2},
		{ID: "3", Status: crm.StatusPending, LastActivityAt: now},
	}

	got := filterConversations(convs, conversationFilter{since: now.Add(-24 * time.Hour)})
	assert.Len(t, got, 2)

	got = filterConversations(convs, conversationFilter{status: "open", since: now.Add(-24 * time.Hour)})
	require.Len(t, got, 1)
	assert.Equal(t, crm.ID("1"), got[0].ID)

	got = filterConversations(convs, conversationFilter{unread: true})
	require.Len(t, got, 1)
	assert.Equal(t, crm.ID("2"), got[0].ID)
	assert.Len(t, convs, 3)
}

func TestListRejectsBadSince(t *testing.T) {
	h := newRouteHandler()
	setupTestEnvWithHandler(t, h)

	_, stderr, err := execute(t, "", "conversations", "list", "--since", "whenever")
	require.Error(t, err)
	assert.Equal(t, exitUsage, ExitCode(err))
	assert.Contains(t, stderr, "invalid time expression")
	assert.Empty(t, h.requests())
}
