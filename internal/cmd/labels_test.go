package cmd

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const labelsPayload = `{"payload":[
  {"id":1,"title":"vip","color":"#ff0000","description":"Top customers"},
  {"id":2,"title":"billing","color":"#00ff00"}
]}`

func TestLabelsList(t *testing.T) {
	h := newRouteHandler().On("GET", "/api/v1/accounts/1/labels", jsonResponse(200, labelsPayload))
	setupTestEnvWithHandler(t, h)

	out, _, err := execute(t, "", "labels", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "TITLE")
	assert.Contains(t, out, "Top customers")
}

func TestLabelsAddResolvesFragment(t *testing.T) {
	var posted map[string][]string
	h := newRouteHandler().
		On("GET", "/api/v1/accounts/1/labels", jsonResponse(200, labelsPayload)).
		On("GET", "/api/v1/accounts/1/conversations/7/labels", jsonResponse(200, `{"payload":["billing"]}`)).
		On("POST", "/api/v1/accounts/1/conversations/7/labels", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&posted)
			jsonResponse(200, `{"payload":["billing","vip"]}`)(w, r)
		})
	setupTestEnvWithHandler(t, h)

	out, _, err := execute(t, "", "labels", "add", "7", "VI")
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "vip"}, posted["labels"])
	assert.Contains(t, out, "Conversation 7 labels: billing, vip")
}

func TestLabelsRemoveUnsupported(t *testing.T) {
	h := newRouteHandler().
		On("DELETE", "/api/v1/accounts/1/conversations/7/labels", jsonResponse(http.StatusMethodNotAllowed, `{"error":"not allowed"}`))
	setupTestEnvWithHandler(t, h)

	_, stderr, err := execute(t, "", "labels", "remove", "7", "vip")
	require.Error(t, err)
	assert.Equal(t, exitUnsupported, ExitCode(err))
	assert.Contains(t, stderr, "remove label")
}

func TestLabelsCreate(t *testing.T) {
	var body map[string]any
	h := newRouteHandler().
		On("POST", "/api/v1/accounts/1/labels", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&body)
			jsonResponse(200, `{"id":3,"title":"urgent","color":"#1f93ff"}`)(w, r)
		})
	setupTestEnvWithHandler(t, h)

	out, _, err := execute(t, "", "labels", "create", "urgent", "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, "#1f93ff", body["color"])
	assert.Contains(t, out, `"title": "urgent"`)
}

func TestContactUpdateSendsOnlyChangedFields(t *testing.T) {
	var body map[string]any
	h := newRouteHandler().
		On("PUT", "/api/v1/accounts/1/contacts/42", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&body)
			jsonResponse(200, `{"payload":{"contact":{"id":42,"name":"Ana Souza","email":""}}}`)(w, r)
		})
	setupTestEnvWithHandler(t, h)

	out, _, err := execute(t, "", "contact", "update", "42", "--name", "Ana Souza", "--email", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ana Souza", "email": ""}, body)
	assert.Contains(t, out, "Updated contact 42")
}

func TestContactUpdateNeedsAField(t *testing.T) {
	h := newRouteHandler()
	setupTestEnvWithHandler(t, h)

	_, _, err := execute(t, "", "contact", "update", "42")
	require.Error(t, err)
	assert.Equal(t, exitUsage, ExitCode(err))
	assert.Empty(t, h.requests())
}

func TestBotRejectsUnknownState(t *testing.T) {
	setupTestEnvWithHandler(t, newRouteHandler())

	_, _, err := execute(t, "", "bot", "maybe", "42")
	require.Error(t, err)
	assert.Equal(t, exitUsage, ExitCode(err))
}
