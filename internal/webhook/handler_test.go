package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, store Store, opts ...HandlerOption) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(NewSyncer(store), opts...).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string, header http.Header) (int, map[string]string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHandlerSuccess(t *testing.T) {
	store := newMemStore()
	srv := newServer(t, store)

	status, body := post(t, srv.URL+"/webhook", incomingMessage, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]string{"status": "success"}, body)
	assert.Len(t, store.msgRows, 1)

	status, _ = post(t, srv.URL+"/webhook/evolution", evolutionUpsert, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, store.msgRows, 2)
}

func TestHandlerFailureReturns500(t *testing.T) {
	srv := newServer(t, newMemStore())

	status, body := post(t, srv.URL+"/webhook", `{"event":"message_created","id":1}`, nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body["error"], "no conversation")

	status, body = post(t, srv.URL+"/webhook", `{broken`, nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.NotEmpty(t, body["error"])
}

func TestHandlerUnhandledEventSucceeds(t *testing.T) {
	srv := newServer(t, newMemStore())

	status, body := post(t, srv.URL+"/webhook", `{"event":"conversation_typing_on"}`, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", body["status"])
}

func TestHandlerRejectsNonPost(t *testing.T) {
	srv := newServer(t, newMemStore())

	resp, err := http.Get(srv.URL + "/webhook")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
}

func TestHandlerSecret(t *testing.T) {
	store := newMemStore()
	srv := newServer(t, store, WithSecret("s3cret"))

	status, _ := post(t, srv.URL+"/webhook", incomingMessage, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = post(t, srv.URL+"/webhook", incomingMessage, http.Header{TokenHeader: {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Empty(t, store.msgRows)

	status, _ = post(t, srv.URL+"/webhook", incomingMessage, http.Header{TokenHeader: {"s3cret"}})
	assert.Equal(t, http.StatusOK, status)

	status, _ = post(t, srv.URL+"/webhook/evolution?token=s3cret", evolutionUpsert, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestHandlerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	srv := newServer(t, newMemStore(), WithMetrics(m))

	post(t, srv.URL+"/webhook", incomingMessage, nil)
	post(t, srv.URL+"/webhook", incomingMessage, nil)
	post(t, srv.URL+"/webhook", `{"event":"conversation_typing_on"}`, nil)
	post(t, srv.URL+"/webhook", `{"event":"message_created","id":1}`, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("chatwoot", "message_created", "inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("chatwoot", "message_created", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("chatwoot", "message_created", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("chatwoot", "other", "ignored")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}
