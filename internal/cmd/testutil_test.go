package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/99designs/keyring"

	"github.com/chatwoot/crm-sync/internal/config"
	"github.com/chatwoot/crm-sync/internal/iocontext"
)

// jsonResponse returns a handler writing body with statusCode.
func jsonResponse(statusCode int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_, _ = w.Write([]byte(body))
	}
}

// routeHandler routes "METHOD PATH" (query ignored) to handlers and records
// every request it sees. Unknown routes get 404.
type routeHandler struct {
	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	seen   []string
}

func newRouteHandler() *routeHandler {
	return &routeHandler{routes: map[string]http.HandlerFunc{}}
}

func (h *routeHandler) On(method, path string, fn http.HandlerFunc) *routeHandler {
	h.routes[method+" "+path] = fn
	return h
}

func (h *routeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	h.mu.Lock()
	h.seen = append(h.seen, key)
	fn, ok := h.routes[key]
	h.mu.Unlock()
	if !ok {
		jsonResponse(http.StatusNotFound, `{"error":"Resource could not be found"}`)(w, r)
		return
	}
	fn(w, r)
}

func (h *routeHandler) requests() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

// clearCRMEnv blanks every variable the CLI reads so the host environment
// cannot leak into a test.
func clearCRMEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvProxyURL, config.EnvBaseURL, config.EnvAPIToken, config.EnvAccountID,
		config.EnvRealtimeURL, config.EnvPubsubToken, config.EnvBotAttribute,
		config.EnvEvolutionURL, config.EnvEvolutionAPIKey, config.EnvEvolutionInstance,
		"CRM_PROFILE", "CRM_OUTPUT", "CRM_STORE", "CRM_STORE_DSN", "CRM_REDIS_URL", "REDIS_URL",
		"CHATWOOT_URL", "CRM_WEBHOOK_SECRET", "CRM_METRICS",
	} {
		t.Setenv(key, "")
	}
}

// useMemoryKeyring swaps the keyring for an in-memory one.
func useMemoryKeyring(t *testing.T) {
	t.Helper()
	ring := keyring.NewArrayKeyring(nil)
	restore := config.SetOpenKeyring(func(keyring.Config) (keyring.Keyring, error) { return ring, nil })
	t.Cleanup(restore)
}

// setupTestEnvWithHandler points the Chatwoot account at a test server.
func setupTestEnvWithHandler(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	clearCRMEnv(t)
	useMemoryKeyring(t)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Setenv(config.EnvBaseURL, server.URL)
	t.Setenv(config.EnvAPIToken, "test-token")
	t.Setenv(config.EnvAccountID, "1")
	return server
}

// setupWhatsAppEnv points the gateway at a test server.
func setupWhatsAppEnv(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	clearCRMEnv(t)
	useMemoryKeyring(t)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Setenv(config.EnvEvolutionURL, server.URL)
	t.Setenv(config.EnvEvolutionAPIKey, "gw-key")
	return server
}

// execute runs the CLI with buffered streams.
func execute(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	streams, out, errOut := iocontext.Buffered(stdin)
	ctx := iocontext.WithIO(context.Background(), streams)
	err = Execute(ctx, args)
	return out.String(), errOut.String(), err
}
