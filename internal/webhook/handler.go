package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// TokenHeader carries the shared webhook secret. The ?token= query parameter
// is accepted as well since some vendors cannot set headers.
const TokenHeader = "X-Webhook-Token"

const maxBodyBytes = 5 << 20

// Handler serves the webhook endpoints.
type Handler struct {
	syncer  *Syncer
	secret  string
	metrics *Metrics
	logger  *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithSecret requires every delivery to carry secret.
func WithSecret(secret string) HandlerOption {
	return func(h *Handler) { h.secret = secret }
}

// WithMetrics records deliveries in m.
func WithMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a Handler.
func NewHandler(s *Syncer, opts ...HandlerOption) *Handler {
	h := &Handler{syncer: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts /webhook (Chatwoot) and /webhook/evolution on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/webhook", h.Endpoint(SourceChatwoot))
	mux.Handle("/webhook/evolution", h.Endpoint(SourceEvolution))
}

// Endpoint returns the handler for one vendor.
func (h *Handler) Endpoint(source Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid webhook token"})
			return
		}

		start := time.Now()
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			h.fail(w, source, "", err, start)
			return
		}
		ev, err := ParseEvent(source, body)
		if err != nil {
			h.fail(w, source, "", err, start)
			return
		}
		h.logger.Debug("webhook received", "source", source, "event", ev.Name)

		outcome, err := h.syncer.Handle(r.Context(), ev)
		if err != nil {
			h.fail(w, source, ev.Name, err, start)
			return
		}
		h.metrics.observe(source, ev.Name, outcome, time.Since(start))
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	})
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	got := r.Header.Get(TokenHeader)
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

func (h *Handler) fail(w http.ResponseWriter, source Source, event string, err error, start time.Time) {
	h.logger.Error("webhook failed", "source", source, "event", event, "error", err)
	h.metrics.observe(source, event, OutcomeFailed, time.Since(start))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
