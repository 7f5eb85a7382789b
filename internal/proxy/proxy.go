// Package proxy forwards dashboard requests to Chatwoot with the account
// token attached, so browsers never hold the vendor credential.
package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chatwoot/crm-sync/internal/api"
)

// Prefix is where the proxy is mounted.
const Prefix = "/proxy"

const (
	maxRequestBody  = 10 << 20
	maxResponseBody = 20 << 20
	defaultTimeout  = 30 * time.Second
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Headers": "authorization, x-client-info, apikey, content-type",
	"Access-Control-Allow-Methods": "GET, POST, PUT, PATCH, DELETE, OPTIONS",
}

// stripped request headers never reach the vendor.
var stripped = []string{"Authorization", "Cookie", "Api_access_token", "Apikey"}

// Proxy is an http.Handler for Prefix.
type Proxy struct {
	upstream string
	token    string
	client   *http.Client
	logger   *slog.Logger
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithHTTPClient replaces the upstream client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Proxy) { p.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// New returns a proxy to upstream (the Chatwoot base URL) authenticating
// with token.
func New(upstream, token string, opts ...Option) (*Proxy, error) {
	upstream = strings.TrimRight(strings.TrimSpace(upstream), "/")
	if upstream == "" || token == "" {
		return nil, errors.New("proxy needs an upstream URL and an API token")
	}
	p := &Proxy{
		upstream: upstream,
		token:    token,
		client:   &http.Client{Timeout: defaultTimeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for k, v := range corsHeaders {
		w.Header().Set(k, v)
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
		return
	}

	status, body, err := p.forward(r)
	if err != nil {
		p.logger.Error("proxy request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		w.Header().Set(api.ProxyErrorHeader, "1")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if status < 200 || status > 299 {
		p.logger.Warn("upstream error", "method", r.Method, "path", r.URL.Path, "status", status)
		writeJSON(w, status, map[string]string{
			"error":   fmt.Sprintf("upstream returned %d", status),
			"details": string(body),
		})
		return
	}

	if len(bytes.TrimSpace(body)) == 0 || !json.Valid(body) {
		writeJSON(w, status, map[string]string{"data": string(body)})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// forward sends r upstream and returns the status and body. An error means
// the proxy itself failed.
func (p *Proxy) forward(r *http.Request) (int, []byte, error) {
	path := strings.TrimPrefix(r.URL.Path, Prefix)
	if path == "" {
		path = "/"
	}
	target := p.upstream + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		if err != nil {
			return 0, nil, fmt.Errorf("read request body: %w", err)
		}
		if len(raw) > maxRequestBody {
			return 0, nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vs := range r.Header {
		if strings.HasPrefix(k, "Access-Control-") || k == "Origin" {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for _, h := range stripped {
		req.Header.Del(h)
	}
	req.Header.Set("api_access_token", p.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	p.logger.Debug("proxying", "method", r.Method, "target", target)
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("upstream unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, fmt.Errorf("read upstream response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
