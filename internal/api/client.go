package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/debug"
	"github.com/chatwoot/crm-sync/internal/validation"
)

const (
	DefaultTimeout = 30 * time.Second

	// DefaultAuthHeader is the header Chatwoot reads the access token from.
	DefaultAuthHeader = "api_access_token"

	// ProxyErrorHeader is set by the credential-injecting proxy on responses
	// it produced itself instead of forwarding from the vendor.
	ProxyErrorHeader = "X-Proxy-Error"
)

// Client talks to the Chatwoot REST API, usually through the credential
// injecting proxy. When the proxy is used APIToken may be empty.
//
// The client includes a circuit breaker that tracks server failures across
// requests for the lifetime of the client. Use ResetCircuitBreaker to clear it.
type Client struct {
	BaseURL      string
	APIToken     string
	AuthHeader   string
	AccountID    int
	HTTP         *http.Client
	UserAgent    string
	BotAttribute string
	Capabilities Capabilities
	RetryConfig  RetryConfig

	skipURLValidation bool
	circuitBreaker    *circuitBreaker
	validatedBaseURL  bool
	validateMu        sync.Mutex
	capMu             sync.Mutex
}

var (
	_ Requester    = (*Client)(nil)
	_ PathResolver = (*Client)(nil)
	_ HTTPExecutor = (*Client)(nil)
)

var validateBaseURL = validation.ValidateBaseURL

// New creates a client for the account behind baseURL.
func New(baseURL, token string, accountID int) *Client {
	baseTransport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		baseTransport = &http.Transport{}
	}
	transport := baseTransport.Clone()
	if transport.TLSClientConfig == nil {
		transport.TLSClientConfig = &tls.Config{}
	} else {
		transport.TLSClientConfig = transport.TLSClientConfig.Clone()
	}
	transport.TLSClientConfig.MinVersion = tls.VersionTLS12

	retryCfg := DefaultRetryConfig()
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		APIToken:     token,
		AuthHeader:   DefaultAuthHeader,
		AccountID:    accountID,
		BotAttribute: crm.DefaultBotAttribute,
		Capabilities: DefaultCapabilities(),
		RetryConfig:  retryCfg,
		HTTP: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: transport,
		},
		circuitBreaker: newCircuitBreaker(retryCfg.CircuitBreakerThreshold, retryCfg.CircuitBreakerResetTime),
	}
}

// newTestClient creates a client with URL validation disabled for testing
func newTestClient(baseURL, token string, accountID int) *Client {
	c := New(baseURL, token, accountID)
	c.skipURLValidation = true
	c.RetryConfig.ServerErrorRetryDelay = time.Millisecond
	c.RetryConfig.RateLimitBaseDelay = time.Millisecond
	return c
}

// ResetCircuitBreaker clears the circuit breaker state.
func (c *Client) ResetCircuitBreaker() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.reset()
	}
}

// SetRetryConfig updates the retry configuration and aligns circuit breaker settings.
func (c *Client) SetRetryConfig(cfg RetryConfig) {
	c.RetryConfig = cfg
	if c.circuitBreaker != nil {
		c.circuitBreaker.mu.Lock()
		c.circuitBreaker.threshold = cfg.CircuitBreakerThreshold
		c.circuitBreaker.resetTime = cfg.CircuitBreakerResetTime
		c.circuitBreaker.mu.Unlock()
	}
}

func (c *Client) ensureBaseURLValidated() error {
	if c.skipURLValidation {
		return nil
	}

	c.validateMu.Lock()
	defer c.validateMu.Unlock()

	if c.validatedBaseURL {
		return nil
	}
	if err := validateBaseURL(c.BaseURL); err != nil {
		return fmt.Errorf("URL validation failed: %w", err)
	}
	c.validatedBaseURL = true
	return nil
}

func (c *Client) botAttribute() string {
	if c.BotAttribute == "" {
		return crm.DefaultBotAttribute
	}
	return c.BotAttribute
}

// accountPath returns the full URL for account-scoped API calls.
func (c *Client) accountPath(path string) string {
	if path != "" && path[0] != '/' {
		path = "/" + path
	}
	return fmt.Sprintf("%s/api/v1/accounts/%d%s", c.BaseURL, c.AccountID, path)
}

// rootPath returns the full URL for a path relative to BaseURL.
func (c *Client) rootPath(path string) string {
	if path != "" && path[0] != '/' {
		path = "/" + path
	}
	return c.BaseURL + path
}

// do performs an HTTP request and decodes the JSON response into result.
func (c *Client) do(ctx context.Context, method, url string, body any, result any) error {
	respBody, _, _, err := c.executeRequest(ctx, method, url, body)
	if err != nil {
		return err
	}
	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return malformed(url, respBody, err)
		}
	}
	return nil
}

// doRaw performs an HTTP request and returns the raw response body.
func (c *Client) doRaw(ctx context.Context, method, url string, body any) ([]byte, error) {
	respBody, _, _, err := c.executeRequest(ctx, method, url, body)
	return respBody, err
}

func (c *Client) executeRequest(ctx context.Context, method, url string, body any) ([]byte, http.Header, int, error) {
	var jsonBody []byte
	if body != nil {
		var err error
		jsonBody, err = json.Marshal(body)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	return c.executeRequestWithBody(ctx, method, url, jsonBody, "application/json")
}

// executeRequestWithBody performs the request with retry and circuit breaker
// logic. Only idempotent methods are retried. Every failure is mapped onto the
// error taxonomy in errors.go.
func (c *Client) executeRequestWithBody(ctx context.Context, method, url string, body []byte, contentType string) ([]byte, http.Header, int, error) {
	if cb := c.circuitBreaker; cb != nil {
		ok, probe := cb.admit()
		if !ok {
			return nil, nil, 0, &CircuitBreakerError{}
		}
		if probe {
			// No-op once the probe was settled by a response.
			defer cb.release()
		}
	}
	if err := c.ensureBaseURLValidated(); err != nil {
		return nil, nil, 0, err
	}

	budget := newRetryBudget(c.RetryConfig, method)
	attempt := 0

	for {
		attempt++
		start := time.Now()
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("failed to create request: %w", err)
		}
		if c.APIToken != "" {
			header := c.AuthHeader
			if header == "" {
				header = DefaultAuthHeader
			}
			req.Header.Set(header, c.APIToken)
		}
		if c.UserAgent != "" {
			req.Header.Set("User-Agent", c.UserAgent)
		}
		if contentType != "" && body != nil {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			if debug.IsEnabled(ctx) {
				slog.Debug("request failed", "method", method, "url", url, "attempt", attempt, "error", err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return nil, nil, 0, ctxErr
			}
			c.breakerFailure(url, 0)
			return nil, nil, 0, &NetworkError{Method: method, URL: url, Err: err}
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			c.breakerFailure(url, resp.StatusCode)
			return nil, nil, 0, &NetworkError{Method: method, URL: url, Err: fmt.Errorf("read response: %w", err)}
		}
		if debug.IsEnabled(ctx) {
			slog.Debug("request complete", "method", method, "url", url, "status", resp.StatusCode, "attempt", attempt, "duration", time.Since(start))
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait, again := budget.rateLimited(resp.Header)
			if !again {
				c.breakerSuccess()
				return nil, nil, resp.StatusCode, &RateLimitError{RetryAfter: wait}
			}
			slog.Info("rate limited, retrying", "delay", wait, "attempt", attempt)
			if err := sleepWithContext(ctx, wait); err != nil {
				return nil, nil, 0, err
			}
			continue
		}

		if resp.StatusCode >= 500 {
			c.breakerFailure(url, resp.StatusCode)
			if wait, again := budget.serverError(); again {
				slog.Info("server error, retrying", "status", resp.StatusCode)
				if err := sleepWithContext(ctx, wait); err != nil {
					return nil, nil, 0, err
				}
				continue
			}
		}

		if resp.StatusCode < 500 {
			// The upstream answered, even if it refused the request.
			c.breakerSuccess()
		}
		if resp.StatusCode >= 400 {
			return respBody, resp.Header, resp.StatusCode, vendorError(resp.StatusCode, resp.Header, respBody)
		}
		return respBody, resp.Header, resp.StatusCode, nil
	}
}

func (c *Client) breakerSuccess() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.success()
	}
}

func (c *Client) breakerFailure(url string, status int) {
	if c.circuitBreaker != nil && c.circuitBreaker.failure() {
		slog.Warn("circuit breaker open", "url", url, "status", status)
	}
}

func vendorError(status int, header http.Header, body []byte) error {
	verr := &VendorError{
		StatusCode: status,
		Body:       sanitizeErrorBody(string(body)),
		RequestID:  requestIDFromHeader(header),
		Proxy:      header.Get(ProxyErrorHeader) != "",
	}
	if status == http.StatusNotFound && !verr.Proxy {
		return &NotFoundError{Err: verr}
	}
	return verr
}

func malformed(url string, body []byte, err error) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 120 {
		snippet = snippet[:120] + "..."
	}
	return &MalformedResponseError{URL: url, Snippet: snippet, Err: err}
}

// Get performs an account-scoped GET request.
func (c *Client) Get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, c.accountPath(path), nil, result)
}

// Post performs an account-scoped POST request.
func (c *Client) Post(ctx context.Context, path string, body any, result any) error {
	return c.do(ctx, http.MethodPost, c.accountPath(path), body, result)
}

// Put performs an account-scoped PUT request.
func (c *Client) Put(ctx context.Context, path string, body any, result any) error {
	return c.do(ctx, http.MethodPut, c.accountPath(path), body, result)
}

// DoRoot performs a request against a path relative to BaseURL instead of the
// account API. Used by gateways that share the transport but not the layout.
func (c *Client) DoRoot(ctx context.Context, method, path string, body any, result any) error {
	return c.do(ctx, method, c.rootPath(path), body, result)
}

// Ping checks that the API is reachable and the credentials are accepted.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doRaw(ctx, http.MethodGet, c.accountPath("/agents"), nil)
	return err
}

func requestIDFromHeader(header http.Header) string {
	if header == nil {
		return ""
	}
	return header.Get("X-Request-Id")
}

// sanitizeErrorBody extracts a safe error message from an error response
// without echoing tokens or contact data.
func sanitizeErrorBody(body string) string {
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Details any    `json:"details"`
		Errors  any    `json:"errors"`
	}
	if err := json.Unmarshal([]byte(body), &errResp); err != nil {
		return "request failed (response body redacted)"
	}

	var result string
	switch {
	case errResp.Error != "":
		result = errResp.Error
	case errResp.Message != "":
		result = errResp.Message
	}
	if details, ok := errResp.Details.(string); ok && details != "" && details != result {
		if result != "" {
			result += ": "
		}
		result += details
	}

	if validationErrors := formatValidationErrors(errResp.Errors); validationErrors != "" {
		if result != "" {
			return result + "\nValidation errors:\n" + validationErrors
		}
		return "Validation errors:\n" + validationErrors
	}
	if result != "" {
		return result
	}
	return "request failed (response body redacted)"
}

// formatValidationErrors handles both {"field": "msg"} and {"field": ["msg"]}
// and Chatwoot's flat ["msg"] list.
func formatValidationErrors(errs any) string {
	var lines []string
	switch v := errs.(type) {
	case map[string]any:
		for field, value := range v {
			switch msgs := value.(type) {
			case string:
				lines = append(lines, fmt.Sprintf("  %s: %s", field, msgs))
			case []any:
				for _, msg := range msgs {
					if s, ok := msg.(string); ok {
						lines = append(lines, fmt.Sprintf("  %s: %s", field, s))
					}
				}
			}
		}
	case []any:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				lines = append(lines, "  "+s)
			}
		}
	}
	if len(lines) == 0 {
		return ""
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// DoRootRaw is DoRoot returning the undecoded body.
func (c *Client) DoRootRaw(ctx context.Context, method, path string, body any) ([]byte, error) {
	return c.doRaw(ctx, method, c.rootPath(path), body)
}

// RootURL returns the absolute URL for path relative to BaseURL.
func (c *Client) RootURL(path string) string {
	return c.rootPath(path)
}
