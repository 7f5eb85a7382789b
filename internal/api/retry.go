package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxRateLimitRetries     = 3
	DefaultMax5xxRetries           = 1
	DefaultRateLimitBaseDelay      = 1 * time.Second
	DefaultServerErrorRetryDelay   = 1 * time.Second
	DefaultCircuitBreakerThreshold = 5
	DefaultCircuitBreakerResetTime = 30 * time.Second
)

// RetryConfig controls how a Client retries idempotent requests and when
// its circuit breaker trips.
type RetryConfig struct {
	MaxRateLimitRetries     int
	Max5xxRetries           int
	RateLimitBaseDelay      time.Duration
	ServerErrorRetryDelay   time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerResetTime time.Duration
}

// DefaultRetryConfig returns the defaults, overridden by CRM_MAX_RATE_LIMIT_RETRIES,
// CRM_MAX_5XX_RETRIES, CRM_RATE_LIMIT_DELAY, CRM_SERVER_ERROR_DELAY,
// CRM_CIRCUIT_BREAKER_THRESHOLD and CRM_CIRCUIT_BREAKER_RESET_TIME. Values
// that do not parse are ignored.
func DefaultRetryConfig() RetryConfig {
	cfg := RetryConfig{
		MaxRateLimitRetries:     DefaultMaxRateLimitRetries,
		Max5xxRetries:           DefaultMax5xxRetries,
		RateLimitBaseDelay:      DefaultRateLimitBaseDelay,
		ServerErrorRetryDelay:   DefaultServerErrorRetryDelay,
		CircuitBreakerThreshold: DefaultCircuitBreakerThreshold,
		CircuitBreakerResetTime: DefaultCircuitBreakerResetTime,
	}
	ints := map[string]*int{
		"CRM_MAX_RATE_LIMIT_RETRIES":    &cfg.MaxRateLimitRetries,
		"CRM_MAX_5XX_RETRIES":           &cfg.Max5xxRetries,
		"CRM_CIRCUIT_BREAKER_THRESHOLD": &cfg.CircuitBreakerThreshold,
	}
	for key, dst := range ints {
		if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
			*dst = n
		}
	}
	durations := map[string]*time.Duration{
		"CRM_RATE_LIMIT_DELAY":           &cfg.RateLimitBaseDelay,
		"CRM_SERVER_ERROR_DELAY":         &cfg.ServerErrorRetryDelay,
		"CRM_CIRCUIT_BREAKER_RESET_TIME": &cfg.CircuitBreakerResetTime,
	}
	for key, dst := range durations {
		if d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key))); err == nil {
			*dst = d
		}
	}
	return cfg
}

// retryBudget counts the retries spent on one logical request.
type retryBudget struct {
	cfg        RetryConfig
	idempotent bool
	rateLimits int
	serverErrs int
}

func newRetryBudget(cfg RetryConfig, method string) *retryBudget {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return &retryBudget{cfg: cfg, idempotent: true}
	}
	return &retryBudget{cfg: cfg}
}

// rateLimited returns how long to wait after a 429 and whether another
// attempt is allowed. Retry-After wins over exponential backoff.
func (b *retryBudget) rateLimited(h http.Header) (time.Duration, bool) {
	wait, ok := retryAfterDuration(h)
	if !ok {
		wait = b.cfg.RateLimitBaseDelay << b.rateLimits
	}
	if !b.idempotent || b.rateLimits >= b.cfg.MaxRateLimitRetries {
		return wait, false
	}
	b.rateLimits++
	return wait, true
}

// serverError reports whether a 5xx response may be retried.
func (b *retryBudget) serverError() (time.Duration, bool) {
	if !b.idempotent || b.serverErrs >= b.cfg.Max5xxRetries {
		return 0, false
	}
	b.serverErrs++
	return b.cfg.ServerErrorRetryDelay, true
}

// sleepWithContext waits for d unless ctx ends first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryAfterDuration reads Retry-After as seconds or an HTTP date. Negative
// and past values mean "now".
func retryAfterDuration(h http.Header) (time.Duration, bool) {
	value := strings.TrimSpace(h.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(max(secs, 0)) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		return max(time.Until(t), 0), true
	}
	return 0, false
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerProbing
)

// circuitBreaker trips after threshold consecutive server or transport
// failures. After resetTime one probe request is let through: any response
// below 500 closes the breaker, a failure trips it again for another
// resetTime.
type circuitBreaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	openedAt  time.Time
	threshold int
	resetTime time.Duration
	now       func() time.Time
}

func newCircuitBreaker(threshold int, resetTime time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetTime: resetTime}
}

func (cb *circuitBreaker) clock() time.Time {
	if cb.now != nil {
		return cb.now()
	}
	return time.Now()
}

// allow reports whether a request may be sent.
func (cb *circuitBreaker) allow() bool {
	ok, _ := cb.admit()
	return ok
}

// admit is allow that also reports whether the caller holds the probe.
// Moving from open to probing happens here, so only one caller gets it. The
// holder must settle it with success, failure or release.
func (cb *circuitBreaker) admit() (ok, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerOpen:
		reset := cb.resetTime
		if reset <= 0 {
			reset = DefaultCircuitBreakerResetTime
		}
		if cb.clock().Sub(cb.openedAt) < reset {
			return false, false
		}
		cb.state = breakerProbing
		return true, true
	case breakerProbing:
		return false, false
	default:
		return true, false
	}
}

// release hands back a probe that ended without an answer from the
// upstream. The breaker stays open with its original openedAt, so the next
// caller may probe right away.
func (cb *circuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == breakerProbing {
		cb.state = breakerOpen
	}
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failures = 0
}

// failure records a server failure and reports whether it tripped the
// breaker.
func (cb *circuitBreaker) failure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	threshold := cb.threshold
	if threshold <= 0 {
		threshold = DefaultCircuitBreakerThreshold
	}
	if cb.state == breakerProbing || (cb.state == breakerClosed && cb.failures >= threshold) {
		cb.state = breakerOpen
		cb.openedAt = cb.clock()
		return true
	}
	return false
}

func (cb *circuitBreaker) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failures = 0
	cb.openedAt = time.Time{}
}
