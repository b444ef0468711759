package ratelimit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryStrategy defines the backoff used for throttled or failing requests
type RetryStrategy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      uint64
}

// DefaultRetryStrategy returns the default exponential backoff strategy
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  3 * time.Minute,
		MaxRetries:      5,
	}
}

func (s *RetryStrategy) backOff(ctx context.Context) (backoff.BackOff, *retryAfterBackOff) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.InitialInterval
	exp.MaxInterval = s.MaxInterval
	exp.MaxElapsedTime = s.MaxElapsedTime
	exp.Reset()
	hinted := &retryAfterBackOff{BackOff: backoff.WithMaxRetries(exp, s.MaxRetries), ceiling: s.MaxInterval}
	return backoff.WithContext(hinted, ctx), hinted
}

// retryAfterBackOff stretches the next wait to the server's Retry-After,
// bounded by MaxInterval.
type retryAfterBackOff struct {
	backoff.BackOff
	ceiling time.Duration
	hint    time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	hint := b.hint
	b.hint = 0
	if next == backoff.Stop || hint <= next {
		return next
	}
	if b.ceiling > 0 && hint > b.ceiling {
		hint = b.ceiling
	}
	return max(next, hint)
}

// RateLimitEvent represents a rate limit occurrence
type RateLimitEvent struct {
	Timestamp    time.Time     `json:"timestamp"`
	Provider     string        `json:"provider"`
	StatusCode   int           `json:"statusCode"`
	RetryAttempt int           `json:"retryAttempt"` // 0 = first occurrence
	RetryAfter   time.Duration `json:"retryAfter"`   // from the Retry-After header, if any
}

// StatusError is a non-success HTTP response that was worth retrying.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryableStatus reports whether a response status indicates a transient
// condition: throttling or a server-side failure.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		509, // Bandwidth Limit Exceeded
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Handler manages rate limit detection and retry logic
type Handler struct {
	mu          sync.RWMutex
	rateLimited map[string]*RateLimitEvent // provider -> current rate limit state
	strategy    *RetryStrategy
	onRateLimit func(event RateLimitEvent)
	onRecovered func(provider string)
	log         *slog.Logger
}

// NewHandler creates a new rate limit handler
func NewHandler(strategy *RetryStrategy, log *slog.Logger) *Handler {
	if strategy == nil {
		strategy = DefaultRetryStrategy()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		rateLimited: make(map[string]*RateLimitEvent),
		strategy:    strategy,
		log:         log.With("component", "ratelimit"),
	}
}

// SetOnRateLimit sets the callback for rate limit events
func (h *Handler) SetOnRateLimit(callback func(event RateLimitEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRecovered sets the callback for recovery from rate limit
func (h *Handler) SetOnRecovered(callback func(provider string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsRateLimited checks if a provider is currently rate limited
func (h *Handler) IsRateLimited(provider string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, limited := h.rateLimited[provider]
	return limited
}

// GetCurrentState returns a copy of the current rate limit state for a provider
func (h *Handler) GetCurrentState(provider string) *RateLimitEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if event, exists := h.rateLimited[provider]; exists {
		eventCopy := *event
		return &eventCopy
	}
	return nil
}

// CheckResponse records throttling responses and clears the state once a
// provider answers normally again. It returns true when resp is retryable.
func (h *Handler) CheckResponse(provider string, resp *http.Response) bool {
	if !IsRetryableStatus(resp.StatusCode) {
		h.checkRecovery(provider)
		return false
	}
	h.recordRateLimit(provider, resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")))
	return true
}

func (h *Handler) recordRateLimit(provider string, statusCode int, retryAfter time.Duration) {
	h.mu.Lock()
	existing, exists := h.rateLimited[provider]
	retryAttempt := 0
	if exists {
		retryAttempt = existing.RetryAttempt + 1
	}
	event := RateLimitEvent{
		Timestamp:    time.Now(),
		Provider:     provider,
		StatusCode:   statusCode,
		RetryAttempt: retryAttempt,
		RetryAfter:   retryAfter,
	}
	h.rateLimited[provider] = &event
	callback := h.onRateLimit
	h.mu.Unlock()

	h.log.Warn("Provider throttled or failing", "provider", provider, "status", statusCode, "attempt", retryAttempt)
	if callback != nil {
		callback(event)
	}
}

func (h *Handler) checkRecovery(provider string) {
	h.mu.Lock()
	_, exists := h.rateLimited[provider]
	delete(h.rateLimited, provider)
	callback := h.onRecovered
	h.mu.Unlock()

	if exists {
		h.log.Info("Provider recovered", "provider", provider)
		if callback != nil {
			callback(provider)
		}
	}
}

// Do runs a request with exponential backoff. send must build a fresh
// request on every call. Transport errors and retryable statuses are retried;
// any other response is returned to the caller as-is, body unread. When
// retries run out the last error is returned. A Retry-After header on a
// throttled response lengthens the following wait up to MaxInterval.
func (h *Handler) Do(ctx context.Context, provider string, send func() (*http.Response, error)) (*http.Response, error) {
	policy, hinted := h.strategy.backOff(ctx)
	operation := func() (*http.Response, error) {
		resp, err := send()
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		if h.CheckResponse(provider, resp) {
			hinted.hint = parseRetryAfter(resp.Header.Get("Retry-After"))
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return resp, nil
	}

	notify := func(err error, wait time.Duration) {
		h.log.DebugContext(ctx, "Retrying request", "provider", provider, "error", err, "wait", wait)
	}

	resp, err := backoff.RetryNotifyWithData(operation, policy, notify)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", provider, err)
	}
	return resp, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Permanent marks an error returned from a Do send function as not worth
// retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Poll calls op with the strategy's backoff until it succeeds, returns a
// Permanent error, or the retry budget runs out. It is meant for server-side
// jobs that report "not ready yet" as an ordinary error.
func Poll[T any](ctx context.Context, strategy *RetryStrategy, op func() (T, error)) (T, error) {
	if strategy == nil {
		strategy = DefaultRetryStrategy()
	}
	policy, _ := strategy.backOff(ctx)
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}
		return v, err
	}, policy)
}
