// Package retry provides exponential backoff for calls to external services
// (the LLM endpoint, the memory sink, the tracer backend). It classifies
// errors as retryable or terminal so transient network failures are retried
// while client errors (auth, malformed request) surface immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// Config configures retry behavior for a single external call site.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial
	// attempt). A value of 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which the backoff grows after each
	// retry. 2.0 gives exponential backoff.
	BackoffMultiplier float64
	// Jitter adds randomness to each delay to avoid thundering herd. 0.1
	// adds up to ±10%.
	Jitter float64
	// Sleep overrides the wait function; tests use this to avoid real sleeps.
	// Nil means wait on a timer honoring context cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// SinkConfig returns the retry policy for memory sink writes: three attempts
// with 1s, 2s, 4s backoff.
func SinkConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        4 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// LLMConfig returns the retry policy for chat-completion requests: three
// attempts bounded between 2s and 10s.
func LLMConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// ExhaustedError is returned when all attempts failed with retryable errors.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// TotalDuration is the total time spent across attempts and backoff.
	TotalDuration time.Duration
	// LastError is the error from the final attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// HTTPStatusError carries an HTTP status code so IsRetryable can distinguish
// server-side failures (retryable) from client errors (terminal).
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether an error is worth retrying. Retryable:
// timeouts, temporary DNS failures, connection resets, HTTP 429 and 5xx.
// Terminal: context cancellation and HTTP 4xx other than 429.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return httpErr.StatusCode >= 500
	}
	return false
}

// Do executes fn, retrying retryable errors per cfg. Terminal errors return
// immediately; exhausting attempts returns *ExhaustedError wrapping the last
// failure.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, backoffFor(cfg, attempt)); err != nil {
			return err
		}
	}
	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

func backoffFor(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter needs no crypto rand
	}
	return time.Duration(backoff)
}
