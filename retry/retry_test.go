package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("nil error is not retryable", prop.ForAll(
		func(_ int) bool { return !IsRetryable(nil) },
		gen.Int(),
	))
	properties.Property("context.Canceled is not retryable", prop.ForAll(
		func(_ int) bool { return !IsRetryable(context.Canceled) },
		gen.Int(),
	))
	properties.Property("HTTP 5xx is retryable", prop.ForAll(
		func(code int) bool {
			return IsRetryable(&HTTPStatusError{StatusCode: code})
		},
		gen.IntRange(500, 599),
	))
	properties.Property("HTTP 4xx other than 429 is terminal", prop.ForAll(
		func(code int) bool {
			if code == http.StatusTooManyRequests {
				return true
			}
			return !IsRetryable(&HTTPStatusError{StatusCode: code})
		},
		gen.IntRange(400, 499),
	))
	properties.TestingRun(t)
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	var slept []time.Duration
	cfg := SinkConfig()
	cfg.Jitter = 0
	cfg.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPStatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	// Two pre-success retries back off 1s then 2s, total >= 3s.
	require.Len(t, slept, 2)
	assert.Equal(t, time.Second, slept[0])
	assert.Equal(t, 2*time.Second, slept[1])
	var total time.Duration
	for _, d := range slept {
		total += d
	}
	assert.GreaterOrEqual(t, total, 3*time.Second)
	assert.Less(t, total, 10*time.Second)
}

func TestDoTerminalErrorReturnsImmediately(t *testing.T) {
	cfg := SinkConfig()
	cfg.Sleep = func(_ context.Context, _ time.Duration) error {
		t.Fatal("terminal error must not back off")
		return nil
	}
	calls := 0
	terminal := &HTTPStatusError{StatusCode: http.StatusUnauthorized}
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return terminal
	})
	assert.Equal(t, 1, calls)
	var httpErr *HTTPStatusError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
}

func TestDoExhaustion(t *testing.T) {
	cfg := SinkConfig()
	cfg.Sleep = func(_ context.Context, _ time.Duration) error { return nil }
	errSink := &HTTPStatusError{StatusCode: http.StatusBadGateway}
	err := Do(context.Background(), cfg, func(_ context.Context) error { return errSink })

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.True(t, errors.Is(err, errSink))
}

func TestDoHonorsContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := SinkConfig()
	cfg.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	err := Do(ctx, cfg, func(_ context.Context) error {
		return &HTTPStatusError{StatusCode: http.StatusServiceUnavailable}
	})
	assert.ErrorIs(t, err, context.Canceled)
}
