package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/dbsmedya/tap-bigquery/internal/config"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("read: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"read timeout", fmt.Errorf("%w: no row", ErrReadTimeout), true},
		{"truncated stream", io.ErrUnexpectedEOF, true},
		{"503", &googleapi.Error{Code: 503}, true},
		{"429", &googleapi.Error{Code: 429}, true},
		{"403 rate limit", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, true},
		{"403 denied", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "accessDenied"}}}, false},
		{"404", &googleapi.Error{Code: 404}, false},
		{"net timeout", timeoutErr{}, true},
		{"plain", errors.New("syntax error"), false},
		{"non-retryable timeout", &NonRetryableError{Err: ErrReadTimeout}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func fastPolicy(attempts int) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestNewRetryPolicy(t *testing.T) {
	cfg := config.DefaultConfig().Extraction
	rp := NewRetryPolicy(cfg)
	assert.Equal(t, cfg.MaxRetries+1, rp.MaxAttempts)
	assert.Equal(t, time.Second, rp.InitialDelay)
	assert.Equal(t, 30*time.Second, rp.MaxDelay)
}

func TestRetryDelayIsBounded(t *testing.T) {
	rp := &RetryPolicy{MaxAttempts: 10, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, RandomizeFactor: 0.25}
	for attempt := 0; attempt < 10; attempt++ {
		d := rp.GetDelay(attempt)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}

	rp.RandomizeFactor = 0
	assert.Equal(t, 100*time.Millisecond, rp.GetDelay(0))
	assert.Equal(t, 400*time.Millisecond, rp.GetDelay(2))
	assert.Equal(t, time.Second, rp.GetDelay(8))
}

func TestExecuteWithCondition(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := fastPolicy(3).ExecuteWithCondition(context.Background(), func(attempt int) error {
			assert.Equal(t, calls, attempt)
			calls++
			if calls < 3 {
				return &googleapi.Error{Code: 500}
			}
			return nil
		}, IsTransient)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := fastPolicy(2).ExecuteWithCondition(context.Background(), func(int) error {
			calls++
			return &googleapi.Error{Code: 500}
		}, IsTransient)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "all 2 attempts failed")
		assert.Equal(t, 2, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		err := fastPolicy(5).ExecuteWithCondition(context.Background(), func(int) error {
			calls++
			return errors.New("bad request")
		}, IsTransient)
		require.EqualError(t, err, "bad request")
		assert.Equal(t, 1, calls)
	})

	t.Run("cancellation interrupts backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		rp := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour, Multiplier: 2}
		err := rp.ExecuteWithCondition(ctx, func(int) error {
			cancel()
			return &googleapi.Error{Code: 500}
		}, IsTransient)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
