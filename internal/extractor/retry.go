// Package extractor reads selected catalog streams from BigQuery and writes
// them as Singer messages, committing bookmarks as batches are handed off.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/dbsmedya/tap-bigquery/internal/config"
)

// ErrReadTimeout is the cancellation cause of a read that stalled for
// longer than the configured timeout.
var ErrReadTimeout = errors.New("read timed out")

// RetryPolicy defines bounded exponential backoff.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NewRetryPolicy builds the policy from extraction settings. MaxRetries
// counts retries, so a stream gets MaxRetries+1 attempts.
func NewRetryPolicy(cfg config.ExtractionConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     cfg.MaxRetries + 1,
		InitialDelay:    cfg.RetryInitial(),
		MaxDelay:        cfg.RetryMax(),
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// ExecuteWithCondition runs fn until it succeeds, shouldRetry rejects the
// error, or the attempts are used up. fn receives the zero-based attempt.
func (rp *RetryPolicy) ExecuteWithCondition(ctx context.Context, fn func(attempt int) error, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}
		if attempt == rp.MaxAttempts-1 {
			break
		}
		if err := rp.Wait(ctx, attempt); err != nil {
			return err
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", rp.MaxAttempts, lastErr)
}

// Wait sleeps for the backoff of attempt, returning early on cancellation.
func (rp *RetryPolicy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(rp.calculateDelay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// calculateDelay calculates the delay for a given attempt
func (rp *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))

	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	// Jitter
	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta
	}

	return time.Duration(delay)
}

// GetDelay returns the delay for a specific attempt (for testing/preview)
func (rp *RetryPolicy) GetDelay(attempt int) time.Duration {
	return rp.calculateDelay(attempt)
}

var transientCodes = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// BigQuery reports quota and backend trouble with these reasons, sometimes under 403.
var transientReasons = map[string]bool{
	"backendError":      true,
	"internalError":     true,
	"rateLimitExceeded": true,
	"jobBackendError":   true,
	"jobInternalError":  true,
}

// IsTransient reports whether a failed read is worth retrying.
// Caller cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var permanent *NonRetryableError
	if errors.As(err, &permanent) {
		return false
	}
	if errors.Is(err, ErrReadTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.Code] {
			return true
		}
		for _, item := range apiErr.Errors {
			if transientReasons[item.Reason] {
				return true
			}
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
