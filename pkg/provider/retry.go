package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/parley/pkg/capability"
)

// RetryProvider retries retryable failures with exponential backoff.
type RetryProvider struct {
	inner      Provider
	maxRetries int
	baseDelay  time.Duration
}

// WithRetry wraps p so that a retryable failure is attempted up to maxRetries
// times in total, waiting 1s, 2s, 4s... between attempts.
func WithRetry(p Provider, maxRetries int) *RetryProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryProvider{inner: p, maxRetries: maxRetries, baseDelay: time.Second}
}

func (r *RetryProvider) Name() string { return r.inner.Name() }

func (r *RetryProvider) Models() []capability.Model { return r.inner.Models() }

func (r *RetryProvider) Invoke(ctx context.Context, request Request) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		result, err := r.inner.Invoke(ctx, request)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Don't retry on permanent errors
		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == r.maxRetries-1 {
			break
		}

		delay := r.baseDelay * time.Duration(1<<attempt)
		log.Info().
			Str("provider", r.inner.Name()).
			Str("model", request.Model).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", r.maxRetries, lastErr)
}
