package provider

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/harun/parley/pkg/capability"
)

// RateLimitedProvider spaces calls to a provider.
type RateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// WithRateLimit allows requestsPerMinute calls with a burst of one. A
// non-positive rate returns p unchanged.
func WithRateLimit(p Provider, requestsPerMinute int) Provider {
	if requestsPerMinute <= 0 {
		return p
	}
	every := time.Minute / time.Duration(requestsPerMinute)
	return &RateLimitedProvider{inner: p, limiter: rate.NewLimiter(rate.Every(every), 1)}
}

func (r *RateLimitedProvider) Name() string { return r.inner.Name() }

func (r *RateLimitedProvider) Models() []capability.Model { return r.inner.Models() }

func (r *RateLimitedProvider) Invoke(ctx context.Context, request Request) (*Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Invoke(ctx, request)
}
