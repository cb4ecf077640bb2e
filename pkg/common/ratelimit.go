package common

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter caps how often a repeated operation may fire: a sustained
// per-second rate plus an allowed spike. The restart coordinator uses one to
// keep a mass-failure recovery from flooding the dispatch queues.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows perSecond events sustained, with spikes up to burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until the limiter releases an event or the context ends.
func (l *RateLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
