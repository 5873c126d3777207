package room

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket for outgoing messages. A nil Limiter allows
// everything.
type Limiter struct {
	l *rate.Limiter
}

// NewLimiter returns nil when perMinute is not positive.
func NewLimiter(perMinute, burst int) *Limiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{l: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)}
}

// Allow consumes a token if one is available.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.l.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.l.Wait(ctx)
}
