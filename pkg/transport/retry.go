package transport

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	DefaultTimeout          = 20 * time.Second
	DefaultMaxRetries       = 3
	DefaultBackoffBase      = 2.0
	DefaultMaxBackoff       = 60 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 60 * time.Second
)

// RetryPolicy governs how many times a transient failure is retried and how
// long to wait between attempts. The wait before retry n (n >= 1) is
// Base^n seconds, plus up to Jitter*delay of random spread, capped at
// MaxBackoff.
type RetryPolicy struct {
	MaxRetries int
	Base       float64
	MaxBackoff time.Duration
	Jitter     float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		Base:       DefaultBackoffBase,
		MaxBackoff: DefaultMaxBackoff,
		Jitter:     0.2,
	}
}

// Backoff returns the delay before retry attempt n. A server supplied
// Retry-After larger than the computed delay wins.
func (p RetryPolicy) Backoff(attempt int, retryAfter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	seconds := math.Pow(p.Base, float64(attempt))
	delay := time.Duration(seconds * float64(time.Second))
	if p.Jitter > 0 {
		delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
