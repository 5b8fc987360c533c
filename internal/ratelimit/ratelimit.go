// Package ratelimit adapts golang.org/x/time/rate into the token-bucket
// contract component C names: try-acquire, blocking acquire, and a rate=0
// disabled state. This mirrors how the retrieval pack's own integrations
// wrap rate.Limiter behind a narrow interface (one limiter per concern)
// instead of calling the library directly from business logic.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket pacing requests to rate tokens/s with the given
// burst capacity. A Limiter built with rate == 0 is disabled: every
// TryAcquire succeeds immediately and AcquireBlocking never waits.
type Limiter struct {
	rps     float64
	limiter *rate.Limiter
}

// New builds a Limiter. burst <= 0 defaults to 2*rps, per component C's
// "burst, default 2*rate" contract. rps <= 0 disables pacing.
func New(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return &Limiter{rps: 0}
	}
	if burst <= 0 {
		burst = int(2 * rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Limiter{
		rps:     rps,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Disabled reports whether this Limiter paces at all.
func (l *Limiter) Disabled() bool { return l.limiter == nil }

// TryAcquire attempts to take one token without blocking. It reports
// whether the token was granted and, when it was not, the duration until
// the next token becomes available.
func (l *Limiter) TryAcquire() (ok bool, retryAfter time.Duration) {
	if l.limiter == nil {
		return true, 0
	}
	r := l.limiter.Reserve()
	if !r.OK() {
		return false, 0
	}
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// AcquireBlocking waits until a token is available or ctx is done.
func (l *Limiter) AcquireBlocking(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Share divides this Limiter's aggregate rate across n workers and returns
// one per-worker Limiter, so that with skewed goroutine scheduling the
// *aggregate* submission rate still converges on the configured target
// (component C's concurrency contract).
func Share(aggregateRPS float64, burst, n int) []*Limiter {
	if n <= 0 {
		n = 1
	}
	out := make([]*Limiter, n)
	if aggregateRPS <= 0 {
		for i := range out {
			out[i] = New(0, 0)
		}
		return out
	}
	perWorker := aggregateRPS / float64(n)
	perWorkerBurst := burst / n
	for i := range out {
		out[i] = New(perWorker, perWorkerBurst)
	}
	return out
}
