package venue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"quoter/internal/errors"
	"quoter/pkg/exception"
)

// RateLimiter is a token bucket. Callers block while a token is unavailable,
// but at most maxWaiters callers may wait at once; the rest fail fast with
// exception.ErrVenueRateLimited tagged as transient.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	maxWaiters int32
	waiters    atomic.Int32
	now        func() time.Time
}

// NewRateLimiter creates a limiter refilling perSecond tokens up to burst.
func NewRateLimiter(burst int, perSecond float64, maxWaiters int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	if maxWaiters < 0 {
		maxWaiters = 0
	}
	now := time.Now()
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: perSecond,
		lastRefill: now,
		maxWaiters: int32(maxWaiters),
		now:        time.Now,
	}
}

// Wait blocks until a token is available, the context ends or the wait queue is full.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if r.TryAcquire() {
		return nil
	}
	if r.waiters.Add(1) > r.maxWaiters {
		r.waiters.Add(-1)
		return errors.Transient(exception.ErrVenueRateLimited)
	}
	defer r.waiters.Add(-1)

	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - r.tokens) / r.refillRate * float64(time.Second))
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Transient(ctx.Err())
		case <-timer.C:
		}
	}
}

// TryAcquire takes a token without blocking.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Waiting returns the number of blocked callers.
func (r *RateLimiter) Waiting() int {
	return int(r.waiters.Load())
}

// refill must be called with mu held.
func (r *RateLimiter) refill() {
	now := r.now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
	r.lastRefill = now
}
