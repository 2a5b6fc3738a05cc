package provider

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock implements Clock using the standard time package.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Operation identifies a provider API operation with its quota cost.
type Operation int

const (
	OpProfile Operation = iota
	OpLabelsList
	OpMessagesList
	OpMessagesGet
	OpHistoryList
	OpMessagesModify
	OpMessagesTrash
	OpWatch
)

// Cost returns the quota units charged for an operation.
func (o Operation) Cost() int {
	switch o {
	case OpMessagesGet, OpMessagesList, OpMessagesModify, OpMessagesTrash:
		return 5
	case OpHistoryList:
		return 2
	case OpWatch:
		return 3
	default:
		return 1 // OpProfile, OpLabelsList, unknown
	}
}

const (
	// bucketCapacity is the token bucket capacity, matching the
	// provider's per-user quota window.
	bucketCapacity = 250

	// baseRefillRate is tokens per second at the default QPS.
	baseRefillRate = 250.0

	// defaultQPS is the baseline QPS used to compute the scale factor.
	defaultQPS = 5.0

	// throttleRecovery is the refill multiplier while recovering from a
	// server-signalled throttle.
	throttleRecovery = 0.5

	// minWait bounds the shortest sleep when tokens are insufficient.
	minWait = 10 * time.Millisecond

	// MinQPS is the minimum allowed QPS, preventing a zero refill rate.
	MinQPS = 0.1
)

// RateLimiter is a token bucket limiter for provider API calls. It is safe
// for concurrent use and supports adaptive throttling when the provider
// signals quota pressure.
type RateLimiter struct {
	mu             sync.Mutex
	clock          Clock
	tokens         float64
	capacity       float64
	refillRate     float64
	baseRate       float64
	lastRefill     time.Time
	throttledUntil time.Time
}

// NewRateLimiter creates a limiter targeting the given QPS. A qps of 5 is
// the safe default for the provider API.
func NewRateLimiter(qps float64) *RateLimiter {
	return newRateLimiter(realClock{}, qps)
}

func newRateLimiter(clk Clock, qps float64) *RateLimiter {
	if clk == nil {
		panic("provider: RateLimiter requires a non-nil Clock")
	}
	if qps < MinQPS {
		qps = MinQPS
	}

	scale := qps / defaultQPS
	if scale > 1.0 {
		scale = 1.0
	}

	rate := baseRefillRate * scale
	return &RateLimiter{
		clock:      clk,
		tokens:     bucketCapacity,
		capacity:   bucketCapacity,
		refillRate: rate,
		baseRate:   rate,
		lastRefill: clk.Now(),
	}
}

// Acquire blocks until the operation's tokens are available, or until the
// context is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context, op Operation) error {
	for {
		wait := r.reserve(op)
		if wait == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}

// TryAcquire attempts to acquire tokens without blocking.
func (r *RateLimiter) TryAcquire(op Operation) bool {
	cost := float64(op.Cost())

	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= cost {
		r.tokens -= cost
		return true
	}
	return false
}

// reserve acquires tokens immediately (returning 0) or returns the
// duration to wait before retrying.
func (r *RateLimiter) reserve(op Operation) time.Duration {
	cost := float64(op.Cost())

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if now.Before(r.throttledUntil) {
		return r.throttledUntil.Sub(now)
	}

	r.refill()

	if r.tokens >= cost {
		r.tokens -= cost
		return 0
	}

	deficit := cost - r.tokens
	wait := time.Duration(deficit / r.refillRate * float64(time.Second))
	if wait < minWait {
		wait = minWait
	}
	return wait
}

// refill credits tokens for elapsed time. Must be called with mu held.
func (r *RateLimiter) refill() {
	now := r.clock.Now()

	// Inside a throttle window nothing accrues; keep lastRefill pinned
	// to the window's end so the window is never credited as elapsed
	// refill time.
	if now.Before(r.throttledUntil) {
		r.lastRefill = r.throttledUntil
		return
	}

	// Throttle window just expired; restore the base rate.
	if r.refillRate < r.baseRate && !r.throttledUntil.IsZero() {
		r.refillRate = r.baseRate
	}

	elapsed := now.Sub(r.lastRefill).Seconds()
	r.lastRefill = now

	r.tokens += elapsed * r.refillRate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
}

// Available returns the current number of available tokens.
func (r *RateLimiter) Available() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.tokens
}

// Throttle drains the bucket and pauses refill for the given duration.
// Called when the provider returns 429/403 quota errors so subsequent
// requests back off instead of hammering the API.
func (r *RateLimiter) Throttle(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	until := now.Add(duration)

	// A shorter throttle must not truncate an existing longer window.
	if until.After(r.throttledUntil) {
		r.throttledUntil = until
	}

	// Prevent crediting the throttle window as elapsed refill time.
	r.lastRefill = r.throttledUntil

	r.tokens = 0
	r.refillRate = r.baseRate * throttleRecovery
}
