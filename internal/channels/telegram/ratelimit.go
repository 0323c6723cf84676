package telegram

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token bucket in front of the Telegram Bot API.
// It allows a burst of calls up to the bucket capacity, then refills at a
// steady rate, keeping edit-heavy streaming under the per-bot call budget.
type RateLimiter struct {
	// rate is the number of tokens added per second
	rate float64

	// capacity is the maximum number of tokens the bucket can hold
	capacity int

	// tokens is the current number of available tokens
	tokens float64

	// lastRefill is the timestamp of the last token refill
	lastRefill time.Time

	mu sync.Mutex
}

// NewRateLimiter creates a new rate limiter with the specified rate and capacity.
// rate: tokens per second (e.g., 25 = 25 API calls per second)
// capacity: maximum burst size (e.g., 10 = allow up to 10 calls at once)
func NewRateLimiter(rate float64, capacity int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		capacity:   capacity,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if r.Allow() {
			return nil
		}

		waitTime := r.waitDuration()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
			continue
		}
	}
}

// Allow returns true if a token is available, consuming it in the process.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	if r.tokens >= 1 {
		r.tokens--
		return true
	}

	return false
}

// refill adds tokens based on elapsed time since last refill.
// Must be called with lock held.
func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill)

	r.tokens += elapsed.Seconds() * r.rate
	if r.tokens > float64(r.capacity) {
		r.tokens = float64(r.capacity)
	}

	r.lastRefill = now
}

// waitDuration calculates how long to wait for the next token.
func (r *RateLimiter) waitDuration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	if r.tokens >= 1 {
		return 0
	}

	tokensNeeded := 1 - r.tokens
	return time.Duration(tokensNeeded / r.rate * float64(time.Second))
}

// Tokens returns the current token count, for tests and diagnostics.
func (r *RateLimiter) Tokens() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	return r.tokens
}
