// Package backoff provides exponential backoff with jitter for reconnect
// and retry loops.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned when all retry attempts have failed.
var ErrAttemptsExhausted = errors.New("backoff: attempts exhausted")

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter randomizes the delay by up to this fraction (0.0 to 1.0).
	Jitter float64
}

// DefaultPolicy returns the reconnect policy used by streaming sessions:
// 1s initial, 30s cap, doubling, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay computes the backoff duration for a 1-indexed attempt.
func Delay(policy Policy, attempt int) time.Duration {
	return delayWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// delayWithRand computes the delay using a provided random value in [0,1).
func delayWithRand(policy Policy, attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * random
	total := math.Min(float64(policy.Max), base+jitter)
	return time.Duration(total)
}

// Sleep waits for the attempt's backoff delay, respecting cancellation.
func Sleep(ctx context.Context, policy Policy, attempt int) error {
	d := Delay(policy, attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn with backoff between failures, up to maxAttempts times.
// fn receives the 1-indexed attempt number. Context cancellation is checked
// before every attempt and during the sleeps.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, policy, attempt); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrAttemptsExhausted, lastErr)
}
