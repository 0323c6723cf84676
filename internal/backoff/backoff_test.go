package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	policy := Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},  // capped
		{10, 30 * time.Second}, // stays capped
	}
	for _, tc := range cases {
		if got := Delay(policy, tc.attempt); got != tc.want {
			t.Errorf("Delay(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayJitter(t *testing.T) {
	policy := Policy{Initial: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.5}

	if got := delayWithRand(policy, 1, 0); got != time.Second {
		t.Errorf("zero random should give the base delay, got %v", got)
	}
	got := delayWithRand(policy, 1, 0.99)
	if got <= time.Second || got > time.Second+time.Second/2 {
		t.Errorf("jittered delay %v outside (1s, 1.5s]", got)
	}
}

func TestRetry(t *testing.T) {
	fast := Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2, Jitter: 0}

	t.Run("succeeds on later attempt", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, 5, func(attempt int) error {
			calls++
			if attempt < 3 {
				return errors.New("transient")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		inner := errors.New("still broken")
		err := Retry(context.Background(), fast, 3, func(int) error { return inner })
		if !errors.Is(err, ErrAttemptsExhausted) {
			t.Errorf("expected ErrAttemptsExhausted, got %v", err)
		}
		if !errors.Is(err, inner) {
			t.Error("exhaustion error should wrap the last failure")
		}
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Retry(ctx, fast, 3, func(int) error {
			t.Error("fn should not run after cancellation")
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
