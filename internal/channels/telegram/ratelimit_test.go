package telegram

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(10.0, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Errorf("expected Allow() to return true for call %d", i+1)
		}
	}

	if rl.Allow() {
		t.Error("expected Allow() to return false when empty")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(100.0, 2)

	rl.Allow()
	rl.Allow()
	if rl.Allow() {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(50 * time.Millisecond)

	if !rl.Allow() {
		t.Error("expected a token after refill interval")
	}
}

func TestRateLimiterWaitBlocks(t *testing.T) {
	rl := NewRateLimiter(50.0, 1)
	rl.Allow()

	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("Wait returned after %v, expected a refill delay", elapsed)
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiter(0.1, 1)
	rl.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); err == nil {
		t.Fatal("expected context error from Wait")
	}
}

func TestRateLimiterTokensCapped(t *testing.T) {
	rl := NewRateLimiter(1000.0, 5)

	time.Sleep(20 * time.Millisecond)

	if tokens := rl.Tokens(); tokens > 5.0 {
		t.Errorf("tokens = %f, want at most capacity 5", tokens)
	}
}
