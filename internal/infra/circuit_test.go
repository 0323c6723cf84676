package infra

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
	})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %s before threshold, want closed", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("closed breaker should allow, got %v", err)
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s at threshold, want open", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker should refuse, got %v", err)
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != CircuitClosed {
		t.Error("success between failures should reset the run")
	}
}

func TestCircuitBreakerRecovery(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	})
	cb.SetClock(func() time.Time { return now })

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatal("breaker should open")
	}

	// Before the recovery timeout: still refused.
	now = now.Add(10 * time.Second)
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("breaker should stay open before recovery timeout")
	}

	// After the timeout: half-open probe allowed.
	now = now.Add(30 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("breaker should half-open after timeout, got %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.State())
	}

	// One success is not enough; two close it.
	cb.RecordSuccess()
	if cb.State() != CircuitHalfOpen {
		t.Error("single success should not close the breaker")
	}
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Error("sustained success should close the breaker")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
	})
	cb.SetClock(func() time.Time { return now })

	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatal("expected half-open probe")
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Error("failure in half-open should reopen immediately")
	}
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	transitions := make(chan string, 4)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to string) {
			transitions <- from + "->" + to
		},
	})

	cb.RecordFailure()

	select {
	case tr := <-transitions:
		if tr != "closed->open" {
			t.Errorf("transition = %q, want closed->open", tr)
		}
	case <-time.After(time.Second):
		t.Error("expected state change callback")
	}
}
