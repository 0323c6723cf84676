package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	t.Run("admits up to quota", func(t *testing.T) {
		l := NewLimiter(Config{Requests: 3, Window: time.Minute, Enabled: true})
		now := time.Now()
		for i := 0; i < 3; i++ {
			if !l.AllowAt("user", now) {
				t.Fatalf("request %d should be admitted", i+1)
			}
		}
		if l.AllowAt("user", now) {
			t.Error("request over quota should be denied")
		}
	})

	t.Run("denial records nothing", func(t *testing.T) {
		l := NewLimiter(Config{Requests: 1, Window: time.Minute, Enabled: true})
		now := time.Now()
		l.AllowAt("user", now)
		for i := 0; i < 5; i++ {
			l.AllowAt("user", now.Add(time.Duration(i)*time.Second))
		}
		// The single admitted slot expires exactly one window after admission.
		if !l.AllowAt("user", now.Add(time.Minute+time.Second)) {
			t.Error("denied requests must not extend the window")
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		l := NewLimiter(Config{Requests: 1, Window: time.Minute, Enabled: true})
		now := time.Now()
		if !l.AllowAt("a", now) {
			t.Fatal("first key should be admitted")
		}
		if !l.AllowAt("b", now) {
			t.Error("second key should have its own window")
		}
	})

	t.Run("disabled limiter admits everything", func(t *testing.T) {
		l := NewLimiter(Config{Requests: 1, Window: time.Minute, Enabled: false})
		now := time.Now()
		for i := 0; i < 10; i++ {
			if !l.AllowAt("user", now) {
				t.Fatal("disabled limiter should always admit")
			}
		}
	})
}

func TestLimiterSlidingWindow(t *testing.T) {
	// Scenario from the edit-throttle contract: quota 5 per 30s. The 6th
	// request inside the window is denied; one second after the first
	// request leaves the window a new one is admitted.
	l := NewLimiter(Config{Requests: 5, Window: 30 * time.Second, Enabled: true})
	start := time.Now()

	for i := 0; i < 5; i++ {
		if !l.AllowAt("user", start.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	if l.AllowAt("user", start.Add(10*time.Second)) {
		t.Error("6th request within 30s should be denied")
	}
	if !l.AllowAt("user", start.Add(31*time.Second)) {
		t.Error("request after the window slides should be admitted")
	}
}

func TestLimiterRemaining(t *testing.T) {
	l := NewLimiter(Config{Requests: 3, Window: time.Minute, Enabled: true})
	now := time.Now()

	if got := l.RemainingAt("user", now); got != 3 {
		t.Errorf("fresh key remaining = %d, want 3", got)
	}
	l.AllowAt("user", now)
	l.AllowAt("user", now)
	if got := l.RemainingAt("user", now); got != 1 {
		t.Errorf("remaining after 2 admits = %d, want 1", got)
	}
	if got := l.RemainingAt("user", now.Add(2*time.Minute)); got != 3 {
		t.Errorf("remaining after window elapses = %d, want 3", got)
	}
}

func TestLimiterConcurrentAdmits(t *testing.T) {
	// With one slot left, concurrent admits must not both pass.
	l := NewLimiter(Config{Requests: 1, Window: time.Minute, Enabled: true})
	now := time.Now()

	const goroutines = 32
	var wg sync.WaitGroup
	admitted := make(chan struct{}, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.AllowAt("user", now) {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	if count != 1 {
		t.Errorf("admitted %d concurrent requests, want exactly 1", count)
	}
}

func TestLimiterDefaults(t *testing.T) {
	l := NewLimiter(Config{Enabled: true})
	if l.config.Requests != DefaultConfig().Requests {
		t.Errorf("zero Requests should default to %d", DefaultConfig().Requests)
	}
	if l.config.Window != DefaultConfig().Window {
		t.Errorf("zero Window should default to %v", DefaultConfig().Window)
	}
}
