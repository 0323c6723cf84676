// Package ratelimit provides per-user sliding-window admission control.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Requests is the number of requests allowed per window.
	Requests int `yaml:"requests"`
	// Window is the duration of the sliding window.
	Window time.Duration `yaml:"window"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Requests: 5,
		Window:   30 * time.Second,
		Enabled:  true,
	}
}

// window holds the admitted request timestamps for one user.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// prune drops timestamps older than the window cutoff (must hold mu).
func (w *window) prune(cutoff time.Time) {
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept
}

// Limiter enforces a sliding-window request quota per key.
//
// A request is admitted only if fewer than Requests admitted timestamps
// remain inside the window after pruning; denial records nothing, so a
// denied caller does not extend its own penalty.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	config  Config
	maxKeys int
}

// NewLimiter creates a new sliding-window limiter.
func NewLimiter(config Config) *Limiter {
	if config.Requests <= 0 {
		config.Requests = DefaultConfig().Requests
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	return &Limiter{
		windows: make(map[string]*window),
		config:  config,
		maxKeys: 10000,
	}
}

// Allow reports whether a request for the given key is admitted now,
// recording its timestamp if so.
func (l *Limiter) Allow(key string) bool {
	return l.AllowAt(key, time.Now())
}

// AllowAt is Allow with an explicit timestamp for deterministic tests.
func (l *Limiter) AllowAt(key string, now time.Time) bool {
	if !l.config.Enabled {
		return true
	}

	w := l.getWindow(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now.Add(-l.config.Window))
	if len(w.stamps) >= l.config.Requests {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Remaining returns how many requests the key may still make in the
// current window. Checking does not consume a slot.
func (l *Limiter) Remaining(key string) int {
	return l.RemainingAt(key, time.Now())
}

// RemainingAt is Remaining with an explicit timestamp.
func (l *Limiter) RemainingAt(key string, now time.Time) int {
	if !l.config.Enabled {
		return l.config.Requests
	}

	l.mu.Lock()
	w, ok := l.windows[key]
	l.mu.Unlock()
	if !ok {
		return l.config.Requests
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now.Add(-l.config.Window))
	remaining := l.config.Requests - len(w.stamps)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// getWindow returns or creates the window for the given key.
func (l *Limiter) getWindow(key string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.windows[key]; ok {
		return w
	}

	if len(l.windows) >= l.maxKeys {
		l.pruneKeys(time.Now())
	}

	w := &window{}
	l.windows[key] = w
	return w
}

// pruneKeys drops windows with no live timestamps (must hold l.mu).
func (l *Limiter) pruneKeys(now time.Time) {
	cutoff := now.Add(-l.config.Window)
	for key, w := range l.windows {
		w.mu.Lock()
		w.prune(cutoff)
		empty := len(w.stamps) == 0
		w.mu.Unlock()
		if empty {
			delete(l.windows, key)
		}
	}
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
