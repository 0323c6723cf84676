package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/salonkit/concierge/internal/infra"
	"github.com/salonkit/concierge/internal/observability"
)

// ErrPoolExhausted is returned when no session can take the conversation
// within the acquire timeout.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// PoolConfig sizes the pool and its maintenance sweeps.
type PoolConfig struct {
	Size           int
	AcquireTimeout time.Duration
	// CleanupInterval drives the sweep that reconnects broken sessions.
	CleanupInterval time.Duration
	// DeepCleanupInterval drives the sweep that recycles idle stale ones.
	DeepCleanupInterval time.Duration

	Session Options
}

// Pool owns a fixed set of sessions and assigns conversations to them.
// A conversation sticks to its session until the session fails or the
// conversation is released.
type Pool struct {
	cfg     PoolConfig
	dialer  Dialer
	logger  *observability.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	sessions    []*Session
	binding     map[string]*Session
	reconnectIn map[string]bool

	// released wakes acquire waiters when capacity frees up.
	released chan struct{}
	closed   chan struct{}
	wg       sync.WaitGroup
}

// NewPool creates an unstarted pool.
func NewPool(cfg PoolConfig, dialer Dialer, logger *observability.Logger, metrics *observability.Metrics) *Pool {
	return &Pool{
		cfg:         cfg,
		dialer:      dialer,
		logger:      logger,
		metrics:     metrics,
		binding:     make(map[string]*Session),
		reconnectIn: make(map[string]bool),
		released:    make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

// Start builds and connects the sessions and begins the maintenance
// sweeps. Sessions that fail their initial connect are retried in the
// background; Start only fails when every session is down.
func (p *Pool) Start(ctx context.Context) error {
	sessions := make([]*Session, p.cfg.Size)
	errs := make([]error, p.cfg.Size)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Size; i++ {
		s := NewSession(p.cfg.Session, p.dialer, p.logger, p.metrics)
		s.SetOnFailure(p.OnSessionFailed)
		sessions[i] = s

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = sessions[i].Connect(ctx)
		}(i)
	}
	wg.Wait()

	p.mu.Lock()
	p.sessions = sessions
	p.mu.Unlock()

	connected := 0
	for i, err := range errs {
		if err == nil {
			connected++
			continue
		}
		p.logger.Warn(ctx, "session failed initial connect", "session", sessions[i].ID(), "error", err)
		p.scheduleReconnect(sessions[i])
	}
	if connected == 0 {
		return infra.NewError(infra.ErrCodeConnection, "no session reached the inference api", errs[0])
	}

	p.wg.Add(2)
	go p.sweepLoop(p.cfg.CleanupInterval, p.sweep)
	go p.sweepLoop(p.cfg.DeepCleanupInterval, p.deepSweep)

	p.logger.Info(ctx, "pool started", "sessions", connected, "size", p.cfg.Size)
	return nil
}

// Acquire returns the session carrying the conversation, binding it to
// the least-loaded ready session on first use. When every session is at
// capacity it waits up to AcquireTimeout for a slot, then fails with
// ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, conversationID string) (*Session, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		if s := p.tryAcquire(conversationID); s != nil {
			return s, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closed:
			return nil, ErrSessionClosed
		case <-timer.C:
			return nil, infra.NewError(infra.ErrCodeCapacity, "no session capacity", ErrPoolExhausted)
		case <-p.released:
		case <-time.After(50 * time.Millisecond):
			// Re-check periodically so a session finishing its
			// reconnect is picked up without a release event.
		}
	}
}

func (p *Pool) tryAcquire(conversationID string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Sticky binding wins while its session is alive.
	if s, ok := p.binding[conversationID]; ok {
		if s.Ready() {
			return s
		}
		s.Unbind(conversationID)
		delete(p.binding, conversationID)
	}

	var best *Session
	for _, s := range p.sessions {
		if !s.Ready() || s.Load() >= p.cfg.Session.Capacity {
			continue
		}
		if best == nil || s.Load() < best.Load() {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	if !best.Bind(conversationID) {
		return nil
	}
	p.binding[conversationID] = best
	return best
}

// Release unbinds the conversation, freeing its session slot.
func (p *Pool) Release(conversationID string) {
	p.mu.Lock()
	s, ok := p.binding[conversationID]
	if ok {
		delete(p.binding, conversationID)
	}
	p.mu.Unlock()

	if ok {
		s.Unbind(conversationID)
		p.signalReleased()
	}
}

func (p *Pool) signalReleased() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}

// OnSessionFailed unbinds every conversation on the failed session and
// schedules its reconnect. Streamers already saw the reconnecting event
// on their turn channels; their next acquire lands on a healthy session.
func (p *Pool) OnSessionFailed(s *Session) {
	convs := s.BoundConversations()

	p.mu.Lock()
	for _, conv := range convs {
		if p.binding[conv] == s {
			delete(p.binding, conv)
		}
	}
	p.mu.Unlock()

	for _, conv := range convs {
		s.Unbind(conv)
	}
	if len(convs) > 0 {
		p.signalReleased()
		p.logger.Warn(context.Background(), "session failed, conversations unbound",
			"session", s.ID(), "conversations", len(convs))
	}

	p.scheduleReconnect(s)
}

// scheduleReconnect reconnects the session in the background, at most
// one attempt chain per session at a time.
func (p *Pool) scheduleReconnect(s *Session) {
	p.mu.Lock()
	if p.reconnectIn[s.ID()] {
		p.mu.Unlock()
		return
	}
	p.reconnectIn[s.ID()] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.reconnectIn, s.ID())
			p.mu.Unlock()
		}()

		for {
			select {
			case <-p.closed:
				return
			default:
			}

			// An open breaker refuses the connect; wait out the
			// recovery timeout instead of spinning.
			if err := s.Breaker().Allow(); err != nil {
				select {
				case <-p.closed:
					return
				case <-time.After(p.cfg.Session.RecoveryTimeout):
				}
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			err := s.Connect(ctx)
			cancel()
			if err == nil {
				p.signalReleased()
				return
			}
			if errors.Is(err, ErrSessionClosed) {
				return
			}
			p.logger.Error(context.Background(), "session reconnect failed", "session", s.ID(), "error", err)

			select {
			case <-p.closed:
				return
			case <-time.After(p.cfg.Session.RecoveryTimeout):
			}
		}
	}()
}

func (p *Pool) sweepLoop(interval time.Duration, fn func()) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// sweep reconnects sessions that broke without triggering the failure
// callback, e.g. ones that never connected at startup.
func (p *Pool) sweep() {
	p.mu.Lock()
	sessions := append([]*Session(nil), p.sessions...)
	p.mu.Unlock()

	for _, s := range sessions {
		switch s.State() {
		case StateDisconnected, StateCircuitOpen:
			p.scheduleReconnect(s)
		}
	}
}

// deepSweep recycles sessions that look alive but have carried no
// traffic for a whole deep-sweep interval while idle. A silent upstream
// with a healthy TCP connection is indistinguishable from a dead one
// until it is forced to re-handshake.
func (p *Pool) deepSweep() {
	p.mu.Lock()
	sessions := append([]*Session(nil), p.sessions...)
	p.mu.Unlock()

	cutoff := time.Now().Add(-p.cfg.DeepCleanupInterval)
	for _, s := range sessions {
		if !s.Ready() || s.Load() > 0 {
			continue
		}
		if last := s.LastActivity(); !last.IsZero() && last.Before(cutoff) {
			p.logger.Info(context.Background(), "recycling stale idle session", "session", s.ID())
			p.recycle(s)
		}
	}
}

// recycle drops the session's connection; the failure path reconnects it.
func (p *Pool) recycle(s *Session) {
	s.mu.Lock()
	l := s.active
	s.mu.Unlock()
	if l != nil {
		s.failLink(l, errors.New("recycled by deep sweep"))
	}
}

// PoolStats is the snapshot served on /healthz.
type PoolStats struct {
	Sessions      []SessionStats `json:"sessions"`
	Conversations int            `json:"conversations"`
	Ready         int            `json:"ready"`
}

// Stats returns a point-in-time snapshot of every session.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	sessions := append([]*Session(nil), p.sessions...)
	conversations := len(p.binding)
	p.mu.Unlock()

	stats := PoolStats{Conversations: conversations}
	for _, s := range sessions {
		st := s.Stats()
		stats.Sessions = append(stats.Sessions, st)
		if s.Ready() {
			stats.Ready++
		}
	}
	return stats
}

// Healthy reports whether at least one session can carry turns.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	sessions := append([]*Session(nil), p.sessions...)
	p.mu.Unlock()
	for _, s := range sessions {
		if s.Ready() {
			return true
		}
	}
	return false
}

// Close stops the sweeps and shuts every session down.
func (p *Pool) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
		close(p.closed)
	}

	p.mu.Lock()
	sessions := append([]*Session(nil), p.sessions...)
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	p.wg.Wait()
	return nil
}
