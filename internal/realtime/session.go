package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/salonkit/concierge/internal/backoff"
	"github.com/salonkit/concierge/internal/infra"
	"github.com/salonkit/concierge/internal/observability"
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateStreaming
	StateClosing
	StateCircuitOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// ErrSessionClosed is returned for operations on a closed session.
var ErrSessionClosed = errors.New("session closed")

// ErrSessionNotReady is returned when a turn is submitted to a session
// that has no live connection.
var ErrSessionNotReady = errors.New("session not ready")

// Options configures one session.
type Options struct {
	URL          string
	APIKey       string
	Model        string
	Instructions string
	// ToolSpecs is the tool advertisement for the handshake.
	ToolSpecs []json.RawMessage

	// Capacity bounds concurrently bound conversations.
	Capacity int

	ConnectAttempts  int
	ConnectBackoff   backoff.Policy
	HandshakeTimeout time.Duration

	PingInterval     time.Duration
	PingBaseTimeout  time.Duration
	PingMaxTimeout   time.Duration
	PingGrowthFactor float64

	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// link is one live connection with its reader/pinger stop channel. The
// sync.Once collapses concurrent read and ping failures on the same
// connection into a single session failure.
type link struct {
	conn Conn
	stop chan struct{}
	fail sync.Once
}

// Session is one duplex connection to the inference API carrying many
// conversations. All methods are safe for concurrent use.
type Session struct {
	id      string
	opts    Options
	dialer  Dialer
	logger  *observability.Logger
	metrics *observability.Metrics
	breaker *infra.CircuitBreaker

	// onFailure is invoked once per lost connection, off the session's
	// goroutines. The pool uses it to rebind conversations.
	onFailure func(*Session)

	mu           sync.Mutex
	state        State
	active       *link
	turns        map[string]chan Event
	bound        map[string]struct{}
	lastActivity time.Time
	pingFailures int
	pingStreak   int

	closed chan struct{}
	wg     sync.WaitGroup
}

// NewSession creates an unconnected session.
func NewSession(opts Options, dialer Dialer, logger *observability.Logger, metrics *observability.Metrics) *Session {
	id := uuid.NewString()[:8]
	s := &Session{
		id:      id,
		opts:    opts,
		dialer:  dialer,
		logger:  logger.WithFields("session", id),
		metrics: metrics,
		turns:   make(map[string]chan Event),
		bound:   make(map[string]struct{}),
		closed:  make(chan struct{}),
	}
	s.breaker = infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
		Name:             "session-" + id,
		FailureThreshold: opts.FailureThreshold,
		RecoveryTimeout:  opts.RecoveryTimeout,
		OnStateChange: func(from, to string) {
			metrics.CircuitTransitions.WithLabelValues(id, to).Inc()
			s.onBreakerChange(to)
		},
	})
	metrics.SessionsByState.WithLabelValues(StateDisconnected.String()).Inc()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// SetOnFailure installs the pool's failure callback. Must be called
// before Connect.
func (s *Session) SetOnFailure(fn func(*Session)) { s.onFailure = fn }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the session can carry turns.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady || s.state == StateStreaming
}

// setState must not be called with s.mu held by the same goroutine
// unless via setStateLocked.
func (s *Session) setState(st State) {
	s.mu.Lock()
	s.setStateLocked(st)
	s.mu.Unlock()
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.metrics.SessionsByState.WithLabelValues(s.state.String()).Dec()
	s.metrics.SessionsByState.WithLabelValues(st.String()).Inc()
	s.state = st
}

// Connect dials, performs the setup handshake, and starts the read and
// ping loops. Failed attempts retry with exponential backoff up to the
// configured cap; exhaustion is a terminal failure the caller owns.
// Connect refuses while the circuit breaker is open.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	if err := s.breaker.Allow(); err != nil {
		return err
	}

	s.setState(StateConnecting)
	err := backoff.Retry(ctx, s.opts.ConnectBackoff, s.opts.ConnectAttempts, func(attempt int) error {
		cerr := s.connectOnce(ctx)
		if cerr != nil {
			s.metrics.Reconnects.WithLabelValues(s.id, "failure").Inc()
			s.logger.Warn(ctx, "connect attempt failed", "attempt", attempt, "error", cerr)
		}
		return cerr
	})
	if err != nil {
		s.breaker.RecordFailure()
		s.setState(StateDisconnected)
		return infra.NewError(infra.ErrCodeConnection, "session connect exhausted retries", err)
	}

	s.breaker.RecordSuccess()
	s.metrics.Reconnects.WithLabelValues(s.id, "success").Inc()
	s.logger.Info(ctx, "session connected")
	return nil
}

func (s *Session) connectOnce(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.opts.APIKey)

	conn, err := s.dialer.Dial(ctx, s.opts.URL, header)
	if err != nil {
		return err
	}

	if err := s.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	l := &link{conn: conn, stop: make(chan struct{})}
	s.mu.Lock()
	s.active = l
	s.pingFailures = 0
	s.pingStreak = 0
	s.lastActivity = time.Now()
	s.setStateLocked(StateReady)
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(l)
	go s.pingLoop(l)
	return nil
}

// handshake sends session.update and waits for the server ack.
func (s *Session) handshake(conn Conn) error {
	timeout := s.opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// ReadMessage has no deadline of its own; closing the connection
	// unblocks it if the ack never arrives.
	guard := time.AfterFunc(timeout, func() { conn.Close() })
	defer guard.Stop()

	err := conn.WriteJSON(frame{
		Type:    frameSessionUpdate,
		EventID: uuid.NewString(),
		Session: &sessionSetup{
			Model:        s.opts.Model,
			Instructions: s.opts.Instructions,
			Modalities:   []string{"text"},
			Tools:        s.opts.ToolSpecs,
		},
	})
	if err != nil {
		return err
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return errors.New("handshake: connection closed before ack")
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case frameSessionCreated:
			return nil
		case frameError:
			return errors.New("handshake rejected: " + f.Error.String())
		}
	}
}

// StartTurn submits a user message and registers the event channel the
// response streams to. A turn already active for the conversation is
// replaced; its channel is closed.
func (s *Session) StartTurn(ctx context.Context, conversationID, text string) (<-chan Event, error) {
	if err := s.breaker.Allow(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state != StateReady && s.state != StateStreaming {
		s.mu.Unlock()
		return nil, infra.NewError(infra.ErrCodeUnavailable, "session not ready", ErrSessionNotReady)
	}
	l := s.active
	if old, ok := s.turns[conversationID]; ok {
		close(old)
	}
	ch := make(chan Event, 128)
	s.turns[conversationID] = ch
	s.setStateLocked(StateStreaming)
	s.mu.Unlock()

	err := l.conn.WriteJSON(frame{
		Type:           frameItemCreate,
		EventID:        uuid.NewString(),
		ConversationID: conversationID,
		Item:           &item{Type: "message", Role: "user", Text: text},
	})
	if err == nil {
		err = l.conn.WriteJSON(frame{
			Type:           frameResponseCreate,
			EventID:        uuid.NewString(),
			ConversationID: conversationID,
		})
	}
	if err != nil {
		s.dropTurn(conversationID)
		s.failLink(l, err)
		return nil, infra.NewError(infra.ErrCodeConnection, "submit turn", err)
	}
	return ch, nil
}

// SubmitToolResult sends a tool's output back into the conversation and
// asks for the response to resume.
func (s *Session) SubmitToolResult(ctx context.Context, conversationID, callID string, output json.RawMessage) error {
	s.mu.Lock()
	l := s.active
	ok := s.state == StateReady || s.state == StateStreaming
	s.mu.Unlock()
	if !ok || l == nil {
		return infra.NewError(infra.ErrCodeUnavailable, "session not ready", ErrSessionNotReady)
	}

	err := l.conn.WriteJSON(frame{
		Type:           frameItemCreate,
		EventID:        uuid.NewString(),
		ConversationID: conversationID,
		Item:           &item{Type: "function_call_output", CallID: callID, Output: output},
	})
	if err == nil {
		err = l.conn.WriteJSON(frame{
			Type:           frameResponseCreate,
			EventID:        uuid.NewString(),
			ConversationID: conversationID,
		})
	}
	if err != nil {
		s.failLink(l, err)
		return infra.NewError(infra.ErrCodeConnection, "submit tool result", err)
	}
	return nil
}

// CancelTurn stops the conversation's in-flight response. The upstream
// cancel is best effort; locally the turn channel closes immediately and
// no further events are delivered for it.
func (s *Session) CancelTurn(conversationID string) {
	s.mu.Lock()
	l := s.active
	s.mu.Unlock()
	if l != nil {
		_ = l.conn.WriteJSON(frame{
			Type:           frameResponseCancel,
			EventID:        uuid.NewString(),
			ConversationID: conversationID,
		})
	}
	s.dropTurn(conversationID)
}

// dropTurn unregisters and closes the conversation's event channel.
func (s *Session) dropTurn(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.turns[conversationID]; ok {
		close(ch)
		delete(s.turns, conversationID)
	}
	if len(s.turns) == 0 && s.state == StateStreaming {
		s.setStateLocked(StateReady)
	}
}

// deliver routes an event to the conversation's turn channel. The send
// never blocks the read loop: the channel is buffered and a full buffer
// drops the event with a warning.
func (s *Session) deliver(conversationID string, ev Event) {
	s.mu.Lock()
	ch, ok := s.turns[conversationID]
	if ok {
		select {
		case ch <- ev:
		default:
			s.logger.Warn(context.Background(), "turn event buffer full, dropping event",
				"conversation", conversationID, "kind", ev.Kind)
		}
	}
	s.mu.Unlock()
}

func (s *Session) readLoop(l *link) {
	defer s.wg.Done()
	for {
		data, err := l.conn.ReadMessage()
		if err != nil {
			s.failLink(l, err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn(context.Background(), "discarding malformed frame", "error", err)
			continue
		}

		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()

		switch f.Type {
		case frameResponseCreated:
			s.deliver(f.ConversationID, Event{Kind: EventCreated})
		case frameTextDelta:
			s.deliver(f.ConversationID, Event{Kind: EventTextDelta, Delta: f.Delta})
		case frameTextDone:
			s.deliver(f.ConversationID, Event{Kind: EventTextDone, Text: f.Text})
		case frameFunctionCallDone:
			s.deliver(f.ConversationID, Event{
				Kind:      EventToolCall,
				CallID:    f.CallID,
				ToolName:  f.Name,
				Arguments: f.Arguments,
			})
		case frameResponseDone:
			s.deliver(f.ConversationID, Event{Kind: EventDone})
			s.dropTurn(f.ConversationID)
		case frameError:
			s.deliver(f.ConversationID, Event{
				Kind: EventError,
				Err:  infra.NewError(infra.ErrCodeUpstream, "inference error", errors.New(f.Error.String())),
			})
			s.dropTurn(f.ConversationID)
		case frameSessionCreated:
			// Duplicate ack after reconnect, nothing to do.
		default:
			s.logger.Debug(context.Background(), "ignoring frame", "type", f.Type)
		}
	}
}

// pingTimeout widens with accumulated failures so a congested upstream
// gets more slack before the session gives up on it.
func (s *Session) pingTimeout() time.Duration {
	s.mu.Lock()
	failures := s.pingFailures
	s.mu.Unlock()

	timeout := time.Duration(float64(s.opts.PingBaseTimeout) * (1 + float64(failures)*s.opts.PingGrowthFactor))
	if timeout > s.opts.PingMaxTimeout {
		timeout = s.opts.PingMaxTimeout
	}
	return timeout
}

func (s *Session) pingLoop(l *link) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-s.closed:
			return
		case <-ticker.C:
		}

		timeout := s.pingTimeout()
		if err := l.conn.Ping(time.Now().Add(timeout)); err != nil {
			s.failLink(l, err)
			return
		}

		timer := time.NewTimer(timeout)
		select {
		case <-l.conn.Pong():
			timer.Stop()
			s.pingSucceeded()
		case <-timer.C:
			if s.pingFailed() {
				s.failLink(l, errors.New("ping timeout at failure threshold"))
				return
			}
		case <-l.stop:
			timer.Stop()
			return
		}
	}
}

func (s *Session) pingSucceeded() {
	s.mu.Lock()
	s.pingStreak++
	// Sustained health decays the adaptive timeout back to base.
	if s.pingStreak >= 3 {
		s.pingFailures = 0
	}
	s.mu.Unlock()
	s.breaker.RecordSuccess()
}

// pingFailed records a missed probe and reports whether the breaker
// opened as a result.
func (s *Session) pingFailed() bool {
	s.mu.Lock()
	s.pingFailures++
	s.pingStreak = 0
	failures := s.pingFailures
	s.mu.Unlock()

	s.logger.Warn(context.Background(), "ping timeout", "failures", failures)
	s.breaker.RecordFailure()
	return s.breaker.State() == infra.CircuitOpen
}

// failLink tears the connection down exactly once, evicts every bound
// turn with a reconnecting signal, and notifies the pool.
func (s *Session) failLink(l *link, cause error) {
	l.fail.Do(func() {
		close(l.stop)
		l.conn.Close()
		s.breaker.RecordFailure()

		s.mu.Lock()
		if s.active == l {
			s.active = nil
		}
		for conv, ch := range s.turns {
			select {
			case ch <- Event{Kind: EventReconnecting, Err: cause}:
			default:
			}
			close(ch)
			delete(s.turns, conv)
		}
		if s.state != StateClosing {
			if s.breaker.State() == infra.CircuitOpen {
				s.setStateLocked(StateCircuitOpen)
			} else {
				s.setStateLocked(StateDisconnected)
			}
		}
		closing := s.state == StateClosing
		s.mu.Unlock()

		s.logger.Warn(context.Background(), "session connection lost", "error", cause)
		if !closing && s.onFailure != nil {
			go s.onFailure(s)
		}
	})
}

// onBreakerChange moves the session into or out of the circuit-open
// state when the breaker transitions outside of a connection failure.
func (s *Session) onBreakerChange(to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to == infra.CircuitOpen && s.state != StateClosing {
		s.setStateLocked(StateCircuitOpen)
	}
}

// Bind reserves a conversation slot. It fails when the session is at
// capacity.
func (s *Session) Bind(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bound[conversationID]; ok {
		return true
	}
	if len(s.bound) >= s.opts.Capacity {
		return false
	}
	s.bound[conversationID] = struct{}{}
	return true
}

// Unbind releases a conversation slot.
func (s *Session) Unbind(conversationID string) {
	s.mu.Lock()
	delete(s.bound, conversationID)
	s.mu.Unlock()
}

// Bound reports whether the conversation is bound to this session.
func (s *Session) Bound(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bound[conversationID]
	return ok
}

// Load returns the number of bound conversations.
func (s *Session) Load() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bound)
}

// BoundConversations returns a snapshot of the bound conversation ids.
func (s *Session) BoundConversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.bound))
	for conv := range s.bound {
		out = append(out, conv)
	}
	return out
}

// SessionStats is a health snapshot for /healthz and the pool sweeps.
type SessionStats struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	Load         int       `json:"load"`
	Capacity     int       `json:"capacity"`
	PingFailures int       `json:"ping_failures"`
	LastActivity time.Time `json:"last_activity"`
}

// Stats returns a point-in-time snapshot.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		ID:           s.id,
		State:        s.state.String(),
		Load:         len(s.bound),
		Capacity:     s.opts.Capacity,
		PingFailures: s.pingFailures,
		LastActivity: s.lastActivity,
	}
}

// LastActivity returns the time of the last inbound frame.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Breaker exposes the session's circuit breaker state.
func (s *Session) Breaker() *infra.CircuitBreaker {
	return s.breaker
}

// Close shuts the session down permanently.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosing {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateClosing)
	l := s.active
	s.mu.Unlock()

	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	if l != nil {
		s.failLink(l, ErrSessionClosed)
	}
	s.wg.Wait()
	s.setState(StateDisconnected)
	return nil
}
