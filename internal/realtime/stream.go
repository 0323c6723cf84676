package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/salonkit/concierge/internal/observability"
	"github.com/salonkit/concierge/internal/tools"
)

// Sink delivers streamed text to the user's channel. Render posts the
// first message and returns a handle; Edit rewrites it in place.
type Sink interface {
	Render(ctx context.Context, conversationID, text string) (handle string, err error)
	Edit(ctx context.Context, conversationID, handle, text string) error
}

// Turn is one inbound user message.
type Turn struct {
	ConversationID string
	UserID         int64
	Text           string
}

// StreamerConfig tunes response relay behavior.
type StreamerConfig struct {
	// EditInterval is the minimum spacing between message edits.
	EditInterval time.Duration
	// FirstEventTimeout fails a turn whose response never starts.
	FirstEventTimeout time.Duration
	// RetryPrompt is shown when a turn dies recoverably mid-stream.
	RetryPrompt string
}

// Streamer drives one turn at a time per conversation: it acquires a
// session, submits the message, and relays streamed events to the sink
// under an edit throttle. A new turn for the same conversation cancels
// the one in flight.
type Streamer struct {
	pool       *Pool
	dispatcher *tools.Dispatcher
	sink       Sink
	cfg        StreamerConfig
	logger     *observability.Logger
	metrics    *observability.Metrics

	mu     sync.Mutex
	active map[string]*turnRun
}

type turnRun struct {
	session   *Session
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// NewStreamer creates a streamer over the pool and sink.
func NewStreamer(pool *Pool, dispatcher *tools.Dispatcher, sink Sink, cfg StreamerConfig, logger *observability.Logger, metrics *observability.Metrics) *Streamer {
	if cfg.RetryPrompt == "" {
		cfg.RetryPrompt = "Sorry, the connection hiccuped. Please send that again."
	}
	return &Streamer{
		pool:       pool,
		dispatcher: dispatcher,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		active:     make(map[string]*turnRun),
	}
}

// Start begins streaming a response for the turn. Any in-flight response
// for the same conversation is cancelled first. The returned error only
// covers submission; streaming failures are handled internally.
func (s *Streamer) Start(ctx context.Context, turn Turn) error {
	s.Cancel(turn.ConversationID)

	session, err := s.pool.Acquire(ctx, turn.ConversationID)
	if err != nil {
		s.metrics.TurnCounter.WithLabelValues("capacity").Inc()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := session.StartTurn(runCtx, turn.ConversationID, turn.Text)
	if err != nil {
		cancel()
		s.metrics.TurnCounter.WithLabelValues("failed").Inc()
		return err
	}

	run := &turnRun{session: session, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.active[turn.ConversationID] = run
	s.mu.Unlock()

	go s.run(runCtx, run, turn, events)
	return nil
}

// Cancel stops the conversation's in-flight turn, if any. The turn stops
// emitting edits immediately; the upstream cancel is best effort.
func (s *Streamer) Cancel(conversationID string) {
	s.mu.Lock()
	run, ok := s.active[conversationID]
	if ok {
		delete(s.active, conversationID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	run.cancelled.Store(true)
	run.session.CancelTurn(conversationID)
	run.cancel()
	<-run.done
}

func (s *Streamer) finish(conversationID string, run *turnRun, outcome string) {
	s.mu.Lock()
	if s.active[conversationID] == run {
		delete(s.active, conversationID)
	}
	s.mu.Unlock()
	// Free the session slot so an idle conversation cannot hold
	// capacity between turns.
	s.pool.Release(conversationID)
	s.metrics.TurnCounter.WithLabelValues(outcome).Inc()
	close(run.done)
}

func (s *Streamer) run(ctx context.Context, run *turnRun, turn Turn, events <-chan Event) {
	conv := turn.ConversationID
	logger := s.logger.WithFields("conversation", conv)

	var (
		buf         string
		lastFlushed string
		handle      string
		lastEdit    time.Time
	)

	flush := func(final bool) {
		if run.cancelled.Load() {
			return
		}
		if buf == lastFlushed || buf == "" {
			return
		}
		if !final {
			// Throttle: enough time must have passed and the buffer
			// must have grown since the last flush.
			if time.Since(lastEdit) < s.cfg.EditInterval || len(buf) <= len(lastFlushed) {
				s.metrics.EditsSuppressed.Inc()
				return
			}
		}

		kind := "edit"
		var err error
		if handle == "" {
			kind = "render"
			handle, err = s.sink.Render(ctx, conv, buf)
		} else {
			if final {
				kind = "final"
			}
			err = s.sink.Edit(ctx, conv, handle, buf)
		}
		status := "ok"
		if err != nil {
			status = "error"
			logger.Warn(ctx, "sink delivery failed", "kind", kind, "error", err)
		} else {
			lastFlushed = buf
			lastEdit = time.Now()
		}
		s.metrics.EditCounter.WithLabelValues(kind, status).Inc()
	}

	sawEvent := false
	watchdog := time.NewTimer(s.cfg.FirstEventTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			for range events {
				// Drain and discard whatever the session still queued.
			}
			s.finish(conv, run, "cancelled")
			return

		case <-watchdog.C:
			if sawEvent {
				continue
			}
			// The response never started. Cancel upstream and tell the
			// user to retry rather than leaving them hanging.
			logger.Warn(ctx, "no response before deadline, cancelling turn")
			run.session.CancelTurn(conv)
			s.renderPrompt(ctx, run, conv, handle, s.cfg.RetryPrompt)
			s.finish(conv, run, "failed")
			return

		case ev, ok := <-events:
			if !ok {
				// Channel closed without a done event: the turn was
				// replaced or cancelled elsewhere.
				s.finish(conv, run, "cancelled")
				return
			}
			sawEvent = true
			if run.cancelled.Load() {
				continue
			}

			switch ev.Kind {
			case EventCreated:
				// Response acknowledged; the watchdog is satisfied.

			case EventTextDelta:
				buf += ev.Delta
				flush(false)

			case EventTextDone:
				if ev.Text != "" {
					buf = ev.Text
				}

			case EventToolCall:
				go s.dispatchTool(ctx, run, conv, turn.UserID, ev)

			case EventDone:
				flush(true)
				s.finish(conv, run, "completed")
				return

			case EventError:
				logger.Warn(ctx, "turn failed upstream", "error", ev.Err)
				flush(true)
				if handle == "" && buf == "" {
					s.renderPrompt(ctx, run, conv, handle, s.cfg.RetryPrompt)
				}
				s.finish(conv, run, "failed")
				return

			case EventReconnecting:
				logger.Warn(ctx, "session lost mid-turn", "error", ev.Err)
				s.renderPrompt(ctx, run, conv, handle, s.cfg.RetryPrompt)
				s.finish(conv, run, "failed")
				return
			}
		}
	}
}

// dispatchTool runs one tool call and feeds its output back into the
// turn. Calls within a turn run concurrently; results are keyed by call
// id so arrival order does not matter.
func (s *Streamer) dispatchTool(ctx context.Context, run *turnRun, conv string, userID int64, ev Event) {
	payload, err := s.dispatcher.Dispatch(ctx, tools.CallContext{
		ConversationID: conv,
		UserID:         userID,
	}, ev.ToolName, ev.Arguments)
	if err != nil {
		// The payload already reports the failure in-band; the model
		// decides how to tell the user.
		s.logger.Warn(ctx, "tool call failed", "conversation", conv, "tool", ev.ToolName, "error", err)
	}

	if run.cancelled.Load() {
		return
	}
	if err := run.session.SubmitToolResult(ctx, conv, ev.CallID, payload); err != nil {
		s.logger.Warn(ctx, "tool result submission failed", "conversation", conv, "error", err)
	}
}

// renderPrompt delivers a service message, editing the partial response
// if one was already rendered.
func (s *Streamer) renderPrompt(ctx context.Context, run *turnRun, conv, handle, text string) {
	if run.cancelled.Load() {
		return
	}
	var err error
	if handle != "" {
		err = s.sink.Edit(ctx, conv, handle, text)
	} else {
		_, err = s.sink.Render(ctx, conv, text)
	}
	if err != nil {
		s.logger.Warn(ctx, "retry prompt delivery failed", "conversation", conv, "error", err)
	}
}

// ActiveTurns returns the number of in-flight turns.
func (s *Streamer) ActiveTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
