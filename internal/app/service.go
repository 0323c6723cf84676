// Package app wires the inbound turn channel to the response streamer,
// applying per-user admission control in between.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/salonkit/concierge/internal/observability"
	"github.com/salonkit/concierge/internal/ratelimit"
	"github.com/salonkit/concierge/internal/realtime"
)

// TurnStarter starts processing of one conversation turn.
type TurnStarter interface {
	Start(ctx context.Context, turn realtime.Turn) error
}

// Service runs the turn intake loop: each inbound turn passes the rate
// limiter, then goes to the streamer. Denials and capacity failures are
// answered with plain retry prompts instead of silence.
type Service struct {
	limiter  *ratelimit.Limiter
	rlConfig ratelimit.Config
	streamer TurnStarter
	sink     realtime.Sink
	turns    <-chan realtime.Turn
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewService creates the intake service.
func NewService(
	rlConfig ratelimit.Config,
	streamer TurnStarter,
	sink realtime.Sink,
	turns <-chan realtime.Turn,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Service {
	return &Service{
		limiter:  ratelimit.NewLimiter(rlConfig),
		rlConfig: rlConfig,
		streamer: streamer,
		sink:     sink,
		turns:    turns,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run consumes turns until ctx is cancelled or the turn channel closes.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case turn, ok := <-s.turns:
			if !ok {
				return nil
			}
			go s.handleTurn(ctx, turn)
		}
	}
}

// handleTurn admits and starts one turn. Later turns from the same
// conversation supersede earlier ones inside the streamer.
func (s *Service) handleTurn(ctx context.Context, turn realtime.Turn) {
	key := limiterKey(turn)

	if !s.limiter.Allow(key) {
		s.metrics.TurnCounter.WithLabelValues("rate_limited").Inc()
		s.logger.Warn(ctx, "turn denied by rate limiter",
			"conversation_id", turn.ConversationID,
			"user_id", turn.UserID)
		s.reply(ctx, turn.ConversationID, fmt.Sprintf(
			"You're sending messages a little too quickly. Please wait up to %s and try again.",
			s.rlConfig.Window))
		return
	}

	if err := s.streamer.Start(ctx, turn); err != nil {
		if errors.Is(err, realtime.ErrPoolExhausted) {
			s.logger.Warn(ctx, "no session capacity for turn",
				"conversation_id", turn.ConversationID)
			s.reply(ctx, turn.ConversationID,
				"I'm handling a lot of conversations right now. Please try again shortly.")
			return
		}
		s.logger.Error(ctx, "failed to start turn",
			"conversation_id", turn.ConversationID,
			"error", err)
		s.reply(ctx, turn.ConversationID,
			"Something went wrong on my end. Please send that again.")
	}
}

// reply delivers a one-off service message, dropping it on sink failure.
func (s *Service) reply(ctx context.Context, conversationID, text string) {
	if _, err := s.sink.Render(ctx, conversationID, text); err != nil {
		s.logger.Error(ctx, "failed to deliver service reply",
			"conversation_id", conversationID,
			"error", err)
	}
}

// limiterKey quotas by user when known, otherwise by conversation.
func limiterKey(turn realtime.Turn) string {
	if turn.UserID != 0 {
		return strconv.FormatInt(turn.UserID, 10)
	}
	return turn.ConversationID
}
