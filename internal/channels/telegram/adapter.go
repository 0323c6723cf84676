// Package telegram connects the conversation core to the Telegram Bot API.
// The adapter is both the inbound turn source (long polling) and the
// outbound delivery sink for streamed responses.
package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	botmodels "github.com/go-telegram/bot/models"

	"github.com/salonkit/concierge/internal/cache"
	"github.com/salonkit/concierge/internal/infra"
	"github.com/salonkit/concierge/internal/observability"
	"github.com/salonkit/concierge/internal/realtime"
)

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather (required)
	Token string

	// EditRate is the API call budget in calls per second
	EditRate float64

	// EditBurst is the burst capacity for API calls
	EditBurst int

	// DedupeTTL bounds how long redelivered update IDs are remembered
	DedupeTTL time.Duration

	// Logger is an optional logger instance
	Logger *observability.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return infra.NewError(infra.ErrCodeConfig, "telegram token is required", nil)
	}

	if c.EditRate == 0 {
		c.EditRate = 25 // Telegram allows ~30 calls/s per bot
	}

	if c.EditBurst == 0 {
		c.EditBurst = 10
	}

	if c.DedupeTTL == 0 {
		c.DedupeTTL = 10 * time.Minute
	}

	if c.Logger == nil {
		c.Logger = observability.NewLogger(observability.LogConfig{})
	}

	return nil
}

// Adapter bridges Telegram chats and conversation turns. Incoming text
// messages become Turn values on the Turns channel; streamed response
// text goes back out through the Sink methods, gated by a token bucket
// so rapid edit cycles stay inside the bot API call budget.
type Adapter struct {
	config  Config
	client  BotClient
	turns   chan realtime.Turn
	dedupe  *cache.DedupeCache
	limiter *RateLimiter
	logger  *observability.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ realtime.Sink = (*Adapter)(nil)

// NewAdapter creates a new Telegram adapter with the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Adapter{
		config:  config,
		turns:   make(chan realtime.Turn, 100),
		dedupe:  cache.NewDedupeCache(config.DedupeTTL, 4096),
		limiter: NewRateLimiter(config.EditRate, config.EditBurst),
		logger:  config.Logger.WithFields("adapter", "telegram"),
	}, nil
}

// Start connects the bot and begins long polling. It returns once the
// polling loop is running; updates flow into Turns until Stop is called.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.client == nil {
		b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
		if err != nil {
			cancel()
			return infra.NewError(infra.ErrCodeConnection, "failed to create telegram bot", err)
		}
		a.client = b
	}

	a.logger.Info(ctx, "starting telegram adapter", "edit_rate", a.config.EditRate)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.turns)
		a.client.Start(ctx)
	}()

	return nil
}

// Turns returns the channel of incoming conversation turns. The channel
// is closed when the adapter stops.
func (a *Adapter) Turns() <-chan realtime.Turn {
	return a.turns
}

// Stop shuts down the polling loop and waits for it to drain, or for ctx.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info(ctx, "telegram adapter stopped")
		return nil
	case <-ctx.Done():
		return infra.NewError(infra.ErrCodeTimeout, "telegram adapter stop timed out", ctx.Err())
	}
}

// handleUpdate converts an incoming Telegram update into a Turn. Updates
// redelivered after a long poll reconnect are dropped via the dedupe cache.
func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *botmodels.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}

	if a.dedupe.Check(strconv.FormatInt(update.ID, 10)) {
		a.logger.Debug(ctx, "dropping redelivered update", "update_id", update.ID)
		return
	}

	turn := realtime.Turn{
		ConversationID: strconv.FormatInt(update.Message.Chat.ID, 10),
		Text:           update.Message.Text,
	}
	if update.Message.From != nil {
		turn.UserID = update.Message.From.ID
	}

	select {
	case a.turns <- turn:
	case <-ctx.Done():
	default:
		a.logger.Warn(ctx, "turns channel full, dropping update",
			"chat_id", update.Message.Chat.ID)
	}
}

// Render delivers the first chunk of a response as a new message and
// returns the message ID as the edit handle for later chunks.
func (a *Adapter) Render(ctx context.Context, conversationID, text string) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", infra.NewError(infra.ErrCodeTimeout, "rate limit wait cancelled", err)
	}

	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return "", infra.NewError(infra.ErrCodeInvalidInput, "malformed conversation id", err)
	}

	sent, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		return "", classifySendError("send message", err)
	}

	return strconv.Itoa(sent.ID), nil
}

// Edit rewrites a previously rendered message in place. A handle comes
// from an earlier Render call for the same conversation.
func (a *Adapter) Edit(ctx context.Context, conversationID, handle, text string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return infra.NewError(infra.ErrCodeTimeout, "rate limit wait cancelled", err)
	}

	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return infra.NewError(infra.ErrCodeInvalidInput, "malformed conversation id", err)
	}
	messageID, err := strconv.Atoi(handle)
	if err != nil {
		return infra.NewError(infra.ErrCodeInvalidInput, "malformed message handle", err)
	}

	_, err = a.client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      text,
	})
	if err != nil {
		// Telegram rejects edits whose text matches the current message.
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return classifySendError("edit message", err)
	}

	return nil
}

// classifySendError maps bot API failures onto the shared error taxonomy.
func classifySendError(op string, err error) error {
	if isRateLimitError(err) {
		return infra.NewError(infra.ErrCodeRateLimit, op+": telegram rate limit exceeded", err)
	}
	return infra.NewError(infra.ErrCodeUpstream, op+" failed", err)
}

// isRateLimitError detects Telegram's 429 responses.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Too Many Requests") || strings.Contains(msg, "retry after")
}
