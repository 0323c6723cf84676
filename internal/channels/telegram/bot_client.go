package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// BotClient defines the Telegram bot operations the adapter relies on.
// The interface allows mock injection in tests; *bot.Bot satisfies it
// directly, so no wrapper is needed in production.
type BotClient interface {
	// SendMessage sends a text message to a chat.
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)

	// EditMessageText rewrites the text of a previously sent message.
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)

	// Start begins the long polling loop and blocks until ctx is cancelled.
	Start(ctx context.Context)
}
