package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	botmodels "github.com/go-telegram/bot/models"

	"github.com/salonkit/concierge/internal/infra"
	"github.com/salonkit/concierge/internal/observability"
)

// fakeBot records API calls and answers with synthetic messages.
type fakeBot struct {
	mu      sync.Mutex
	sends   []*bot.SendMessageParams
	edits   []*bot.EditMessageTextParams
	nextID  int
	sendErr error
	editErr error
}

func (f *fakeBot) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*botmodels.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sends = append(f.sends, params)
	f.nextID++
	return &botmodels.Message{ID: f.nextID}, nil
}

func (f *fakeBot) EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*botmodels.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return nil, f.editErr
	}
	f.edits = append(f.edits, params)
	return &botmodels.Message{ID: params.MessageID}, nil
}

func (f *fakeBot) Start(ctx context.Context) {
	<-ctx.Done()
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeBot) {
	t.Helper()
	a, err := NewAdapter(Config{
		Token:     "123456:test-token",
		EditRate:  1000,
		EditBurst: 100,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	fb := &fakeBot{}
	a.client = fb
	return a, fb
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

func TestConfigValidate(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		cfg := Config{}
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for empty token")
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		cfg := Config{Token: "123456:test-token"}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if cfg.EditRate != 25 || cfg.EditBurst != 10 {
			t.Errorf("rate defaults = %v/%v, want 25/10", cfg.EditRate, cfg.EditBurst)
		}
		if cfg.DedupeTTL != 10*time.Minute {
			t.Errorf("DedupeTTL = %v, want 10m", cfg.DedupeTTL)
		}
	})
}

func TestRenderSendsAndReturnsHandle(t *testing.T) {
	a, fb := newTestAdapter(t)

	handle, err := a.Render(context.Background(), "4242", "Hello there")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if handle != "1" {
		t.Errorf("handle = %q, want %q", handle, "1")
	}
	if len(fb.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(fb.sends))
	}
	if got := fb.sends[0].ChatID; got != int64(4242) {
		t.Errorf("ChatID = %v, want 4242", got)
	}
	if fb.sends[0].Text != "Hello there" {
		t.Errorf("Text = %q", fb.sends[0].Text)
	}
}

func TestEditTargetsRenderedMessage(t *testing.T) {
	a, fb := newTestAdapter(t)

	handle, err := a.Render(context.Background(), "4242", "partial")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if err := a.Edit(context.Background(), "4242", handle, "partial and more"); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	if len(fb.edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(fb.edits))
	}
	edit := fb.edits[0]
	if edit.ChatID != int64(4242) || edit.MessageID != 1 {
		t.Errorf("edit target = %v/%d, want 4242/1", edit.ChatID, edit.MessageID)
	}
	if edit.Text != "partial and more" {
		t.Errorf("edit text = %q", edit.Text)
	}
}

func TestEditIgnoresNotModified(t *testing.T) {
	a, fb := newTestAdapter(t)
	fb.editErr = errors.New("telegram: Bad Request: message is not modified")

	if err := a.Edit(context.Background(), "4242", "7", "same text"); err != nil {
		t.Fatalf("Edit should swallow not-modified, got %v", err)
	}
}

func TestSendErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code infra.ErrorCode
	}{
		{"rate limited", errors.New("telegram: Too Many Requests: retry after 5"), infra.ErrCodeRateLimit},
		{"other failure", errors.New("telegram: Bad Request: chat not found"), infra.ErrCodeUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, fb := newTestAdapter(t)
			fb.sendErr = tt.err

			_, err := a.Render(context.Background(), "4242", "hello")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := infra.CodeOf(err); got != tt.code {
				t.Errorf("code = %v, want %v", got, tt.code)
			}
		})
	}
}

func TestRenderRejectsBadConversationID(t *testing.T) {
	a, _ := newTestAdapter(t)

	_, err := a.Render(context.Background(), "not-a-chat", "hello")
	if infra.CodeOf(err) != infra.ErrCodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestHandleUpdateProducesTurn(t *testing.T) {
	a, _ := newTestAdapter(t)

	a.handleUpdate(context.Background(), nil, &botmodels.Update{
		ID: 900,
		Message: &botmodels.Message{
			ID:   5,
			Text: "book me a haircut",
			Chat: botmodels.Chat{ID: 4242},
			From: &botmodels.User{ID: 777},
		},
	})

	select {
	case turn := <-a.Turns():
		if turn.ConversationID != "4242" {
			t.Errorf("ConversationID = %q, want 4242", turn.ConversationID)
		}
		if turn.UserID != 777 {
			t.Errorf("UserID = %d, want 777", turn.UserID)
		}
		if turn.Text != "book me a haircut" {
			t.Errorf("Text = %q", turn.Text)
		}
	default:
		t.Fatal("no turn produced")
	}
}

func TestHandleUpdateDropsRedelivered(t *testing.T) {
	a, _ := newTestAdapter(t)

	update := &botmodels.Update{
		ID: 901,
		Message: &botmodels.Message{
			Text: "hello",
			Chat: botmodels.Chat{ID: 4242},
			From: &botmodels.User{ID: 777},
		},
	}

	a.handleUpdate(context.Background(), nil, update)
	a.handleUpdate(context.Background(), nil, update)

	count := 0
	for {
		select {
		case <-a.Turns():
			count++
			continue
		default:
		}
		break
	}
	if count != 1 {
		t.Fatalf("turns = %d, want 1", count)
	}
}

func TestHandleUpdateIgnoresNonText(t *testing.T) {
	a, _ := newTestAdapter(t)

	a.handleUpdate(context.Background(), nil, &botmodels.Update{ID: 902})
	a.handleUpdate(context.Background(), nil, &botmodels.Update{
		ID:      903,
		Message: &botmodels.Message{Chat: botmodels.Chat{ID: 4242}},
	})

	select {
	case turn := <-a.Turns():
		t.Fatalf("unexpected turn %+v", turn)
	default:
	}
}

func TestStartStopLifecycle(t *testing.T) {
	a, _ := newTestAdapter(t)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, ok := <-a.Turns(); ok {
		t.Fatal("turns channel should be closed after stop")
	}
}

func TestHandleParseHandle(t *testing.T) {
	a, _ := newTestAdapter(t)

	err := a.Edit(context.Background(), "4242", "nope", "text")
	if infra.CodeOf(err) != infra.ErrCodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}
