package approval

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// statusURLRegex matches X post permalinks in chat messages.
var statusURLRegex = regexp.MustCompile(`(?:https?://)?(?:www\.)?(?:x|twitter)\.com/[^/\s]+/status/(\d+)`)

// ReplyHandler handles a request to reply to a specific post.
type ReplyHandler func(ctx context.Context, postID string) error

// ComposeHandler handles a request to compose an original post from a prompt.
type ComposeHandler func(ctx context.Context, text string) error

// Router turns chat messages into work: a post permalink triggers the reply
// flow, any other text triggers the compose flow. It shares the durable
// update cursor with the gate.
type Router struct {
	api       *tgbotapi.BotAPI
	chatID    int64
	offsets   OffsetStore
	onReply   ReplyHandler
	onCompose ComposeHandler
}

// NewRouter creates a message router for the configured chat.
func NewRouter(api *tgbotapi.BotAPI, chatID int64, offsets OffsetStore, onReply ReplyHandler, onCompose ComposeHandler) *Router {
	return &Router{
		api:       api,
		chatID:    chatID,
		offsets:   offsets,
		onReply:   onReply,
		onCompose: onCompose,
	}
}

// PollOnce drains currently available updates, routes each message, and
// persists the advanced cursor. It never blocks waiting for new updates.
func (r *Router) PollOnce(ctx context.Context) error {
	offset, err := r.offsets.Offset(ctx)
	if err != nil {
		slog.Warn("failed to read update offset, starting from zero", "error", err)
		offset = 0
	}

	u := tgbotapi.NewUpdate(offset)
	updates, err := r.api.GetUpdates(u)
	if err != nil {
		return fmt.Errorf("get updates: %w", err)
	}
	if len(updates) == 0 {
		return nil
	}

	for _, update := range updates {
		offset = update.UpdateID + 1
		r.route(ctx, update.Message)
	}

	if err := r.offsets.SetOffset(ctx, offset); err != nil {
		return fmt.Errorf("persist offset: %w", err)
	}
	return nil
}

func (r *Router) route(ctx context.Context, msg *tgbotapi.Message) {
	if msg == nil || msg.Text == "" {
		return
	}
	if r.chatID != 0 && msg.Chat != nil && msg.Chat.ID != r.chatID {
		return
	}

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		return
	}

	if m := statusURLRegex.FindStringSubmatch(text); m != nil {
		slog.Info("received reply request", "post_id", m[1])
		if r.onReply != nil {
			if err := r.onReply(ctx, m[1]); err != nil {
				slog.Error("reply flow failed", "post_id", m[1], "error", err)
			}
		}
		return
	}

	slog.Info("received compose request")
	if r.onCompose != nil {
		if err := r.onCompose(ctx, text); err != nil {
			slog.Error("compose flow failed", "error", err)
		}
	}
}
