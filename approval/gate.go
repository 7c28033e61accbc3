// Package approval routes reply drafts through a human reviewer on Telegram.
package approval

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"orbit-agent/storage"
)

const (
	defaultWindow       = 60 * time.Second
	defaultPollInterval = 2 * time.Second
)

// Action is the reviewer's verdict on a draft.
type Action string

const (
	ActionApprove Action = "approve"
	ActionSkip    Action = "skip"
	ActionTimeout Action = "timeout"
)

// Decision is the outcome of one approval round.
type Decision struct {
	Action Action
	PostID string
	Text   string
}

// OffsetStore persists the Telegram update cursor so a restart never
// replays an already-handled interaction.
type OffsetStore interface {
	Offset(ctx context.Context) (int, error)
	SetOffset(ctx context.Context, offset int) error
}

// Gate sends drafts to the configured chat and polls for the reviewer's
// verdict within a bounded window.
type Gate struct {
	api      *tgbotapi.BotAPI
	chatID   int64
	offsets  OffsetStore
	window   time.Duration
	interval time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithWindow sets how long one approval round waits for a verdict.
func WithWindow(d time.Duration) Option {
	return func(g *Gate) {
		g.window = d
	}
}

// WithPollInterval sets the delay between update polls.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gate) {
		g.interval = d
	}
}

// NewGate creates an approval gate over an initialized bot API.
func NewGate(api *tgbotapi.BotAPI, chatID int64, offsets OffsetStore, opts ...Option) *Gate {
	g := &Gate{
		api:      api,
		chatID:   chatID,
		offsets:  offsets,
		window:   defaultWindow,
		interval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestApproval sends one message covering all drafts, with the head draft
// actionable, then waits for the reviewer. No verdict within the window
// yields a timeout decision and leaves the drafts untouched.
func (g *Gate) RequestApproval(ctx context.Context, drafts []storage.Draft) (Decision, error) {
	if len(drafts) == 0 {
		return Decision{}, errors.New("no drafts to review")
	}
	head := drafts[0]

	msg := tgbotapi.NewMessage(g.chatID, formatDraftMessage(drafts))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve ✅", "approve:"+head.PostID),
			tgbotapi.NewInlineKeyboardButtonData("Skip ❌", "skip:"+head.PostID),
		),
	)

	sent, err := g.api.Send(msg)
	if err != nil {
		return Decision{}, fmt.Errorf("send draft: %w", err)
	}

	offset, err := g.offsets.Offset(ctx)
	if err != nil {
		slog.Warn("failed to read update offset, starting from zero", "error", err)
		offset = 0
	}

	deadline := time.Now().Add(g.window)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = int(g.interval / time.Second)
		updates, err := g.api.GetUpdates(u)
		if err != nil {
			slog.Warn("failed to get updates", "error", err)
			if !g.sleep(ctx) {
				return Decision{}, ctx.Err()
			}
			continue
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			cb := update.CallbackQuery
			if cb == nil || cb.Message == nil || cb.Message.MessageID != sent.MessageID {
				continue
			}
			action, postID, ok := parseCallback(cb.Data)
			if !ok {
				continue
			}

			g.acknowledge(cb.ID, sent.MessageID)
			if err := g.offsets.SetOffset(ctx, offset); err != nil {
				slog.Warn("failed to persist update offset", "error", err)
			}

			decision := Decision{Action: action, PostID: postID}
			if action == ActionApprove {
				decision.Text = head.ReplyText
			}
			return decision, nil
		}

		if len(updates) > 0 {
			if err := g.offsets.SetOffset(ctx, offset); err != nil {
				slog.Warn("failed to persist update offset", "error", err)
			}
			continue
		}
		if !g.sleep(ctx) {
			return Decision{}, ctx.Err()
		}
	}

	return Decision{Action: ActionTimeout, PostID: head.PostID}, nil
}

// Notify reports an outcome or error to the chat.
func (g *Gate) Notify(ctx context.Context, text string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg := tgbotapi.NewMessage(g.chatID, text)
	if _, err := g.api.Send(msg); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

// acknowledge answers the callback and clears the keyboard so the buttons
// cannot fire twice.
func (g *Gate) acknowledge(callbackID string, messageID int) {
	if _, err := g.api.Request(tgbotapi.NewCallback(callbackID, "Got it ✅")); err != nil {
		slog.Warn("failed to answer callback", "error", err)
	}
	empty := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}}
	if _, err := g.api.Request(tgbotapi.NewEditMessageReplyMarkup(g.chatID, messageID, empty)); err != nil {
		slog.Warn("failed to clear keyboard", "error", err)
	}
}

func (g *Gate) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(g.interval):
		return true
	}
}

func parseCallback(data string) (Action, string, bool) {
	verb, postID, ok := strings.Cut(data, ":")
	if !ok || postID == "" {
		return "", "", false
	}
	switch verb {
	case "approve":
		return ActionApprove, postID, true
	case "skip":
		return ActionSkip, postID, true
	}
	return "", "", false
}

func formatDraftMessage(drafts []storage.Draft) string {
	head := drafts[0]

	var sb strings.Builder
	if head.AuthorHandle == "" {
		// No author means an original post drafted from a prompt.
		sb.WriteString("📝 <b>New post draft</b>\n\n")
		sb.WriteString(fmt.Sprintf("<i>%s</i>\n\n", html.EscapeString(clip(head.OriginalText, 280))))
		sb.WriteString(fmt.Sprintf("Post:\n%s", html.EscapeString(head.ReplyText)))
	} else {
		sb.WriteString(fmt.Sprintf("📝 <b>Reply draft for @%s</b>\n\n", html.EscapeString(head.AuthorHandle)))
		sb.WriteString(fmt.Sprintf("<i>%s</i>\n\n", html.EscapeString(clip(head.OriginalText, 280))))
		sb.WriteString(fmt.Sprintf("Reply:\n%s", html.EscapeString(head.ReplyText)))
	}
	if head.URL != "" {
		sb.WriteString(fmt.Sprintf("\n\n<a href=\"%s\">View post</a>", head.URL))
	}
	if len(drafts) > 1 {
		sb.WriteString(fmt.Sprintf("\n\n%d more in the queue.", len(drafts)-1))
	}
	return sb.String()
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
