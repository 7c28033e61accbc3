// Package storage persists the bot's durable state: the set of post IDs
// already handled, the queue of approved-but-unposted drafts, and the
// Telegram update cursor. Two backends implement the same contract: a JSON
// file store (default) and SQLite.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("not found")

// Draft is a reply that passed human approval and awaits publishing, or is
// on its way to the approval gate.
type Draft struct {
	PostID       string    `json:"post_id"`
	AuthorHandle string    `json:"author_handle"`
	ReplyText    string    `json:"reply_text"`
	OriginalText string    `json:"original_text"`
	URL          string    `json:"url"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the durable state contract shared by both backends. Every
// mutation is persisted before the call returns.
type Store interface {
	IsReplied(ctx context.Context, postID string) (bool, error)
	MarkReplied(ctx context.Context, postID string) error
	RepliedCount(ctx context.Context) (int, error)

	IsPending(ctx context.Context, postID string) (bool, error)
	MarkPending(ctx context.Context, draft Draft) error
	// NextPending returns the oldest pending draft without removing it,
	// or ErrNotFound when the queue is empty.
	NextPending(ctx context.Context) (*Draft, error)
	RemovePending(ctx context.Context, postID string) error
	Pending(ctx context.Context) ([]Draft, error)

	Offset(ctx context.Context) (int, error)
	SetOffset(ctx context.Context, offset int) error

	Close() error
}
