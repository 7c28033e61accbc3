package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "modernc.org/sqlite"
)

const offsetKey = "telegram_offset"

// DB is the SQLite-backed state store.
type DB struct {
	conn *sql.DB
}

var _ Store = (*DB)(nil)

// NewDB opens the database at path and initializes the schema.
func NewDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS replied (
		post_id TEXT PRIMARY KEY,
		replied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS pending (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		post_id TEXT NOT NULL UNIQUE,
		author_handle TEXT NOT NULL DEFAULT '',
		reply_text TEXT NOT NULL,
		original_text TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// IsReplied reports whether the post has already been handled.
func (db *DB) IsReplied(ctx context.Context, postID string) (bool, error) {
	query := `SELECT 1 FROM replied WHERE post_id = ?`
	var dummy int
	err := db.conn.QueryRowContext(ctx, query, postID).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkReplied records the post as handled (idempotent).
func (db *DB) MarkReplied(ctx context.Context, postID string) error {
	query := `INSERT OR IGNORE INTO replied (post_id) VALUES (?)`
	_, err := db.conn.ExecContext(ctx, query, postID)
	return err
}

// RepliedCount returns the number of handled posts.
func (db *DB) RepliedCount(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM replied`
	var count int
	err := db.conn.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

// IsPending reports whether the post has a draft awaiting publishing.
func (db *DB) IsPending(ctx context.Context, postID string) (bool, error) {
	query := `SELECT 1 FROM pending WHERE post_id = ?`
	var dummy int
	err := db.conn.QueryRowContext(ctx, query, postID).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkPending inserts or replaces the draft for a post, keeping queue order
// by insertion.
func (db *DB) MarkPending(ctx context.Context, draft Draft) error {
	query := `
	INSERT INTO pending (post_id, author_handle, reply_text, original_text, url, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(post_id) DO UPDATE SET
		author_handle = excluded.author_handle,
		reply_text = excluded.reply_text,
		original_text = excluded.original_text,
		url = excluded.url,
		created_at = excluded.created_at
	`
	_, err := db.conn.ExecContext(ctx, query,
		draft.PostID,
		draft.AuthorHandle,
		draft.ReplyText,
		draft.OriginalText,
		draft.URL,
		draft.CreatedAt,
	)
	return err
}

// NextPending returns the oldest pending draft, or ErrNotFound.
func (db *DB) NextPending(ctx context.Context) (*Draft, error) {
	query := `
	SELECT post_id, author_handle, reply_text, original_text, url, created_at
	FROM pending ORDER BY seq LIMIT 1
	`

	draft := &Draft{}
	err := db.conn.QueryRowContext(ctx, query).Scan(
		&draft.PostID,
		&draft.AuthorHandle,
		&draft.ReplyText,
		&draft.OriginalText,
		&draft.URL,
		&draft.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return draft, nil
}

// RemovePending drops the draft for the given post, if any.
func (db *DB) RemovePending(ctx context.Context, postID string) error {
	query := `DELETE FROM pending WHERE post_id = ?`
	_, err := db.conn.ExecContext(ctx, query, postID)
	return err
}

// Pending returns a snapshot of the pending queue, oldest first.
func (db *DB) Pending(ctx context.Context) ([]Draft, error) {
	query := `
	SELECT post_id, author_handle, reply_text, original_text, url, created_at
	FROM pending ORDER BY seq
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drafts []Draft
	for rows.Next() {
		var d Draft
		if err := rows.Scan(&d.PostID, &d.AuthorHandle, &d.ReplyText, &d.OriginalText, &d.URL, &d.CreatedAt); err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// Offset returns the persisted Telegram update cursor, 0 when unset.
func (db *DB) Offset(ctx context.Context) (int, error) {
	query := `SELECT value FROM settings WHERE key = ?`
	var value string
	err := db.conn.QueryRowContext(ctx, query, offsetKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	offset, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse stored offset %q: %w", value, err)
	}
	return offset, nil
}

// SetOffset persists the Telegram update cursor.
func (db *DB) SetOffset(ctx context.Context, offset int) error {
	query := `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := db.conn.ExecContext(ctx, query, offsetKey, strconv.Itoa(offset))
	return err
}
