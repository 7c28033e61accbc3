package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	repliedFile = "replied.json"
	pendingFile = "pending.json"
	offsetFile  = "offset.json"
)

// FileStore keeps state in JSON files under a directory. Mutations rewrite
// the affected file through a temp file and rename, so a crash mid-write
// leaves the previous snapshot intact.
type FileStore struct {
	mu         sync.RWMutex
	dir        string
	replied    []string
	repliedSet map[string]bool
	pending    []Draft
	offset     int
}

var _ Store = (*FileStore)(nil)

// NewFileStore loads state from dir, creating it if needed. Unreadable or
// malformed files are logged and treated as empty state.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &FileStore{dir: dir, repliedSet: make(map[string]bool)}

	var replied []string
	if loadJSONFile(s.path(repliedFile), &replied) {
		for _, id := range replied {
			if !s.repliedSet[id] {
				s.replied = append(s.replied, id)
				s.repliedSet[id] = true
			}
		}
	}
	loadJSONFile(s.path(pendingFile), &s.pending)

	var cursor struct {
		Offset int `json:"offset"`
	}
	if loadJSONFile(s.path(offsetFile), &cursor) {
		s.offset = cursor.Offset
	}

	return s, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

// loadJSONFile reads path into v, reporting whether it produced data.
// A missing file is normal; anything else unreadable is a warning, not an
// error, so a damaged file never blocks the bot from starting.
func loadJSONFile(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("state file unreadable, starting empty", "file", path, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("state file malformed, starting empty", "file", path, "error", err)
		return false
	}
	return true
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return os.Rename(tmp, path)
}

// IsReplied reports whether the post has already been handled.
func (s *FileStore) IsReplied(ctx context.Context, postID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repliedSet[postID], nil
}

// MarkReplied records the post as handled (idempotent).
func (s *FileStore) MarkReplied(ctx context.Context, postID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repliedSet[postID] {
		return nil
	}
	replied := append(s.replied, postID)
	if err := writeJSONFile(s.path(repliedFile), replied); err != nil {
		return fmt.Errorf("persist replied ids: %w", err)
	}
	s.replied = replied
	s.repliedSet[postID] = true
	return nil
}

// RepliedCount returns the number of handled posts.
func (s *FileStore) RepliedCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.replied), nil
}

// IsPending reports whether the post has a draft awaiting publishing.
func (s *FileStore) IsPending(ctx context.Context, postID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.pending {
		if d.PostID == postID {
			return true, nil
		}
	}
	return false, nil
}

// MarkPending appends the draft to the pending queue, replacing any earlier
// draft for the same post.
func (s *FileStore) MarkPending(ctx context.Context, draft Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]Draft, 0, len(s.pending)+1)
	for _, d := range s.pending {
		if d.PostID != draft.PostID {
			pending = append(pending, d)
		}
	}
	pending = append(pending, draft)

	if err := writeJSONFile(s.path(pendingFile), pending); err != nil {
		return fmt.Errorf("persist pending drafts: %w", err)
	}
	s.pending = pending
	return nil
}

// NextPending returns the oldest pending draft, or ErrNotFound.
func (s *FileStore) NextPending(ctx context.Context) (*Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.pending) == 0 {
		return nil, ErrNotFound
	}
	head := s.pending[0]
	return &head, nil
}

// RemovePending drops the draft for the given post, if any.
func (s *FileStore) RemovePending(ctx context.Context, postID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]Draft, 0, len(s.pending))
	for _, d := range s.pending {
		if d.PostID != postID {
			pending = append(pending, d)
		}
	}
	if len(pending) == len(s.pending) {
		return nil
	}

	if err := writeJSONFile(s.path(pendingFile), pending); err != nil {
		return fmt.Errorf("persist pending drafts: %w", err)
	}
	s.pending = pending
	return nil
}

// Pending returns a snapshot of the pending queue, oldest first.
func (s *FileStore) Pending(ctx context.Context) ([]Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Draft, len(s.pending))
	copy(out, s.pending)
	return out, nil
}

// Offset returns the persisted Telegram update cursor.
func (s *FileStore) Offset(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset, nil
}

// SetOffset persists the Telegram update cursor.
func (s *FileStore) SetOffset(ctx context.Context, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := struct {
		Offset int `json:"offset"`
	}{Offset: offset}
	if err := writeJSONFile(s.path(offsetFile), cursor); err != nil {
		return fmt.Errorf("persist offset: %w", err)
	}
	s.offset = offset
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
