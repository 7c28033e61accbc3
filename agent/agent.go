// Package agent orchestrates one engagement cycle: discover posts, draft
// replies, route them through human approval, and publish what was approved.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"orbit-agent/approval"
	"orbit-agent/publisher"
	"orbit-agent/storage"
	"orbit-agent/xscrape"
	"orbit-agent/xsearch"
)

// Collector produces ranked candidate posts.
type Collector interface {
	Collect(ctx context.Context, topics []string, limit int) []xsearch.Post
}

// Writer drafts reply text.
type Writer interface {
	Compose(ctx context.Context, postText string) (string, error)
	ComposeWithContext(ctx context.Context, postText, linkContext string) (string, error)
}

// Gate routes drafts through the human reviewer.
type Gate interface {
	RequestApproval(ctx context.Context, drafts []storage.Draft) (approval.Decision, error)
	Notify(ctx context.Context, text string) error
}

// Store is the durable state the runner depends on.
type Store interface {
	IsReplied(ctx context.Context, postID string) (bool, error)
	MarkReplied(ctx context.Context, postID string) error
	IsPending(ctx context.Context, postID string) (bool, error)
	MarkPending(ctx context.Context, draft storage.Draft) error
	NextPending(ctx context.Context) (*storage.Draft, error)
	RemovePending(ctx context.Context, postID string) error
	Pending(ctx context.Context) ([]storage.Draft, error)
}

// Publisher posts approved text to X.
type Publisher interface {
	Publish(ctx context.Context, text, inReplyTo string) publisher.Result
}

// PostFetcher looks up a single post, for the operator reply flow.
type PostFetcher interface {
	GetPost(ctx context.Context, id string) (*xsearch.Post, error)
}

// ContextExtractor pulls readable text from a page a post links to.
type ContextExtractor interface {
	ExtractArticle(ctx context.Context, url string) (string, error)
}

// Runner orchestrates the discover and publish phases.
type Runner struct {
	collector Collector
	writer    Writer
	gate      Gate
	store     Store
	publisher Publisher
	fetcher   PostFetcher
	extractor ContextExtractor

	topics    []string
	maxPerRun int
	dryRun    bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithTopics sets the discovery topics.
func WithTopics(topics []string) Option {
	return func(r *Runner) {
		r.topics = topics
	}
}

// WithMaxPerRun caps how many drafts one discovery run produces.
func WithMaxPerRun(n int) Option {
	return func(r *Runner) {
		r.maxPerRun = n
	}
}

// WithDryRun disables actual publishing.
func WithDryRun(dryRun bool) Option {
	return func(r *Runner) {
		r.dryRun = dryRun
	}
}

// WithPostFetcher enables the operator reply flow.
func WithPostFetcher(f PostFetcher) Option {
	return func(r *Runner) {
		r.fetcher = f
	}
}

// WithContextExtractor enables linked-page context in prompts.
func WithContextExtractor(e ContextExtractor) Option {
	return func(r *Runner) {
		r.extractor = e
	}
}

// NewRunner creates a runner over the given dependencies.
func NewRunner(
	collector Collector,
	writer Writer,
	gate Gate,
	store Store,
	pub Publisher,
	opts ...Option,
) *Runner {
	r := &Runner{
		collector: collector,
		writer:    writer,
		gate:      gate,
		store:     store,
		publisher: pub,
		topics:    []string{"ai agents"},
		maxPerRun: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discover runs phase one: collect candidates, drop ones already handled,
// draft replies, and put the strongest draft in front of the reviewer.
func (r *Runner) Discover(ctx context.Context) error {
	slog.Info("starting discovery", "topics", r.topics, "max_per_run", r.maxPerRun)

	// Overfetch so dedup filtering still leaves a full batch.
	posts := r.collector.Collect(ctx, r.topics, r.maxPerRun*2)
	if len(posts) == 0 {
		slog.Info("no candidates discovered")
		return nil
	}

	fresh, err := r.filterHandled(ctx, posts)
	if err != nil {
		return err
	}
	slog.Info("filtered candidates", "before", len(posts), "after", len(fresh))
	if len(fresh) == 0 {
		return nil
	}

	var drafts []storage.Draft
	for _, p := range fresh {
		if len(drafts) >= r.maxPerRun {
			break
		}
		draft, err := r.draft(ctx, p)
		if err != nil {
			slog.Warn("failed to draft reply", "post_id", p.ID, "error", err)
			continue
		}
		drafts = append(drafts, draft)
	}
	if len(drafts) == 0 {
		slog.Info("no drafts produced")
		return nil
	}

	decision, err := r.gate.RequestApproval(ctx, drafts)
	if err != nil {
		return fmt.Errorf("request approval: %w", err)
	}
	return r.applyDecision(ctx, decision, drafts[0])
}

// Publish runs phase two: drain the pending queue head-first. Each draft is
// claimed in the replied set before the network call so a crash can cost at
// most one unposted reply, never a duplicate.
func (r *Runner) Publish(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		draft, err := r.store.NextPending(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read pending queue: %w", err)
		}

		replied, err := r.store.IsReplied(ctx, draft.PostID)
		if err != nil {
			return fmt.Errorf("check replied: %w", err)
		}
		if replied {
			// Claimed by an interrupted run; the publish outcome is unknown.
			// Drop rather than risk a double post.
			slog.Warn("dropping stale pending draft", "post_id", draft.PostID)
			if err := r.store.RemovePending(ctx, draft.PostID); err != nil {
				return fmt.Errorf("drop stale draft: %w", err)
			}
			continue
		}

		if err := r.store.MarkReplied(ctx, draft.PostID); err != nil {
			return fmt.Errorf("claim draft: %w", err)
		}

		if r.dryRun {
			slog.Info("dry run, not publishing", "post_id", draft.PostID, "reply", draft.ReplyText)
			if err := r.store.RemovePending(ctx, draft.PostID); err != nil {
				return fmt.Errorf("remove draft: %w", err)
			}
			r.notify(ctx, fmt.Sprintf("[dry run] Would reply to @%s: %s", draft.AuthorHandle, draft.ReplyText))
			continue
		}

		res := r.publisher.Publish(ctx, draft.ReplyText, draft.PostID)
		if err := r.store.RemovePending(ctx, draft.PostID); err != nil {
			return fmt.Errorf("remove draft: %w", err)
		}

		if res.OK {
			slog.Info("published reply", "post_id", draft.PostID, "reply_id", res.PostID)
			r.notify(ctx, fmt.Sprintf("Replied to @%s: %s", draft.AuthorHandle, draft.ReplyText))
		} else {
			slog.Error("publish failed", "post_id", draft.PostID, "status", res.StatusCode, "body", res.Body)
			r.notify(ctx, fmt.Sprintf("Failed to reply to @%s (status %d).", draft.AuthorHandle, res.StatusCode))
		}
	}
}

// RunOnce executes one full cycle: flush anything already approved, discover
// new work, then flush again.
func (r *Runner) RunOnce(ctx context.Context) error {
	if err := r.Publish(ctx); err != nil {
		return err
	}
	if err := r.Discover(ctx); err != nil {
		return err
	}
	return r.Publish(ctx)
}

// ReplyTo drafts a reply to one specific post and publishes it straight
// away if the reviewer approves.
func (r *Runner) ReplyTo(ctx context.Context, postID string) error {
	if r.fetcher == nil {
		return errors.New("post lookup not configured")
	}

	replied, err := r.store.IsReplied(ctx, postID)
	if err != nil {
		return fmt.Errorf("check replied: %w", err)
	}
	if replied {
		slog.Info("post already handled", "post_id", postID)
		r.notify(ctx, "Already handled that post.")
		return nil
	}

	post, err := r.fetcher.GetPost(ctx, postID)
	if err != nil {
		return fmt.Errorf("fetch post: %w", err)
	}

	draft, err := r.draft(ctx, *post)
	if err != nil {
		return fmt.Errorf("draft reply: %w", err)
	}

	decision, err := r.gate.RequestApproval(ctx, []storage.Draft{draft})
	if err != nil {
		return fmt.Errorf("request approval: %w", err)
	}
	if decision.Action != approval.ActionApprove {
		return r.applyDecision(ctx, decision, draft)
	}

	if err := r.store.MarkReplied(ctx, postID); err != nil {
		return fmt.Errorf("claim post: %w", err)
	}

	if r.dryRun {
		slog.Info("dry run, not publishing", "post_id", postID, "reply", draft.ReplyText)
		r.notify(ctx, fmt.Sprintf("[dry run] Would reply to @%s: %s", draft.AuthorHandle, draft.ReplyText))
		return nil
	}

	res := r.publisher.Publish(ctx, draft.ReplyText, postID)
	if res.OK {
		slog.Info("published reply", "post_id", postID, "reply_id", res.PostID)
		r.notify(ctx, fmt.Sprintf("Replied to @%s: %s", draft.AuthorHandle, draft.ReplyText))
	} else {
		slog.Error("publish failed", "post_id", postID, "status", res.StatusCode, "body", res.Body)
		r.notify(ctx, fmt.Sprintf("Failed to reply to @%s (status %d).", draft.AuthorHandle, res.StatusCode))
	}
	return nil
}

// ComposeOriginal drafts a standalone post from an operator prompt and
// publishes it if approved. Original posts never touch the dedup state.
func (r *Runner) ComposeOriginal(ctx context.Context, prompt string) error {
	text, err := r.writer.Compose(ctx, prompt)
	if err != nil {
		return fmt.Errorf("compose post: %w", err)
	}

	draft := storage.Draft{
		PostID:       fmt.Sprintf("compose-%d", time.Now().Unix()),
		ReplyText:    text,
		OriginalText: prompt,
		CreatedAt:    time.Now(),
	}

	decision, err := r.gate.RequestApproval(ctx, []storage.Draft{draft})
	if err != nil {
		return fmt.Errorf("request approval: %w", err)
	}

	switch decision.Action {
	case approval.ActionApprove:
		if r.dryRun {
			slog.Info("dry run, not publishing", "text", text)
			r.notify(ctx, "[dry run] Would post: "+text)
			return nil
		}
		res := r.publisher.Publish(ctx, text, "")
		if res.OK {
			slog.Info("published post", "reply_id", res.PostID)
			r.notify(ctx, "Posted: "+text)
		} else {
			slog.Error("publish failed", "status", res.StatusCode, "body", res.Body)
			r.notify(ctx, fmt.Sprintf("Failed to post (status %d).", res.StatusCode))
		}
	case approval.ActionSkip:
		slog.Info("compose draft skipped")
	case approval.ActionTimeout:
		slog.Info("compose approval timed out")
	}
	return nil
}

func (r *Runner) filterHandled(ctx context.Context, posts []xsearch.Post) ([]xsearch.Post, error) {
	var fresh []xsearch.Post
	for _, p := range posts {
		replied, err := r.store.IsReplied(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("check replied: %w", err)
		}
		if replied {
			continue
		}
		pending, err := r.store.IsPending(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("check pending: %w", err)
		}
		if pending {
			continue
		}
		fresh = append(fresh, p)
	}
	return fresh, nil
}

func (r *Runner) draft(ctx context.Context, p xsearch.Post) (storage.Draft, error) {
	linkContext := ""
	if r.extractor != nil {
		if link := xscrape.FirstLink(p.Text); link != "" {
			extracted, err := r.extractor.ExtractArticle(ctx, link)
			if err != nil {
				slog.Warn("failed to extract link context", "post_id", p.ID, "url", link, "error", err)
			} else {
				linkContext = extracted
			}
		}
	}

	reply, err := r.writer.ComposeWithContext(ctx, p.Text, linkContext)
	if err != nil {
		return storage.Draft{}, fmt.Errorf("compose reply: %w", err)
	}

	return storage.Draft{
		PostID:       p.ID,
		AuthorHandle: p.AuthorHandle,
		ReplyText:    reply,
		OriginalText: p.Text,
		URL:          p.URL,
		CreatedAt:    time.Now(),
	}, nil
}

func (r *Runner) applyDecision(ctx context.Context, decision approval.Decision, head storage.Draft) error {
	switch decision.Action {
	case approval.ActionApprove:
		if err := r.store.MarkPending(ctx, head); err != nil {
			return fmt.Errorf("queue approved draft: %w", err)
		}
		slog.Info("draft approved", "post_id", head.PostID)
		r.notify(ctx, fmt.Sprintf("Approved reply to @%s, queued for publishing.", head.AuthorHandle))
	case approval.ActionSkip:
		// A human declined; never offer this post again.
		if err := r.store.MarkReplied(ctx, head.PostID); err != nil {
			return fmt.Errorf("suppress skipped post: %w", err)
		}
		slog.Info("draft skipped", "post_id", head.PostID)
		r.notify(ctx, fmt.Sprintf("Skipped reply to @%s.", head.AuthorHandle))
	case approval.ActionTimeout:
		// The post stays eligible for a future run.
		slog.Info("approval timed out", "post_id", head.PostID)
		r.notify(ctx, "Approval window elapsed, draft dropped.")
	}
	return nil
}

func (r *Runner) notify(ctx context.Context, text string) {
	if err := r.gate.Notify(ctx, text); err != nil {
		slog.Warn("failed to send notification", "error", err)
	}
}
