package collector

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"orbit-agent/xsearch"
)

// Strategy produces candidate posts from one source.
type Strategy interface {
	Name() string
	Collect(ctx context.Context, topics []string, limit int) ([]xsearch.Post, error)
}

// EngagedSearcher matches the engagement-focused API search.
type EngagedSearcher interface {
	SearchEngaged(ctx context.Context, topics []string, q xsearch.EngagedQuery) ([]xsearch.Post, error)
}

// TopicSearcher matches the per-topic API search.
type TopicSearcher interface {
	SearchTopics(ctx context.Context, topics []string, limitPerTopic int) ([]xsearch.Post, error)
}

// MirrorSearcher matches the HTML mirror scrape.
type MirrorSearcher interface {
	SearchMirror(ctx context.Context, topic string, limit int) ([]xsearch.Post, error)
}

type engagedStrategy struct {
	searcher EngagedSearcher
	query    xsearch.EngagedQuery
}

// NewEngagedStrategy builds the primary strategy: one API search tuned for
// high-engagement posts across all topics.
func NewEngagedStrategy(searcher EngagedSearcher, query xsearch.EngagedQuery) Strategy {
	return &engagedStrategy{searcher: searcher, query: query}
}

func (s *engagedStrategy) Name() string { return "engaged-search" }

func (s *engagedStrategy) Collect(ctx context.Context, topics []string, limit int) ([]xsearch.Post, error) {
	q := s.query
	q.Limit = limit
	return s.searcher.SearchEngaged(ctx, topics, q)
}

type topicStrategy struct {
	searcher      TopicSearcher
	limitPerTopic int
}

// NewTopicStrategy builds the fallback strategy: one plain API search per
// topic, merged. limitPerTopic caps each topic's fetch; zero falls back to
// the requested limit.
func NewTopicStrategy(searcher TopicSearcher, limitPerTopic int) Strategy {
	return &topicStrategy{searcher: searcher, limitPerTopic: limitPerTopic}
}

func (s *topicStrategy) Name() string { return "topic-search" }

func (s *topicStrategy) Collect(ctx context.Context, topics []string, limit int) ([]xsearch.Post, error) {
	per := s.limitPerTopic
	if per <= 0 {
		per = limit
	}
	return s.searcher.SearchTopics(ctx, topics, per)
}

type mirrorStrategy struct {
	searcher MirrorSearcher
}

// NewMirrorStrategy builds the last-resort strategy: scraping a static HTML
// mirror when the API yields nothing.
func NewMirrorStrategy(searcher MirrorSearcher) Strategy {
	return &mirrorStrategy{searcher: searcher}
}

func (s *mirrorStrategy) Name() string { return "mirror-scrape" }

func (s *mirrorStrategy) Collect(ctx context.Context, topics []string, limit int) ([]xsearch.Post, error) {
	seen := make(map[string]bool)
	var all []xsearch.Post
	for _, topic := range topics {
		posts, err := s.searcher.SearchMirror(ctx, topic, limit)
		if err != nil {
			return nil, err
		}
		for _, p := range posts {
			if !seen[p.ID] {
				seen[p.ID] = true
				all = append(all, p)
			}
		}
	}
	return all, nil
}

// Policy filters candidates after collection. Allowlisted handles always
// pass; everyone else needs a verified badge or enough followers.
type Policy struct {
	Allowlist    []string
	MinFollowers int
	WindowHours  int
}

// Collector tries strategies in priority order and returns the first
// non-empty filtered batch, ranked strongest first.
type Collector struct {
	strategies   []Strategy
	allowlist    map[string]bool
	minFollowers int
	window       time.Duration
}

// NewCollector creates a collector over the given strategies.
func NewCollector(policy Policy, strategies ...Strategy) *Collector {
	allowlist := make(map[string]bool, len(policy.Allowlist))
	for _, handle := range policy.Allowlist {
		allowlist[normalizeHandle(handle)] = true
	}
	return &Collector{
		strategies:   strategies,
		allowlist:    allowlist,
		minFollowers: policy.MinFollowers,
		window:       time.Duration(policy.WindowHours) * time.Hour,
	}
}

// Collect returns up to limit candidates. Strategy failures are logged and
// treated as empty results; an empty chain is not an error.
func (c *Collector) Collect(ctx context.Context, topics []string, limit int) []xsearch.Post {
	if limit <= 0 {
		limit = 1
	}

	for _, strat := range c.strategies {
		posts, err := strat.Collect(ctx, topics, limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("collection strategy failed", "strategy", strat.Name(), "error", err)
			continue
		}

		posts = c.filter(dedupe(posts))
		if len(posts) == 0 {
			slog.Info("no candidates from strategy", "strategy", strat.Name())
			continue
		}

		rank(posts)
		if len(posts) > limit {
			posts = posts[:limit]
		}
		slog.Info("collected candidates", "strategy", strat.Name(), "count", len(posts))
		return posts
	}
	return nil
}

func (c *Collector) filter(posts []xsearch.Post) []xsearch.Post {
	var kept []xsearch.Post
	for _, p := range posts {
		if c.keep(p) {
			kept = append(kept, p)
		}
	}
	return kept
}

func (c *Collector) keep(p xsearch.Post) bool {
	if c.allowlist[normalizeHandle(p.AuthorHandle)] {
		return true
	}
	if c.window > 0 && !p.CreatedAt.IsZero() && time.Since(p.CreatedAt) > c.window {
		return false
	}
	if p.Verified {
		return true
	}
	// Mirror posts carry no follower counts and stay gated on the badge.
	return p.Followers > 0 && p.Followers >= c.minFollowers
}

func dedupe(posts []xsearch.Post) []xsearch.Post {
	seen := make(map[string]bool, len(posts))
	var unique []xsearch.Post
	for _, p := range posts {
		if !seen[p.ID] {
			seen[p.ID] = true
			unique = append(unique, p)
		}
	}
	return unique
}

// rank orders candidates by engagement score so the first approval slot goes
// to the strongest post. Stable sort keeps source order on ties.
func rank(posts []xsearch.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		return Score(posts[i]) > Score(posts[j])
	})
}

// Score weighs engagement and reach on log scales, with a small bonus for a
// verified author.
func Score(p xsearch.Post) float64 {
	// log10(x + 1) to handle zero counts
	score := math.Log10(float64(p.Likes+p.Replies)+1) + math.Log10(float64(p.Followers)+1)
	if p.Verified {
		score += 0.5
	}
	return score
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}
