package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"orbit-agent/xsearch"
)

type stubStrategy struct {
	name  string
	posts []xsearch.Post
	err   error
	calls int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Collect(ctx context.Context, topics []string, limit int) ([]xsearch.Post, error) {
	s.calls++
	return s.posts, s.err
}

func verifiedPost(id string) xsearch.Post {
	return xsearch.Post{
		ID:           id,
		AuthorHandle: "author" + id,
		Text:         "post " + id,
		Verified:     true,
	}
}

func TestCollectFirstStrategyWins(t *testing.T) {
	primary := &stubStrategy{name: "primary", posts: []xsearch.Post{verifiedPost("1")}}
	fallback := &stubStrategy{name: "fallback", posts: []xsearch.Post{verifiedPost("2")}}

	c := NewCollector(Policy{}, primary, fallback)
	posts := c.Collect(context.Background(), []string{"ai"}, 5)

	if len(posts) != 1 || posts[0].ID != "1" {
		t.Fatalf("got %+v, want post 1 from primary", posts)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback called %d times, want 0", fallback.calls)
	}
}

func TestCollectFallsThroughOnError(t *testing.T) {
	primary := &stubStrategy{name: "primary", err: errors.New("rate limited")}
	fallback := &stubStrategy{name: "fallback", posts: []xsearch.Post{verifiedPost("2")}}

	c := NewCollector(Policy{}, primary, fallback)
	posts := c.Collect(context.Background(), []string{"ai"}, 5)

	if len(posts) != 1 || posts[0].ID != "2" {
		t.Fatalf("got %+v, want post 2 from fallback", posts)
	}
	if primary.calls != 1 {
		t.Errorf("primary called %d times, want 1", primary.calls)
	}
}

func TestCollectFallsThroughOnEmpty(t *testing.T) {
	primary := &stubStrategy{name: "primary"}
	fallback := &stubStrategy{name: "fallback", posts: []xsearch.Post{verifiedPost("2")}}

	c := NewCollector(Policy{}, primary, fallback)
	posts := c.Collect(context.Background(), []string{"ai"}, 5)

	if len(posts) != 1 || posts[0].ID != "2" {
		t.Fatalf("got %+v, want post 2 from fallback", posts)
	}
}

func TestCollectFallsThroughWhenAllFiltered(t *testing.T) {
	// Unverified author with too few followers never survives the filter.
	weak := xsearch.Post{ID: "1", AuthorHandle: "nobody", Text: "hi", Followers: 12}
	primary := &stubStrategy{name: "primary", posts: []xsearch.Post{weak}}
	fallback := &stubStrategy{name: "fallback", posts: []xsearch.Post{verifiedPost("2")}}

	c := NewCollector(Policy{MinFollowers: 10000}, primary, fallback)
	posts := c.Collect(context.Background(), []string{"ai"}, 5)

	if len(posts) != 1 || posts[0].ID != "2" {
		t.Fatalf("got %+v, want post 2 from fallback", posts)
	}
}

func TestCollectAllStrategiesExhausted(t *testing.T) {
	c := NewCollector(Policy{}, &stubStrategy{name: "a"}, &stubStrategy{name: "b", err: errors.New("down")})
	posts := c.Collect(context.Background(), []string{"ai"}, 5)
	if posts != nil {
		t.Fatalf("got %+v, want nil", posts)
	}
}

func TestCollectDeduplicates(t *testing.T) {
	primary := &stubStrategy{name: "primary", posts: []xsearch.Post{
		verifiedPost("1"), verifiedPost("2"), verifiedPost("1"),
	}}

	c := NewCollector(Policy{}, primary)
	posts := c.Collect(context.Background(), []string{"ai"}, 5)

	if len(posts) != 2 {
		t.Fatalf("got %d posts, want 2", len(posts))
	}
}

func TestCollectAllowlistBypassesFilter(t *testing.T) {
	insider := xsearch.Post{ID: "1", AuthorHandle: "Insider", Text: "hi"}
	primary := &stubStrategy{name: "primary", posts: []xsearch.Post{insider}}

	c := NewCollector(Policy{Allowlist: []string{"@insider"}, MinFollowers: 10000}, primary)
	posts := c.Collect(context.Background(), []string{"ai"}, 5)

	if len(posts) != 1 || posts[0].ID != "1" {
		t.Fatalf("got %+v, want allowlisted post kept", posts)
	}
}

func TestCollectWindowFilter(t *testing.T) {
	fresh := verifiedPost("1")
	fresh.CreatedAt = time.Now().Add(-1 * time.Hour)
	stale := verifiedPost("2")
	stale.CreatedAt = time.Now().Add(-48 * time.Hour)
	undated := verifiedPost("3")

	primary := &stubStrategy{name: "primary", posts: []xsearch.Post{fresh, stale, undated}}
	c := NewCollector(Policy{WindowHours: 12}, primary)
	posts := c.Collect(context.Background(), []string{"ai"}, 5)

	if len(posts) != 2 {
		t.Fatalf("got %d posts, want 2 (stale dropped)", len(posts))
	}
	for _, p := range posts {
		if p.ID == "2" {
			t.Error("stale post should have been dropped")
		}
	}
}

func TestCollectRanksByEngagement(t *testing.T) {
	quiet := verifiedPost("1")
	loud := verifiedPost("2")
	loud.Likes = 500
	loud.Replies = 80
	loud.Followers = 20000

	primary := &stubStrategy{name: "primary", posts: []xsearch.Post{quiet, loud}}
	c := NewCollector(Policy{}, primary)
	posts := c.Collect(context.Background(), []string{"ai"}, 5)

	if len(posts) != 2 {
		t.Fatalf("got %d posts, want 2", len(posts))
	}
	if posts[0].ID != "2" {
		t.Errorf("first post = %q, want the high-engagement one", posts[0].ID)
	}
}

func TestCollectRespectsLimit(t *testing.T) {
	primary := &stubStrategy{name: "primary", posts: []xsearch.Post{
		verifiedPost("1"), verifiedPost("2"), verifiedPost("3"),
	}}

	c := NewCollector(Policy{}, primary)
	posts := c.Collect(context.Background(), []string{"ai"}, 2)

	if len(posts) != 2 {
		t.Fatalf("got %d posts, want 2", len(posts))
	}
}

func TestCollectContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := &stubStrategy{name: "primary", err: ctx.Err()}
	fallback := &stubStrategy{name: "fallback", posts: []xsearch.Post{verifiedPost("2")}}

	c := NewCollector(Policy{}, primary, fallback)
	posts := c.Collect(ctx, []string{"ai"}, 5)

	if posts != nil {
		t.Fatalf("got %+v, want nil on cancelled context", posts)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback called %d times, want 0 after cancellation", fallback.calls)
	}
}

func TestKeepFollowerGate(t *testing.T) {
	c := NewCollector(Policy{MinFollowers: 10000})

	tests := []struct {
		name string
		post xsearch.Post
		want bool
	}{
		{"verified no followers", xsearch.Post{ID: "1", AuthorHandle: "a", Verified: true}, true},
		{"unverified big account", xsearch.Post{ID: "2", AuthorHandle: "b", Followers: 20000}, true},
		{"unverified small account", xsearch.Post{ID: "3", AuthorHandle: "c", Followers: 150}, false},
		{"unverified no follower data", xsearch.Post{ID: "4", AuthorHandle: "d"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.keep(tt.post); got != tt.want {
				t.Errorf("keep(%s) = %v, want %v", tt.post.ID, got, tt.want)
			}
		})
	}
}

func TestScoreVerifiedBonus(t *testing.T) {
	base := xsearch.Post{Likes: 10, Replies: 5, Followers: 1000}
	verified := base
	verified.Verified = true

	if Score(verified) <= Score(base) {
		t.Errorf("Score(verified) = %f, want > Score(base) = %f", Score(verified), Score(base))
	}
}

type stubEngagedSearcher struct {
	gotTopics []string
	gotQuery  xsearch.EngagedQuery
	posts     []xsearch.Post
}

func (s *stubEngagedSearcher) SearchEngaged(ctx context.Context, topics []string, q xsearch.EngagedQuery) ([]xsearch.Post, error) {
	s.gotTopics = topics
	s.gotQuery = q
	return s.posts, nil
}

func TestEngagedStrategy(t *testing.T) {
	searcher := &stubEngagedSearcher{posts: []xsearch.Post{verifiedPost("1")}}
	strat := NewEngagedStrategy(searcher, xsearch.EngagedQuery{
		WindowHours: 12,
		MinReplies:  10,
		MinLikes:    10,
	})

	posts, err := strat.Collect(context.Background(), []string{"web3"}, 3)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(posts))
	}
	if strat.Name() != "engaged-search" {
		t.Errorf("Name = %q", strat.Name())
	}
	if searcher.gotQuery.Limit != 3 {
		t.Errorf("query limit = %d, want 3", searcher.gotQuery.Limit)
	}
	if searcher.gotQuery.MinReplies != 10 || searcher.gotQuery.WindowHours != 12 {
		t.Errorf("query thresholds not preserved: %+v", searcher.gotQuery)
	}
}

type stubTopicSearcher struct {
	posts    []xsearch.Post
	gotLimit int
}

func (s *stubTopicSearcher) SearchTopics(ctx context.Context, topics []string, limitPerTopic int) ([]xsearch.Post, error) {
	s.gotLimit = limitPerTopic
	return s.posts, nil
}

func TestTopicStrategy(t *testing.T) {
	searcher := &stubTopicSearcher{posts: []xsearch.Post{verifiedPost("1")}}
	strat := NewTopicStrategy(searcher, 7)

	posts, err := strat.Collect(context.Background(), []string{"ai"}, 5)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(posts))
	}
	if strat.Name() != "topic-search" {
		t.Errorf("Name = %q", strat.Name())
	}
	if searcher.gotLimit != 7 {
		t.Errorf("limit per topic = %d, want 7", searcher.gotLimit)
	}
}

func TestTopicStrategyDefaultLimit(t *testing.T) {
	searcher := &stubTopicSearcher{}
	strat := NewTopicStrategy(searcher, 0)

	if _, err := strat.Collect(context.Background(), []string{"ai"}, 5); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if searcher.gotLimit != 5 {
		t.Errorf("limit per topic = %d, want requested limit 5", searcher.gotLimit)
	}
}

type stubMirrorSearcher struct {
	byTopic map[string][]xsearch.Post
	err     error
}

func (s *stubMirrorSearcher) SearchMirror(ctx context.Context, topic string, limit int) ([]xsearch.Post, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.byTopic[topic], nil
}

func TestMirrorStrategyMergesTopics(t *testing.T) {
	searcher := &stubMirrorSearcher{byTopic: map[string][]xsearch.Post{
		"ai":   {verifiedPost("1"), verifiedPost("2")},
		"web3": {verifiedPost("2"), verifiedPost("3")},
	}}
	strat := NewMirrorStrategy(searcher)

	posts, err := strat.Collect(context.Background(), []string{"ai", "web3"}, 5)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(posts) != 3 {
		t.Fatalf("got %d posts, want 3 after dedup", len(posts))
	}
	if strat.Name() != "mirror-scrape" {
		t.Errorf("Name = %q", strat.Name())
	}
}

func TestMirrorStrategyPropagatesError(t *testing.T) {
	strat := NewMirrorStrategy(&stubMirrorSearcher{err: errors.New("no mirror configured")})
	if _, err := strat.Collect(context.Background(), []string{"ai"}, 5); err == nil {
		t.Fatal("expected error")
	}
}
