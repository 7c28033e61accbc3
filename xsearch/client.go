package xsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dghubble/oauth1"
)

const (
	defaultBaseURL = "https://api.twitter.com/2"

	// maxAttempts bounds retries against rate-limited responses.
	maxAttempts = 3
)

// Post is one candidate post found on X. Followers is 0 and CreatedAt is the
// zero time when the API omitted the corresponding field.
type Post struct {
	ID           string
	AuthorHandle string
	Text         string
	URL          string
	Verified     bool
	Followers    int
	Replies      int
	Likes        int
	CreatedAt    time.Time
}

// EngagedQuery tunes the engagement-focused search.
type EngagedQuery struct {
	Limit        int
	WindowHours  int
	MinReplies   int
	MinLikes     int
	MinFollowers int
}

// Client provides read access to the X API v2 in an OAuth 1.0a user context.
type Client struct {
	httpClient *http.Client
	baseURL    string
	retryWait  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetryWait sets the base wait between rate-limit retries (for testing).
func WithRetryWait(d time.Duration) Option {
	return func(c *Client) {
		c.retryWait = d
	}
}

// NewClient creates a search client signing requests with the given
// OAuth 1.0a credentials.
func NewClient(consumerKey, consumerSecret, accessToken, accessSecret string, opts ...Option) *Client {
	config := oauth1.NewConfig(consumerKey, consumerSecret)
	token := oauth1.NewToken(accessToken, accessSecret)
	httpClient := config.Client(oauth1.NoContext, token)
	httpClient.Timeout = 20 * time.Second

	c := &Client{
		httpClient: httpClient,
		baseURL:    defaultBaseURL,
		retryWait:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search returns recent original posts matching the topic, newest first as
// the API returns them, capped at limit.
func (c *Client) Search(ctx context.Context, topic string, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = 5
	}

	params := url.Values{}
	params.Set("query", topic+" -is:reply -is:retweet")
	params.Set("max_results", strconv.Itoa(max(10, min(100, limit*3))))
	params.Set("tweet.fields", "author_id,text,created_at,public_metrics")
	params.Set("expansions", "author_id")
	params.Set("user.fields", "username,verified,public_metrics")

	body, status, err := c.doGet(ctx, c.baseURL+"/tweets/search/recent", params)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d: %s", status, snippet(body))
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	posts := sr.posts()
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

// SearchTopics runs Search once per topic and merges the results, dropping
// duplicate IDs. Failures on individual topics are logged and skipped.
func (c *Client) SearchTopics(ctx context.Context, topics []string, limitPerTopic int) ([]Post, error) {
	seen := make(map[string]bool)
	var all []Post
	for _, topic := range topics {
		posts, err := c.Search(ctx, topic, limitPerTopic)
		if err != nil {
			if ctx.Err() != nil {
				return all, ctx.Err()
			}
			slog.Warn("topic search failed", "topic", topic, "error", err)
			continue
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

// SearchEngaged performs a single search for high-engagement opinion-leader
// posts across all topics, using the API's engagement operators plus
// client-side checks for thresholds the API cannot express.
func (c *Client) SearchEngaged(ctx context.Context, topics []string, q EngagedQuery) ([]Post, error) {
	if len(topics) == 0 {
		topics = []string{"web3"}
	}
	limit := max(1, q.Limit)

	topicClause := ""
	for _, t := range topics {
		if t == "" {
			continue
		}
		if topicClause != "" {
			topicClause += " OR "
		}
		topicClause += t
	}
	query := fmt.Sprintf(`(%s) (KOL OR "key opinion leader" OR influencer) min_replies:%d min_faves:%d -is:reply -is:retweet`,
		topicClause, q.MinReplies, q.MinLikes)

	params := url.Values{}
	params.Set("query", query)
	params.Set("max_results", "25")
	params.Set("tweet.fields", "author_id,text,created_at,public_metrics")
	params.Set("expansions", "author_id")
	params.Set("user.fields", "username,verified,public_metrics")

	body, status, err := c.doGet(ctx, c.baseURL+"/tweets/search/recent", params)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("engaged search returned status %d: %s", status, snippet(body))
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	cutoff := time.Now().UTC().Add(-time.Duration(max(1, q.WindowHours)) * time.Hour)
	var results []Post
	for _, p := range sr.posts() {
		if p.Followers < q.MinFollowers {
			continue
		}
		if p.Replies < q.MinReplies || p.Likes < q.MinLikes {
			continue
		}
		if !p.CreatedAt.IsZero() && p.CreatedAt.Before(cutoff) {
			continue
		}
		results = append(results, p)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// GetPost retrieves a single post by ID. Text is capped at 1000 characters.
func (c *Client) GetPost(ctx context.Context, id string) (*Post, error) {
	params := url.Values{}
	params.Set("tweet.fields", "author_id,text,created_at,public_metrics")
	params.Set("expansions", "author_id")
	params.Set("user.fields", "username,verified,public_metrics")

	body, status, err := c.doGet(ctx, c.baseURL+"/tweets/"+url.PathEscape(id), params)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("post %s not found", id)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch post returned status %d: %s", status, snippet(body))
	}

	var tr tweetResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if tr.Data == nil {
		return nil, fmt.Errorf("post %s not found", id)
	}

	post := buildPost(*tr.Data, userIndex(tr.Includes.Users))
	if runes := []rune(post.Text); len(runes) > 1000 {
		post.Text = string(runes[:1000])
	}
	return &post, nil
}

// Me verifies the credentials by fetching the authenticated user and returns
// the account's username.
func (c *Client) Me(ctx context.Context) (string, error) {
	params := url.Values{}
	params.Set("user.fields", "username")

	body, status, err := c.doGet(ctx, c.baseURL+"/users/me", params)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("users/me returned status %d: %s", status, snippet(body))
	}

	var mr meResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if mr.Data.Username == "" {
		return "", fmt.Errorf("users/me returned no username")
	}
	return mr.Data.Username, nil
}

// doGet performs one signed GET, retrying rate-limited responses with a
// linearly growing wait.
func (c *Client) doGet(ctx context.Context, rawURL string, params url.Values) ([]byte, int, error) {
	var resp *http.Response
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"?"+params.Encode(), nil)
		if err != nil {
			return nil, 0, fmt.Errorf("create request: %w", err)
		}

		resp, err = c.httpClient.Do(req)
		if err != nil {
			return nil, 0, fmt.Errorf("perform request: %w", err)
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt == maxAttempts {
			break
		}
		resp.Body.Close()

		wait := time.Duration(attempt) * c.retryWait
		slog.Warn("search rate limited, backing off", "wait", wait.String(), "attempt", attempt)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// snippet trims an error payload for log and error messages.
func snippet(body []byte) string {
	const maxLen = 200
	s := string(body)
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}

type tweet struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	AuthorID      string `json:"author_id"`
	CreatedAt     string `json:"created_at"`
	PublicMetrics struct {
		ReplyCount int `json:"reply_count"`
		LikeCount  int `json:"like_count"`
	} `json:"public_metrics"`
}

type user struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Verified      bool   `json:"verified"`
	PublicMetrics struct {
		FollowersCount int `json:"followers_count"`
	} `json:"public_metrics"`
}

type searchResponse struct {
	Data     []tweet `json:"data"`
	Includes struct {
		Users []user `json:"users"`
	} `json:"includes"`
}

type tweetResponse struct {
	Data     *tweet `json:"data"`
	Includes struct {
		Users []user `json:"users"`
	} `json:"includes"`
}

type meResponse struct {
	Data struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}

func userIndex(users []user) map[string]user {
	idx := make(map[string]user, len(users))
	for _, u := range users {
		idx[u.ID] = u
	}
	return idx
}

func buildPost(t tweet, users map[string]user) Post {
	u := users[t.AuthorID]
	p := Post{
		ID:           t.ID,
		AuthorHandle: u.Username,
		Text:         t.Text,
		Verified:     u.Verified,
		Followers:    u.PublicMetrics.FollowersCount,
		Replies:      t.PublicMetrics.ReplyCount,
		Likes:        t.PublicMetrics.LikeCount,
	}
	if u.Username != "" {
		p.URL = fmt.Sprintf("https://twitter.com/%s/status/%s", u.Username, t.ID)
	}
	if t.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, t.CreatedAt); err == nil {
			p.CreatedAt = ts
		}
	}
	return p
}

// posts maps the wire response to Posts, dropping records that are missing
// an ID, author handle or text.
func (sr searchResponse) posts() []Post {
	users := userIndex(sr.Includes.Users)
	var out []Post
	for _, t := range sr.Data {
		p := buildPost(t, users)
		if p.ID == "" || p.AuthorHandle == "" || p.Text == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
