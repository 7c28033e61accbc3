package xscrape

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"orbit-agent/xsearch"
)

const (
	defaultMaxContextLen = 1200

	// maxCards bounds how many post cards are examined per page.
	maxCards = 30

	userAgent = "Mozilla/5.0 (compatible; orbit-agent/1.0)"
)

// ErrNoMirror is returned when mirror search is used without a configured
// mirror base URL.
var ErrNoMirror = errors.New("no mirror configured")

// Scraper fetches posts from a static HTML mirror of X and extracts readable
// context from pages posts link to.
type Scraper struct {
	httpClient    *http.Client
	mirrorURL     string
	maxContextLen int
}

// Option configures a Scraper.
type Option func(*Scraper)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Scraper) {
		s.httpClient.Timeout = d
	}
}

// WithMaxContextLength caps the article context length in bytes.
func WithMaxContextLength(n int) Option {
	return func(s *Scraper) {
		s.maxContextLen = n
	}
}

// NewScraper creates a scraper. An empty mirrorURL disables mirror search
// but leaves article extraction available.
func NewScraper(mirrorURL string, opts ...Option) *Scraper {
	s := &Scraper{
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		mirrorURL:     strings.TrimRight(mirrorURL, "/"),
		maxContextLen: defaultMaxContextLen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// statusHrefRegex matches status permalinks like /handle/status/123.
var statusHrefRegex = regexp.MustCompile(`^(?:https?://[^/]+)?/([A-Za-z0-9_]+)/status/(\d+)`)

// SearchMirror fetches the mirror's search page for a topic and extracts
// post cards. Cards carry no follower or engagement data, so downstream
// filters treat those fields as unknown.
func (s *Scraper) SearchMirror(ctx context.Context, topic string, limit int) ([]xsearch.Post, error) {
	if s.mirrorURL == "" {
		return nil, ErrNoMirror
	}
	if limit <= 0 {
		limit = 5
	}

	searchURL := s.mirrorURL + "/search?f=tweets&q=" + url.QueryEscape(topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch mirror search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse mirror html: %w", err)
	}

	posts := extractPosts(doc)
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

// ExtractArticle returns the readable text of a page a post linked to,
// trimmed to the configured context length.
func (s *Scraper) ExtractArticle(ctx context.Context, rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return "", fmt.Errorf("parse content: %w", err)
	}

	content := strings.Join(strings.Fields(article.TextContent), " ")
	if len(content) > s.maxContextLen {
		content = content[:s.maxContextLen]
	}
	return content, nil
}

var linkRegex = regexp.MustCompile(`https?://\S+`)

// FirstLink returns the first URL found in the post text, with trailing
// punctuation removed, or "" when the text has no link.
func FirstLink(text string) string {
	link := linkRegex.FindString(text)
	return strings.TrimRight(link, `.,;:!?)"'`)
}

// extractPosts walks the parsed document and builds a post per status link,
// keeping the first occurrence of each ID.
func extractPosts(doc *html.Node) []xsearch.Post {
	seen := make(map[string]bool)
	var posts []xsearch.Post
	cards := 0

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if cards >= maxCards {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			if m := statusHrefRegex.FindStringSubmatch(attr(n, "href")); m != nil {
				handle, id := m[1], m[2]
				if !seen[id] {
					seen[id] = true
					cards++
					card := cardRoot(n)
					post := xsearch.Post{
						ID:           id,
						AuthorHandle: handle,
						Text:         cardText(card),
						URL:          fmt.Sprintf("https://twitter.com/%s/status/%s", handle, id),
						Verified:     hasVerifiedBadge(card),
					}
					if post.Text != "" {
						posts = append(posts, post)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return posts
}

// cardRoot climbs from a status link to the enclosing post card: the nearest
// article, list item or timeline container.
func cardRoot(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		if p.Data == "article" || p.Data == "li" || classContains(p, "timeline-item") {
			return p
		}
		if p.Data == "body" {
			break
		}
	}
	if n.Parent != nil {
		return n.Parent
	}
	return n
}

func cardText(card *html.Node) string {
	content := findNode(card, func(n *html.Node) bool {
		return classContains(n, "tweet-content")
	})
	if content == nil {
		return ""
	}
	return strings.Join(strings.Fields(nodeText(content)), " ")
}

func hasVerifiedBadge(card *html.Node) bool {
	return findNode(card, func(n *html.Node) bool {
		return classContains(n, "verified")
	}) != nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func classContains(n *html.Node, substr string) bool {
	return n.Type == html.ElementNode && strings.Contains(attr(n, "class"), substr)
}

// findNode returns the first node in depth-first order satisfying pred.
func findNode(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if pred(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, pred); found != nil {
			return found
		}
	}
	return nil
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(nodeText(c))
		sb.WriteString(" ")
	}
	return sb.String()
}
