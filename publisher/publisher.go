package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL   = "https://api.x.com/2"
	defaultRetryWait = 2 * time.Second
	maxAttempts      = 3
)

// Credentials for the OAuth2 refresh-token flow.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	RefreshToken string
}

// Result is the outcome of one publish attempt chain. A failed publish is
// data, not an error: the caller decides what to do with it.
type Result struct {
	OK         bool
	PostID     string
	StatusCode int
	Body       string
}

// Publisher posts to X in an OAuth2 user context. The access token is
// cached for the process and refreshed transparently.
type Publisher struct {
	creds      Credentials
	httpClient *http.Client
	baseURL    string
	retryWait  time.Duration

	mu          sync.Mutex
	accessToken string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithBaseURL overrides the API base URL.
func WithBaseURL(baseURL string) Option {
	return func(p *Publisher) {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.httpClient.Timeout = d
	}
}

// WithRetryWait sets the base wait between retries of transient failures.
func WithRetryWait(d time.Duration) Option {
	return func(p *Publisher) {
		p.retryWait = d
	}
}

// NewPublisher creates a publisher with the given credentials.
func NewPublisher(creds Credentials, opts ...Option) *Publisher {
	p := &Publisher{
		creds:      creds,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		retryWait:  defaultRetryWait,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type createRequest struct {
	Text  string    `json:"text"`
	Reply *replyRef `json:"reply,omitempty"`
}

type replyRef struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type createResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// Publish posts text, optionally as a reply to another post. Transient
// failures (429, 5xx) are retried up to 3 attempts with a linearly growing
// wait; a 401 triggers one forced token refresh and a free re-attempt.
func (p *Publisher) Publish(ctx context.Context, text, inReplyTo string) Result {
	token, err := p.token(ctx, false)
	if err != nil {
		return Result{Body: fmt.Sprintf("refresh access token: %v", err)}
	}

	payload := createRequest{Text: text}
	if inReplyTo != "" {
		payload.Reply = &replyRef{InReplyToTweetID: inReplyTo}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Body: fmt.Sprintf("encode payload: %v", err)}
	}

	refreshed := false
	attempt := 1
	for {
		status, respBody, err := p.create(ctx, token, body)
		if err != nil {
			return Result{Body: fmt.Sprintf("create post: %v", err)}
		}

		if status == http.StatusCreated {
			var cr createResponse
			if err := json.Unmarshal(respBody, &cr); err != nil {
				return Result{OK: true, StatusCode: status, Body: string(respBody)}
			}
			return Result{OK: true, PostID: cr.Data.ID, StatusCode: status, Body: string(respBody)}
		}

		if status == http.StatusUnauthorized && !refreshed {
			refreshed = true
			token, err = p.token(ctx, true)
			if err != nil {
				return Result{StatusCode: status, Body: fmt.Sprintf("refresh access token: %v", err)}
			}
			continue
		}

		if !isTransient(status) || attempt == maxAttempts {
			return Result{StatusCode: status, Body: string(respBody)}
		}

		wait := time.Duration(attempt) * p.retryWait
		slog.Warn("publish attempt failed, retrying", "status", status, "attempt", attempt, "wait", wait)
		select {
		case <-ctx.Done():
			return Result{StatusCode: status, Body: ctx.Err().Error()}
		case <-time.After(wait):
		}
		attempt++
	}
}

// token returns the cached access token, exchanging the refresh token for a
// new one when the cache is empty or force is set.
func (p *Publisher) token(ctx context.Context, force bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && !force {
		return p.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", p.creds.RefreshToken)
	form.Set("client_id", p.creds.ClientID)
	form.Set("client_secret", p.creds.ClientSecret)
	form.Set("redirect_uri", p.creds.RedirectURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("no access token in response")
	}

	p.accessToken = tr.AccessToken
	// X rotates the refresh token on each exchange.
	if tr.RefreshToken != "" {
		p.creds.RefreshToken = tr.RefreshToken
	}
	return p.accessToken, nil
}

func (p *Publisher) create(ctx context.Context, token string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/tweets", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func isTransient(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
