package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"orbit-agent/tone"
)

// chatServer returns an httptest server answering every chat completion with
// the given reply text, and captures the last request body.
func chatServer(t *testing.T, reply string, lastReq *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		if lastReq != nil {
			if err := json.NewDecoder(r.Body).Decode(lastReq); err != nil {
				t.Errorf("decode request body: %v", err)
			}
		}
		fmt.Fprintf(w, `{"choices": [{"message": {"role": "assistant", "content": %q}}]}`, reply)
	}))
}

func TestCompose(t *testing.T) {
	var req chatRequest
	server := chatServer(t, "Real traction beats loud dashboards. What moved for you this week?", &req)
	defer server.Close()

	w := NewWriter("test-key", WithBaseURL(server.URL))
	reply, err := w.Compose(context.Background(), "our growth testing showed retention doubled")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}

	if reply != "Real traction beats loud dashboards. What moved for you this week?" {
		t.Errorf("reply = %q, want server completion", reply)
	}
	if req.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want %q", req.Model, "gpt-4o-mini")
	}
	if req.MaxTokens != 90 {
		t.Errorf("max_tokens = %d, want 90", req.MaxTokens)
	}
	if req.Temperature != 0.7 {
		t.Errorf("temperature = %f, want 0.7", req.Temperature)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
		t.Fatalf("messages = %+v, want system then user", req.Messages)
	}
	if !strings.Contains(req.Messages[1].Content, "our growth testing showed retention doubled") {
		t.Error("user prompt does not include the post text")
	}
}

func TestComposeSendsToneAndKeywords(t *testing.T) {
	var req chatRequest
	server := chatServer(t, "ok", &req)
	defer server.Close()

	w := NewWriter("test-key", WithBaseURL(server.URL))
	// "testing" is a technical signal, so the tone is strategic.
	_, err := w.Compose(context.Background(), "testing testing rollout rollout rollout latency")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}

	system := req.Messages[0].Content
	if !strings.Contains(system, "STRATEGIC tone") {
		t.Errorf("system prompt missing tone directive: %q", system)
	}
	// Top keyword by frequency is embedded as an anchor.
	if !strings.Contains(system, "rollout") {
		t.Errorf("system prompt missing keyword anchor: %q", system)
	}
}

func TestComposeForcedTone(t *testing.T) {
	var req chatRequest
	server := chatServer(t, "ok", &req)
	defer server.Close()

	w := NewWriter("test-key", WithBaseURL(server.URL), WithTone(tone.Cosmic))
	_, err := w.Compose(context.Background(), "testing incident rollout")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}

	if !strings.Contains(req.Messages[0].Content, "COSMIC tone") {
		t.Error("forced tone not applied")
	}
}

func TestComposeWithContext(t *testing.T) {
	var req chatRequest
	server := chatServer(t, "ok", &req)
	defer server.Close()

	w := NewWriter("test-key", WithBaseURL(server.URL))
	_, err := w.ComposeWithContext(context.Background(), "thread about the launch", "The linked article describes a phased rollout.")
	if err != nil {
		t.Fatalf("ComposeWithContext failed: %v", err)
	}

	if !strings.Contains(req.Messages[1].Content, "phased rollout") {
		t.Error("user prompt missing linked-page context")
	}
}

func TestComposeCollapsesWhitespace(t *testing.T) {
	server := chatServer(t, "spread   across\n\nlines\tand   tabs", nil)
	defer server.Close()

	w := NewWriter("test-key", WithBaseURL(server.URL))
	reply, err := w.Compose(context.Background(), "some post")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if reply != "spread across lines and tabs" {
		t.Errorf("reply = %q, want collapsed whitespace", reply)
	}
}

func TestComposeTruncatesLongReply(t *testing.T) {
	server := chatServer(t, strings.Repeat("x", 400), nil)
	defer server.Close()

	w := NewWriter("test-key", WithBaseURL(server.URL))
	reply, err := w.Compose(context.Background(), "some post")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if len(reply) != 200 {
		t.Errorf("reply length = %d, want 200", len(reply))
	}
}

func TestComposeCustomMaxLen(t *testing.T) {
	server := chatServer(t, strings.Repeat("x", 400), nil)
	defer server.Close()

	w := NewWriter("test-key", WithBaseURL(server.URL), WithMaxReplyLen(80))
	reply, err := w.Compose(context.Background(), "some post")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if len(reply) != 80 {
		t.Errorf("reply length = %d, want 80", len(reply))
	}
}

func TestComposeBlankPostUsesFallback(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	w := NewWriter("test-key", WithBaseURL(server.URL))
	for _, input := range []string{"", "   ", "\n\t"} {
		reply, err := w.Compose(context.Background(), input)
		if err != nil {
			t.Fatalf("Compose(%q) failed: %v", input, err)
		}
		if reply != fallbackReply {
			t.Errorf("Compose(%q) = %q, want fallback reply", input, reply)
		}
	}
	if calls != 0 {
		t.Errorf("model called %d times for blank input, want 0", calls)
	}
}

func TestComposeStripsWrapping(t *testing.T) {
	tests := []struct {
		name       string
		completion string
		want       string
	}{
		{"code fence", "```\na clean reply\n```", "a clean reply"},
		{"labeled fence", "```text\na clean reply\n```", "a clean reply"},
		{"surrounding quotes", `"a clean reply"`, "a clean reply"},
		{"plain", "a clean reply", "a clean reply"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := chatServer(t, tt.completion, nil)
			defer server.Close()

			w := NewWriter("test-key", WithBaseURL(server.URL))
			reply, err := w.Compose(context.Background(), "some post")
			if err != nil {
				t.Fatalf("Compose failed: %v", err)
			}
			if reply != tt.want {
				t.Errorf("reply = %q, want %q", reply, tt.want)
			}
		})
	}
}

func TestComposeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	w := NewWriter("test-key", WithBaseURL(server.URL))
	_, err := w.Compose(context.Background(), "some post")
	if err == nil {
		t.Fatal("expected error for server error")
	}
}

func TestComposeEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	w := NewWriter("test-key", WithBaseURL(server.URL))
	_, err := w.Compose(context.Background(), "some post")
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestComposeEmptyCompletion(t *testing.T) {
	server := chatServer(t, "   ", nil)
	defer server.Close()

	w := NewWriter("test-key", WithBaseURL(server.URL))
	_, err := w.Compose(context.Background(), "some post")
	if err == nil {
		t.Fatal("expected error for empty completion")
	}
}

func TestComposeContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	w := NewWriter("test-key", WithBaseURL(server.URL))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Compose(ctx, "some post")
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestDefaultWriter(t *testing.T) {
	w := NewWriter("test-key")
	if w.model != "gpt-4o-mini" {
		t.Errorf("default model = %q, want 'gpt-4o-mini'", w.model)
	}
	if w.maxLen != 200 {
		t.Errorf("default maxLen = %d, want 200", w.maxLen)
	}
}
