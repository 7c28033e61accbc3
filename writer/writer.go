package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"orbit-agent/tone"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultBaseURL = "https://api.openai.com"
	defaultMaxLen  = 200

	// fallbackReply is returned when there is no post text to react to.
	fallbackReply = "Not much to react to here—what outcome are you aiming for?"
)

// Persona is the account voice replies are written in.
type Persona struct {
	Name   string
	Handle string
}

// Writer drafts replies through an OpenAI-compatible chat completions API.
type Writer struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	maxLen     int
	persona    Persona
	forcedTone *tone.Tone
}

// Option configures a Writer.
type Option func(*Writer)

// WithModel sets the chat model to use.
func WithModel(model string) Option {
	return func(w *Writer) {
		w.model = model
	}
}

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(w *Writer) {
		w.baseURL = url
	}
}

// WithMaxReplyLen caps the reply length in characters.
func WithMaxReplyLen(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.maxLen = n
		}
	}
}

// WithPersona sets the account voice.
func WithPersona(p Persona) Option {
	return func(w *Writer) {
		if p.Name != "" {
			w.persona.Name = p.Name
		}
		if p.Handle != "" {
			w.persona.Handle = p.Handle
		}
	}
}

// WithTone pins every reply to one tone instead of classifying per post.
func WithTone(t tone.Tone) Option {
	return func(w *Writer) {
		w.forcedTone = &t
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(w *Writer) {
		w.httpClient.Timeout = d
	}
}

// NewWriter creates a reply writer.
func NewWriter(apiKey string, opts ...Option) *Writer {
	w := &Writer{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		maxLen:     defaultMaxLen,
		persona:    Persona{Name: "ORBIT Agent", Handle: "explore_thecore"},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Compose drafts one reply to the given post text. Blank input short-circuits
// to a neutral canned reply without calling the model.
func (w *Writer) Compose(ctx context.Context, postText string) (string, error) {
	return w.ComposeWithContext(ctx, postText, "")
}

// ComposeWithContext drafts a reply with extra context from a page the post
// linked to. The context is advisory; an empty string is fine.
func (w *Writer) ComposeWithContext(ctx context.Context, postText, linkContext string) (string, error) {
	if strings.TrimSpace(postText) == "" {
		return fallbackReply, nil
	}

	t := tone.Classify(postText)
	if w.forcedTone != nil {
		t = *w.forcedTone
	}
	keywords := tone.Keywords(postText, 5)
	if len(keywords) > 3 {
		keywords = keywords[:3]
	}

	userPrompt := fmt.Sprintf("Post:\n%s\n\nWrite one short, context-anchored reply:", postText)
	if linkContext != "" {
		userPrompt = fmt.Sprintf("Post:\n%s\n\nContext from the linked page:\n%s\n\nWrite one short, context-anchored reply:", postText, linkContext)
	}

	reqBody := chatRequest{
		Model: w.model,
		Messages: []chatMessage{
			{Role: "system", Content: w.buildSystemPrompt(t, strings.Join(keywords, ", "))},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:        90,
		Temperature:      0.7,
		PresencePenalty:  0.1,
		FrequencyPenalty: 0.2,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := w.baseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.apiKey)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	reply := w.postProcess(chatResp.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("empty completion")
	}
	return reply, nil
}

func (w *Writer) buildSystemPrompt(t tone.Tone, mustUse string) string {
	return fmt.Sprintf(`You are %s, the voice of @%s.
You reply ONLY if you can find a real connection to the post.
If the post is not about Web3, growth, KOLs, crypto, or technology,
reply with a witty but neutral observation instead.

Rules:
- Maximum %d characters
- Reference the actual content of the post first
- Keep a playful, sharp, appreciative register
- Weave in the account's values (real traction, utility) only when it fits

Additional:
- Use the %s tone: %s
- Explicitly reference at least one of these keywords (if present): %s
- If the post mentions stability, testing or edge cases, acknowledge it and add one practical lens.
- Output only the final one-line reply without hashtags or links.`,
		w.persona.Name, w.persona.Handle, w.maxLen,
		strings.ToUpper(t.String()), t.Directive(), mustUse)
}

// postProcess collapses whitespace and enforces the length cap.
func (w *Writer) postProcess(text string) string {
	text = stripWrapping(text)
	text = strings.Join(strings.Fields(text), " ")
	if runes := []rune(text); len(runes) > w.maxLen {
		text = string(runes[:w.maxLen])
	}
	return strings.TrimSpace(text)
}

var codeBlockRegex = regexp.MustCompile("(?s)^\\s*```(?:\\w+)?\\s*(.+?)\\s*```\\s*$")

// stripWrapping removes a surrounding code fence or quote pair that models
// sometimes add around the reply.
func stripWrapping(s string) string {
	s = strings.TrimSpace(s)
	if matches := codeBlockRegex.FindStringSubmatch(s); len(matches) > 1 {
		s = strings.TrimSpace(matches[1])
	}
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		s = s[1 : len(s)-1]
	}
	return s
}

// Chat completions API types

type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	MaxTokens        int           `json:"max_tokens"`
	Temperature      float64       `json:"temperature"`
	PresencePenalty  float64       `json:"presence_penalty"`
	FrequencyPenalty float64       `json:"frequency_penalty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}
