package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/masahif/grimoire/internal/pipeline"
)

const (
	// MaxKeywords is the number of keywords requested from and kept for a page
	MaxKeywords = 20

	defaultChatModel     = "gpt-4o-mini"
	defaultMaxInputChars = 30000
)

// ErrInvalidResponse is returned when the model output is not a usable digest
var ErrInvalidResponse = errors.New("invalid LLM response")

// ChatConfig configures a ChatSummarizer
type ChatConfig struct {
	BaseURL       string
	APIKey        string
	Model         string
	Temperature   float64
	Timeout       time.Duration
	MaxRetries    int
	MaxInputChars int // content beyond this many characters is not sent
}

// ChatSummarizer asks an OpenAI-compatible chat model for a JSON digest of a page
type ChatSummarizer struct {
	api           *apiClient
	model         string
	temperature   float64
	maxInputChars int
}

// NewChatSummarizer creates a summarizer. An empty API key is an error.
func NewChatSummarizer(cfg ChatConfig) (*ChatSummarizer, error) {
	api, err := newAPIClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout, cfg.MaxRetries)
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = defaultChatModel
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = defaultMaxInputChars
	}
	return &ChatSummarizer{
		api:           api,
		model:         cfg.Model,
		temperature:   cfg.Temperature,
		maxInputChars: cfg.MaxInputChars,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Summarize returns the model's summary and keywords for the page
func (s *ChatSummarizer) Summarize(ctx context.Context, title, content string) (*pipeline.Digest, error) {
	req := chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(title, truncateRunes(content, s.maxInputChars))},
		},
		Temperature:    s.temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	}

	var resp chatResponse
	if err := s.api.postJSON(ctx, "/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrInvalidResponse)
	}

	return parseDigest(resp.Choices[0].Message.Content)
}

// parseDigest validates the model output: an object with a non-empty summary
// string and a keywords list of strings.
func parseDigest(raw string) (*pipeline.Digest, error) {
	raw = stripCodeFence(raw)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", ErrInvalidResponse, err)
	}

	summaryRaw, ok := fields["summary"]
	if !ok {
		return nil, fmt.Errorf("%w: missing summary", ErrInvalidResponse)
	}
	keywordsRaw, ok := fields["keywords"]
	if !ok {
		return nil, fmt.Errorf("%w: missing keywords", ErrInvalidResponse)
	}

	var summary string
	if err := json.Unmarshal(summaryRaw, &summary); err != nil {
		return nil, fmt.Errorf("%w: summary must be a string", ErrInvalidResponse)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, fmt.Errorf("%w: empty summary", ErrInvalidResponse)
	}

	var keywords []string
	if err := json.Unmarshal(keywordsRaw, &keywords); err != nil {
		return nil, fmt.Errorf("%w: keywords must be a list of strings", ErrInvalidResponse)
	}

	return &pipeline.Digest{
		Summary:  summary,
		Keywords: NormalizeKeywords(keywords, MaxKeywords),
	}, nil
}

// NormalizeKeywords trims, drops empties and case-insensitive duplicates, and
// keeps at most limit keywords in their original order.
func NormalizeKeywords(keywords []string, limit int) []string {
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.Join(strings.Fields(k), " ")
		key := strings.ToLower(k)
		if k == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, k)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:] // drop language tag line
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
