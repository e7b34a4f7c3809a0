package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/masahif/grimoire/internal/pipeline"
)

// DefaultReaderURL is the public Jina reader endpoint
const DefaultReaderURL = "https://r.jina.ai"

// ErrMissingAPIKey is returned when a reader fetch is attempted without a key
var ErrMissingAPIKey = errors.New("reader API key is not configured")

// ReaderFetcher extracts page content through a reader API that renders any
// URL as markdown: GET {base}/{url}.
type ReaderFetcher struct {
	client  *HTTPClient
	baseURL string
	apiKey  string
}

type readerResponse struct {
	Code int `json:"code"`
	Data struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		URL     string `json:"url"`
	} `json:"data"`
}

// NewReaderFetcher creates a reader fetcher. An empty baseURL uses DefaultReaderURL.
func NewReaderFetcher(client *HTTPClient, baseURL, apiKey string) *ReaderFetcher {
	if baseURL == "" {
		baseURL = DefaultReaderURL
	}
	client.SetBearerAuth(apiKey)
	client.SetHeader("Accept", "application/json")
	client.SetHeader("X-Return-Format", "markdown")
	client.SetHeader("X-Md-Link-Style", "discarded")

	return &ReaderFetcher{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// Fetch returns the title and markdown content of url
func (f *ReaderFetcher) Fetch(ctx context.Context, url string) (*pipeline.Document, error) {
	if strings.TrimSpace(f.apiKey) == "" {
		return nil, ErrMissingAPIKey
	}

	resp, err := f.client.Get(ctx, f.baseURL+"/"+url)
	if err != nil {
		return nil, fmt.Errorf("reader request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("reader returned HTTP %d: %s", resp.StatusCode, bodyExcerpt(resp.Body))
	}

	var body readerResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("failed to decode reader response: %w", err)
	}

	content := strings.TrimSpace(body.Data.Content)
	if content == "" {
		return nil, pipeline.ErrEmptyContent
	}

	source := body.Data.URL
	if source == "" {
		source = url
	}

	return &pipeline.Document{
		Title:     strings.TrimSpace(body.Data.Title),
		Content:   content,
		SourceURL: source,
		FetchedAt: time.Now().UTC(),
	}, nil
}
