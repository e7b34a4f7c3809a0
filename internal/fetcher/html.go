package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/masahif/grimoire/internal/parser"
	"github.com/masahif/grimoire/internal/pipeline"
)

// ErrDisallowed is returned for URLs excluded by robots.txt
var ErrDisallowed = errors.New("disallowed by robots.txt")

// HTMLFetcher downloads pages directly and extracts their readable text
type HTMLFetcher struct {
	client  *HTTPClient
	limiter *RateLimiter
	robots  *RobotsChecker // nil when robots.txt is ignored
}

// NewHTMLFetcher creates a direct fetcher. robots may be nil.
func NewHTMLFetcher(client *HTTPClient, limiter *RateLimiter, robots *RobotsChecker) *HTMLFetcher {
	return &HTMLFetcher{
		client:  client,
		limiter: limiter,
		robots:  robots,
	}
}

// Fetch downloads rawURL and returns its title and text
func (f *HTMLFetcher) Fetch(ctx context.Context, rawURL string) (*pipeline.Document, error) {
	if f.robots != nil {
		allowed, err := f.robots.Allowed(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, ErrDisallowed
		}
		if u, err := url.Parse(rawURL); err == nil {
			f.limiter.SetHostDelay(u.Host, f.robots.CrawlDelay(u.Host))
		}
	}

	if err := f.limiter.Wait(ctx, rawURL); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := f.client.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	slog.Debug("Fetched page", "url", rawURL, "status_code", resp.StatusCode,
		"ttfb", resp.TTFB, "duration", resp.Duration, "bytes", len(resp.Body))

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, rawURL)
	}
	ct := strings.ToLower(resp.ContentType)
	if ct != "" && !strings.HasPrefix(ct, "text/html") && !strings.HasPrefix(ct, "application/xhtml+xml") {
		return nil, fmt.Errorf("unsupported content type %q", resp.ContentType)
	}

	htmlParser, err := parser.NewHTMLParser(resp.FinalURL)
	if err != nil {
		return nil, err
	}
	result, err := htmlParser.Parse(resp.Body)
	if err != nil {
		return nil, err
	}
	if result.Text == "" {
		return nil, pipeline.ErrEmptyContent
	}

	return &pipeline.Document{
		Title:     result.Title,
		Content:   result.Text,
		SourceURL: resp.FinalURL,
		FetchedAt: time.Now().UTC(),
	}, nil
}
