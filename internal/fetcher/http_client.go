// Package fetcher retrieves the title and readable text of a URL, either
// through a reader API or by downloading and parsing the HTML directly.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"
)

// DefaultMaxBodyBytes caps how much of a response body is read
const DefaultMaxBodyBytes = 10 << 20

// HTTPClient performs GET requests with a fixed user agent, optional
// authentication and extra headers.
type HTTPClient struct {
	client        *http.Client
	userAgent     string
	authType      string
	username      string
	password      string
	bearerToken   string
	apiKeyHeader  string
	apiKeyValue   string
	customHeaders map[string]string
	maxBodyBytes  int64
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	ContentType string
	FinalURL    string // after following redirects
	TTFB        time.Duration
	Duration    time.Duration
}

// NewHTTPClient creates a new HTTP client
func NewHTTPClient(userAgent string, timeout time.Duration) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	return &HTTPClient{
		client:        client,
		userAgent:     userAgent,
		customHeaders: make(map[string]string),
		maxBodyBytes:  DefaultMaxBodyBytes,
	}
}

// SetBasicAuth configures basic authentication for HTTP requests
func (h *HTTPClient) SetBasicAuth(username, password string) {
	h.authType = "basic"
	h.username = username
	h.password = password
}

// SetBearerAuth configures bearer token authentication for HTTP requests
func (h *HTTPClient) SetBearerAuth(token string) {
	h.authType = "bearer"
	h.bearerToken = token
}

// SetAPIKeyAuth configures API key authentication for HTTP requests
func (h *HTTPClient) SetAPIKeyAuth(header, value string) {
	h.authType = "apikey"
	h.apiKeyHeader = header
	h.apiKeyValue = value
}

// SetHeader sets a header sent with every request, overriding the defaults
func (h *HTTPClient) SetHeader(name, value string) {
	h.customHeaders[name] = value
}

// SetMaxBodyBytes limits how many body bytes are read. Larger bodies are truncated.
func (h *HTTPClient) SetMaxBodyBytes(n int64) {
	if n > 0 {
		h.maxBodyBytes = n
	}
}

// Get performs a GET request and reads the body. Non-2xx statuses are not errors;
// callers decide how to treat them.
func (h *HTTPClient) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	switch h.authType {
	case "basic":
		if h.username != "" && h.password != "" {
			req.SetBasicAuth(h.username, h.password)
		}
	case "bearer":
		if h.bearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+h.bearerToken)
		}
	case "apikey":
		if h.apiKeyHeader != "" && h.apiKeyValue != "" {
			req.Header.Set(h.apiKeyHeader, h.apiKeyValue)
		}
	}

	for name, value := range h.customHeaders {
		req.Header.Set(name, value)
	}

	var firstByte time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	result := &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
		Duration:    time.Since(start),
	}
	if !firstByte.IsZero() {
		result.TTFB = firstByte.Sub(start)
	}
	return result, nil
}

// Close closes idle connections
func (h *HTTPClient) Close() {
	h.client.CloseIdleConnections()
}

// bodyExcerpt returns the start of a body for error messages
func bodyExcerpt(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
