// Package llm provides summarizers and embedders, backed either by an
// OpenAI-compatible API or by local statistics that need no network.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the OpenAI API root
const DefaultBaseURL = "https://api.openai.com/v1"

// ErrMissingAPIKey is returned when a remote client is built without a key
var ErrMissingAPIKey = errors.New("API key is not configured")

// apiClient posts JSON to an OpenAI-compatible API, retrying rate limits and
// server errors with exponential backoff.
type apiClient struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	maxRetries int
	baseDelay  time.Duration
}

func newAPIClient(baseURL, apiKey string, timeout time.Duration, maxRetries int) (*apiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		http:       &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		baseDelay:  200 * time.Millisecond,
	}, nil
}

// postJSON sends body to path and decodes the response into out
func (c *apiClient) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	url := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, lastDelay(lastErr, c.retryDelay(attempt-1))); err != nil {
				return err
			}
			slog.Debug("Retrying API request", "url", url, "attempt", attempt, "error", lastErr)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		_ = resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = &retryableError{
				status:     resp.StatusCode,
				body:       excerpt(payload),
				retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			}
			continue
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("API returned HTTP %d: %s", resp.StatusCode, excerpt(payload))
		}
		if readErr != nil {
			lastErr = fmt.Errorf("failed to read response: %w", readErr)
			continue
		}

		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("giving up after %d attempts: %w", c.maxRetries+1, lastErr)
}

// retryDelay is exponential from baseDelay, capped at 5s
func (c *apiClient) retryDelay(attempt int) time.Duration {
	d := c.baseDelay << attempt
	if d > 5*time.Second || d <= 0 {
		d = 5 * time.Second
	}
	return d
}

type retryableError struct {
	status     int
	body       string
	retryAfter time.Duration
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("API returned HTTP %d: %s", e.status, e.body)
}

// lastDelay honours a Retry-After from the previous response when present
func lastDelay(err error, fallback time.Duration) time.Duration {
	var re *retryableError
	if errors.As(err, &re) && re.retryAfter > 0 {
		return re.retryAfter
	}
	return fallback
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
