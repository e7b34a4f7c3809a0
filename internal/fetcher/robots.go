package fetcher

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RobotsChecker fetches and caches robots.txt rules per host
type RobotsChecker struct {
	client    *HTTPClient
	userAgent string
	rules     map[string]*robotRules
	mu        sync.RWMutex
}

type robotRules struct {
	disallowed []string
	allowed    []string
	crawlDelay time.Duration
}

// NewRobotsChecker creates a checker matching groups for userAgent
func NewRobotsChecker(client *HTTPClient, userAgent string) *RobotsChecker {
	return &RobotsChecker{
		client:    client,
		userAgent: strings.ToLower(userAgent),
		rules:     make(map[string]*robotRules),
	}
}

// Allowed reports whether rawURL may be fetched. Hosts whose robots.txt cannot
// be retrieved are treated as allowing everything.
func (r *RobotsChecker) Allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("invalid URL: %w", err)
	}

	rules, err := r.rulesFor(ctx, u.Scheme, u.Host)
	if err != nil {
		return true, nil
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	// Longest matching rule wins; allow wins ties
	var best string
	allowed := true
	for _, pattern := range rules.disallowed {
		if matchesPattern(path, pattern) && len(pattern) > len(best) {
			best, allowed = pattern, false
		}
	}
	for _, pattern := range rules.allowed {
		if matchesPattern(path, pattern) && len(pattern) >= len(best) {
			best, allowed = pattern, true
		}
	}
	return allowed, nil
}

// CrawlDelay returns the crawl-delay declared for host, if its rules were fetched
func (r *RobotsChecker) CrawlDelay(host string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rules, ok := r.rules[host]; ok {
		return rules.crawlDelay
	}
	return 0
}

func (r *RobotsChecker) rulesFor(ctx context.Context, scheme, host string) (*robotRules, error) {
	r.mu.RLock()
	rules, exists := r.rules[host]
	r.mu.RUnlock()

	if exists {
		return rules, nil
	}

	resp, err := r.client.Get(ctx, fmt.Sprintf("%s://%s/robots.txt", scheme, host))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		rules = parseRobotsTxt(string(resp.Body), r.userAgent)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// No robots.txt means everything is allowed
		rules = &robotRules{}
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	r.mu.Lock()
	r.rules[host] = rules
	r.mu.Unlock()

	return rules, nil
}

// parseRobotsTxt keeps the rules of groups addressed to "*" or to userAgent
func parseRobotsTxt(content, userAgent string) *robotRules {
	rules := &robotRules{}

	scanner := bufio.NewScanner(strings.NewReader(content))
	inGroup := false
	lastWasAgent := false

	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		directive, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		directive = strings.ToLower(strings.TrimSpace(directive))
		value = strings.TrimSpace(value)

		if directive == "user-agent" {
			agent := strings.ToLower(value)
			matches := agent == "*" || (userAgent != "" && strings.Contains(userAgent, agent))
			// Consecutive user-agent lines share one group
			if lastWasAgent {
				inGroup = inGroup || matches
			} else {
				inGroup = matches
			}
			lastWasAgent = true
			continue
		}
		lastWasAgent = false

		if !inGroup {
			continue
		}
		switch directive {
		case "disallow":
			if value != "" {
				rules.disallowed = append(rules.disallowed, value)
			}
		case "allow":
			if value != "" {
				rules.allowed = append(rules.allowed, value)
			}
		case "crawl-delay":
			if delay, err := time.ParseDuration(value + "s"); err == nil {
				rules.crawlDelay = delay
			}
		}
	}

	return rules
}

// matchesPattern checks a path against a robots.txt pattern with * and $ support
func matchesPattern(path, pattern string) bool {
	anchored := strings.HasSuffix(pattern, "$")
	pattern = strings.TrimSuffix(pattern, "$")

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(path, parts[0]) {
		return false
	}
	remaining := path[len(parts[0]):]

	for i := 1; i < len(parts); i++ {
		if anchored && i == len(parts)-1 {
			return strings.HasSuffix(remaining, parts[i])
		}
		if parts[i] == "" {
			continue
		}
		idx := strings.Index(remaining, parts[i])
		if idx == -1 {
			return false
		}
		remaining = remaining[idx+len(parts[i]):]
	}

	return !anchored || remaining == ""
}
