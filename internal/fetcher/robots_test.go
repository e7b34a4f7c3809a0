package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestRobotsChecker(t *testing.T) {
	robotsTxt := `
User-agent: *
Disallow: /admin/
Disallow: /private/
Allow: /private/public/
Crawl-delay: 2

User-agent: Googlebot
Disallow: /no-google/
`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(robotsTxt))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPClient("grimoire/1.0", 5*time.Second)
	defer client.Close()

	checker := NewRobotsChecker(client, "grimoire/1.0")
	ctx := context.Background()

	tests := []struct {
		name     string
		url      string
		expected bool
	}{
		{"Root allowed", server.URL + "/", true},
		{"Admin disallowed", server.URL + "/admin/page", false},
		{"Private disallowed", server.URL + "/private/data", false},
		{"Private public allowed", server.URL + "/private/public/page", true},
		{"Other agent rules ignored", server.URL + "/no-google/page", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, err := checker.Allowed(ctx, tt.url)
			if err != nil {
				t.Errorf("Error checking robots.txt: %v", err)
			}
			if allowed != tt.expected {
				t.Errorf("Expected %v for %s, got %v", tt.expected, tt.url, allowed)
			}
		})
	}

	parsedURL, _ := url.Parse(server.URL)
	if delay := checker.CrawlDelay(parsedURL.Host); delay != 2*time.Second {
		t.Errorf("Expected crawl delay of 2s, got %v", delay)
	}
}

func TestRobotsCheckerMissingFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPClient("grimoire/1.0", 5*time.Second)
	defer client.Close()

	allowed, err := NewRobotsChecker(client, "grimoire/1.0").Allowed(context.Background(), server.URL+"/anything")
	if err != nil || !allowed {
		t.Errorf("Expected allowed without robots.txt, got %v, %v", allowed, err)
	}
}

func TestParseRobotsTxtAgentGroups(t *testing.T) {
	content := `
# comment
User-agent: other
User-agent: grimoire
Disallow: /shared/ # trailing comment

User-agent: *
Disallow: /all/
`
	rules := parseRobotsTxt(content, "grimoire/1.0")
	if len(rules.disallowed) != 2 {
		t.Fatalf("Expected 2 disallow rules, got %v", rules.disallowed)
	}
	if rules.disallowed[0] != "/shared/" {
		t.Errorf("Expected /shared/ without comment, got %q", rules.disallowed[0])
	}
}

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		path    string
		pattern string
		want    bool
	}{
		{"/admin/page", "/admin/", true},
		{"/administrator", "/admin/", false},
		{"/files/report.pdf", "/*.pdf$", true},
		{"/files/report.pdf?x=1", "/*.pdf$", false},
		{"/a/b.pdf/c.pdf", "/*.pdf$", true},
		{"/page", "/page$", true},
		{"/page/sub", "/page$", false},
		{"/search?q=go", "/search*q=", true},
		{"/anything", "/*", true},
	}

	for _, tt := range tests {
		if got := matchesPattern(tt.path, tt.pattern); got != tt.want {
			t.Errorf("matchesPattern(%q, %q) = %v, want %v", tt.path, tt.pattern, got, tt.want)
		}
	}
}
