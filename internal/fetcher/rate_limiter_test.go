package fetcher

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(100 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	if err := limiter.Wait(ctx, "https://example.com/page1"); err != nil {
		t.Errorf("First request failed: %v", err)
	}
	if err := limiter.Wait(ctx, "https://example.com/page2"); err != nil {
		t.Errorf("Second request failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Rate limiting not working, elapsed time: %v", elapsed)
	}

	// Different host should not be rate limited
	start = time.Now()
	if err := limiter.Wait(ctx, "https://other.com/page1"); err != nil {
		t.Errorf("Different host request failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Different host was rate limited, elapsed time: %v", elapsed)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := limiter.Wait(ctx, "https://example.com/"); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Disabled limiter waited %v", elapsed)
	}
}

func TestRateLimiterHostDelay(t *testing.T) {
	limiter := NewRateLimiter(0)
	limiter.SetHostDelay("slow.example", 150*time.Millisecond)
	// Repeating the same delay keeps the existing limiter state
	limiter.SetHostDelay("slow.example", 150*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	_ = limiter.Wait(ctx, "https://slow.example/a")
	_ = limiter.Wait(ctx, "https://slow.example/b")
	if elapsed := time.Since(start); elapsed < 140*time.Millisecond {
		t.Errorf("Expected host delay to apply, elapsed %v", elapsed)
	}
}

func TestRateLimiterCancelled(t *testing.T) {
	limiter := NewRateLimiter(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	_ = limiter.Wait(ctx, "https://example.com/")
	cancel()
	if err := limiter.Wait(ctx, "https://example.com/"); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
