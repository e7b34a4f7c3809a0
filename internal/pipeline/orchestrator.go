// Package pipeline turns submitted URLs into durable page records and drives
// them through download, summarize and vectorize. It tracks the last stage
// each page completed so that retries resume where the previous attempt stopped,
// and derives the externally visible status of a page from its records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

// PlaceholderTitle is stored on a page until its download succeeds
const PlaceholderTitle = "Processing..."

// SubmitOutcome tells the submitter what happened to the URL
type SubmitOutcome string

const (
	OutcomeAccepted      SubmitOutcome = "accepted"
	OutcomeAlreadyExists SubmitOutcome = "already_exists"
)

// SubmitResult is returned by Submit
type SubmitResult struct {
	Outcome SubmitOutcome
	PageID  int64
	LogID   int64 // zero when the URL already existed
}

// Stats represents orchestrator statistics
type Stats struct {
	Submitted  int
	Duplicates int
	Completed  int
	Failed     int
	InFlight   int
	StartTime  time.Time
	Duration   time.Duration
}

// Orchestrator accepts URL submissions and runs their pipelines in the background.
type Orchestrator struct {
	store Store
	exec  *Executor
	guard *RunGuard

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	stats      Stats
	statsMutex sync.RWMutex
}

// NewOrchestrator creates an orchestrator running at most workers pipelines at once.
func NewOrchestrator(store Store, exec *Executor, guard *RunGuard, workers int) *Orchestrator {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:  store,
		exec:   exec,
		guard:  guard,
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, workers),
		stats:  Stats{StartTime: time.Now()},
	}
}

// Submit registers a URL and starts its pipeline in the background.
// Submitting a URL that already has a page returns OutcomeAlreadyExists and
// creates nothing. The page and its first process log are written together.
func (o *Orchestrator) Submit(ctx context.Context, rawURL, memo string) (*SubmitResult, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	existing, err := o.store.GetPageByURL(ctx, target)
	if err == nil {
		o.incrementStat(func(s *Stats) { s.Duplicates++ })
		return &SubmitResult{Outcome: OutcomeAlreadyExists, PageID: existing.ID}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to look up page: %w", err)
	}

	pageID, logID, err := o.store.CreatePageWithLog(ctx, target, PlaceholderTitle, memo, LogStarted)
	if errors.Is(err, ErrAlreadyExists) {
		// Lost a race with a concurrent submission of the same URL
		existing, lookupErr := o.store.GetPageByURL(ctx, target)
		if lookupErr != nil {
			return nil, fmt.Errorf("failed to look up page: %w", lookupErr)
		}
		o.incrementStat(func(s *Stats) { s.Duplicates++ })
		return &SubmitResult{Outcome: OutcomeAlreadyExists, PageID: existing.ID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	o.guard.TryAcquire(pageID)
	o.incrementStat(func(s *Stats) { s.Submitted++ })
	slog.Info("URL accepted", "page_id", pageID, "log_id", logID, "url", target)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.guard.Release(pageID)

		select {
		case o.sem <- struct{}{}:
		case <-o.ctx.Done():
			o.exec.markLog(o.ctx, logID, LogFailed, "pipeline stopped before the attempt started")
			o.incrementStat(func(s *Stats) { s.Failed++ })
			return
		}
		defer func() { <-o.sem }()

		o.Run(o.ctx, pageID, logID, target)
	}()

	return &SubmitResult{Outcome: OutcomeAccepted, PageID: pageID, LogID: logID}, nil
}

// Run drives a page through every stage. It never panics or returns an error:
// failures are recorded on the process log identified by logID.
func (o *Orchestrator) Run(ctx context.Context, pageID, logID int64, pageURL string) {
	logger := slog.With("page_id", pageID, "log_id", logID, "url", pageURL)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Pipeline panicked", "panic", r)
			o.exec.markLog(ctx, logID, LogFailed, fmt.Sprintf("panic: %v", r))
			o.incrementStat(func(s *Stats) { s.Failed++ })
		}
	}()

	if err := o.exec.RunFrom(ctx, pageID, logID, StageDownload); err != nil {
		logger.Warn("Pipeline halted", "error", err)
		o.incrementStat(func(s *Stats) { s.Failed++ })
		return
	}

	logger.Info("Pipeline completed")
	o.incrementStat(func(s *Stats) { s.Completed++ })
}

// Wait blocks until every background run has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Stop cancels in-flight runs and waits for them to record their outcome
func (o *Orchestrator) Stop() error {
	o.cancel()
	o.wg.Wait()

	stats := o.GetStats()
	slog.Info("Pipeline stopped", "submitted", stats.Submitted, "duplicates", stats.Duplicates,
		"completed", stats.Completed, "failed", stats.Failed, "duration", stats.Duration)
	return nil
}

// GetStats returns current orchestrator statistics
func (o *Orchestrator) GetStats() Stats {
	o.statsMutex.RLock()
	defer o.statsMutex.RUnlock()

	stats := o.stats
	stats.InFlight = stats.Submitted - stats.Completed - stats.Failed
	stats.Duration = time.Since(stats.StartTime)
	return stats
}

func (o *Orchestrator) incrementStat(update func(s *Stats)) {
	o.statsMutex.Lock()
	defer o.statsMutex.Unlock()
	update(&o.stats)
}

// NormalizeURL validates that raw is an absolute http(s) URL and trims it.
// Fragments are dropped since they never change the fetched document.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}
