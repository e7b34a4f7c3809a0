package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// RetryOutcome tells the caller what a retry or reprocess request did
type RetryOutcome string

const (
	RetryStarted         RetryOutcome = "retry_started"
	RetryNotFailed       RetryOutcome = "not_failed"
	RetryAlreadyComplete RetryOutcome = "already_completed"
)

// RetryResult is returned by RetrySingle and Reprocess
type RetryResult struct {
	Outcome     RetryOutcome
	PageID      int64
	LogID       int64 // zero unless an attempt was started
	ResumedFrom Stage
	Completed   bool   // the attempt ran through finalization
	Error       string // stage failure of the attempt, if any
}

// BatchOptions controls RetryAllFailed
type BatchOptions struct {
	MaxRetries int           // 0 means no limit
	Delay      time.Duration // pause after one page finishes before the next starts
}

// BatchFailure is a page whose retry could not be carried out
type BatchFailure struct {
	PageID int64
	Err    error
}

// BatchResult summarizes RetryAllFailed
type BatchResult struct {
	TotalFailed int // distinct pages referenced by failed logs
	Attempted   int
	Succeeded   int // retry invocations that returned without error
	Recovered   int // attempts that ran through to completion
	Failures    []BatchFailure
}

// RetryCoordinator resumes failed pages from the stage after their last success.
type RetryCoordinator struct {
	store     Store
	exec      *Executor
	guard     *RunGuard
	projector *StatusProjector
}

// NewRetryCoordinator creates a coordinator sharing the run guard with the orchestrator
func NewRetryCoordinator(store Store, exec *Executor, guard *RunGuard, projector *StatusProjector) *RetryCoordinator {
	return &RetryCoordinator{
		store:     store,
		exec:      exec,
		guard:     guard,
		projector: projector,
	}
}

// ResumePoint returns the stage a retry of the page would start at
func (r *RetryCoordinator) ResumePoint(ctx context.Context, pageID int64) (Stage, error) {
	page, err := r.store.GetPage(ctx, pageID)
	if err != nil {
		return "", err
	}
	return resumeStage(page), nil
}

// resumeStage is the stage a new attempt on page starts at. A page whose
// chunks were dropped by a failed re-vectorize has no index reference and is
// vectorized again even though its step marker is past vectorize.
func resumeStage(page *Page) Stage {
	start := ResumePoint(page.LastSuccessStep)
	if start == StageComplete && page.IndexRef == "" {
		return StageVectorize
	}
	return start
}

// RetrySingle resumes a failed page. Stages that already succeeded are not run again.
// Pages whose latest attempt did not fail are left untouched.
func (r *RetryCoordinator) RetrySingle(ctx context.Context, pageID int64) (*RetryResult, error) {
	page, err := r.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}

	failed, err := r.projector.Failed(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if !failed {
		return &RetryResult{Outcome: RetryNotFailed, PageID: pageID}, nil
	}

	start := resumeStage(page)
	if start == StageComplete {
		return &RetryResult{Outcome: RetryAlreadyComplete, PageID: pageID}, nil
	}

	return r.attempt(ctx, page, start, LogRetryStarted)
}

// Reprocess runs a page again from fromStep regardless of its state.
// fromStep is "auto", "download", "llm" or "vectorize". "auto" resumes after the
// last successful stage, or restarts from download when nothing is left to do.
func (r *RetryCoordinator) Reprocess(ctx context.Context, pageID int64, fromStep string) (*RetryResult, error) {
	page, err := r.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}

	resume := resumeStage(page)

	var start Stage
	switch step := strings.ToLower(strings.TrimSpace(fromStep)); step {
	case "", "auto":
		start = resume
		if start == StageComplete {
			start = StageDownload
		}
	case string(StageDownload), string(StageLLM), string(StageVectorize):
		start = Stage(step)
		if start.rank() > resume.rank() {
			return nil, fmt.Errorf("%w: cannot start at %s, page last completed %s", ErrStepNotReached, start, page.LastSuccessStep)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, fromStep)
	}

	return r.attempt(ctx, page, start, LogReprocessStarted)
}

// RetryAllFailed retries every page referenced by a failed log, pausing between
// pages. An error on one page never stops the batch.
func (r *RetryCoordinator) RetryAllFailed(ctx context.Context, opts BatchOptions) (*BatchResult, error) {
	logs, err := r.store.GetLogsByStatus(ctx, TerminalErrorStatuses...)
	if err != nil {
		return nil, fmt.Errorf("failed to load failed logs: %w", err)
	}

	seen := make(map[int64]bool)
	var pageIDs []int64
	for _, l := range logs {
		if l.PageID == 0 || seen[l.PageID] {
			continue
		}
		seen[l.PageID] = true
		pageIDs = append(pageIDs, l.PageID)
	}

	result := &BatchResult{TotalFailed: len(pageIDs)}
	if opts.MaxRetries > 0 && len(pageIDs) > opts.MaxRetries {
		pageIDs = pageIDs[:opts.MaxRetries]
	}

	slog.Info("Batch retry started", "failed_pages", result.TotalFailed, "to_retry", len(pageIDs), "delay", opts.Delay)

	for i, pageID := range pageIDs {
		if i > 0 && opts.Delay > 0 {
			if err := pause(ctx, opts.Delay); err != nil {
				slog.Warn("Batch retry interrupted", "error", err, "attempted", result.Attempted)
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			slog.Warn("Batch retry interrupted", "error", err, "attempted", result.Attempted)
			return result, err
		}

		result.Attempted++
		res, err := r.RetrySingle(ctx, pageID)
		if err != nil {
			slog.Warn("Retry failed", "page_id", pageID, "error", err)
			result.Failures = append(result.Failures, BatchFailure{PageID: pageID, Err: err})
			continue
		}

		result.Succeeded++
		if res.Completed {
			result.Recovered++
		}
	}

	slog.Info("Batch retry finished", "attempted", result.Attempted, "succeeded", result.Succeeded,
		"recovered", result.Recovered, "errors", len(result.Failures))
	return result, nil
}

// pause waits d after the previous attempt finished, or until ctx is done
func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attempt opens a new process log and runs the remaining stages synchronously
func (r *RetryCoordinator) attempt(ctx context.Context, page *Page, start Stage, status LogStatus) (*RetryResult, error) {
	if !r.guard.TryAcquire(page.ID) {
		return nil, ErrRunInProgress
	}
	defer r.guard.Release(page.ID)

	logID, err := r.store.CreateLog(ctx, page.ID, page.URL, status)
	if err != nil {
		return nil, fmt.Errorf("failed to create process log: %w", err)
	}

	logger := slog.With("page_id", page.ID, "log_id", logID, "from", start)
	logger.Info("Attempt started", "status", status)

	result := &RetryResult{
		Outcome:     RetryStarted,
		PageID:      page.ID,
		LogID:       logID,
		ResumedFrom: start,
	}

	if err := r.exec.RunFrom(ctx, page.ID, logID, start); err != nil {
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			logger.Error("Attempt failed", "error", err)
		}
		result.Error = err.Error()
		return result, nil
	}

	result.Completed = true
	logger.Info("Attempt completed")
	return result, nil
}
