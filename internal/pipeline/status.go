package pipeline

import (
	"context"
	"fmt"
)

// PageStatus is a page together with its derived status
type PageStatus struct {
	Page      *Page
	Status    Status
	LatestLog *ProcessLog // nil when the page has no logs
	LastError string      // message of the most recent failed attempt, if any
	Running   bool
}

// StatusProjector derives the externally visible status of pages.
// Status is computed from the store on every call and never cached.
type StatusProjector struct {
	store Store
	guard *RunGuard
}

// NewStatusProjector creates a projector reading from store. guard may be nil.
func NewStatusProjector(store Store, guard *RunGuard) *StatusProjector {
	return &StatusProjector{store: store, guard: guard}
}

// DeriveStatus applies the status rules to a page and its logs (oldest first):
//  1. summary and index reference both set: completed
//  2. the latest attempt ended with a terminal error: failed
//  3. otherwise: processing
func DeriveStatus(page *Page, logs []ProcessLog) Status {
	if page.Summary != "" && page.IndexRef != "" {
		return StatusCompleted
	}
	if latest := latestLog(logs); latest != nil && latest.Status.IsTerminalError() {
		return StatusFailed
	}
	return StatusProcessing
}

// Status returns the derived status of one page
func (p *StatusProjector) Status(ctx context.Context, pageID int64) (*PageStatus, error) {
	page, err := p.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return p.project(ctx, page)
}

// Failed reports whether the page's latest attempt ended with a terminal error
func (p *StatusProjector) Failed(ctx context.Context, pageID int64) (bool, error) {
	logs, err := p.store.GetLogsForPage(ctx, pageID)
	if err != nil {
		return false, fmt.Errorf("failed to load logs: %w", err)
	}
	latest := latestLog(logs)
	return latest != nil && latest.Status.IsTerminalError(), nil
}

// List returns pages newest first, optionally keeping only those with the given status
func (p *StatusProjector) List(ctx context.Context, filter Status, opts ListOptions) ([]PageStatus, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	if filter == "" {
		pages, err := p.store.ListPages(ctx, opts)
		if err != nil {
			return nil, err
		}
		return p.projectAll(ctx, pages, "", len(pages))
	}

	// Status is derived, so filtered pagination scans pages in batches
	const batchSize = 200
	var (
		matched []PageStatus
		skipped int
	)
	for offset := 0; ; offset += batchSize {
		pages, err := p.store.ListPages(ctx, ListOptions{Limit: batchSize, Offset: offset})
		if err != nil {
			return nil, err
		}

		batch, err := p.projectAll(ctx, pages, filter, len(pages))
		if err != nil {
			return nil, err
		}
		for _, ps := range batch {
			if skipped < opts.Offset {
				skipped++
				continue
			}
			matched = append(matched, ps)
			if len(matched) == opts.Limit {
				return matched, nil
			}
		}

		if len(pages) < batchSize {
			return matched, nil
		}
	}
}

func (p *StatusProjector) projectAll(ctx context.Context, pages []Page, filter Status, capacity int) ([]PageStatus, error) {
	out := make([]PageStatus, 0, capacity)
	for i := range pages {
		ps, err := p.project(ctx, &pages[i])
		if err != nil {
			return nil, err
		}
		if filter != "" && ps.Status != filter {
			continue
		}
		out = append(out, *ps)
	}
	return out, nil
}

func (p *StatusProjector) project(ctx context.Context, page *Page) (*PageStatus, error) {
	logs, err := p.store.GetLogsForPage(ctx, page.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load logs: %w", err)
	}

	ps := &PageStatus{
		Page:      page,
		Status:    DeriveStatus(page, logs),
		LatestLog: latestLog(logs),
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].Status.IsTerminalError() && logs[i].ErrorMessage != "" {
			ps.LastError = logs[i].ErrorMessage
			break
		}
	}
	if p.guard != nil {
		ps.Running = p.guard.Running(page.ID)
	}
	return ps, nil
}

func latestLog(logs []ProcessLog) *ProcessLog {
	if len(logs) == 0 {
		return nil
	}
	latest := logs[len(logs)-1]
	return &latest
}
