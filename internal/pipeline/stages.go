package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultStageTimeout bounds each external call made by a stage
const DefaultStageTimeout = 2 * time.Minute

// Executor runs the pipeline stages for one page and persists each stage's output.
type Executor struct {
	store      Store
	artifacts  ArtifactStore
	fetcher    Fetcher
	summarizer Summarizer
	chunker    Chunker
	index      VectorIndex
	timeout    time.Duration
}

// Deps are the collaborators an Executor needs
type Deps struct {
	Store      Store
	Artifacts  ArtifactStore
	Fetcher    Fetcher
	Summarizer Summarizer
	Chunker    Chunker
	Index      VectorIndex
}

// NewExecutor creates a stage executor. A non-positive timeout uses DefaultStageTimeout.
func NewExecutor(deps Deps, stageTimeout time.Duration) *Executor {
	if stageTimeout <= 0 {
		stageTimeout = DefaultStageTimeout
	}
	return &Executor{
		store:      deps.Store,
		artifacts:  deps.Artifacts,
		fetcher:    deps.Fetcher,
		summarizer: deps.Summarizer,
		chunker:    deps.Chunker,
		index:      deps.Index,
		timeout:    stageTimeout,
	}
}

type stageFunc func(ctx context.Context, pageID int64) error

type stageSpec struct {
	stage   Stage
	run     stageFunc
	success LogStatus
	failure LogStatus
}

func (e *Executor) stages() []stageSpec {
	return []stageSpec{
		{StageDownload, e.download, LogDownloadComplete, LogDownloadError},
		{StageLLM, e.summarize, LogLLMComplete, LogLLMError},
		{StageVectorize, e.vectorize, LogVectorizeComplete, LogVectorizeError},
	}
}

// RunFrom executes every stage from start onward, then finalizes the page.
// Each stage's output and step marker are committed before the next stage begins.
// The first failing stage is recorded on the log and returned as a *StageError.
func (e *Executor) RunFrom(ctx context.Context, pageID, logID int64, start Stage) error {
	if start.rank() < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownStep, start)
	}

	for _, spec := range e.stages() {
		if spec.stage.rank() < start.rank() {
			continue
		}

		logger := slog.With("page_id", pageID, "log_id", logID, "stage", spec.stage)
		logger.Debug("Stage started")
		startedAt := time.Now()

		if err := spec.run(ctx, pageID); err != nil {
			logger.Error("Stage failed", "error", err)
			e.markLog(ctx, logID, spec.failure, err.Error())
			return &StageError{Stage: spec.stage, Err: err}
		}

		e.markLog(ctx, logID, spec.success, "")
		logger.Info("Stage completed", "duration", time.Since(startedAt))
	}

	return e.finalize(ctx, pageID, logID)
}

// download fetches the URL, stores the document artifact and the page title
func (e *Executor) download(ctx context.Context, pageID int64) error {
	page, err := e.store.GetPage(ctx, pageID)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	doc, err := e.fetcher.Fetch(callCtx, page.URL)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to fetch content: %w", err)
	}
	if strings.TrimSpace(doc.Content) == "" {
		return ErrEmptyContent
	}

	if err := e.artifacts.SaveDocument(pageID, doc); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	title := strings.TrimSpace(doc.Title)
	if title == "" {
		title = page.URL
	}
	if err := e.store.UpdatePageTitle(ctx, pageID, title); err != nil {
		return err
	}

	return e.advance(ctx, pageID, StepDownloaded)
}

// summarize derives summary and keywords from the stored document
func (e *Executor) summarize(ctx context.Context, pageID int64) error {
	doc, err := e.artifacts.LoadDocument(pageID)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	digest, err := e.summarizer.Summarize(callCtx, doc.Title, doc.Content)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to summarize: %w", err)
	}

	if err := e.store.UpdatePageSummaryKeywords(ctx, pageID, digest.Summary, digest.Keywords); err != nil {
		return err
	}

	return e.advance(ctx, pageID, StepLLMProcessed)
}

// vectorize chunks the stored document and indexes every chunk with the page metadata
func (e *Executor) vectorize(ctx context.Context, pageID int64) error {
	page, err := e.store.GetPage(ctx, pageID)
	if err != nil {
		return err
	}

	doc, err := e.artifacts.LoadDocument(pageID)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}

	passages := e.chunker.Chunk(doc.Content)
	if len(passages) == 0 {
		return ErrNoChunks
	}

	records := make([]ChunkRecord, len(passages))
	for i, passage := range passages {
		records[i] = ChunkRecord{
			PageID:     page.ID,
			ChunkIndex: i,
			URL:        page.URL,
			Title:      page.Title,
			Memo:       page.Memo,
			Content:    passage,
			Summary:    page.Summary,
			Keywords:   page.Keywords,
			CreatedAt:  page.CreatedAt,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// Drop chunks from an earlier attempt so the index mirrors the current content
	if err := e.index.DeletePage(callCtx, pageID); err != nil {
		return fmt.Errorf("failed to clear previous chunks: %w", err)
	}
	// The page has no chunks in the index until the insert below succeeds
	if page.IndexRef != "" {
		if err := e.store.UpdatePageIndexRef(ctx, pageID, ""); err != nil {
			return err
		}
	}

	refs, err := e.index.Insert(callCtx, records)
	if err != nil {
		return fmt.Errorf("failed to index chunks: %w", err)
	}
	if len(refs) == 0 || refs[0] == "" {
		return fmt.Errorf("vector index returned no reference for %d chunks", len(records))
	}

	if err := e.store.UpdatePageIndexRef(ctx, pageID, refs[0]); err != nil {
		return err
	}

	slog.Debug("Indexed chunks", "page_id", pageID, "chunks", len(refs))
	return e.advance(ctx, pageID, StepVectorized)
}

// finalize marks the page and the attempt as completed
func (e *Executor) finalize(ctx context.Context, pageID, logID int64) error {
	if err := e.advance(ctx, pageID, StepCompleted); err != nil {
		slog.Error("Failed to finalize page", "page_id", pageID, "log_id", logID, "error", err)
		e.markLog(ctx, logID, LogFailed, err.Error())
		return fmt.Errorf("failed to finalize page: %w", err)
	}
	e.markLog(ctx, logID, LogCompleted, "")
	return nil
}

func (e *Executor) advance(ctx context.Context, pageID int64, step Step) error {
	advanced, err := e.store.UpdatePageLastSuccessStep(ctx, pageID, step)
	if err != nil {
		return err
	}
	if !advanced {
		slog.Debug("Step already reached, keeping current marker", "page_id", pageID, "step", step)
	}
	return nil
}

// markLog updates the attempt's log. Failures are logged only: the log row is
// bookkeeping and must not turn a successful stage into a failed one.
func (e *Executor) markLog(ctx context.Context, logID int64, status LogStatus, message string) {
	if err := e.store.UpdateLogStatus(context.WithoutCancel(ctx), logID, status, message); err != nil {
		slog.Error("Failed to update process log", "log_id", logID, "status", status, "error", err)
	}
}
