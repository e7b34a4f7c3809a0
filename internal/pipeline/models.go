package pipeline

import (
	"strings"
	"time"
)

// Step is the last pipeline stage a page completed successfully.
// Steps are ordered: none -> downloaded -> llm_processed -> vectorized -> completed.
type Step string

const (
	StepNone         Step = "none"
	StepDownloaded   Step = "downloaded"
	StepLLMProcessed Step = "llm_processed"
	StepVectorized   Step = "vectorized"
	StepCompleted    Step = "completed"
)

// Steps lists every step in pipeline order
var Steps = []Step{StepNone, StepDownloaded, StepLLMProcessed, StepVectorized, StepCompleted}

// Rank returns the position of the step in pipeline order, or -1 if unknown
func (s Step) Rank() int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known step
func (s Step) Valid() bool {
	return s.Rank() >= 0
}

// Stage is a unit of pipeline work an attempt can start from.
type Stage string

const (
	StageDownload  Stage = "download"
	StageLLM       Stage = "llm"
	StageVectorize Stage = "vectorize"
	// StageComplete means only finalization is left.
	StageComplete Stage = "complete"
)

// stageOrder is the execution order of stages within one attempt
var stageOrder = []Stage{StageDownload, StageLLM, StageVectorize, StageComplete}

func (s Stage) rank() int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

// ResumePoint maps the last successful step to the stage a new attempt starts at.
// Unknown steps restart from download.
func ResumePoint(step Step) Stage {
	switch step {
	case StepNone, "":
		return StageDownload
	case StepDownloaded:
		return StageLLM
	case StepLLMProcessed:
		return StageVectorize
	case StepVectorized, StepCompleted:
		return StageComplete
	default:
		return StageDownload
	}
}

// LogStatus is the machine-readable token stored on a process log
type LogStatus string

const (
	LogStarted           LogStatus = "started"
	LogRetryStarted      LogStatus = "retry_started"
	LogReprocessStarted  LogStatus = "reprocess_started"
	LogDownloadComplete  LogStatus = "download_complete"
	LogDownloadError     LogStatus = "download_error"
	LogLLMComplete       LogStatus = "llm_complete"
	LogLLMError          LogStatus = "llm_error"
	LogVectorizeComplete LogStatus = "vectorize_complete"
	LogVectorizeError    LogStatus = "vectorize_error"
	LogCompleted         LogStatus = "completed"
	LogFailed            LogStatus = "failed"
)

// TerminalErrorStatuses are the statuses that end an attempt with a failure
var TerminalErrorStatuses = []LogStatus{LogDownloadError, LogLLMError, LogVectorizeError, LogFailed}

// IsTerminalError reports whether the status ends an attempt with a failure
func (s LogStatus) IsTerminalError() bool {
	return s == LogFailed || strings.HasSuffix(string(s), "_error")
}

// Status is the externally visible state of a page
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ParseStatus converts a filter string to a Status. Empty input yields an empty Status.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return "", nil
	case StatusProcessing:
		return StatusProcessing, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	}
	return "", ErrUnknownStatus
}

// Page is one submitted URL and the outputs of its completed stages
type Page struct {
	ID              int64
	URL             string
	Title           string
	Memo            string
	Summary         string   // empty until summarize succeeds
	Keywords        []string // nil until summarize succeeds
	IndexRef        string   // empty until vectorize succeeds
	LastSuccessStep Step
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProcessLog records one attempt; its status is updated in place as the attempt progresses
type ProcessLog struct {
	ID           int64
	PageID       int64 // 0 when the log is not attached to a page
	URL          string
	Status       LogStatus
	ErrorMessage string
	CreatedAt    time.Time
}

// Document is the extracted content of a URL as returned by a Fetcher
type Document struct {
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	SourceURL string    `json:"url"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Digest is the output of a Summarizer
type Digest struct {
	Summary  string
	Keywords []string
}

// ChunkRecord is one passage of a page as handed to the vector index
type ChunkRecord struct {
	PageID     int64
	ChunkIndex int
	URL        string
	Title      string
	Memo       string
	Content    string
	Summary    string
	Keywords   []string
	CreatedAt  time.Time
}

// ListOptions controls page listing
type ListOptions struct {
	Limit  int
	Offset int
}
