package pipeline

import "context"

// Store persists pages and process logs. Every write applies atomically.
type Store interface {
	// Pages
	CreatePage(ctx context.Context, url, title, memo string) (int64, error)
	CreatePageWithLog(ctx context.Context, url, title, memo string, status LogStatus) (pageID int64, logID int64, err error)
	GetPage(ctx context.Context, id int64) (*Page, error)
	GetPageByURL(ctx context.Context, url string) (*Page, error)
	ListPages(ctx context.Context, opts ListOptions) ([]Page, error)
	UpdatePageTitle(ctx context.Context, id int64, title string) error
	UpdatePageSummaryKeywords(ctx context.Context, id int64, summary string, keywords []string) error
	UpdatePageIndexRef(ctx context.Context, id int64, ref string) error
	// UpdatePageLastSuccessStep reports false when the write was ignored because it would move the step backward
	UpdatePageLastSuccessStep(ctx context.Context, id int64, step Step) (bool, error)

	// Process logs
	CreateLog(ctx context.Context, pageID int64, url string, status LogStatus) (int64, error)
	UpdateLogStatus(ctx context.Context, logID int64, status LogStatus, errorMessage string) error
	GetLogsByStatus(ctx context.Context, statuses ...LogStatus) ([]ProcessLog, error)
	// GetLogsForPage returns logs oldest first
	GetLogsForPage(ctx context.Context, pageID int64) ([]ProcessLog, error)
}

// ArtifactStore keeps the downloaded document of a page between stages
type ArtifactStore interface {
	SaveDocument(pageID int64, doc *Document) error
	LoadDocument(pageID int64) (*Document, error)
}

// Fetcher extracts the title and text of a URL
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Document, error)
}

// Summarizer derives a summary and keyword list from page content
type Summarizer interface {
	Summarize(ctx context.Context, title, content string) (*Digest, error)
}

// Chunker splits text into ordered passages
type Chunker interface {
	Chunk(text string) []string
}

// VectorIndex stores page chunks for search
type VectorIndex interface {
	// DeletePage removes every chunk previously inserted for the page
	DeletePage(ctx context.Context, pageID int64) error
	// Insert stores the chunks and returns one reference per chunk, in order
	Insert(ctx context.Context, chunks []ChunkRecord) ([]string, error)
}
