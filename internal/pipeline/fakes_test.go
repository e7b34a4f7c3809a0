package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

func init() {
	// Set error level logging during tests to only show critical issues
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	slog.SetDefault(logger)
}

// memStore is an in-memory Store with the same ordering rules as the SQLite one
type memStore struct {
	mu     sync.Mutex
	pages  map[int64]*Page
	logs   []ProcessLog
	nextID int64

	// failGetPage makes GetPage fail for the listed page IDs
	failGetPage map[int64]error
}

func newMemStore() *memStore {
	return &memStore{pages: make(map[int64]*Page)}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) CreatePage(ctx context.Context, url, title, memo string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPage(url, title, memo)
}

func (m *memStore) createPage(url, title, memo string) (int64, error) {
	for _, p := range m.pages {
		if p.URL == url {
			return 0, ErrAlreadyExists
		}
	}
	now := time.Now()
	id := m.id()
	m.pages[id] = &Page{ID: id, URL: url, Title: title, Memo: memo, LastSuccessStep: StepNone, CreatedAt: now, UpdatedAt: now}
	return id, nil
}

func (m *memStore) CreatePageWithLog(ctx context.Context, url, title, memo string, status LogStatus) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pageID, err := m.createPage(url, title, memo)
	if err != nil {
		return 0, 0, err
	}
	return pageID, m.createLog(pageID, url, status), nil
}

func (m *memStore) GetPage(ctx context.Context, id int64) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.failGetPage[id]; ok {
		return nil, err
	}
	p, ok := m.pages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.Keywords = append([]string(nil), p.Keywords...)
	return &cp, nil
}

func (m *memStore) GetPageByURL(ctx context.Context, url string) (*Page, error) {
	m.mu.Lock()
	var id int64
	for _, p := range m.pages {
		if p.URL == url {
			id = p.ID
		}
	}
	m.mu.Unlock()
	if id == 0 {
		return nil, ErrNotFound
	}
	return m.GetPage(ctx, id)
}

func (m *memStore) ListPages(ctx context.Context, opts ListOptions) ([]Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.pages))
	for id := range m.pages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var out []Page
	for i, id := range ids {
		if i < opts.Offset {
			continue
		}
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
		out = append(out, *m.pages[id])
	}
	return out, nil
}

func (m *memStore) update(id int64, fn func(p *Page)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pages[id]
	if !ok {
		return ErrNotFound
	}
	fn(p)
	p.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) UpdatePageTitle(ctx context.Context, id int64, title string) error {
	return m.update(id, func(p *Page) { p.Title = title })
}

func (m *memStore) UpdatePageSummaryKeywords(ctx context.Context, id int64, summary string, keywords []string) error {
	return m.update(id, func(p *Page) {
		p.Summary = summary
		p.Keywords = append([]string(nil), keywords...)
	})
}

func (m *memStore) UpdatePageIndexRef(ctx context.Context, id int64, ref string) error {
	return m.update(id, func(p *Page) { p.IndexRef = ref })
}

func (m *memStore) UpdatePageLastSuccessStep(ctx context.Context, id int64, step Step) (bool, error) {
	if !step.Valid() {
		return false, fmt.Errorf("%w: unknown step %q", ErrInvalidState, step)
	}
	advanced := false
	err := m.update(id, func(p *Page) {
		if step.Rank() > p.LastSuccessStep.Rank() {
			p.LastSuccessStep = step
			advanced = true
		}
	})
	return advanced, err
}

func (m *memStore) CreateLog(ctx context.Context, pageID int64, url string, status LogStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLog(pageID, url, status), nil
}

func (m *memStore) createLog(pageID int64, url string, status LogStatus) int64 {
	id := m.id()
	m.logs = append(m.logs, ProcessLog{ID: id, PageID: pageID, URL: url, Status: status, CreatedAt: time.Now()})
	return id
}

func (m *memStore) UpdateLogStatus(ctx context.Context, logID int64, status LogStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.logs {
		if m.logs[i].ID == logID {
			m.logs[i].Status = status
			m.logs[i].ErrorMessage = errorMessage
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) GetLogsByStatus(ctx context.Context, statuses ...LogStatus) ([]ProcessLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ProcessLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		for _, s := range statuses {
			if m.logs[i].Status == s {
				out = append(out, m.logs[i])
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) GetLogsForPage(ctx context.Context, pageID int64) ([]ProcessLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ProcessLog
	for _, l := range m.logs {
		if l.PageID == pageID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memStore) page(id int64) Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.pages[id]
}

type memArtifacts struct {
	mu   sync.Mutex
	docs map[int64]Document
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{docs: make(map[int64]Document)}
}

func (a *memArtifacts) SaveDocument(pageID int64, doc *Document) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.docs[pageID] = *doc
	return nil
}

func (a *memArtifacts) LoadDocument(pageID int64) (*Document, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	doc, ok := a.docs[pageID]
	if !ok {
		return nil, ErrNotFound
	}
	return &doc, nil
}

// stubFetcher returns a document per URL and counts calls
type stubFetcher struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{} // when set, Fetch waits for it to close

	delay  time.Duration // how long each Fetch takes
	starts []time.Time
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (*Document, error) {
	f.mu.Lock()
	f.calls++
	f.starts = append(f.starts, time.Now())
	err, block, delay := f.err, f.block, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &Document{
		Title:     "Title of " + url,
		Content:   "First paragraph about Go.\n\nSecond paragraph about pipelines.",
		SourceURL: url,
		FetchedAt: time.Now(),
	}, nil
}

func (f *stubFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// pace makes every later Fetch take delay and forgets earlier start times
func (f *stubFetcher) pace(delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = delay
	f.starts = nil
}

func (f *stubFetcher) startTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.starts...)
}

func (f *stubFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubSummarizer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubSummarizer) Summarize(ctx context.Context, title, content string) (*Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Digest{Summary: "Summary of " + title, Keywords: []string{"go", "pipeline"}}, nil
}

func (s *stubSummarizer) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubSummarizer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type paragraphChunker struct{}

func (paragraphChunker) Chunk(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type stubIndex struct {
	mu      sync.Mutex
	calls   int
	err     error
	deleted []int64
	chunks  map[int64][]ChunkRecord
}

func newStubIndex() *stubIndex {
	return &stubIndex{chunks: make(map[int64][]ChunkRecord)}
}

func (x *stubIndex) DeletePage(ctx context.Context, pageID int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.deleted = append(x.deleted, pageID)
	delete(x.chunks, pageID)
	return nil
}

func (x *stubIndex) Insert(ctx context.Context, chunks []ChunkRecord) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls++
	if x.err != nil {
		return nil, x.err
	}
	refs := make([]string, len(chunks))
	for i, c := range chunks {
		x.chunks[c.PageID] = append(x.chunks[c.PageID], c)
		refs[i] = fmt.Sprintf("page-%d-chunk-%d", c.PageID, c.ChunkIndex)
	}
	return refs, nil
}

func (x *stubIndex) setErr(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.err = err
}

func (x *stubIndex) chunksFor(pageID int64) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.chunks[pageID])
}

func (x *stubIndex) count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls
}

type harness struct {
	store      *memStore
	artifacts  *memArtifacts
	fetcher    *stubFetcher
	summarizer *stubSummarizer
	index      *stubIndex
	pipeline   *Pipeline
}

func newHarness() *harness {
	h := &harness{
		store:      newMemStore(),
		artifacts:  newMemArtifacts(),
		fetcher:    &stubFetcher{},
		summarizer: &stubSummarizer{},
		index:      newStubIndex(),
	}
	h.pipeline = New(Deps{
		Store:      h.store,
		Artifacts:  h.artifacts,
		Fetcher:    h.fetcher,
		Summarizer: h.summarizer,
		Chunker:    paragraphChunker{},
		Index:      h.index,
	}, Options{Workers: 2, StageTimeout: 5 * time.Second})
	return h
}

// submitAndWait submits a URL and waits for its background run to finish
func (h *harness) submitAndWait(ctx context.Context, url string) (*SubmitResult, error) {
	res, err := h.pipeline.Orchestrator.Submit(ctx, url, "")
	if err != nil {
		return nil, err
	}
	h.pipeline.Orchestrator.Wait()
	return res, nil
}

var errBoom = errors.New("boom")
