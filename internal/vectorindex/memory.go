package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/masahif/grimoire/internal/pipeline"
)

type memoryPoint struct {
	rec pipeline.ChunkRecord
	vec []float32
}

// Memory is an in-process index using brute-force cosine similarity
type Memory struct {
	mu       sync.RWMutex
	embedder Embedder
	points   map[string]memoryPoint
}

// NewMemory creates an empty in-memory index
func NewMemory(embedder Embedder) *Memory {
	return &Memory{
		embedder: embedder,
		points:   make(map[string]memoryPoint),
	}
}

// Insert embeds and stores the chunks, returning their point ids in order
func (m *Memory) Insert(ctx context.Context, chunks []pipeline.ChunkRecord) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	vectors, err := embedAll(ctx, m.embedder, chunks, DefaultEmbedConcurrency)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	refs := make([]string, len(chunks))
	for i, rec := range chunks {
		id := PointID(rec.PageID, rec.ChunkIndex)
		m.points[id] = memoryPoint{rec: rec, vec: vectors[i]}
		refs[i] = id
	}
	return refs, nil
}

// DeletePage removes every point of the page
func (m *Memory) DeletePage(ctx context.Context, pageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.points {
		if p.rec.PageID == pageID {
			delete(m.points, id)
		}
	}
	return nil
}

// Search ranks stored chunks against the query
func (m *Memory) Search(ctx context.Context, q Query) ([]Hit, error) {
	switch q.Mode {
	case ModeSemantic, "":
		if strings.TrimSpace(q.Text) == "" {
			return nil, ErrEmptyQuery
		}
		vec, err := m.embedder.Embed(ctx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		return m.rank(q.limit(), func(p memoryPoint) (float64, bool) {
			return cosine(vec, p.vec), true
		}), nil

	case ModeKeyword:
		terms := q.terms()
		if len(terms) == 0 {
			return nil, ErrEmptyQuery
		}
		return m.rank(q.limit(), func(p memoryPoint) (float64, bool) {
			score := keywordScore(p.rec, terms)
			return score, score > 0
		}), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, q.Mode)
}

// Health always succeeds; the index lives in process memory
func (m *Memory) Health(ctx context.Context) error {
	return nil
}

// Len returns the number of stored points
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

func (m *Memory) rank(limit int, score func(memoryPoint) (float64, bool)) []Hit {
	m.mu.RLock()
	hits := make([]Hit, 0, len(m.points))
	for id, p := range m.points {
		if s, ok := score(p); ok {
			hits = append(hits, Hit{ID: id, Record: p.rec, Score: s})
		}
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Record.PageID != hits[j].Record.PageID {
			return hits[i].Record.PageID < hits[j].Record.PageID
		}
		return hits[i].Record.ChunkIndex < hits[j].Record.ChunkIndex
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
