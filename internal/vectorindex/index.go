// Package vectorindex stores page chunks with their embeddings and answers
// semantic and keyword queries over them.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/masahif/grimoire/internal/pipeline"
)

// DefaultEmbedConcurrency bounds parallel embedding calls per Insert
const DefaultEmbedConcurrency = 4

var (
	ErrEmptyQuery  = errors.New("empty search query")
	ErrUnknownMode = errors.New("unknown search mode")
)

// pointNamespace scopes the deterministic chunk point ids
var pointNamespace = uuid.MustParse("6f0d5b1e-93a4-4d43-9a8e-2f5c1b7e4a10")

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension is the vector size, or 0 when unknown until the first call
	Dimension() int
}

// Index is a pipeline.VectorIndex that can also be searched
type Index interface {
	pipeline.VectorIndex
	Search(ctx context.Context, q Query) ([]Hit, error)
	// Health reports whether the index backend can serve requests
	Health(ctx context.Context) error
}

// Mode selects how a Query matches chunks
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
)

// ParseMode converts a flag value to a Mode; empty means semantic
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSemantic:
		return ModeSemantic, nil
	case ModeKeyword:
		return ModeKeyword, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Query is a search request. In keyword mode Keywords is used when set,
// otherwise the terms of Text are.
type Query struct {
	Text     string
	Keywords []string
	Mode     Mode
	Limit    int
}

const defaultLimit = 5

func (q Query) limit() int {
	if q.Limit <= 0 {
		return defaultLimit
	}
	return q.Limit
}

// terms returns the lowercased, deduplicated keyword terms of the query
func (q Query) terms() []string {
	src := q.Keywords
	if len(src) == 0 {
		src = strings.FieldsFunc(q.Text, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})
	}
	seen := make(map[string]bool, len(src))
	var out []string
	for _, t := range src {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Hit is one chunk matched by a search
type Hit struct {
	ID     string
	Record pipeline.ChunkRecord
	Score  float64
}

// PointID returns the stable id of a chunk, so re-inserting a page overwrites its points
func PointID(pageID int64, chunkIndex int) string {
	key := strconv.FormatInt(pageID, 10) + ":" + strconv.Itoa(chunkIndex)
	return uuid.NewSHA1(pointNamespace, []byte(key)).String()
}

// embedAll embeds every chunk with at most limit calls in flight; vectors keep chunk order
func embedAll(ctx context.Context, e Embedder, chunks []pipeline.ChunkRecord, limit int) ([][]float32, error) {
	if limit <= 0 {
		limit = DefaultEmbedConcurrency
	}
	vectors := make([][]float32, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range chunks {
		i := i
		g.Go(func() error {
			vec, err := e.Embed(gctx, chunks[i].Content)
			if err != nil {
				return fmt.Errorf("failed to embed chunk %d of page %d: %w", chunks[i].ChunkIndex, chunks[i].PageID, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// keywordScore is the share of terms found in the chunk's keywords, title or content
func keywordScore(rec pipeline.ChunkRecord, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	kw := make(map[string]bool, len(rec.Keywords))
	for _, k := range rec.Keywords {
		kw[strings.ToLower(k)] = true
	}
	title := strings.ToLower(rec.Title)
	content := strings.ToLower(rec.Content)

	matched := 0
	for _, t := range terms {
		if kw[t] || strings.Contains(title, t) || strings.Contains(content, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
