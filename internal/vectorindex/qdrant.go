package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/masahif/grimoire/internal/pipeline"
)

const (
	DefaultQdrantURL  = "http://localhost:6333"
	DefaultCollection = "grimoire_chunks"

	maxErrorBody = 1024
)

// QdrantConfig configures a Qdrant index
type QdrantConfig struct {
	URL              string
	APIKey           string
	Collection       string
	Timeout          time.Duration
	EmbedConcurrency int
}

// Qdrant is a minimal REST client for a Qdrant collection. The collection is
// created with cosine distance on first insert when it does not exist.
type Qdrant struct {
	baseURL     string
	apiKey      string
	collection  string
	concurrency int
	http        *http.Client
	embedder    Embedder

	mu    sync.Mutex
	ready bool
}

// StatusError is a non-2xx answer from Qdrant
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("qdrant %s failed: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// NewQdrant creates a Qdrant index; no request is made until first use
func NewQdrant(cfg QdrantConfig, embedder Embedder) *Qdrant {
	if cfg.URL == "" {
		cfg.URL = DefaultQdrantURL
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = DefaultEmbedConcurrency
	}
	return &Qdrant{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		apiKey:      cfg.APIKey,
		collection:  cfg.Collection,
		concurrency: cfg.EmbedConcurrency,
		http:        &http.Client{Timeout: cfg.Timeout},
		embedder:    embedder,
	}
}

// EnsureCollection creates the collection for dim-sized vectors unless it exists
func (q *Qdrant) EnsureCollection(ctx context.Context, dim int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready {
		return nil
	}

	err := q.doJSON(ctx, "get_collection", http.MethodGet, q.collectionPath(""), nil, nil)
	switch {
	case err == nil:
	case isNotFound(err):
		if dim <= 0 {
			return fmt.Errorf("cannot create collection %q: unknown vector dimension", q.collection)
		}
		body := map[string]any{
			"vectors": map[string]any{"size": dim, "distance": "Cosine"},
		}
		if err := q.doJSON(ctx, "create_collection", http.MethodPut, q.collectionPath(""), body, nil); err != nil {
			return err
		}
		slog.Info("Created Qdrant collection", "collection", q.collection, "dimension", dim)
	default:
		return err
	}

	q.ready = true
	return nil
}

// Health checks that Qdrant answers for the collection. A missing collection is
// created when the embedder knows its dimension, otherwise it is left for the
// first insert.
func (q *Qdrant) Health(ctx context.Context) error {
	err := q.doJSON(ctx, "get_collection", http.MethodGet, q.collectionPath(""), nil, nil)
	if !isNotFound(err) {
		return err
	}
	if dim := q.embedder.Dimension(); dim > 0 {
		return q.EnsureCollection(ctx, dim)
	}
	return nil
}

// Insert embeds and upserts the chunks, returning their point ids in order
func (q *Qdrant) Insert(ctx context.Context, chunks []pipeline.ChunkRecord) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	vectors, err := embedAll(ctx, q.embedder, chunks, q.concurrency)
	if err != nil {
		return nil, err
	}
	if err := q.EnsureCollection(ctx, len(vectors[0])); err != nil {
		return nil, err
	}

	refs := make([]string, len(chunks))
	points := make([]map[string]any, len(chunks))
	for i, rec := range chunks {
		refs[i] = PointID(rec.PageID, rec.ChunkIndex)
		points[i] = map[string]any{
			"id":      refs[i],
			"vector":  vectors[i],
			"payload": payloadOf(rec),
		}
	}

	body := map[string]any{"points": points}
	if err := q.doJSON(ctx, "upsert", http.MethodPut, q.collectionPath("/points?wait=true"), body, nil); err != nil {
		return nil, err
	}
	slog.Debug("Upserted chunks", "collection", q.collection, "page_id", chunks[0].PageID, "count", len(points))
	return refs, nil
}

// DeletePage removes every point whose payload carries the page id
func (q *Qdrant) DeletePage(ctx context.Context, pageID int64) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": []any{matchValue("page_id", pageID)},
		},
	}
	err := q.doJSON(ctx, "delete", http.MethodPost, q.collectionPath("/points/delete?wait=true"), body, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

type qdrantPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload chunkPayload    `json:"payload"`
}

// Search runs a vector search or a keyword scroll depending on the query mode.
// A missing collection yields no hits.
func (q *Qdrant) Search(ctx context.Context, query Query) ([]Hit, error) {
	var points []qdrantPoint
	var terms []string

	switch query.Mode {
	case ModeSemantic, "":
		if strings.TrimSpace(query.Text) == "" {
			return nil, ErrEmptyQuery
		}
		vec, err := q.embedder.Embed(ctx, query.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		body := map[string]any{
			"vector":       vec,
			"limit":        query.limit(),
			"with_payload": true,
		}
		err = q.doJSON(ctx, "search", http.MethodPost, q.collectionPath("/points/search"), body, &points)
		if isNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

	case ModeKeyword:
		terms = query.terms()
		if len(terms) == 0 {
			return nil, ErrEmptyQuery
		}
		body := map[string]any{
			"filter": map[string]any{
				"must": []any{map[string]any{
					"key":   "keyword_terms",
					"match": map[string]any{"any": terms},
				}},
			},
			"limit":        query.limit(),
			"with_payload": true,
			"with_vector":  false,
		}
		var result struct {
			Points []qdrantPoint `json:"points"`
		}
		err := q.doJSON(ctx, "scroll", http.MethodPost, q.collectionPath("/points/scroll"), body, &result)
		if isNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		points = result.Points

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, query.Mode)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		rec := p.Payload.record()
		score := p.Score
		if terms != nil {
			score = keywordScore(rec, terms)
		}
		hits = append(hits, Hit{ID: decodePointID(p.ID), Record: rec, Score: score})
	}
	if terms != nil {
		sortHits(hits)
	}
	return hits, nil
}

// chunkPayload is the stored form of a ChunkRecord
type chunkPayload struct {
	PageID       int64     `json:"page_id"`
	ChunkIndex   int       `json:"chunk_index"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Memo         string    `json:"memo"`
	Content      string    `json:"content"`
	Summary      string    `json:"summary"`
	Keywords     []string  `json:"keywords"`
	KeywordTerms []string  `json:"keyword_terms"`
	CreatedAt    time.Time `json:"created_at"`
}

func payloadOf(rec pipeline.ChunkRecord) chunkPayload {
	return chunkPayload{
		PageID:       rec.PageID,
		ChunkIndex:   rec.ChunkIndex,
		URL:          rec.URL,
		Title:        rec.Title,
		Memo:         rec.Memo,
		Content:      rec.Content,
		Summary:      rec.Summary,
		Keywords:     rec.Keywords,
		KeywordTerms: lowerAll(rec.Keywords),
		CreatedAt:    rec.CreatedAt,
	}
}

func (p chunkPayload) record() pipeline.ChunkRecord {
	return pipeline.ChunkRecord{
		PageID:     p.PageID,
		ChunkIndex: p.ChunkIndex,
		URL:        p.URL,
		Title:      p.Title,
		Memo:       p.Memo,
		Content:    p.Content,
		Summary:    p.Summary,
		Keywords:   p.Keywords,
		CreatedAt:  p.CreatedAt,
	}
}

func matchValue(key string, value any) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"value": value}}
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}

func decodePointID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func (q *Qdrant) collectionPath(suffix string) string {
	return "/collections/" + q.collection + suffix
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

func (q *Qdrant) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode qdrant %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create qdrant %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.http.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request failed: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("failed to read qdrant %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b := strings.TrimSpace(string(raw))
		if len(b) > maxErrorBody {
			b = b[:maxErrorBody] + "..."
		}
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: b}
	}

	if out == nil {
		return nil
	}
	var env qdrantEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode qdrant %s response: %w", op, err)
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("failed to decode qdrant %s result: %w", op, err)
	}
	return nil
}
