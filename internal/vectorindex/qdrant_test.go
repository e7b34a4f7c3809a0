package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/masahif/grimoire/internal/llm"
)

// fakeQdrant serves the subset of the Qdrant REST API the index uses
type fakeQdrant struct {
	mu         sync.Mutex
	exists     bool
	createSize float64
	points     map[string]map[string]any // id -> payload
	lastScroll map[string]any
	apiKeys    []string
	failUpsert bool
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{points: map[string]map[string]any{}}
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys = append(f.apiKeys, r.Header.Get("api-key"))

	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	ok := func(result any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok"})
	}
	notFound := func() {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":{"error":"Not found: Collection doesn't exist"}}`))
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/collections/test":
		if !f.exists {
			notFound()
			return
		}
		ok(map[string]any{"status": "green"})

	case r.Method == http.MethodPut && r.URL.Path == "/collections/test":
		vectors := body["vectors"].(map[string]any)
		f.createSize = vectors["size"].(float64)
		f.exists = true
		ok(true)

	case r.Method == http.MethodPut && r.URL.Path == "/collections/test/points":
		if f.failUpsert {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"status":{"error":"disk full"}}`))
			return
		}
		for _, p := range body["points"].([]any) {
			point := p.(map[string]any)
			f.points[point["id"].(string)] = point["payload"].(map[string]any)
		}
		ok(map[string]any{"status": "acknowledged"})

	case r.Method == http.MethodPost && r.URL.Path == "/collections/test/points/delete":
		if !f.exists {
			notFound()
			return
		}
		must := body["filter"].(map[string]any)["must"].([]any)
		pageID := must[0].(map[string]any)["match"].(map[string]any)["value"].(float64)
		for id, payload := range f.points {
			if payload["page_id"].(float64) == pageID {
				delete(f.points, id)
			}
		}
		ok(map[string]any{"status": "acknowledged"})

	case r.Method == http.MethodPost && r.URL.Path == "/collections/test/points/search":
		if !f.exists {
			notFound()
			return
		}
		var result []map[string]any
		score := 0.9
		for id, payload := range f.points {
			result = append(result, map[string]any{"id": id, "score": score, "payload": payload})
			score -= 0.1
		}
		ok(result)

	case r.Method == http.MethodPost && r.URL.Path == "/collections/test/points/scroll":
		f.lastScroll = body
		var result []map[string]any
		for id, payload := range f.points {
			result = append(result, map[string]any{"id": id, "payload": payload})
		}
		ok(map[string]any{"points": result, "next_page_offset": nil})

	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (f *fakeQdrant) snapshot() (points map[string]map[string]any, requests int, lastScroll map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	points = make(map[string]map[string]any, len(f.points))
	for k, v := range f.points {
		points[k] = v
	}
	return points, len(f.apiKeys), f.lastScroll
}

func newTestQdrant(t *testing.T) (*Qdrant, *fakeQdrant) {
	t.Helper()
	fake := newFakeQdrant()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	q := NewQdrant(QdrantConfig{URL: server.URL, APIKey: "secret", Collection: "test"}, llm.NewHashingEmbedder(8))
	return q, fake
}

func TestQdrantInsertCreatesCollection(t *testing.T) {
	q, fake := newTestQdrant(t)
	ctx := context.Background()

	refs, err := q.Insert(ctx, sampleChunks(7, "first chunk", "second chunk"))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if len(refs) != 2 || refs[0] != PointID(7, 0) || refs[1] != PointID(7, 1) {
		t.Errorf("Unexpected refs %v", refs)
	}
	points, _, _ := fake.snapshot()
	fake.mu.Lock()
	size, keys := fake.createSize, append([]string(nil), fake.apiKeys...)
	fake.mu.Unlock()

	if size != 8 {
		t.Errorf("Expected collection size 8, got %v", size)
	}
	payload := points[refs[1]]
	if payload["content"] != "second chunk" || payload["chunk_index"].(float64) != 1 {
		t.Errorf("Unexpected payload %v", payload)
	}
	terms := payload["keyword_terms"].([]any)
	if len(terms) != 2 || terms[0] != "go" {
		t.Errorf("Expected lowercased keyword terms, got %v", terms)
	}
	for _, k := range keys {
		if k != "secret" {
			t.Errorf("Expected api-key header on every request, got %q", k)
		}
	}

	// Collection existence is checked once
	_, before, _ := fake.snapshot()
	if _, err := q.Insert(ctx, sampleChunks(8, "third")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, after, _ := fake.snapshot(); after-before != 1 {
		t.Errorf("Expected a single upsert request, got %d requests", after-before)
	}
}

func TestQdrantDeletePage(t *testing.T) {
	q, fake := newTestQdrant(t)
	ctx := context.Background()

	// Deleting before the collection exists is not an error
	if err := q.DeletePage(ctx, 1); err != nil {
		t.Fatalf("DeletePage on missing collection failed: %v", err)
	}

	if _, err := q.Insert(ctx, sampleChunks(1, "a", "b")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := q.Insert(ctx, sampleChunks(2, "c")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := q.DeletePage(ctx, 1); err != nil {
		t.Fatalf("DeletePage failed: %v", err)
	}

	points, _, _ := fake.snapshot()
	if len(points) != 1 {
		t.Errorf("Expected 1 remaining point, got %d", len(points))
	}
	if _, ok := points[PointID(2, 0)]; !ok {
		t.Error("Expected page 2 to survive")
	}
}

func TestQdrantSearch(t *testing.T) {
	q, fake := newTestQdrant(t)
	ctx := context.Background()

	hits, err := q.Search(ctx, Query{Text: "anything"})
	if err != nil || len(hits) != 0 {
		t.Fatalf("Expected no hits on missing collection, got %v, %v", hits, err)
	}

	chunks := sampleChunks(3, "one")
	chunks[0].Keywords = []string{"SQLite"}
	if _, err := q.Insert(ctx, chunks); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	hits, err = q.Search(ctx, Query{Text: "one", Mode: ModeSemantic})
	if err != nil {
		t.Fatalf("Semantic search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Record.PageID != 3 || hits[0].Score != 0.9 {
		t.Fatalf("Unexpected semantic hits %+v", hits)
	}
	if hits[0].ID != PointID(3, 0) {
		t.Errorf("Expected id %s, got %s", PointID(3, 0), hits[0].ID)
	}
	if !hits[0].Record.CreatedAt.Equal(chunks[0].CreatedAt) {
		t.Errorf("Expected created_at to round-trip, got %v", hits[0].Record.CreatedAt)
	}

	hits, err = q.Search(ctx, Query{Keywords: []string{"SQLite"}, Mode: ModeKeyword})
	if err != nil {
		t.Fatalf("Keyword search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].Score != 1 {
		t.Errorf("Unexpected keyword hits %+v", hits)
	}
	_, _, lastScroll := fake.snapshot()
	must := lastScroll["filter"].(map[string]any)["must"].([]any)
	cond := must[0].(map[string]any)
	if cond["key"] != "keyword_terms" {
		t.Errorf("Expected filter on keyword_terms, got %v", cond["key"])
	}
	if anyOf := cond["match"].(map[string]any)["any"].([]any); len(anyOf) != 1 || anyOf[0] != "sqlite" {
		t.Errorf("Expected lowercased terms in filter, got %v", anyOf)
	}
}

func TestQdrantErrors(t *testing.T) {
	q, fake := newTestQdrant(t)
	fake.mu.Lock()
	fake.failUpsert = true
	fake.mu.Unlock()

	_, err := q.Insert(context.Background(), sampleChunks(1, "a"))
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusInternalServerError || se.Op != "upsert" {
		t.Errorf("Unexpected status error %+v", se)
	}

	e := &countingEmbedder{inner: llm.NewHashingEmbedder(8), failOn: "boom"}
	q.embedder = e
	if _, err := q.Search(context.Background(), Query{Text: "boom"}); !errors.Is(err, errEmbed) {
		t.Errorf("Expected embed error, got %v", err)
	}
}

func TestQdrantHealth(t *testing.T) {
	q, fake := newTestQdrant(t)
	ctx := context.Background()

	if err := q.Health(ctx); err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	fake.mu.Lock()
	exists, size := fake.exists, fake.createSize
	fake.mu.Unlock()
	if !exists || size != 8 {
		t.Errorf("Expected collection of size 8 to be created, got exists=%v size=%v", exists, size)
	}

	// An existing collection is only looked up
	_, before, _ := fake.snapshot()
	if err := q.Health(ctx); err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if _, after, _ := fake.snapshot(); after-before != 1 {
		t.Errorf("Expected a single request, got %d", after-before)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer down.Close()
	broken := NewQdrant(QdrantConfig{URL: down.URL, Collection: "test"}, llm.NewHashingEmbedder(8))
	if err := broken.Health(ctx); err == nil {
		t.Error("Expected error when Qdrant is unavailable")
	}
}

func TestMemoryHealth(t *testing.T) {
	if err := NewMemory(llm.NewHashingEmbedder(8)).Health(context.Background()); err != nil {
		t.Errorf("Expected memory index to be healthy, got %v", err)
	}
}
