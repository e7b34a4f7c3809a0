package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"time"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// EmbeddingConfig configures an OpenAIEmbedder
type EmbeddingConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int // 0 keeps the model's native size
	Timeout    time.Duration
	MaxRetries int
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint
type OpenAIEmbedder struct {
	api        *apiClient
	model      string
	dimensions int
}

// NewOpenAIEmbedder creates an embedder. An empty API key is an error.
func NewOpenAIEmbedder(cfg EmbeddingConfig) (*OpenAIEmbedder, error) {
	api, err := newAPIClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout, cfg.MaxRetries)
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = defaultEmbeddingModel
	}
	return &OpenAIEmbedder{api: api, model: cfg.Model, dimensions: cfg.Dimensions}, nil
}

type embeddingRequest struct {
	Input      string `json:"input"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector of text
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embeddingResponse
	req := embeddingRequest{Input: text, Model: e.model, Dimensions: e.dimensions}
	if err := e.api.postJSON(ctx, "/embeddings", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", ErrInvalidResponse)
	}
	return resp.Data[0].Embedding, nil
}

// Dimension returns the configured vector size, or 0 when it is decided by the model
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimensions
}

// HashingEmbedder maps text to a fixed-size vector by feature hashing of its
// tokens. It needs no model and is deterministic, which suits offline use and tests.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder creates an embedder producing dim-sized vectors
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashingEmbedder{dim: dim}
}

// Embed returns the L2-normalized term-frequency vector of text
func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, e.dim)
	for _, tok := range tokens(text) {
		if isStopword(tok) {
			continue
		}
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()

		// The top bit picks the sign so collisions tend to cancel out
		sign := float32(1)
		if sum>>63 == 1 {
			sign = -1
		}
		vec[sum%uint64(e.dim)] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// Dimension returns the vector size
func (e *HashingEmbedder) Dimension() int {
	return e.dim
}
