package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/masahif/grimoire/internal/chunker"
	"github.com/masahif/grimoire/internal/config"
	"github.com/masahif/grimoire/internal/fetcher"
	"github.com/masahif/grimoire/internal/llm"
	"github.com/masahif/grimoire/internal/logging"
	"github.com/masahif/grimoire/internal/pipeline"
	"github.com/masahif/grimoire/internal/storage"
	"github.com/masahif/grimoire/internal/vectorindex"
)

// appMode selects which collaborators a command needs
type appMode int

const (
	// modeRead only reads records
	modeRead appMode = iota
	// modeSearch adds the embedder and the vector index
	modeSearch
	// modeRun wires every stage collaborator
	modeRun
)

// app holds everything a command runs against
type app struct {
	cfg      *config.Config
	store    *storage.SQLiteStorage
	pipeline *pipeline.Pipeline
	index    vectorindex.Index

	logCloser io.Closer
	http      *fetcher.HTTPClient
}

// newApp loads the configuration and wires the pipeline for mode
func newApp(mode appMode) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return buildApp(cfg, mode)
}

func buildApp(cfg *config.Config, mode appMode) (*app, error) {
	logCloser, err := logging.SetDefault(logging.FromConfig(cfg.Log))
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	a := &app{cfg: cfg, logCloser: logCloser}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	a.store, err = storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		a.close()
		return nil, err
	}
	artifacts, err := storage.NewFileArtifactStore(cfg.DataDir)
	if err != nil {
		a.close()
		return nil, err
	}

	deps := pipeline.Deps{Store: a.store, Artifacts: artifacts}

	if mode >= modeSearch {
		embedder, err := newEmbedder(cfg.Embedder)
		if err != nil {
			a.close()
			return nil, err
		}
		a.index = newIndex(cfg.VectorIndex, embedder)
		deps.Index = a.index
	}

	if mode >= modeRun {
		a.http = fetcher.NewHTTPClient(cfg.Reader.UserAgent, cfg.Reader.Timeout)
		deps.Fetcher = newFetcher(cfg.Reader, a.http)

		deps.Summarizer, err = newSummarizer(cfg.LLM)
		if err != nil {
			a.close()
			return nil, err
		}
		deps.Chunker = chunker.New(cfg.Chunker.Size, cfg.Chunker.Overlap)
	}

	a.pipeline = pipeline.New(deps, pipeline.Options{
		Workers:      cfg.Pipeline.Workers,
		StageTimeout: cfg.Pipeline.StageTimeout,
	})

	slog.Debug("Application ready", "database", cfg.DatabasePath, "data_dir", cfg.DataDir,
		"reader", cfg.Reader.Provider, "llm", cfg.LLM.Provider,
		"embedder", cfg.Embedder.Provider, "index", cfg.VectorIndex.Provider)
	return a, nil
}

func newFetcher(cfg config.ReaderConfig, client *fetcher.HTTPClient) pipeline.Fetcher {
	if cfg.Provider == config.ReaderJina {
		return fetcher.NewReaderFetcher(client, cfg.BaseURL, cfg.ResolveAPIKey())
	}

	if cfg.Auth != nil {
		switch cfg.Auth.Type {
		case "basic":
			username, password := cfg.GetBasicAuthCredentials()
			if username != "" && password != "" {
				client.SetBasicAuth(username, password)
				slog.Debug("HTTP Basic Authentication configured", "username", username)
			}
		case "bearer":
			if token := cfg.GetBearerToken(); token != "" {
				client.SetBearerAuth(token)
				slog.Debug("Bearer token authentication configured")
			}
		case "api-key":
			if header, value := cfg.GetAPIKeyAuth(); header != "" && value != "" {
				client.SetAPIKeyAuth(header, value)
				slog.Debug("API key authentication configured", "header", header)
			}
		}
	}
	for name, value := range cfg.ParsedHeaders() {
		client.SetHeader(name, value)
	}

	var robots *fetcher.RobotsChecker
	if cfg.RespectRobots {
		robots = fetcher.NewRobotsChecker(client, cfg.UserAgent)
	}
	return fetcher.NewHTMLFetcher(client, fetcher.NewRateLimiter(cfg.RequestDelay), robots)
}

func newSummarizer(cfg config.LLMConfig) (pipeline.Summarizer, error) {
	if cfg.Provider == config.LLMFrequency {
		return llm.NewFrequencySummarizer(3), nil
	}
	s, err := llm.NewChatSummarizer(llm.ChatConfig{
		BaseURL:       cfg.BaseURL,
		APIKey:        cfg.ResolveAPIKey(),
		Model:         cfg.Model,
		Temperature:   cfg.Temperature,
		Timeout:       cfg.Timeout,
		MaxRetries:    cfg.MaxRetries,
		MaxInputChars: cfg.MaxInputChars,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create summarizer: %w", err)
	}
	return s, nil
}

func newEmbedder(cfg config.EmbedderConfig) (vectorindex.Embedder, error) {
	if cfg.Provider == config.EmbedderHashing {
		return llm.NewHashingEmbedder(cfg.Dimensions), nil
	}
	e, err := llm.NewOpenAIEmbedder(llm.EmbeddingConfig{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.ResolveAPIKey(),
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return e, nil
}

func newIndex(cfg config.VectorIndexConfig, embedder vectorindex.Embedder) vectorindex.Index {
	if cfg.Provider == config.IndexMemory {
		return vectorindex.NewMemory(embedder)
	}
	return vectorindex.NewQdrant(vectorindex.QdrantConfig{
		URL:              cfg.URL,
		APIKey:           cfg.ResolveAPIKey(),
		Collection:       cfg.Collection,
		Timeout:          cfg.Timeout,
		EmbedConcurrency: cfg.EmbedConcurrency,
	}, embedder)
}

// close stops background runs and releases every resource
func (a *app) close() {
	if a.pipeline != nil {
		_ = a.pipeline.Close()
	}
	if a.http != nil {
		a.http.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Error("Failed to close storage", "error", err)
		}
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}
