// Package config provides configuration management for grimoire.
// It defines the configuration structures, their defaults and validation.
package config

import (
	"os"
	"strings"
	"time"
)

// Provider names accepted by the collaborator sections
const (
	ReaderJina   = "jina"
	ReaderDirect = "direct"

	LLMOpenAI    = "openai"
	LLMFrequency = "frequency"

	EmbedderOpenAI  = "openai"
	EmbedderHashing = "hashing"

	IndexQdrant = "qdrant"
	IndexMemory = "memory"
)

const maskedSecret = "********"

// BasicAuth contains HTTP Basic Authentication credentials
type BasicAuth struct {
	Username    string `mapstructure:"username" yaml:"username"`         // Username for basic auth
	Password    string `mapstructure:"password" yaml:"password"`         // Password for basic auth
	UsernameEnv string `mapstructure:"username_env" yaml:"username_env"` // Environment variable for username
	PasswordEnv string `mapstructure:"password_env" yaml:"password_env"` // Environment variable for password
}

// BearerAuth contains a bearer token
type BearerAuth struct {
	Token    string `mapstructure:"token" yaml:"token"`
	TokenEnv string `mapstructure:"token_env" yaml:"token_env"`
}

// APIKeyAuth sends a key in a custom header
type APIKeyAuth struct {
	Header   string `mapstructure:"header" yaml:"header"`
	Value    string `mapstructure:"value" yaml:"value"`
	ValueEnv string `mapstructure:"value_env" yaml:"value_env"`
}

// Auth contains authentication configuration for directly fetched sites
type Auth struct {
	Type   string      `mapstructure:"type" yaml:"type"` // basic, bearer or api-key
	Basic  *BasicAuth  `mapstructure:"basic" yaml:"basic"`
	Bearer *BearerAuth `mapstructure:"bearer" yaml:"bearer"`
	APIKey *APIKeyAuth `mapstructure:"apikey" yaml:"apikey"`
}

// LogConfig controls the slog handler
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int64  `mapstructure:"max_size" yaml:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Console    bool   `mapstructure:"console" yaml:"console"`
}

// ReaderConfig selects and configures the content fetcher
type ReaderConfig struct {
	Provider      string        `mapstructure:"provider" yaml:"provider"`
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey        string        `mapstructure:"api_key" yaml:"api_key"`
	APIKeyEnv     string        `mapstructure:"api_key_env" yaml:"api_key_env"`
	UserAgent     string        `mapstructure:"user_agent" yaml:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestDelay  time.Duration `mapstructure:"request_delay" yaml:"request_delay"` // per host, direct provider only
	RespectRobots bool          `mapstructure:"respect_robots" yaml:"respect_robots"`
	Headers       []string      `mapstructure:"headers" yaml:"headers"` // "Name: Value"
	Auth          *Auth         `mapstructure:"auth" yaml:"auth"`
}

// LLMConfig selects and configures the summarizer
type LLMConfig struct {
	Provider      string        `mapstructure:"provider" yaml:"provider"`
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey        string        `mapstructure:"api_key" yaml:"api_key"`
	APIKeyEnv     string        `mapstructure:"api_key_env" yaml:"api_key_env"`
	Model         string        `mapstructure:"model" yaml:"model"`
	Temperature   float64       `mapstructure:"temperature" yaml:"temperature"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxInputChars int           `mapstructure:"max_input_chars" yaml:"max_input_chars"`
}

// EmbedderConfig selects and configures the embedding model
type EmbedderConfig struct {
	Provider   string        `mapstructure:"provider" yaml:"provider"`
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	APIKeyEnv  string        `mapstructure:"api_key_env" yaml:"api_key_env"`
	Model      string        `mapstructure:"model" yaml:"model"`
	Dimensions int           `mapstructure:"dimensions" yaml:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// VectorIndexConfig selects and configures the vector index
type VectorIndexConfig struct {
	Provider         string        `mapstructure:"provider" yaml:"provider"`
	URL              string        `mapstructure:"url" yaml:"url"`
	APIKey           string        `mapstructure:"api_key" yaml:"api_key"`
	APIKeyEnv        string        `mapstructure:"api_key_env" yaml:"api_key_env"`
	Collection       string        `mapstructure:"collection" yaml:"collection"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	EmbedConcurrency int           `mapstructure:"embed_concurrency" yaml:"embed_concurrency"`
}

// ChunkerConfig sizes chunks in runes
type ChunkerConfig struct {
	Size    int `mapstructure:"size" yaml:"size"`
	Overlap int `mapstructure:"overlap" yaml:"overlap"`
}

// PipelineConfig controls concurrency, stage timeouts and batch retries
type PipelineConfig struct {
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	StageTimeout time.Duration `mapstructure:"stage_timeout" yaml:"stage_timeout"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"` // between pages of a batch retry
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"` // pages per batch retry, 0 = all
}

// Config holds the whole grimoire configuration
type Config struct {
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"` // Path to SQLite database file
	DataDir      string `mapstructure:"data_dir" yaml:"data_dir"`           // Directory for downloaded documents

	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Reader      ReaderConfig      `mapstructure:"reader" yaml:"reader"`
	LLM         LLMConfig         `mapstructure:"llm" yaml:"llm"`
	Embedder    EmbedderConfig    `mapstructure:"embedder" yaml:"embedder"`
	VectorIndex VectorIndexConfig `mapstructure:"vector_index" yaml:"vector_index"`
	Chunker     ChunkerConfig     `mapstructure:"chunker" yaml:"chunker"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline" yaml:"pipeline"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "./grimoire.db",
		DataDir:      "./data",
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 5,
			Console:    true,
		},
		Reader: ReaderConfig{
			Provider:      ReaderJina,
			BaseURL:       "https://r.jina.ai",
			APIKeyEnv:     "JINA_API_KEY",
			UserAgent:     "Grimoire/1.0",
			Timeout:       60 * time.Second,
			RequestDelay:  1 * time.Second,
			RespectRobots: true,
		},
		LLM: LLMConfig{
			Provider:      LLMOpenAI,
			BaseURL:       "https://api.openai.com/v1",
			APIKeyEnv:     "OPENAI_API_KEY",
			Model:         "gpt-4o-mini",
			Temperature:   0.3,
			Timeout:       60 * time.Second,
			MaxRetries:    3,
			MaxInputChars: 30000,
		},
		Embedder: EmbedderConfig{
			Provider:   EmbedderOpenAI,
			BaseURL:    "https://api.openai.com/v1",
			APIKeyEnv:  "OPENAI_API_KEY",
			Model:      "text-embedding-3-small",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		VectorIndex: VectorIndexConfig{
			Provider:         IndexQdrant,
			URL:              "http://localhost:6333",
			APIKeyEnv:        "QDRANT_API_KEY",
			Collection:       "grimoire_chunks",
			Timeout:          15 * time.Second,
			EmbedConcurrency: 4,
		},
		Chunker: ChunkerConfig{
			Size:    1000,
			Overlap: 100,
		},
		Pipeline: PipelineConfig{
			Workers:      2,
			StageTimeout: 2 * time.Minute,
			RetryDelay:   1 * time.Second,
			MaxRetries:   0,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return ErrEmptyDatabasePath
	}
	if c.DataDir == "" {
		return ErrEmptyDataDir
	}

	if !oneOf(c.Reader.Provider, ReaderJina, ReaderDirect) {
		return providerError("reader", c.Reader.Provider)
	}
	if !oneOf(c.LLM.Provider, LLMOpenAI, LLMFrequency) {
		return providerError("llm", c.LLM.Provider)
	}
	if !oneOf(c.Embedder.Provider, EmbedderOpenAI, EmbedderHashing) {
		return providerError("embedder", c.Embedder.Provider)
	}
	if !oneOf(c.VectorIndex.Provider, IndexQdrant, IndexMemory) {
		return providerError("vector_index", c.VectorIndex.Provider)
	}

	if c.Reader.Timeout <= 0 || c.LLM.Timeout <= 0 || c.Embedder.Timeout <= 0 || c.VectorIndex.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Pipeline.Workers <= 0 {
		return ErrInvalidWorkers
	}
	if c.Pipeline.StageTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Pipeline.RetryDelay < 0 || c.Pipeline.MaxRetries < 0 {
		return ErrInvalidRetry
	}
	if c.Chunker.Size <= 0 || c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.Size {
		return ErrInvalidChunker
	}

	// Enforce a minimum per-host delay when fetching sites directly
	if c.Reader.Provider == ReaderDirect && c.Reader.RequestDelay < 100*time.Millisecond {
		c.Reader.RequestDelay = 100 * time.Millisecond
	}

	return nil
}

// ResolveAPIKey returns the reader API key, preferring the named environment variable
func (c *ReaderConfig) ResolveAPIKey() string {
	return resolve(c.APIKey, c.APIKeyEnv)
}

// ResolveAPIKey returns the LLM API key, preferring the named environment variable
func (c *LLMConfig) ResolveAPIKey() string {
	return resolve(c.APIKey, c.APIKeyEnv)
}

// ResolveAPIKey returns the embedding API key, preferring the named environment variable
func (c *EmbedderConfig) ResolveAPIKey() string {
	return resolve(c.APIKey, c.APIKeyEnv)
}

// ResolveAPIKey returns the vector index API key, preferring the named environment variable
func (c *VectorIndexConfig) ResolveAPIKey() string {
	return resolve(c.APIKey, c.APIKeyEnv)
}

// GetBasicAuthCredentials returns the basic auth username and password,
// resolving environment variables if specified
func (c *ReaderConfig) GetBasicAuthCredentials() (username, password string) {
	if c.Auth == nil || c.Auth.Basic == nil {
		return "", ""
	}
	basic := c.Auth.Basic
	return resolve(basic.Username, basic.UsernameEnv), resolve(basic.Password, basic.PasswordEnv)
}

// GetBearerToken returns the bearer token, resolving its environment variable if specified
func (c *ReaderConfig) GetBearerToken() string {
	if c.Auth == nil || c.Auth.Bearer == nil {
		return ""
	}
	return resolve(c.Auth.Bearer.Token, c.Auth.Bearer.TokenEnv)
}

// GetAPIKeyAuth returns the API key header and value for direct fetches
func (c *ReaderConfig) GetAPIKeyAuth() (header, value string) {
	if c.Auth == nil || c.Auth.APIKey == nil {
		return "", ""
	}
	return c.Auth.APIKey.Header, resolve(c.Auth.APIKey.Value, c.Auth.APIKey.ValueEnv)
}

// ParsedHeaders splits the "Name: Value" header entries; malformed entries are skipped
func (c *ReaderConfig) ParsedHeaders() map[string]string {
	out := make(map[string]string, len(c.Headers))
	for _, h := range c.Headers {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		out[name] = strings.TrimSpace(value)
	}
	return out
}

// Masked returns a copy safe for display, with every secret value replaced
func (c *Config) Masked() *Config {
	m := *c
	m.Reader.APIKey = mask(c.Reader.APIKey)
	m.LLM.APIKey = mask(c.LLM.APIKey)
	m.Embedder.APIKey = mask(c.Embedder.APIKey)
	m.VectorIndex.APIKey = mask(c.VectorIndex.APIKey)

	if a := c.Reader.Auth; a != nil {
		auth := *a
		if a.Basic != nil {
			basic := *a.Basic
			basic.Password = mask(basic.Password)
			auth.Basic = &basic
		}
		if a.Bearer != nil {
			bearer := *a.Bearer
			bearer.Token = mask(bearer.Token)
			auth.Bearer = &bearer
		}
		if a.APIKey != nil {
			key := *a.APIKey
			key.Value = mask(key.Value)
			auth.APIKey = &key
		}
		m.Reader.Auth = &auth
	}
	return &m
}

func resolve(value, env string) string {
	if env != "" {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return value
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return maskedSecret
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
