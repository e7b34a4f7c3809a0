package config

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyDatabasePath is returned when database path is empty
	ErrEmptyDatabasePath = errors.New("database_path cannot be empty")
	// ErrEmptyDataDir is returned when the artifact directory is empty
	ErrEmptyDataDir = errors.New("data_dir cannot be empty")
	// ErrUnknownProvider is returned when a section names an unsupported provider
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrInvalidTimeout is returned when a timeout is not greater than 0
	ErrInvalidTimeout = errors.New("timeouts must be greater than 0")
	// ErrInvalidWorkers is returned when pipeline workers is not greater than 0
	ErrInvalidWorkers = errors.New("pipeline.workers must be greater than 0")
	// ErrInvalidRetry is returned when retry delay or max retries is negative
	ErrInvalidRetry = errors.New("pipeline.retry_delay and pipeline.max_retries cannot be negative")
	// ErrInvalidChunker is returned when chunk size or overlap is out of range
	ErrInvalidChunker = errors.New("chunker.size must be greater than 0 and chunker.overlap smaller than it")
)

func providerError(section, provider string) error {
	return fmt.Errorf("%w for %s: %q", ErrUnknownProvider, section, provider)
}
