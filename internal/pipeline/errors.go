package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced page or log does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by the store when a page URL is already taken
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidState is returned when an operation is not valid for the page's current state
	ErrInvalidState = errors.New("invalid state")
	// ErrRunInProgress is returned when an attempt is already running for the page
	ErrRunInProgress = fmt.Errorf("%w: an attempt is already running for this page", ErrInvalidState)
	// ErrUnknownStep is returned when reprocess is asked to start from an unrecognized stage
	ErrUnknownStep = fmt.Errorf("%w: unknown step", ErrInvalidState)
	// ErrStepNotReached is returned when reprocess is asked to skip stages that never succeeded
	ErrStepNotReached = fmt.Errorf("%w: earlier stages have not completed", ErrInvalidState)
	// ErrUnknownStatus is returned for an unrecognized status filter
	ErrUnknownStatus = errors.New("unknown status")
	// ErrInvalidURL is returned when a submitted URL is not an absolute http(s) URL
	ErrInvalidURL = errors.New("invalid url")
	// ErrEmptyContent is returned when a fetcher extracted no text
	ErrEmptyContent = errors.New("no content extracted")
	// ErrNoChunks is returned when the chunker produced no passages
	ErrNoChunks = errors.New("no chunks generated from content")
)

// StageError wraps the failure of a named stage
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
