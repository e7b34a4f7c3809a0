package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/masahif/grimoire/internal/pipeline"
)

// FileArtifactStore keeps each page's downloaded document as <dir>/<page_id>.json
type FileArtifactStore struct {
	dir string
}

// NewFileArtifactStore creates the directory if needed
func NewFileArtifactStore(dir string) (*FileArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileArtifactStore{dir: dir}, nil
}

// SaveDocument writes the document, replacing any earlier one for the page.
// The file is written under a temporary name and renamed into place.
func (a *FileArtifactStore) SaveDocument(pageID int64, doc *pipeline.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	tmp, err := os.CreateTemp(a.dir, strconv.FormatInt(pageID, 10)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close document: %w", err)
	}

	if err := os.Rename(tmp.Name(), a.path(pageID)); err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}
	return nil
}

// LoadDocument reads the stored document. A missing file returns pipeline.ErrNotFound.
func (a *FileArtifactStore) LoadDocument(pageID int64) (*pipeline.Document, error) {
	data, err := os.ReadFile(a.path(pageID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("document for page %d: %w", pageID, pipeline.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	var doc pipeline.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return &doc, nil
}

func (a *FileArtifactStore) path(pageID int64) string {
	return filepath.Join(a.dir, strconv.FormatInt(pageID, 10)+".json")
}
