// Package storage owns the on-disk layout of task files. Every file a
// task touches lives under one task-scoped directory, so deletion by id
// alone is always possible.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressmill/pdf-compress-service/internal/ledger"
)

type Store struct {
	root string
}

// New creates the storage root if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

// TaskDir returns (and creates) the directory holding one task's files.
func (s *Store) TaskDir(id string) (string, error) {
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create task directory: %w", err)
	}
	return dir, nil
}

// InputPath is where the uploaded source document is stored.
func (s *Store) InputPath(id string) string {
	return filepath.Join(s.root, id, "input.pdf")
}

// OutputPath is where a completed task's artifact lives. The extension
// follows the task settings.
func (s *Store) OutputPath(id string, settings ledger.Settings) string {
	return filepath.Join(s.root, id, "output."+OutputExt(settings))
}

// TempOutputPath is the scratch name assembly writes to before the
// rename on success. Never served for download.
func (s *Store) TempOutputPath(id string, settings ledger.Settings) string {
	return filepath.Join(s.root, id, "output."+OutputExt(settings)+".tmp")
}

// ScratchDir returns (and creates) a per-task area for intermediate
// files such as OCR page documents.
func (s *Store) ScratchDir(id string) (string, error) {
	dir := filepath.Join(s.root, id, "scratch")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create scratch directory: %w", err)
	}
	return dir, nil
}

// RemoveTask deletes everything the task owns on disk. Idempotent: a
// directory that is already gone is not an error.
func (s *Store) RemoveTask(id string) error {
	if id == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(s.root, id))
}

// OutputExt maps task settings to the artifact file extension.
func OutputExt(settings ledger.Settings) string {
	if settings.Output == ledger.OutputImage {
		if settings.Format == ledger.FormatJPEG {
			return "jpg"
		}
		return "png"
	}
	return "pdf"
}
