package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/IvanShishkin/duparchive/internal/chunk"
)

// Records stores one value of type T per identifier under a directory.
type Records[T any] struct {
	dir  string
	kind string
}

// NewRecords creates the directory if needed.
func NewRecords[T any](dir, kind string) (*Records[T], error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &Records[T]{dir: dir, kind: kind}, nil
}

func (r *Records[T]) path(id string) string {
	return filepath.Join(r.dir, fileName(id)+"."+r.kind)
}

// Load returns the record for id, or nil if there is none.
func (r *Records[T]) Load(id string) (*T, error) {
	var v T
	found, err := ReadFile(r.path(id), r.kind, &v)
	if err != nil || !found {
		return nil, err
	}
	return &v, nil
}

// Save replaces the record for id.
func (r *Records[T]) Save(id string, v *T) error {
	return WriteFile(r.path(id), r.kind, v)
}

// Delete removes the record for id. Missing records are not an error.
func (r *Records[T]) Delete(id string) error {
	if err := os.Remove(r.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// fileName maps an identifier to a safe file name.
func fileName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}

// FileStore is a chunk.Store backed by Records.
type FileStore[P, S any] struct {
	records *Records[chunk.Snapshot[P, S]]
}

var _ chunk.Store[int, int] = (*FileStore[int, int])(nil)

// NewFileStore creates a chunk snapshot store; kind separates snapshots of
// different phases sharing a directory.
func NewFileStore[P, S any](dir, kind string) (*FileStore[P, S], error) {
	records, err := NewRecords[chunk.Snapshot[P, S]](dir, kind+".chunk")
	if err != nil {
		return nil, err
	}
	return &FileStore[P, S]{records: records}, nil
}

func (s *FileStore[P, S]) Load(_ context.Context, jobID string) (*chunk.Snapshot[P, S], error) {
	return s.records.Load(jobID)
}

func (s *FileStore[P, S]) Save(_ context.Context, jobID string, snap chunk.Snapshot[P, S]) error {
	return s.records.Save(jobID, &snap)
}

func (s *FileStore[P, S]) Clear(_ context.Context, jobID string) error {
	return s.records.Delete(jobID)
}
