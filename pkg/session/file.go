package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileBackend stores one file per key under a directory. Writes go to a
// temp file that is renamed over the target, so readers never see a
// partial record.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a backend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("session directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the storage directory.
func (f *FileBackend) Dir() string { return f.dir }

func (f *FileBackend) path(key Key) string {
	return filepath.Join(f.dir, key.FileName())
}

func (f *FileBackend) Put(_ context.Context, key Key, data []byte, modTime time.Time) error {
	// Create temp file for atomic write
	file, err := os.CreateTemp(f.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tempPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync session: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(tempPath, modTime, modTime); err != nil {
			os.Remove(tempPath)
			return fmt.Errorf("failed to set session mtime: %w", err)
		}
	}

	// Atomic rename
	if err := os.Rename(tempPath, f.path(key)); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (f *FileBackend) Get(_ context.Context, key Key) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return data, nil
}

func (f *FileBackend) Stat(_ context.Context, key Key) (Meta, error) {
	info, err := os.Stat(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return Meta{}, ErrNotFound
	}
	if err != nil {
		return Meta{}, fmt.Errorf("failed to stat session file: %w", err)
	}
	return Meta{Key: key, ModTime: info.ModTime(), Size: info.Size()}, nil
}

func (f *FileBackend) Delete(_ context.Context, key Key) error {
	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

func (f *FileBackend) List(_ context.Context) ([]Meta, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list session directory: %w", err)
	}

	var out []Meta
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, nameSuffix) {
			continue
		}
		key, err := ParseKey(name)
		if err != nil {
			continue // foreign file
		}
		info, err := e.Info()
		if err != nil {
			continue // removed concurrently
		}
		out = append(out, Meta{Key: key, ModTime: info.ModTime(), Size: info.Size()})
	}
	sortMetas(out)
	return out, nil
}
