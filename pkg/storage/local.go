package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sync"
)

// tmpSuffix marks in-flight writes. Watch and List skip these files.
const tmpSuffix = ".tmp"

// LocalStorage keeps one file per object under a root directory, so the
// project, task and agent YAML files can be read and edited by hand.
type LocalStorage struct {
	basePath string
	mu       sync.RWMutex
}

func NewLocalStorage(basePath string) (*LocalStorage, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{basePath: abs}, nil
}

// resolve maps an object path to its file, refusing paths outside the root.
func (s *LocalStorage) resolve(p string) (string, string, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", "", err
	}
	return clean, filepath.Join(s.basePath, filepath.FromSlash(clean)), nil
}

func (s *LocalStorage) Read(_ context.Context, p string) ([]byte, error) {
	clean, full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%s: %w", clean, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", clean, err)
	}
	return data, nil
}

// Write replaces the object atomically: readers and the watcher only ever see
// the old or the new content, never a partial YAML document.
func (s *LocalStorage) Write(_ context.Context, p string, data []byte) error {
	clean, full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if clean == "" {
		return fmt.Errorf("write to store root: %w", ErrInvalidPath)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(full)+".*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", clean, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", clean, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", clean, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", clean, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("failed to replace %s: %w", clean, err)
	}
	return nil
}

func (s *LocalStorage) Delete(_ context.Context, p string) error {
	clean, full, err := s.resolve(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", clean, ErrNotFound)
	case err != nil:
		return fmt.Errorf("failed to delete %s: %w", clean, err)
	}
	return nil
}

// List returns the objects directly under prefix, sorted. Subdirectories
// such as tasks/<id>/ are not descended into.
func (s *LocalStorage) List(_ context.Context, prefix string) ([]string, error) {
	clean, dir, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to list %s: %w", clean, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) == tmpSuffix {
			continue
		}
		paths = append(paths, path.Join(clean, entry.Name()))
	}
	slices.Sort(paths)
	return paths, nil
}

func (s *LocalStorage) Exists(_ context.Context, p string) (bool, error) {
	clean, full, err := s.resolve(p)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to stat %s: %w", clean, err)
	}
	return !info.IsDir(), nil
}
