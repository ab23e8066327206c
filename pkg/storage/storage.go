// Package storage holds the object stores the YAML repositories write to.
// Objects are addressed by slash-separated paths such as
// "tasks/01J9Z3.yaml"; every backend lists only the direct children of a
// prefix.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrNotFound is returned when a requested path does not exist in storage.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPath is returned for a path that would leave the store root.
	// Record ids come from RPC requests, so "../" must never reach a backend.
	ErrInvalidPath = errors.New("invalid path")
)

type Storage interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Watcher is a Storage that reports changes made by other processes, so
// edits to the YAML files on disk reach the in-memory caches.
type Watcher interface {
	Watch(ctx context.Context, onChange func(path string)) error
}

// CleanPath normalizes p to the form every backend stores: no leading or
// trailing slash and no "." or ".." elements. The root itself is "".
func CleanPath(p string) (string, error) {
	if strings.ContainsAny(p, "\\\x00") {
		return "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
	}
	clean := path.Clean(strings.Trim(p, "/"))
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
	}
	return clean, nil
}
