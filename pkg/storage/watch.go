package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch reports every object path under the storage root that is written,
// renamed or removed by any process, until ctx is done. Paths are relative to
// the root in the same form Read takes. Temp files from Write are skipped.
func (s *LocalStorage) Watch(ctx context.Context, onChange func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	err = filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.basePath, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						if err := watcher.Add(ev.Name); err != nil {
							slog.Error("storage: failed to watch new directory", "dir", ev.Name, "error", err)
						}
						continue
					}
				}
				if strings.HasSuffix(ev.Name, tmpSuffix) || ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
					continue
				}
				rel, err := filepath.Rel(s.basePath, ev.Name)
				if err != nil {
					continue
				}
				onChange(filepath.ToSlash(rel))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("storage: watcher error", "error", err)
			}
		}
	}()
	return nil
}
