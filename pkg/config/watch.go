package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of events from an atomic rewrite into one
// reload.
const watchDebounce = 500 * time.Millisecond

// WatchFile watches a single file and invokes onChange after it is written
// or replaced. The parent directory is watched rather than the file itself:
// atomic rewrites rename a temp file over the target, which would drop a
// direct watch.
func WatchFile(ctx context.Context, path string, onChange func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	go processEvents(ctx, watcher, abs, onChange)
	return nil
}

func processEvents(ctx context.Context, watcher *fsnotify.Watcher, target string, onChange func() error) {
	defer func() { _ = watcher.Close() }()

	var reloadTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(watchDebounce, func() {
				_ = onChange()
			})

		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
