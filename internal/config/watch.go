package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce folds the burst of events an editor produces for one save.
const watchDebounce = 150 * time.Millisecond

// Watch calls fn with the re-loaded config every time the file at path
// changes, until ctx ends. An invalid file is reported through fn's error and
// the previous config stays in force with the caller.
//
// The directory is watched rather than the file so atomic replaces (write to
// temp, rename over) keep being seen.
func Watch(ctx context.Context, path string, fn func(Config, error)) error {
	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fn(Config{}, fmt.Errorf("config watcher: %w", err))
		case <-timer.C:
			cfg, err := Load(path)
			fn(cfg, err)
		}
	}
}
