package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cjeanneret/SFDIGo/internal/debug"
)

// reloadDebounce groups the bursts of events editors produce on save.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes and hands each valid
// configuration to onChange. Invalid edits are logged and ignored, keeping
// the last good configuration. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// editors replace files on save, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	target := filepath.Base(path)
	debug.Verbose("Config: watching %s", path)

	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)

		case <-debounce.C:
			cfg, err := Load(path)
			if err != nil {
				debug.Warn("Config: reload of %s rejected: %v", path, err)
				continue
			}
			debug.Info("Config reloaded from %s", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			debug.Warn("Config watcher: %v", err)
		}
	}
}
