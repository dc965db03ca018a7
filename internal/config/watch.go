package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the config file whenever it changes on disk and calls
// onChange with the freshly parsed (unvalidated-field-tolerant) config.
// Editors replace files via rename, so the parent directory is watched
// rather than the file itself. Returns a stop function.
func Watch(path string, onChange func(Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(path)
	done := make(chan struct{})

	go func() {
		// Debounce: editors fire several events per save.
		var pending <-chan time.Time
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(200 * time.Millisecond)
			case <-pending:
				pending = nil
				if cfg, err := LoadPartial(path); err == nil {
					onChange(cfg)
				}
			case <-watcher.Errors:
				// Non-fatal; keep watching.
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
