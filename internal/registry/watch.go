package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watchable reports whether the registry has a backing file to watch.
func (r *Registry) Watchable() bool { return r.path != "" }

// Watch reloads the registry when its backing file changes. Events are
// debounced so editors that write in multiple steps trigger one reload.
// A reload that fails to parse leaves the previous registry in effect.
// Watch returns when ctx is canceled.
func (r *Registry) Watch(ctx context.Context, log *slog.Logger) error {
	if r.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	// Watch the directory, not the file: rename-over (the common atomic
	// save) would otherwise drop the watch.
	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		return err
	}

	var mu sync.Mutex
	var timer *time.Timer
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if err := r.Reload(); err != nil {
				log.Warn("registry reload failed, keeping previous definitions", "path", r.path, "err", err)
				return
			}
			log.Info("registry reloaded", "path", r.path, "servers", r.Len())
		})
	}

	base := filepath.Base(r.path)
	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("registry watcher error", "err", err)
		}
	}
}
