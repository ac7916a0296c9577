package config

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/adamryczkowski/updateall/internal/logging"
)

// Watcher reloads EngineConfig whenever its backing file changes on disk.
// No CLI subcommand constructs one: `check` has no watch mode and runs a
// single pass. fsnotify is not used anywhere in the teacher; it is
// wired here because config hot-reload is the one component in this
// engine with a direct filesystem-event analog and no teacher file to
// adapt from.
type Watcher struct {
	path string
	w    *fsnotify.Watcher
	log  *logging.Logger
}

// NewWatcher opens an fsnotify watch on the directory containing path.
func NewWatcher(path string, log *logging.Logger) (*Watcher, error) {
	if log == nil {
		log = logging.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := dirOf(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: path, w: fw, log: log.WithComponent("config.watcher")}, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Close stops the underlying fsnotify watch.
func (w *Watcher) Close() error {
	return w.w.Close()
}

// Run calls onReload each time path is written or created, until ctx is
// cancelled. Reload errors are logged, not propagated, so a transient
// syntax error in an in-progress edit doesn't kill the watch loop.
func (w *Watcher) Run(ctx context.Context, onReload func(*EngineConfig)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			onReload(cfg)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", map[string]interface{}{"error": err.Error()})
		}
	}
}
