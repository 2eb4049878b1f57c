package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	watchDebounce = 200 * time.Millisecond
	pollInterval  = 60 * time.Second
)

// Watch reloads path when it changes and hands each valid result to onChange. It watches
// the parent directory so editors that replace the file are seen, and polls the
// file's mtime as a fallback. Invalid files are logged and skipped. Watch returns when
// ctx ends.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(*Config)) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &watcher{path: path, logger: logger, onChange: onChange, lastMod: modTime(path)}

	events := make(<-chan fsnotify.Event)
	errs := make(<-chan error)
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watcher unavailable, polling only", zap.Error(err))
	} else if err := fw.Add(filepath.Dir(path)); err != nil {
		logger.Warn("config watcher failed to watch directory, polling only", zap.String("path", path), zap.Error(err))
		fw.Close()
	} else {
		defer fw.Close()
		events, errs = fw.Events, fw.Errors
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(evt.Name) != filepath.Clean(path) {
				continue
			}
			if evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create) || evt.Has(fsnotify.Rename) {
				debounce = time.After(watchDebounce)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("config watcher error", zap.Error(err))
		case <-debounce:
			debounce = nil
			w.reload()
		case <-ticker.C:
			if m := modTime(path); !m.Equal(w.lastMod) {
				w.reload()
			}
		}
	}
}

type watcher struct {
	path     string
	logger   *zap.Logger
	onChange func(*Config)
	lastMod  time.Time
}

func (w *watcher) reload() {
	w.lastMod = modTime(w.path)
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("config reloaded", zap.String("path", w.path))
	w.onChange(cfg)
}

func modTime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}
