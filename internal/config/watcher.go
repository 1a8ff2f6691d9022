package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file when it changes on disk and hands
// the validated result to the registered callback. Invalid edits are logged
// and ignored; the previous configuration stays in effect.
type Watcher struct {
	path     string
	logger   *zap.Logger
	onChange func(*Configuration)
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, logger *zap.Logger, onChange func(*Configuration)) *Watcher {
	return &Watcher{path: path, logger: logger, onChange: onChange}
}

// Watch blocks until ctx is cancelled, reloading on every write to the file.
// Editors replace files rather than writing in place, so the parent directory
// is watched and events are filtered by name.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config reload rejected", zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.logger.Info("configuration reloaded", zap.String("path", w.path))
			w.onChange(cfg)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
