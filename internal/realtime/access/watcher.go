package access

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher keeps a Filter in sync with a policy file. The directory is watched
// rather than the file so editors that save by rename are picked up.
type Watcher struct {
	path     string
	filter   *Filter
	logger   *zap.Logger
	onReload func(error)
}

// NewWatcher returns a watcher for path. onReload, if not nil, is called after
// every reload attempt.
func NewWatcher(path string, filter *Filter, logger *zap.Logger, onReload func(error)) *Watcher {
	if onReload == nil {
		onReload = func(error) {}
	}

	return &Watcher{
		path:     filepath.Clean(path),
		filter:   filter,
		logger:   logger.Named("policy").With(zap.String("path", path)),
		onReload: onReload,
	}
}

// Load reads the policy file and applies it. On failure the filter keeps its
// previous rules.
func (w *Watcher) Load() error {
	p, err := LoadPolicy(w.path)
	if err == nil {
		err = w.filter.Apply(p)
	}
	w.onReload(err)
	if err != nil {
		return err
	}

	w.logger.Info("access policy applied",
		zap.Int("declaredTopics", len(p.Topics)),
		zap.String("default", string(w.filter.Fallback())),
	)
	return nil
}

// Run reloads the policy on every change until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.Load(); err != nil {
				w.logger.Error("failed to reload access policy, keeping previous rules", zap.Error(err))
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}
