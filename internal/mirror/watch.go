package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ArchiveWatcher reports when a watched file is removed or moved away, for
// example an operator deleting the archive to force a rebuild.
type ArchiveWatcher struct {
	watcher *fsnotify.Watcher
	targets map[string]struct{}
	logger  *slog.Logger
}

func NewArchiveWatcher(logger *slog.Logger, paths ...string) (*ArchiveWatcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("at least one path to watch is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	targets := map[string]struct{}{}
	dirs := map[string]struct{}{}
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			_ = watcher.Close()
			return nil, err
		}
		targets[abs] = struct{}{}
		dir := filepath.Dir(abs)
		if _, ok := dirs[dir]; ok {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		dirs[dir] = struct{}{}
	}
	return &ArchiveWatcher{watcher: watcher, targets: targets, logger: logger}, nil
}

// Run forwards removals of watched files to triggers until ctx is done.
func (w *ArchiveWatcher) Run(ctx context.Context, triggers chan<- string) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.matches(event) {
				continue
			}
			w.logger.Info("watched file went away", "path", event.Name, "op", event.Op.String())
			Trigger(triggers, "removed "+filepath.Base(event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *ArchiveWatcher) matches(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	_, ok := w.targets[name]
	return ok
}
