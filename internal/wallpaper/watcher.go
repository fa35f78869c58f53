package wallpaper

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the configured local wallpaper file and re-imports it
// into the local slot whenever it changes. It blocks until the context
// is cancelled. The file's directory is watched rather than the file
// itself, so editors that replace-on-save are still observed.
func (m *Manager) Watch(ctx context.Context, file string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(file)); err != nil {
		return fmt.Errorf("watching wallpaper directory: %w", err)
	}

	// Pick up the current contents before waiting for changes.
	if err := m.ImportFile(file); err != nil {
		m.logger.Warn("initial wallpaper import failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != filepath.Clean(file) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := m.ImportFile(file); err != nil {
					m.logger.Warn("wallpaper re-import failed", slog.String("error", err.Error()))
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			m.logger.Warn("wallpaper watcher error", slog.String("error", err.Error()))
		}
	}
}
