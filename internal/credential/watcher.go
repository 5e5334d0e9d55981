package credential

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/financehub/syncd/internal/entity"
)

// Change describes one credential add or removal observed on disk.
type Change struct {
	Key     entity.Key
	Removed bool
}

// Watcher observes the credential directory and reports credential adds and
// removals. The scheduling engine uses these to rebuild the day's plan, so
// a removed credential cancels its pending timer instead of firing later
// against a disconnected entity.
type Watcher struct {
	dir    string
	logger *slog.Logger
}

// NewWatcher creates a watcher for the given credential directory.
func NewWatcher(dir string, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, logger: logger}
}

// Watch sends a Change for every credential file created, removed, or
// renamed away until the context is canceled. Returns nil on clean
// cancellation and non-nil only on watcher setup or channel failures.
func (w *Watcher) Watch(ctx context.Context, changes chan<- Change) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credential: creating watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("credential: watching %s: %w", w.dir, err)
	}

	w.logger.Info("credential watcher started", slog.String("dir", w.dir))

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("credential: watcher event channel closed")
			}

			w.handleEvent(ctx, ev, changes)

		case werr, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("credential: watcher error channel closed")
			}

			w.logger.Warn("credential watcher error", slog.String("error", werr.Error()))

		case <-ctx.Done():
			return nil
		}
	}
}

// handleEvent translates one fsnotify event into a Change. Writes to
// existing files are ignored: the blob contents changed but the gate answer
// did not, so no rebuild is needed. Temp files from atomic saves (leading
// dot) never parse as credential names and fall through silently.
func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event, changes chan<- Change) {
	key, ok := parseFileName(filepath.Base(ev.Name))
	if !ok {
		return
	}

	var change Change

	switch {
	case ev.Op.Has(fsnotify.Create):
		change = Change{Key: key}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		change = Change{Key: key, Removed: true}
	default:
		return
	}

	w.logger.Info("credential change observed",
		slog.String("entity", key.String()),
		slog.Bool("removed", change.Removed),
	)

	select {
	case changes <- change:
	case <-ctx.Done():
	}
}
