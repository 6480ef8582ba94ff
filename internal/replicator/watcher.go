// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package replicator

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"grimm.is/failsafe/internal/errors"
	"grimm.is/failsafe/internal/logging"
)

// watcher tracks filesystem changes under the sync roots. fsnotify watches
// are not recursive, so every directory is registered individually and new
// directories are picked up from create events.
type watcher struct {
	fsw    *fsnotify.Watcher
	roots  []string
	logger *logging.Logger

	// changed receives cleaned absolute paths of modified files.
	changed chan string

	// overflow is called when the changed channel is full and an event has to
	// be dropped; the owner schedules a full resync to recover the loss.
	overflow func()
}

func newWatcher(roots []string, overflow func(), logger *logging.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to create filesystem watcher")
	}

	w := &watcher{
		fsw:      fsw,
		roots:    roots,
		logger:   logger,
		changed:  make(chan string, 256),
		overflow: overflow,
	}

	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.Wrapf(err, errors.KindInternal, "failed to walk %s", dir)
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return errors.Wrapf(err, errors.KindInternal, "failed to watch %s", path)
		}
		return nil
	})
}

func (w *watcher) close() {
	w.fsw.Close()
}

// run forwards relevant events until the context is cancelled. A full changed
// channel drops the event and requests a full resync to repair the miss.
func (w *watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Filesystem watcher error", "error", err)
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if isTransient(filepath.Base(path)) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.addRecursive(path); err != nil {
				w.logger.Warn("Failed to watch new directory", "path", path, "error", err)
			}
			return
		}
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	select {
	case w.changed <- path:
	default:
		w.logger.Warn("Change backlog full, dropping event and scheduling full resync",
			"path", path)
		w.overflow()
	}
}
