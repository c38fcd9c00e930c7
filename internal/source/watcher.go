package source

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/storage"
)

// LocalWatcher turns file system notifications under the sync root into
// change events. Events for one path are collapsed until the path has been
// quiet for the debounce window, then the final state on disk decides what
// is emitted.
type LocalWatcher struct {
	fs          *storage.FS
	store       LocalIndex
	conflictDir string
	debounce    time.Duration
	sink        Sink
	logger      *slog.Logger
}

// NewLocalWatcher creates a watcher. conflictDir is relative to the root.
func NewLocalWatcher(fsys *storage.FS, store LocalIndex, conflictDir string, debounce time.Duration, sink Sink, logger *slog.Logger) *LocalWatcher {
	return &LocalWatcher{
		fs:          fsys,
		store:       store,
		conflictDir: strings.Trim(filepath.ToSlash(conflictDir), "/"),
		debounce:    debounce,
		sink:        sink,
		logger:      logger,
	}
}

// Run watches until ctx is cancelled.
func (w *LocalWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := w.addDirsRecursive(fw, w.fs.Root()); err != nil {
		return err
	}
	w.logger.Info("watcher: started", slog.String("root", w.fs.Root()))

	pending := make(map[string]time.Time)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	arm := func() {
		if len(pending) == 0 {
			return
		}
		var next time.Time
		for _, t := range pending {
			if next.IsZero() || t.Before(next) {
				next = t
			}
		}
		timer.Reset(max(time.Until(next.Add(w.debounce)), 0))
	}
	touch := func(rel string) {
		pending[rel] = time.Now()
		arm()
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher: stopped")
			return nil

		case <-timer.C:
			w.flush(pending)
			arm()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			rel, relErr := w.fs.Rel(ev.Name)
			if relErr != nil || rel == "." {
				continue
			}

			if ev.Has(fsnotify.Create) {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := w.addDirsRecursive(fw, ev.Name); addErr != nil {
						w.logger.Warn("watcher: add new dir failed",
							slog.String("path", rel),
							slog.String("error", addErr.Error()))
					}
					for _, p := range w.filesUnder(ev.Name) {
						touch(p)
					}
					continue
				}
			}

			switch {
			case w.relevant(rel):
				touch(rel)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && !strings.HasSuffix(rel, ".md"):
				// A directory went away; its files produce no events of their own.
				for _, p := range w.store.IndexedUnder(rel) {
					touch(p)
				}
			}

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// flush emits events for every path whose quiet period has elapsed. Paths
// that exist are handled before vanished ones, so a rename indexes the new
// path before the old one is forgotten.
func (w *LocalWatcher) flush(pending map[string]time.Time) {
	now := time.Now()
	var present, gone []string
	for p, t := range pending {
		if now.Sub(t) < w.debounce {
			continue
		}
		delete(pending, p)
		if w.fs.Exists(p) {
			present = append(present, p)
		} else {
			gone = append(gone, p)
		}
	}
	sort.Strings(present)
	sort.Strings(gone)

	for _, p := range present {
		w.emitPresent(p, now)
	}
	for _, p := range gone {
		w.emitGone(p, now)
	}
}

func (w *LocalWatcher) emitPresent(p string, now time.Time) {
	if id, ok := w.artifact(p); ok {
		w.submit(models.ChangeEvent{EntityID: id, Side: models.SideLocal, Kind: models.KindModified, Path: p, ObservedAt: now})
		return
	}
	_, known := w.store.IDAt(p)
	doc, err := w.store.ReadPath(p)
	if err != nil {
		if apperr.IsParse(err) {
			w.logger.Warn("watcher: unreadable file skipped",
				slog.String("path", p),
				slog.String("error", err.Error()))
		} else {
			w.logger.Debug("watcher: read failed", slog.String("path", p), slog.String("error", err.Error()))
		}
		return
	}
	kind := models.KindModified
	if !known {
		kind = models.KindCreated
	}
	w.submit(models.ChangeEvent{EntityID: doc.ID, Side: models.SideLocal, Kind: kind, Path: p, ObservedAt: now})
}

func (w *LocalWatcher) emitGone(p string, now time.Time) {
	if id, ok := w.artifact(p); ok {
		w.submit(models.ChangeEvent{EntityID: id, Side: models.SideLocal, Kind: models.KindDeleted, Path: p, ObservedAt: now})
		return
	}
	id := w.store.Forget(p)
	if id == "" {
		return
	}
	w.submit(models.ChangeEvent{EntityID: id, Side: models.SideLocal, Kind: models.KindDeleted, Path: p, ObservedAt: now})
}

func (w *LocalWatcher) submit(ev models.ChangeEvent) {
	w.logger.Debug("watcher: change",
		slog.String("entity_id", ev.EntityID),
		slog.String("kind", string(ev.Kind)),
		slog.String("path", ev.Path))
	if err := w.sink.Submit(ev); err != nil {
		w.logger.Warn("watcher: event dropped",
			slog.String("entity_id", ev.EntityID),
			slog.String("error", err.Error()))
	}
}

func (w *LocalWatcher) relevant(rel string) bool {
	if _, ok := w.artifact(rel); ok {
		return true
	}
	return w.fs.Tracked(rel)
}

// artifact reports whether rel is a conflict file and returns its entity.
func (w *LocalWatcher) artifact(rel string) (string, bool) {
	if w.conflictDir == "" || !strings.HasPrefix(rel, w.conflictDir+"/") {
		return "", false
	}
	if strings.HasPrefix(filepath.Base(rel), storage.TempPrefix) {
		return "", false
	}
	return ArtifactEntity(rel)
}

// watched reports whether a directory should be added to the watch list.
// Hidden and excluded directories are skipped, except the conflict folder.
func (w *LocalWatcher) watched(rel string) bool {
	if rel == "." || rel == w.conflictDir {
		return true
	}
	return !w.fs.Ignored(rel)
}

// addDirsRecursive adds root and all its watched subdirectories.
func (w *LocalWatcher) addDirsRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := w.fs.Rel(p)
		if relErr != nil {
			return relErr
		}
		if !w.watched(rel) {
			return filepath.SkipDir
		}
		return fw.Add(p)
	})
}

// filesUnder lists the relevant files already inside a new directory.
func (w *LocalWatcher) filesUnder(dir string) []string {
	var out []string
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if rel, relErr := w.fs.Rel(p); relErr == nil && w.relevant(rel) {
			out = append(out, rel)
		}
		return nil
	})
	return out
}
