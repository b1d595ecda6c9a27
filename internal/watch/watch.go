// Package watch is the reference fsnotify-based file-watcher adapter:
// the external-collaborator boundary named in spec.md §1 that feeds
// raw filesystem notifications into the embedding pipeline (C4) as
// embedding.RawChange values.
//
// Reference: spec.md §5 Tasks ("N file-watcher tasks, one per watched
// root"), SPEC_FULL.md MODULE LAYOUT
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"crucible/pkg/embedding"
	"crucible/pkg/kiln"
)

// Watcher watches one kiln root recursively, forwarding every
// indexable change to an embedding.EmbeddingEventHandler. It owns one
// fsnotify.Watcher and adds newly created directories to it as they
// appear.
type Watcher struct {
	root    string
	fsw     *fsnotify.Watcher
	handler *embedding.EmbeddingEventHandler
	logger  *zap.Logger
}

// New constructs a Watcher rooted at root, recursively watching every
// existing directory under it. The .crucible directory (the storage
// backend's and sessions' own state) is never watched.
func New(root string, handler *embedding.EmbeddingEventHandler, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{root: root, fsw: fsw, handler: handler, logger: logger}
	if err := w.addTreeRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTreeRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if isCrucibleDir(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func isCrucibleDir(path string) bool {
	return filepath.Base(path) == ".crucible"
}

// Run processes filesystem events until ctx is canceled or the
// underlying watcher closes. Errors from fsnotify are logged and do
// not stop the loop: a transient OS-level watch error should not take
// down the whole kiln's indexing.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if isCrucibleDir(event.Name) {
		return
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") {
		return
	}

	switch {
	case event.Op&fsnotify.Create != 0:
		w.handleCreate(event.Name, rel)
	case event.Op&fsnotify.Write != 0:
		w.forwardFileChange(rel, event.Name, embedding.EventUpdated)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		category := kiln.CategoryForPath(rel)
		if !category.ShouldWatch() {
			return
		}
		w.handler.Handle(embedding.RawChange{RelativePath: rel, Kind: embedding.EventDeleted})
	}
}

func (w *Watcher) handleCreate(absPath, rel string) {
	info, err := os.Stat(absPath)
	if err != nil {
		return
	}
	if info.IsDir() {
		if isCrucibleDir(absPath) {
			return
		}
		if err := w.fsw.Add(absPath); err != nil {
			w.logger.Warn("failed to watch new directory", zap.String("path", absPath), zap.Error(err))
		}
		return
	}
	w.forwardFileChange(rel, absPath, embedding.EventCreated)
}

func (w *Watcher) forwardFileChange(rel, absPath string, kind embedding.EventKind) {
	category := kiln.CategoryForPath(rel)
	if !category.ShouldWatch() {
		return
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		// File may have been removed or is mid-write; the next event
		// for this path will carry the settled content.
		return
	}
	w.handler.Handle(embedding.RawChange{RelativePath: rel, Kind: kind, Content: string(content)})
}

// Close releases the underlying fsnotify watcher without waiting for
// Run's context to be canceled.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
