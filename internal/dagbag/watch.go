package dagbag

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
)

// Watch re-processes files under the bag's folder as they change until
// ctx is cancelled. Removed files take their DAGs out of the bag.
func (b *DagBag) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := b.watchTree(watcher, b.folder); err != nil {
		return err
	}
	logger.Info(ctx, "Watching DAG folder", tag.Dir(b.folder))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			b.handleEvent(ctx, watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error(ctx, "Watcher error", tag.Error(err))
		}
	}
}

func (b *DagBag) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := b.watchTree(watcher, event.Name); err != nil {
				logger.Warn(ctx, "Failed to watch directory", tag.Dir(event.Name), tag.Error(err))
			}
			return
		}
		if _, ok := b.loaders[strings.ToLower(filepath.Ext(event.Name))]; !ok {
			return
		}
		if _, err := b.ProcessFile(ctx, event.Name, true); err == nil {
			logger.Info(ctx, "DAG file reloaded", tag.File(event.Name))
		}

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		if b.RemoveFile(event.Name) {
			logger.Info(ctx, "DAG file removed", tag.File(event.Name))
		}
	}
}

// RemoveFile forgets path and the DAGs it defined. It reports whether
// the path was known.
func (b *DagBag) RemoveFile(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids, known := b.files.Load(path)
	for _, id := range ids {
		delete(b.dags, id)
	}
	if _, ok := b.importErrors[path]; ok {
		known = true
		delete(b.importErrors, path)
	}
	b.files.Invalidate(path)
	return known
}

func (b *DagBag) watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
