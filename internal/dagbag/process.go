package dagbag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
)

// markers must all appear in a file before it is handed to a loader.
var markers = [][]byte{[]byte("dag_id"), []byte("tasks")}

// ProcessFile loads the DAGs defined in path and bags them. With
// onlyIfUpdated set, a file whose modification time did not change since
// the last pass is skipped. Load failures, panics and timeouts are
// recorded as the path's import error and returned; a clean load clears
// it. DAGs the file no longer defines are dropped from the bag.
func (b *DagBag) ProcessFile(ctx context.Context, path string, onlyIfUpdated bool) ([]*core.DAG, error) {
	loader, ok := b.loaders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, nil
	}

	stale, fi, err := b.files.IsStale(path)
	if err != nil {
		logger.Warn(ctx, "Failed to check DAG file", tag.File(path), tag.Error(err))
		return nil, nil
	}
	if onlyIfUpdated && !stale {
		return nil, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, b.recordImportError(ctx, path, err)
	}
	if !hasMarkers(data) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.replaceFileDAGs(path, nil, fi)
		delete(b.importErrors, path)
		return nil, nil
	}

	logger.Debug(ctx, "Importing DAG file", tag.File(path))
	dags, err := b.load(ctx, loader, path, data)
	if err != nil {
		// Keep what the file defined before; retry only once it changes.
		previous, _ := b.files.Load(path)
		b.files.Store(path, previous, fi)
		return nil, b.recordImportError(ctx, path, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		found  []*core.DAG
		bagErr error
	)
	for _, dag := range dags {
		dag.Fileloc = path
		if err := b.bagDAG(dag, nil, nil); err != nil {
			logger.Error(ctx, "Failed to bag DAG", tag.File(path), tag.DAG(dag.ID), tag.Error(err))
			bagErr = err
			continue
		}
		found = append(found, dag)
		found = append(found, dag.SubDAGs()...)
	}

	ids := make([]string, len(found))
	for i, d := range found {
		ids[i] = d.ID
	}
	b.replaceFileDAGs(path, ids, fi)
	if bagErr != nil {
		b.importErrors[path] = b.newImportError(path, bagErr)
		return found, b.importErrors[path]
	}
	delete(b.importErrors, path)
	return found, nil
}

// replaceFileDAGs drops DAGs path no longer defines and remembers ids.
// The caller holds b.mu.
func (b *DagBag) replaceFileDAGs(path string, ids []string, fi os.FileInfo) {
	if previous, ok := b.files.Load(path); ok {
		for _, id := range previous {
			if !slices.Contains(ids, id) {
				delete(b.dags, id)
			}
		}
	}
	b.files.Store(path, ids, fi)
}

// load runs the loader under the import timeout, turning panics into
// errors.
func (b *DagBag) load(ctx context.Context, loader Loader, path string, data []byte) ([]*core.DAG, error) {
	ctx, cancel := context.WithTimeout(ctx, b.importTimeout)
	defer cancel()

	type result struct {
		dags []*core.DAG
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "DAG import panicked",
					tag.File(path), tag.String("stack", string(debug.Stack())))
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		dags, err := loader.Load(ctx, path, data)
		done <- result{dags: dags, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrImportTimeout, b.importTimeout)
		}
		return r.dags, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrImportTimeout, b.importTimeout)
		}
		return nil, ctx.Err()
	}
}

func (b *DagBag) recordImportError(ctx context.Context, path string, err error) error {
	logger.Error(ctx, "Failed to import DAG file", tag.File(path), tag.Error(err))
	ie := b.newImportError(path, err)
	b.mu.Lock()
	b.importErrors[path] = ie
	b.mu.Unlock()
	return ie
}

func (b *DagBag) newImportError(path string, err error) *ImportError {
	return &ImportError{Path: path, Message: err.Error(), Timestamp: b.now().UTC(), err: err}
}

func hasMarkers(data []byte) bool {
	for _, m := range markers {
		if !bytes.Contains(data, m) {
			return false
		}
	}
	return true
}
