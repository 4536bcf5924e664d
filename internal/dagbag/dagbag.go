// Package dagbag collects DAG definitions from a folder, keeps them in
// memory and tracks the files that failed to load.
package dagbag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/config"
	"github.com/dagucloud/dagsched/internal/cmn/fileutil"
	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/core/spec"
	"github.com/dagucloud/dagsched/internal/taskinstance"
)

// DefaultImportTimeout bounds loading one file.
const DefaultImportTimeout = 30 * time.Second

// Loader turns the content of one source file into DAGs.
type Loader interface {
	Load(ctx context.Context, path string, data []byte) ([]*core.DAG, error)
}

// Policy is applied to every task when its DAG is bagged.
type Policy func(*core.Task)

// FileLoadStat describes one file processed by CollectDAGs.
type FileLoadStat struct {
	File      string
	Duration  time.Duration
	DAGCount  int
	TaskCount int
	DAGIDs    []string
}

// DagBag is an in-memory registry of loaded DAGs. It is safe for
// concurrent use.
type DagBag struct {
	folder         string
	loaders        map[string]Loader
	policy         Policy
	importTimeout  time.Duration
	store          exec.Store
	zombies        taskinstance.ZombieOptions
	pausedAtCreate bool
	now            func() time.Time

	mu           sync.RWMutex
	syncedAt     time.Time
	dags         map[string]*core.DAG
	importErrors map[string]*ImportError
	files        *fileutil.Cache[[]string]
	stats        []FileLoadStat
}

// Option configures a DagBag.
type Option func(*DagBag)

// WithLoader registers loader for files with extension ext (".yaml").
func WithLoader(ext string, loader Loader) Option {
	return func(b *DagBag) { b.loaders[ext] = loader }
}

func WithPolicy(policy Policy) Option {
	return func(b *DagBag) { b.policy = policy }
}

func WithImportTimeout(d time.Duration) Option {
	return func(b *DagBag) { b.importTimeout = d }
}

// WithStore enables expiry checks in GetDAG, SyncToStore and
// KillZombies.
func WithStore(store exec.Store) Option {
	return func(b *DagBag) { b.store = store }
}

func WithZombieOptions(opts taskinstance.ZombieOptions) Option {
	return func(b *DagBag) { b.zombies = opts }
}

func WithClock(now func() time.Time) Option {
	return func(b *DagBag) { b.now = now }
}

// WithConfig applies the folder-independent settings from cfg.
func WithConfig(cfg *config.Config) Option {
	return func(b *DagBag) {
		if cfg.Core.DagbagImportTimeout > 0 {
			b.importTimeout = cfg.Core.DagbagImportTimeout
		}
		b.pausedAtCreate = cfg.Core.DAGsArePausedAtCreate
		b.zombies.Threshold = cfg.Scheduler.ZombieThreshold
		loader := spec.NewLoader(spec.WithConfig(cfg))
		b.loaders[".yaml"] = loader
		b.loaders[".yml"] = loader
	}
}

// New creates an empty bag for folder. YAML files are loaded with the
// spec loader unless another loader is registered.
func New(folder string, opts ...Option) *DagBag {
	loader := spec.NewLoader()
	b := &DagBag{
		folder:        folder,
		loaders:       map[string]Loader{".yaml": loader, ".yml": loader},
		importTimeout: DefaultImportTimeout,
		zombies:       taskinstance.ZombieOptions{Threshold: 5 * time.Minute},
		now:           time.Now,
		dags:          map[string]*core.DAG{},
		importErrors:  map[string]*ImportError{},
		files:         fileutil.NewCache[[]string]("dagbag", 0, 0),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.zombies.Hostname == "" {
		b.zombies.Hostname, _ = os.Hostname()
	}
	return b
}

func (b *DagBag) Folder() string { return b.folder }

// Size counts bagged DAGs, sub-DAGs included.
func (b *DagBag) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.dags)
}

// DAGIDs returns the bagged ids, sorted.
func (b *DagBag) DAGIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.dags))
	for id := range b.dags {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DAGs returns the bagged DAGs ordered by id.
func (b *DagBag) DAGs() []*core.DAG {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*core.DAG, 0, len(b.dags))
	for _, d := range b.dags {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, c *core.DAG) int {
		switch {
		case a.ID < c.ID:
			return -1
		case a.ID > c.ID:
			return 1
		}
		return 0
	})
	return out
}

// ImportErrors returns the current import errors ordered by path.
func (b *DagBag) ImportErrors() []ImportError {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ImportError, 0, len(b.importErrors))
	for _, e := range b.importErrors {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, c ImportError) int {
		switch {
		case a.Path < c.Path:
			return -1
		case a.Path > c.Path:
			return 1
		}
		return 0
	})
	return out
}

// FileStats returns the statistics of the last CollectDAGs pass.
func (b *DagBag) FileStats() []FileLoadStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.stats)
}

// BagDAG registers dag and, recursively, the sub-DAGs it declares. The
// policy runs on every task. On failure nothing of root stays bagged.
func (b *DagBag) BagDAG(dag, parent, root *core.DAG) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bagDAG(dag, parent, root)
}

func (b *DagBag) bagDAG(dag, parent, root *core.DAG) error {
	if root == nil {
		root = dag
	}
	if _, err := dag.TopologicalSort(); err != nil {
		return err
	}
	if b.policy != nil {
		for _, task := range dag.Tasks() {
			b.policy(task)
		}
	}
	for _, task := range dag.Tasks() {
		if task.Kind() != core.TaskSubDAG {
			continue
		}
		sub := task.SubDAG
		sub.Fileloc = dag.Fileloc
		sub.Parent = dag
		sub.IsSubDAG = true
		if err := b.bagDAG(sub, dag, root); err != nil {
			if parent == nil {
				b.forget(root)
			}
			return err
		}
	}
	dag.LastLoaded = b.now().UTC()
	b.dags[dag.ID] = dag
	return nil
}

// forget removes root and every nested DAG from the bag.
func (b *DagBag) forget(root *core.DAG) {
	delete(b.dags, root.ID)
	for _, sub := range root.SubDAGs() {
		delete(b.dags, sub.ID)
	}
}

// GetDAG returns the DAG with id. When a store is configured the root
// DAG's file is reloaded if the DAG is missing from the bag or was
// marked expired after it was loaded.
func (b *DagBag) GetDAG(ctx context.Context, id string) (*core.DAG, error) {
	b.mu.RLock()
	dag := b.dags[id]
	b.mu.RUnlock()

	if b.store != nil {
		rootID := id
		if dag != nil {
			rootID = dag.RootDAG().ID
		}
		model, err := b.store.GetDagModel(ctx, rootID)
		switch {
		case errors.Is(err, exec.ErrNotFound):
		case err != nil:
			return nil, err
		case dag == nil || model.LastExpired.After(dag.RootDAG().LastLoaded):
			found, err := b.ProcessFile(ctx, model.Fileloc, false)
			if err != nil {
				logger.Warn(ctx, "Failed to reload expired DAG", tag.DAG(id), tag.File(model.Fileloc), tag.Error(err))
			}
			if !containsDAG(found, id) {
				b.mu.Lock()
				delete(b.dags, id)
				b.mu.Unlock()
			}
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if dag, ok := b.dags[id]; ok {
		return dag, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDAGNotFound, id)
}

func containsDAG(dags []*core.DAG, id string) bool {
	return slices.ContainsFunc(dags, func(d *core.DAG) bool { return d.ID == id })
}
