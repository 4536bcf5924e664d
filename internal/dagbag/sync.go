package dagbag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/dagstat"
	"github.com/dagucloud/dagsched/internal/metrics"
	"github.com/dagucloud/dagsched/internal/taskinstance"
)

// SyncToStore records every bagged DAG in the store: its registry row,
// its snapshot when the content changed, its stat rows and the current
// import errors. Each row is stamped with the sync time as its last
// scheduler run. New DAGs start paused when configured so.
func (b *DagBag) SyncToStore(ctx context.Context) error {
	if b.store == nil {
		return ErrNoStore
	}
	now := b.now().UTC()

	var snapshots int
	for _, dag := range b.DAGs() {
		data, hash, err := dag.Snapshot().Encode()
		if err != nil {
			return err
		}
		err = b.store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
			model := exec.DagModel{
				DAGID:            dag.ID,
				IsPaused:         b.pausedAtCreate,
				IsSubDAG:         dag.IsSubDAG,
				IsActive:         true,
				LastSchedulerRun: now,
				SnapshotHash:     hash,
				LastSnapshot:     now,
				Fileloc:          dag.Fileloc,
				Owners:           dag.Owner(),
			}
			if dag.Parent != nil {
				model.ParentDAGID = dag.Parent.ID
			}
			existing, err := q.GetDagModel(ctx, dag.ID)
			switch {
			case errors.Is(err, exec.ErrNotFound):
			case err != nil:
				return err
			default:
				model.IsPaused = existing.IsPaused
				if existing.SnapshotHash == hash {
					model.LastSnapshot = existing.LastSnapshot
				}
			}

			created, err := q.PutSnapshot(ctx, exec.DagSnapshot{Hash: hash, DAGID: dag.ID, Data: data, CreatedAt: now})
			if err != nil {
				return err
			}
			if created {
				snapshots++
			}
			if err := q.UpsertDagModel(ctx, model); err != nil {
				return err
			}
			return dagstat.Create(ctx, q, dag.ID)
		})
		if err != nil {
			return fmt.Errorf("sync dag %s: %w", dag.ID, err)
		}
	}

	importErrors := b.ImportErrors()
	err := b.store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
		if _, err := q.DeleteImportErrors(ctx, nil); err != nil {
			return err
		}
		for _, ie := range importErrors {
			if err := q.InsertImportError(ctx, exec.ImportError{
				Filename:  ie.Path,
				Message:   ie.Message,
				Timestamp: ie.Timestamp,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sync import errors: %w", err)
	}

	b.mu.Lock()
	b.syncedAt = now
	b.mu.Unlock()

	logger.Debug(ctx, "Synced DAG bag to store",
		tag.Count(b.Size()),
		slog.Int("new-snapshots", snapshots),
	)
	return nil
}

// DeactivateInactiveDAGs marks every stored DAG missing from the bag as
// inactive and returns how many changed.
func (b *DagBag) DeactivateInactiveDAGs(ctx context.Context) (int64, error) {
	if b.store == nil {
		return 0, ErrNoStore
	}
	n, err := b.store.DeactivateDagModels(ctx, b.DAGIDs())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info(ctx, "Deactivated DAGs missing from the bag", tag.Count(int(n)))
	}
	return n, nil
}

// LastSync returns when SyncToStore last completed, or the zero time.
func (b *DagBag) LastSync() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.syncedAt
}

// DeactivateStaleDAGs marks active DAGs whose last scheduler run is
// older than expiration as inactive and returns how many changed. Pass
// the start of a sync to drop every DAG that sync did not see.
func (b *DagBag) DeactivateStaleDAGs(ctx context.Context, expiration time.Time) (int64, error) {
	if b.store == nil {
		return 0, ErrNoStore
	}
	if expiration.IsZero() {
		return 0, nil
	}
	n, err := b.store.DeactivateStaleDagModels(ctx, expiration.UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info(ctx, "Deactivated stale DAGs", tag.Count(int(n)), slog.Time("expiration", expiration))
	}
	return n, nil
}

// PausedDAGs returns the ids of bagged DAGs that are paused in the store.
func (b *DagBag) PausedDAGs(ctx context.Context) (map[string]bool, error) {
	if b.store == nil {
		return nil, ErrNoStore
	}
	models, err := b.store.ListDagModels(ctx)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	paused := map[string]bool{}
	for _, m := range models {
		if _, ok := b.dags[m.DAGID]; ok && m.IsPaused {
			paused[m.DAGID] = true
		}
	}
	return paused, nil
}

// KillZombies fails RUNNING instances whose job stopped heartbeating or
// whose local process is gone. It returns how many were failed.
func (b *DagBag) KillZombies(ctx context.Context) (int, error) {
	if b.store == nil {
		return 0, ErrNoStore
	}
	now := b.now().UTC()
	zombies, err := taskinstance.FindZombies(ctx, b.store, b.zombies, now)
	if err != nil {
		return 0, fmt.Errorf("find zombies: %w", err)
	}
	if len(zombies) == 0 {
		return 0, nil
	}
	killed, err := taskinstance.FailZombies(ctx, b.store, zombies, now)
	metrics.ZombiesKilled.Add(float64(killed))
	if killed > 0 {
		logger.Warn(ctx, "Failed zombie task instances",
			tag.Count(killed),
			tag.Timeout(b.zombies.Threshold),
		)
	}
	return killed, err
}

// Roots returns the bagged top-level DAGs.
func (b *DagBag) Roots() []*core.DAG {
	var out []*core.DAG
	for _, d := range b.DAGs() {
		if !d.IsSubDAG {
			out = append(out, d)
		}
	}
	return out
}

// ExpireDAG marks dagID expired so bags holding an older copy reload it.
func ExpireDAG(ctx context.Context, q exec.Queries, dagID string, at time.Time) error {
	return q.SetDagExpired(ctx, dagID, at.UTC())
}
