// Package dagstat maintains the per-DAG run count cache. Counts are
// marked dirty when runs change and recomputed from dag_run rows later;
// readers must tolerate stale values.
package dagstat

import (
	"context"
	"errors"
	"fmt"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

// Create ensures a row exists for every run state of dagID.
func Create(ctx context.Context, q exec.Queries, dagID string) error {
	return q.EnsureDagStats(ctx, dagID, core.RunStates)
}

// SetDirty flags the stats of dagID for recomputation. It runs in the
// caller's transaction so the flag commits with the run change.
func SetDirty(ctx context.Context, q exec.Queries, dagID string) error {
	if err := Create(ctx, q, dagID); err != nil {
		return err
	}
	return q.SetDagStatsDirty(ctx, dagID)
}

// Update recomputes counts for dagIDs, or for every DAG when dagIDs is
// empty. With dirtyOnly only flagged rows are touched. It returns the
// number of DAGs reconciled; failures roll back, are logged and count as
// zero so the next tick can retry.
func Update(ctx context.Context, store exec.Store, dagIDs []string, dirtyOnly bool) int {
	var reconciled int
	err := store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
		rows, err := q.LockDagStats(ctx, dagIDs, dirtyOnly)
		if err != nil {
			return err
		}
		var ids []string
		seen := map[string]bool{}
		for _, r := range rows {
			if !seen[r.DAGID] {
				seen[r.DAGID] = true
				ids = append(ids, r.DAGID)
			}
		}
		if len(ids) == 0 {
			return nil
		}

		counts, err := q.CountDagRunsByState(ctx, ids)
		if err != nil {
			return err
		}
		for _, r := range rows {
			r.Count = counts[r.DAGID][r.State]
			r.Dirty = false
			if err := q.UpdateDagStat(ctx, r); err != nil {
				return err
			}
		}
		reconciled = len(ids)
		return nil
	})
	if err != nil {
		if !errors.Is(err, exec.ErrTransient) {
			err = fmt.Errorf("%w: %w", exec.ErrTransient, err)
		}
		logger.Warn(ctx, "Failed to update DAG stats, will retry", tag.Error(err))
		return 0
	}
	if reconciled > 0 {
		logger.Debug(ctx, "DAG stats reconciled", tag.Count(reconciled))
	}
	return reconciled
}
