package taskinstance

import (
	"context"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

// Skip marks tasks SKIPPED for one logical date. When the run exists the
// change is a single bulk update; without a run each instance is upserted
// on its own.
func Skip(ctx context.Context, q exec.Queries, run *exec.DagRun, executionDate time.Time, tasks []*core.Task, now time.Time) error {
	if len(tasks) == 0 {
		return nil
	}
	now = now.UTC()

	if run != nil {
		ids := make([]string, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}
		_, err := q.UpdateTaskInstances(ctx,
			exec.TaskInstanceFilter{DAGID: run.DAGID, ExecutionDate: run.ExecutionDate, TaskIDs: ids},
			exec.TaskInstanceUpdate{State: core.StateSkipped, StartDate: now, EndDate: now},
		)
		return err
	}

	logger.Warn(ctx, "No DAG run found, skipping task instances one by one",
		tag.ExecutionDate(executionDate), tag.Count(len(tasks)))
	for _, t := range tasks {
		ti := New(t, executionDate)
		ti.State = core.StateSkipped
		ti.StartDate = now
		ti.EndDate = now
		if err := q.UpsertTaskInstance(ctx, ti); err != nil {
			return err
		}
	}
	return nil
}
