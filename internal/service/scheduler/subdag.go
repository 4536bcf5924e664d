package scheduler

import (
	"context"
	"fmt"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/dagrun"
	"github.com/dagucloud/dagsched/internal/taskinstance"
)

// startSubDAG runs a sub-DAG container task in the scheduler itself: the
// instance is started under the scheduler job and the nested DAG gets a
// run for the same logical date. A retry clears the failed part of the
// previous nested run instead of creating a new one.
func (s *Scheduler) startSubDAG(ctx context.Context, ti *exec.TaskInstance, task *core.Task) error {
	sub := task.SubDAG
	now := s.now()
	if err := s.store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
		return taskinstance.Start(ctx, q, ti, s.job, now)
	}); err != nil {
		return err
	}

	run, err := s.runs.GetDagRun(ctx, sub.ID, ti.ExecutionDate)
	switch {
	case err != nil:
	case run == nil:
		parent, perr := s.runs.GetDagRun(ctx, ti.DAGID, ti.ExecutionDate)
		if perr != nil {
			err = perr
			break
		}
		opts := dagrun.CreateOptions{ExecutionDate: ti.ExecutionDate, ExternalTrigger: true}
		if parent != nil {
			opts.RunID = parent.RunID
			opts.Conf = parent.Conf
		}
		_, err = s.runs.CreateDagRun(ctx, sub, opts)
	case run.State == core.StateFailed:
		_, err = taskinstance.ClearDAG(ctx, s.store, sub, taskinstance.ClearOptions{
			Start:          ti.ExecutionDate,
			End:            ti.ExecutionDate,
			OnlyFailed:     true,
			IncludeSubDAGs: true,
			ResetDagRuns:   true,
		})
	}
	if err != nil {
		return s.failInline(ctx, ti, task, fmt.Errorf("start sub-DAG %s: %w", sub.ID, err))
	}
	logger.Info(ctx, "Sub-DAG started",
		tag.DAG(sub.ID), tag.Task(ti.TaskID), tag.ExecutionDate(ti.ExecutionDate), tag.TryNumber(ti.TryNumber))
	return nil
}

// syncSubDAGTasks finishes running sub-DAG container instances whose
// nested run completed.
func (s *Scheduler) syncSubDAGTasks(ctx context.Context, dag *core.DAG, tis []exec.TaskInstance) error {
	for i := range tis {
		ti := &tis[i]
		if ti.State != core.StateRunning {
			continue
		}
		task, err := dag.Task(ti.TaskID)
		if err != nil || task.Kind() != core.TaskSubDAG {
			continue
		}
		run, err := s.runs.GetDagRun(ctx, task.SubDAG.ID, ti.ExecutionDate)
		if err != nil {
			return err
		}
		if run == nil {
			continue
		}

		switch run.State {
		case core.StateSuccess:
			err = s.store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
				return taskinstance.Finish(ctx, q, ti, core.StateSuccess, s.now())
			})
		case core.StateFailed:
			err = s.failInline(ctx, ti, task, fmt.Errorf("sub-DAG run %s failed", run.RunID))
		default:
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// failInline records a failed try of an instance the scheduler runs
// itself.
func (s *Scheduler) failInline(ctx context.Context, ti *exec.TaskInstance, task *core.Task, cause error) error {
	logger.Warn(ctx, "Task instance failed",
		tag.DAG(ti.DAGID), tag.Task(ti.TaskID), tag.ExecutionDate(ti.ExecutionDate), tag.Error(cause))
	return s.store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
		return taskinstance.HandleFailure(ctx, q, ti, task, cause.Error(), s.now())
	})
}
