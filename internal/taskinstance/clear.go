package taskinstance

import (
	"context"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

// ClearTaskInstances resets tis so the scheduler runs them again.
//
// Running instances with a job are moved to SHUTDOWN and their jobs are
// shut down; the executor observes the state and stops the work. Every
// other instance goes back to NONE with max_tries raised so the task's
// retries apply again from the current try. When the task is no longer
// known, max_tries becomes max(max_tries, try_number-1), which only keeps
// an instance from losing retries it already had. With activateDagRuns
// the owning runs are set back to RUNNING.
func ClearTaskInstances(ctx context.Context, q exec.Queries, tis []exec.TaskInstance, dag *core.DAG, activateDagRuns bool) error {
	var jobIDs []string
	for i := range tis {
		ti := &tis[i]
		if ti.State == core.StateRunning {
			if ti.JobID == "" {
				continue
			}
			ti.State = core.StateShutdown
			jobIDs = append(jobIDs, ti.JobID)
		} else {
			if task := lookupTask(dag, ti.DAGID, ti.TaskID); task != nil {
				ti.MaxTries = ti.TryNumber + task.Retries - 1
			} else {
				ti.MaxTries = max(ti.MaxTries, ti.TryNumber-1)
			}
			ti.State = core.StateNone
		}
		if err := q.UpsertTaskInstance(ctx, ti); err != nil {
			return err
		}
	}

	if len(jobIDs) > 0 {
		if _, err := q.SetJobsState(ctx, jobIDs, core.StateShutdown); err != nil {
			return err
		}
	}

	if activateDagRuns && len(tis) > 0 {
		dates := map[string][]time.Time{}
		for _, ti := range tis {
			dates[ti.DAGID] = append(dates[ti.DAGID], ti.ExecutionDate)
		}
		for dagID, eds := range dates {
			if _, err := q.SetDagRunsState(ctx, dagID, eds, core.StateRunning); err != nil {
				return err
			}
		}
	}
	return nil
}

// lookupTask finds taskID in dag or one of its sub-DAGs with dagID.
func lookupTask(dag *core.DAG, dagID, taskID string) *core.Task {
	if dag == nil {
		return nil
	}
	candidates := append([]*core.DAG{dag}, dag.SubDAGs()...)
	for _, d := range candidates {
		if d.ID != dagID {
			continue
		}
		if t, err := d.Task(taskID); err == nil {
			return t
		}
	}
	return nil
}

// ClearOptions selects the instances cleared by ClearDAG. Zero Start and
// End leave that side of the execution date range open.
type ClearOptions struct {
	Start          time.Time
	End            time.Time
	OnlyFailed     bool
	OnlyRunning    bool
	IncludeSubDAGs bool
	ResetDagRuns   bool
	DryRun         bool
}

// ClearDAG clears the instances of dag's tasks that match opts and
// returns them. In dry-run mode nothing is written and the selection is
// returned as found.
func ClearDAG(ctx context.Context, store exec.Store, dag *core.DAG, opts ClearOptions) ([]exec.TaskInstance, error) {
	var tis []exec.TaskInstance
	err := store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
		selected, err := SelectForClear(ctx, q, dag, opts)
		if err != nil {
			return err
		}
		tis = selected
		if opts.DryRun || len(tis) == 0 {
			return nil
		}
		return ClearTaskInstances(ctx, q, tis, dag, opts.ResetDagRuns)
	})
	if err != nil {
		return nil, err
	}
	if !opts.DryRun {
		logger.Info(ctx, "Cleared task instances", tag.DAG(dag.ID), tag.Count(len(tis)))
	}
	return tis, nil
}

// SelectForClear returns the instances ClearDAG would clear.
// A DAG without tasks, such as a sub-DAG whose pattern matched nothing,
// selects nothing.
func SelectForClear(ctx context.Context, q exec.Queries, dag *core.DAG, opts ClearOptions) ([]exec.TaskInstance, error) {
	if len(dag.TaskIDs()) == 0 {
		return nil, nil
	}

	var states []core.State
	switch {
	case opts.OnlyFailed:
		states = []core.State{core.StateFailed, core.StateUpstreamFailed}
	case opts.OnlyRunning:
		states = []core.State{core.StateRunning}
	}

	tis, err := q.FindTaskInstances(ctx, exec.TaskInstanceFilter{
		DAGID:     dag.ID,
		TaskIDs:   dag.TaskIDs(),
		StartDate: opts.Start,
		EndDate:   opts.End,
		States:    states,
	})
	if err != nil {
		return nil, err
	}
	if !opts.IncludeSubDAGs {
		return tis, nil
	}
	for _, sub := range dag.SubDAGs() {
		more, err := q.FindTaskInstances(ctx, exec.TaskInstanceFilter{
			DAGID:     sub.ID,
			StartDate: opts.Start,
			EndDate:   opts.End,
			States:    states,
		})
		if err != nil {
			return nil, err
		}
		tis = append(tis, more...)
	}
	return tis, nil
}
