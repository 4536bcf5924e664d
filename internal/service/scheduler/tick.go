package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/dagrun"
	"github.com/dagucloud/dagsched/internal/taskinstance"
)

// maxRunsPerTick bounds how many runs one DAG may create in a single
// pass when max_active_runs does not.
const maxRunsPerTick = 64

// Tick runs one scheduling pass over the bag: due runs are created,
// running runs advance, and scheduled instances are admitted. Paused
// DAGs and their sub-DAGs are left alone. Errors of single DAGs do not
// stop the pass.
func (s *Scheduler) Tick(ctx context.Context) error {
	paused, err := s.bag.PausedDAGs(ctx)
	if err != nil {
		return fmt.Errorf("list paused dags: %w", err)
	}

	var errs []error
	for _, dag := range s.bag.DAGs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if paused[dag.RootDAG().ID] {
			continue
		}
		if !dag.IsSubDAG {
			if err := s.createDueRuns(ctx, dag); err != nil {
				errs = append(errs, fmt.Errorf("create runs of %s: %w", dag.ID, err))
			}
		}
		if err := s.processRuns(ctx, dag); err != nil {
			errs = append(errs, fmt.Errorf("process runs of %s: %w", dag.ID, err))
		}
	}
	if err := s.admit(ctx, paused); err != nil {
		errs = append(errs, fmt.Errorf("admit task instances: %w", err))
	}
	return errors.Join(errs...)
}

// createDueRuns creates the scheduled runs whose period ended, within
// the DAG's max_active_runs.
func (s *Scheduler) createDueRuns(ctx context.Context, dag *core.DAG) error {
	active, err := s.runs.NumActiveRuns(ctx, dag.ID, nil)
	if err != nil {
		return err
	}
	limit := maxRunsPerTick
	if dag.MaxActiveRuns > 0 {
		limit = min(limit, dag.MaxActiveRuns-active)
	}
	if limit <= 0 {
		return nil
	}

	dates, err := s.dueDates(ctx, dag, limit)
	if err != nil {
		return err
	}
	for _, date := range dates {
		_, err := s.runs.CreateDagRun(ctx, dag, dagrun.CreateOptions{
			ExecutionDate: date,
			State:         core.StateRunning,
		})
		if errors.Is(err, exec.ErrDagRunExists) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// dueDates returns up to limit logical dates that need a scheduled run.
// A date is due once its schedule period ended. Without catchup only the
// latest due date is considered.
func (s *Scheduler) dueDates(ctx context.Context, dag *core.DAG, limit int) ([]time.Time, error) {
	now := s.now()
	if dag.Schedule == nil || dag.Schedule.Kind() == core.ScheduleNone {
		return nil, nil
	}

	if dag.Schedule.Kind() == core.ScheduleOnce {
		last, err := s.runs.LastDagRun(ctx, dag.ID, true)
		if err != nil || last != nil {
			return nil, err
		}
		start := dag.EarliestStartDate()
		if start.IsZero() || start.After(now) {
			return nil, nil
		}
		return []time.Time{start}, nil
	}

	last, err := s.runs.LastDagRun(ctx, dag.ID, false)
	if err != nil {
		return nil, err
	}
	var next time.Time
	if last != nil {
		n, ok := dag.FollowingSchedule(last.ExecutionDate)
		if !ok {
			return nil, nil
		}
		next = n
	} else {
		start := dag.EarliestStartDate()
		if start.IsZero() {
			return nil, nil
		}
		next = dag.NormalizeSchedule(start)
	}
	if !dag.Catchup {
		if latest, ok := latestDue(dag, now); ok && latest.After(next) {
			next = latest
		}
	}

	var dates []time.Time
	for len(dates) < limit {
		if !dag.EndDate.IsZero() && next.After(dag.EndDate) {
			break
		}
		end, ok := dag.FollowingSchedule(next)
		if !ok || end.After(now) {
			break
		}
		dates = append(dates, next)
		next = end
	}
	return dates, nil
}

// latestDue is the start of the most recent schedule period that ended
// at or before now.
func latestDue(dag *core.DAG, now time.Time) (time.Time, bool) {
	prev, ok := dag.PreviousSchedule(now)
	if !ok {
		return time.Time{}, false
	}
	if end, ok := dag.FollowingSchedule(prev); ok && end.After(now) {
		return dag.PreviousSchedule(prev)
	}
	return prev, true
}

func (s *Scheduler) processRuns(ctx context.Context, dag *core.DAG) error {
	runs, err := s.runs.ActiveRuns(ctx, dag.ID)
	if err != nil {
		return err
	}
	var errs []error
	for i := range runs {
		if err := s.processRun(ctx, dag, &runs[i]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", runs[i].RunID, err))
		}
	}
	return errors.Join(errs...)
}

// processRun brings run's instances in line with the DAG, mirrors the
// outcome of sub-DAG runs, schedules instances whose trigger rule is met
// and recomputes the run state.
func (s *Scheduler) processRun(ctx context.Context, dag *core.DAG, run *exec.DagRun) error {
	if _, err := s.runs.VerifyIntegrity(ctx, dag, run); err != nil {
		return err
	}
	tis, err := s.runs.GetTaskInstances(ctx, run)
	if err != nil {
		return err
	}
	if err := s.syncSubDAGTasks(ctx, dag, tis); err != nil {
		return err
	}
	if err := s.scheduleInstances(ctx, dag, tis); err != nil {
		return err
	}
	_, err = s.runs.UpdateState(ctx, dag, run)
	return err
}

// scheduleInstances evaluates trigger rules in topological order so a
// skip or upstream failure cascades within one pass. Instances whose task
// left the DAG are skipped.
func (s *Scheduler) scheduleInstances(ctx context.Context, dag *core.DAG, tis []exec.TaskInstance) error {
	sorted, err := dag.TopologicalSort()
	if err != nil {
		return err
	}
	index := make(map[string]int, len(tis))
	for i, ti := range tis {
		index[ti.TaskID] = i
	}
	now := s.now()

	return s.store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
		for i := range tis {
			ti := &tis[i]
			if dag.HasTask(ti.TaskID) || !ti.State.CanTransitionTo(core.StateSkipped) || ti.State == core.StateSkipped {
				continue
			}
			if ti.State == core.StateRunning || ti.State == core.StateQueued {
				continue
			}
			if err := s.transition(ctx, q, ti, core.StateSkipped, now, "task removed from dag"); err != nil {
				return err
			}
		}

		for _, task := range sorted {
			i, ok := index[task.ID]
			if !ok {
				continue
			}
			ti := &tis[i]
			switch ti.State {
			case core.StateNone:
			case core.StateUpForRetry:
				if !taskinstance.ReadyForRetry(ti, task, now) {
					continue
				}
			default:
				continue
			}

			var next core.State
			switch decision := task.TriggerRule.Evaluate(taskinstance.Summarize(task, tis)); decision {
			case core.DecisionRun:
				next = core.StateScheduled
			case core.DecisionSkip:
				next = core.StateSkipped
			case core.DecisionUpstreamFailed:
				next = core.StateUpstreamFailed
			default:
				continue
			}
			if err := s.transition(ctx, q, ti, next, now, string(task.TriggerRule)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Scheduler) transition(ctx context.Context, q exec.Queries, ti *exec.TaskInstance, next core.State, now time.Time, reason string) error {
	if err := taskinstance.SetState(ti, next); err != nil {
		return err
	}
	if next.Finished() {
		ti.StartDate = now
		ti.EndDate = now
		ti.Duration = 0
	}
	if err := q.UpdateTaskInstance(ctx, ti); err != nil {
		return err
	}
	logger.Debug(ctx, "Task instance state changed",
		tag.DAG(ti.DAGID), tag.Task(ti.TaskID), tag.ExecutionDate(ti.ExecutionDate),
		tag.State(next.String()), tag.Reason(reason))
	return nil
}
