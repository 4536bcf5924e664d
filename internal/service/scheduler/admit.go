package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/metrics"
	"github.com/dagucloud/dagsched/internal/pool"
	"github.com/dagucloud/dagsched/internal/taskinstance"
)

var activeStates = []core.State{core.StateRunning, core.StateQueued}

// admit hands SCHEDULED instances to the executor, highest priority and
// oldest logical date first, as long as the global parallelism, the
// DAG's concurrency and the instance's pool leave room.
func (s *Scheduler) admit(ctx context.Context, paused map[string]bool) error {
	scheduled, err := s.store.FindTaskInstances(ctx, exec.TaskInstanceFilter{
		States: []core.State{core.StateScheduled},
	})
	if err != nil || len(scheduled) == 0 {
		return err
	}
	active, err := s.store.CountTaskInstancesByState(ctx, exec.TaskInstanceFilter{States: activeStates})
	if err != nil {
		return err
	}
	open := s.cfg.Core.Parallelism - active[core.StateRunning] - active[core.StateQueued]
	if open <= 0 {
		logger.Debug(ctx, "No open slots for task instances", slog.Int("parallelism", s.cfg.Core.Parallelism))
		return nil
	}

	slices.SortStableFunc(scheduled, func(a, b exec.TaskInstance) int {
		if c := cmp.Compare(b.PriorityWeight, a.PriorityWeight); c != 0 {
			return c
		}
		return a.ExecutionDate.Compare(b.ExecutionDate)
	})

	dags := map[string]*core.DAG{}
	for _, dag := range s.bag.DAGs() {
		dags[dag.ID] = dag
	}
	dagActive := map[string]int{}
	poolOpen := map[string]int{}

	var errs []error
	for i := range scheduled {
		if open <= 0 {
			break
		}
		ti := &scheduled[i]
		dag, ok := dags[ti.DAGID]
		if !ok || paused[dag.RootDAG().ID] {
			continue
		}
		task, err := dag.Task(ti.TaskID)
		if err != nil {
			continue
		}

		n, ok := dagActive[dag.ID]
		if !ok {
			counts, err := s.store.CountTaskInstancesByState(ctx, exec.TaskInstanceFilter{DAGID: dag.ID, States: activeStates})
			if err != nil {
				return err
			}
			n = counts[core.StateRunning] + counts[core.StateQueued]
			dagActive[dag.ID] = n
		}
		if dag.Concurrency > 0 && n >= dag.Concurrency {
			continue
		}

		slots, ok := poolOpen[ti.Pool]
		if !ok {
			slots, err = pool.OpenSlots(ctx, s.store, ti.Pool)
			switch {
			case errors.Is(err, exec.ErrPoolNotFound):
				logger.Warn(ctx, "Task instance references an unknown pool",
					tag.DAG(ti.DAGID), tag.Task(ti.TaskID), tag.Pool(ti.Pool))
				slots = 0
			case err != nil:
				return err
			}
			poolOpen[ti.Pool] = slots
		}
		if pool.Admissible(slots) == 0 {
			continue
		}

		if task.Kind() == core.TaskSubDAG {
			err = s.startSubDAG(ctx, ti, task)
		} else {
			err = s.enqueue(ctx, ti, task)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ti.Key(), err))
			continue
		}
		open--
		dagActive[dag.ID]++
		poolOpen[ti.Pool]--
	}
	return errors.Join(errs...)
}

// enqueue marks ti QUEUED and submits its next try. A rejected submit
// puts the instance back to SCHEDULED.
func (s *Scheduler) enqueue(ctx context.Context, ti *exec.TaskInstance, task *core.Task) error {
	run, err := s.runs.GetDagRun(ctx, ti.DAGID, ti.ExecutionDate)
	if err != nil {
		return err
	}
	item := exec.WorkItem{
		Key:            ti.Key(),
		TryNumber:      ti.TryNumber + 1,
		Pool:           ti.Pool,
		Queue:          ti.Queue,
		PriorityWeight: ti.PriorityWeight,
		Task:           task,
	}
	if run != nil {
		item.RunID = run.RunID
		item.Conf = run.Conf
	}

	if err := taskinstance.SetState(ti, core.StateQueued); err != nil {
		return err
	}
	ti.QueuedAt = s.now()
	if err := s.store.UpdateTaskInstance(ctx, ti); err != nil {
		return err
	}

	if err := s.executor.Submit(ctx, item); err != nil {
		ti.State = core.StateScheduled
		if uerr := s.store.UpdateTaskInstance(context.WithoutCancel(ctx), ti); uerr != nil {
			return errors.Join(err, uerr)
		}
		return fmt.Errorf("submit: %w", err)
	}
	metrics.TasksSubmitted.Inc()
	logger.Debug(ctx, "Task instance queued",
		tag.DAG(ti.DAGID), tag.Task(ti.TaskID), tag.ExecutionDate(ti.ExecutionDate), tag.TryNumber(item.TryNumber))
	return nil
}
