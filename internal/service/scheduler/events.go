package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/taskinstance"
	"github.com/dagucloud/dagsched/internal/xcom"
)

func (s *Scheduler) eventLoop(ctx context.Context) {
	events := s.executor.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.HandleEvent(ctx, ev); err != nil && ctx.Err() == nil {
				logger.Error(ctx, "Failed to handle executor event",
					tag.String("type", string(ev.Type)), tag.Task(ev.Key.String()), tag.Error(err))
			}
		}
	}
}

// HandleEvent applies one executor report to the task instance it names.
// Reports for a try the instance is no longer in are stale: running and
// heartbeat reports then cancel the work, finished reports are dropped.
func (s *Scheduler) HandleEvent(ctx context.Context, ev exec.Event) error {
	ti, err := s.store.GetTaskInstance(ctx, ev.Key)
	if errors.Is(err, exec.ErrNotFound) {
		logger.Warn(ctx, "Executor reported an unknown task instance", tag.Task(ev.Key.String()))
		if ev.Type != exec.EventFinished {
			return s.executor.Cancel(ctx, ev.Key)
		}
		return nil
	}
	if err != nil {
		return err
	}

	switch ev.Type {
	case exec.EventRunning:
		return s.handleRunning(ctx, ti, ev)
	case exec.EventHeartbeat:
		return s.handleHeartbeat(ctx, ti, ev)
	case exec.EventFinished:
		return s.handleFinished(ctx, ti, ev)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func (s *Scheduler) handleRunning(ctx context.Context, ti *exec.TaskInstance, ev exec.Event) error {
	if ti.State == core.StateRunning && ti.TryNumber == ev.TryNumber {
		return nil
	}
	if ti.State != core.StateQueued || ev.TryNumber != ti.TryNumber+1 {
		logger.Warn(ctx, "Cancelling stale task instance try",
			tag.Task(ev.Key.String()), tag.State(ti.State.String()), tag.TryNumber(ev.TryNumber))
		return s.executor.Cancel(ctx, ev.Key)
	}
	return s.store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
		return s.startRemote(ctx, q, ti, ev)
	})
}

// startRemote starts ti under a new task job describing the process that
// runs it.
func (s *Scheduler) startRemote(ctx context.Context, q exec.Queries, ti *exec.TaskInstance, ev exec.Event) error {
	now := s.now()
	job := &exec.Job{
		ID:              uuid.NewString(),
		JobType:         exec.JobTypeLocalTask,
		State:           core.StateRunning,
		Hostname:        ev.Hostname,
		PID:             ev.PID,
		LatestHeartbeat: now,
		StartDate:       now,
	}
	if err := q.InsertJob(ctx, job); err != nil {
		return err
	}
	if err := taskinstance.Start(ctx, q, ti, job, now); err != nil {
		return err
	}
	// Values from an earlier try must not leak into this one.
	if _, err := xcom.ClearForTaskInstance(ctx, q, ti.Key()); err != nil {
		return err
	}
	logger.Info(ctx, "Task instance running",
		tag.DAG(ti.DAGID), tag.Task(ti.TaskID), tag.ExecutionDate(ti.ExecutionDate),
		tag.TryNumber(ti.TryNumber), tag.JobID(job.ID))
	return nil
}

func (s *Scheduler) handleHeartbeat(ctx context.Context, ti *exec.TaskInstance, ev exec.Event) error {
	switch {
	case ti.State == core.StateRunning && ti.TryNumber == ev.TryNumber:
		if ti.JobID == "" {
			return nil
		}
		_, err := s.store.HeartbeatJobs(ctx, []string{ti.JobID}, s.now())
		return err
	case ti.State == core.StateQueued && ev.TryNumber == ti.TryNumber+1:
		return nil
	}
	logger.Info(ctx, "Stopping task instance no longer expected to run",
		tag.Task(ev.Key.String()), tag.State(ti.State.String()), tag.TryNumber(ev.TryNumber))
	return s.executor.Cancel(ctx, ev.Key)
}

func (s *Scheduler) handleFinished(ctx context.Context, ti *exec.TaskInstance, ev exec.Event) error {
	var task *core.Task
	if dag, err := s.bag.GetDAG(ctx, ti.DAGID); err == nil {
		task, _ = dag.Task(ti.TaskID)
	}

	return s.store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
		if ti.State == core.StateQueued && ev.TryNumber == ti.TryNumber+1 {
			if err := s.startRemote(ctx, q, ti, ev); err != nil {
				return err
			}
		}
		if (ti.State != core.StateRunning && ti.State != core.StateShutdown) || ti.TryNumber != ev.TryNumber {
			logger.Warn(ctx, "Dropping result of stale task instance try",
				tag.Task(ev.Key.String()), tag.State(ti.State.String()), tag.TryNumber(ev.TryNumber))
			return nil
		}

		now := s.now()
		outcome := core.StateFailed
		var err error
		if ev.State == core.StateSuccess && ti.State == core.StateRunning {
			outcome = core.StateSuccess
			err = taskinstance.Finish(ctx, q, ti, core.StateSuccess, now)
		} else {
			reason := ev.Error
			if reason == "" {
				reason = "task ended in state " + ev.State.String()
			}
			err = taskinstance.HandleFailure(ctx, q, ti, task, reason, now)
		}
		if err != nil {
			return err
		}
		if err := s.closeJob(ctx, q, ti.JobID, outcome, now); err != nil {
			return err
		}
		logger.Info(ctx, "Task instance finished",
			tag.DAG(ti.DAGID), tag.Task(ti.TaskID), tag.ExecutionDate(ti.ExecutionDate),
			tag.TryNumber(ti.TryNumber), tag.State(ti.State.String()))
		return nil
	})
}

func (s *Scheduler) closeJob(ctx context.Context, q exec.Queries, id string, state core.State, now time.Time) error {
	if id == "" {
		return nil
	}
	job, err := q.GetJob(ctx, id)
	if errors.Is(err, exec.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.JobType != exec.JobTypeLocalTask {
		return nil
	}
	job.State = state
	job.EndDate = now
	job.LatestHeartbeat = now
	return q.UpdateJob(ctx, job)
}
