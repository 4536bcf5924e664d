// Package taskinstance implements the lifecycle of a task instance: its
// state transitions, retries, clearing, skipping and zombie reclamation.
// Every operation takes exec.Queries so callers decide the transaction.
package taskinstance

import (
	"context"
	"fmt"
	"time"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

// New builds a task instance in state none for task at executionDate.
func New(task *core.Task, executionDate time.Time) *exec.TaskInstance {
	ti := &exec.TaskInstance{
		TaskID:         task.ID,
		ExecutionDate:  executionDate.UTC(),
		State:          core.StateNone,
		MaxTries:       task.Retries,
		Pool:           task.Pool,
		Queue:          task.Queue,
		PriorityWeight: PriorityWeightTotal(task),
	}
	if dag := task.DAG(); dag != nil {
		ti.DAGID = dag.ID
	}
	return ti
}

// PriorityWeightTotal is the task's own weight plus the weights of every
// task downstream of it, so tasks that unblock more work go first.
func PriorityWeightTotal(task *core.Task) int {
	total := task.PriorityWeight
	for _, t := range task.Relatives(false) {
		total += t.PriorityWeight
	}
	return total
}

// SetState moves ti to next when the transition table allows it.
func SetState(ti *exec.TaskInstance, next core.State) error {
	if !ti.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s %s -> %s", exec.ErrInvalidTransition, ti, ti.State, next)
	}
	ti.State = next
	return nil
}

// Start marks ti RUNNING under job and consumes one try.
func Start(ctx context.Context, q exec.Queries, ti *exec.TaskInstance, job *exec.Job, now time.Time) error {
	if err := SetState(ti, core.StateRunning); err != nil {
		return err
	}
	ti.TryNumber++
	ti.StartDate = now.UTC()
	ti.EndDate = time.Time{}
	ti.Duration = 0
	if job != nil {
		ti.JobID = job.ID
		ti.Hostname = job.Hostname
		ti.PID = job.PID
	}
	return q.UpdateTaskInstance(ctx, ti)
}

// Finish records a terminal state reached by the running instance.
func Finish(ctx context.Context, q exec.Queries, ti *exec.TaskInstance, state core.State, now time.Time) error {
	if !state.Finished() {
		return fmt.Errorf("%w: %s is not a terminal state", exec.ErrInvalidTransition, state)
	}
	if err := SetState(ti, state); err != nil {
		return err
	}
	stamp(ti, now)
	return q.UpdateTaskInstance(ctx, ti)
}

// HandleFailure records a TaskFail row and moves ti to UP_FOR_RETRY when a
// retry is left, otherwise to FAILED. task may be nil when the definition
// is no longer loaded; the instance then fails outright.
func HandleFailure(ctx context.Context, q exec.Queries, ti *exec.TaskInstance, task *core.Task, reason string, now time.Time) error {
	stamp(ti, now)
	if err := q.InsertTaskFail(ctx, &exec.TaskFail{
		DAGID:         ti.DAGID,
		TaskID:        ti.TaskID,
		ExecutionDate: ti.ExecutionDate,
		StartDate:     ti.StartDate,
		EndDate:       ti.EndDate,
		Duration:      ti.Duration,
		Reason:        reason,
	}); err != nil {
		return err
	}

	next := core.StateFailed
	if task != nil && IsEligibleToRetry(ti, task) {
		next = core.StateUpForRetry
	}
	if err := SetState(ti, next); err != nil {
		return err
	}
	return q.UpdateTaskInstance(ctx, ti)
}

// IsEligibleToRetry reports whether another automatic try is allowed.
func IsEligibleToRetry(ti *exec.TaskInstance, task *core.Task) bool {
	return task.Retries > 0 && ti.TryNumber <= ti.MaxTries
}

// NextRetryDatetime is when an UP_FOR_RETRY instance may run again.
func NextRetryDatetime(ti *exec.TaskInstance, task *core.Task) time.Time {
	return ti.EndDate.Add(task.NextRetryDelay(ti.TryNumber))
}

// ReadyForRetry reports whether ti left its retry period at now.
func ReadyForRetry(ti *exec.TaskInstance, task *core.Task, now time.Time) bool {
	return ti.State == core.StateUpForRetry && !now.Before(NextRetryDatetime(ti, task))
}

func stamp(ti *exec.TaskInstance, now time.Time) {
	ti.EndDate = now.UTC()
	if ti.StartDate.IsZero() {
		ti.StartDate = ti.EndDate
	}
	ti.Duration = ti.EndDate.Sub(ti.StartDate)
}
