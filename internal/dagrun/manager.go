// Package dagrun creates DAG runs, keeps their task instances in line
// with the DAG definition, and decides when a run is finished.
package dagrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/dagstat"
	"github.com/dagucloud/dagsched/internal/metrics"
	"github.com/dagucloud/dagsched/internal/taskinstance"
)

// Manager owns DagRun records in the store.
type Manager struct {
	store exec.Store
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a new Manager instance.
func New(store exec.Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOptions describes a run to create.
type CreateOptions struct {
	RunID           string
	ExecutionDate   time.Time
	StartDate       time.Time
	State           core.State
	ExternalTrigger bool
	Conf            map[string]any
}

// CreateDagRun inserts the run and marks the DAG's stats dirty in one
// transaction, then creates its task instances. It returns an error
// wrapping exec.ErrDagRunExists when a run for the same logical date (or
// run id) already exists.
func (m *Manager) CreateDagRun(ctx context.Context, dag *core.DAG, opts CreateOptions) (*exec.DagRun, error) {
	run := &exec.DagRun{
		DAGID:           dag.ID,
		ExecutionDate:   opts.ExecutionDate.UTC(),
		StartDate:       opts.StartDate,
		State:           opts.State,
		RunID:           opts.RunID,
		ExternalTrigger: opts.ExternalTrigger,
		Conf:            opts.Conf,
	}
	if run.State == "" {
		run.State = core.StateRunning
	}
	if run.StartDate.IsZero() {
		run.StartDate = m.now().UTC()
	}
	if run.RunID == "" {
		if run.ExternalTrigger {
			run.RunID = ManualRunID(run.ExecutionDate)
		} else {
			run.RunID = ScheduledRunID(run.ExecutionDate)
		}
	}

	err := m.store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
		if err := q.InsertDagRun(ctx, run); err != nil {
			return err
		}
		return dagstat.SetDirty(ctx, q, dag.ID)
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.VerifyIntegrity(ctx, dag, run); err != nil {
		return nil, err
	}
	logger.Info(ctx, "DAG run created",
		tag.DAG(dag.ID), tag.RunID(run.RunID), tag.ExecutionDate(run.ExecutionDate))
	return run, nil
}

// VerifyIntegrity creates the missing task instances of run: one per
// active task whose window contains the run's logical date. Existing
// instances are left untouched. It returns the number created.
func (m *Manager) VerifyIntegrity(ctx context.Context, dag *core.DAG, run *exec.DagRun) (int, error) {
	var created int
	err := m.store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
		for _, task := range dag.ActiveTasks() {
			if !inWindow(task, run.ExecutionDate) {
				continue
			}
			ok, err := q.InsertTaskInstance(ctx, taskinstance.New(task, run.ExecutionDate))
			if err != nil {
				return err
			}
			if ok {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("verify integrity of %s: %w", run, err)
	}
	return created, nil
}

func inWindow(task *core.Task, t time.Time) bool {
	if !task.StartDate.IsZero() && t.Before(task.StartDate) {
		return false
	}
	if !task.EndDate.IsZero() && t.After(task.EndDate) {
		return false
	}
	return true
}

// GetTaskInstances returns the run's instances, optionally filtered by state.
func (m *Manager) GetTaskInstances(ctx context.Context, run *exec.DagRun, states ...core.State) ([]exec.TaskInstance, error) {
	return m.store.FindTaskInstances(ctx, exec.TaskInstanceFilter{
		DAGID:         run.DAGID,
		ExecutionDate: run.ExecutionDate,
		States:        states,
	})
}

// UpdateState applies the completion policy to run and persists a
// changed state. The run fails when an instance failed, was marked
// upstream_failed, or sits in SHUTDOWN without a live job; it succeeds
// when every instance succeeded or was skipped; otherwise it keeps
// running. A run without instances keeps its state. After the change is
// committed the DAG's stats are marked dirty and the DAG callback runs.
func (m *Manager) UpdateState(ctx context.Context, dag *core.DAG, run *exec.DagRun) (core.State, error) {
	tis, err := m.GetTaskInstances(ctx, run)
	if err != nil {
		return run.State, err
	}
	if len(tis) == 0 {
		return run.State, nil
	}

	next, reason, err := m.evaluate(ctx, tis)
	if err != nil {
		return run.State, err
	}
	if next == run.State {
		return next, nil
	}

	now := m.now().UTC()
	prev, prevEnd := run.State, run.EndDate
	run.State = next
	if next.Finished() {
		run.EndDate = now
	}
	var updated bool
	err = m.store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
		var err error
		if updated, err = q.UpdateDagRun(ctx, run, prev); err != nil || !updated {
			return err
		}
		return dagstat.SetDirty(ctx, q, run.DAGID)
	})
	if err != nil {
		run.State, run.EndDate = prev, prevEnd
		return run.State, err
	}
	if !updated {
		// Another scheduler committed a transition first; it owns the callback.
		logger.Debug(ctx, "DAG run state changed concurrently",
			tag.DAG(run.DAGID), tag.RunID(run.RunID), tag.State(next.String()))
		return m.reload(ctx, run, prev, prevEnd)
	}
	metrics.DagRunStateChanges.WithLabelValues(next.String()).Inc()
	logger.Info(ctx, "DAG run state changed",
		tag.DAG(run.DAGID), tag.RunID(run.RunID), tag.State(next.String()), tag.Reason(reason))

	switch next {
	case core.StateSuccess:
		m.handleCallback(ctx, dag, run, tis, dag.OnSuccess, reason)
	case core.StateFailed:
		m.handleCallback(ctx, dag, run, tis, dag.OnFailure, reason)
	}
	return next, nil
}

func (m *Manager) reload(ctx context.Context, run *exec.DagRun, prev core.State, prevEnd time.Time) (core.State, error) {
	cur, err := m.store.GetDagRun(ctx, run.DAGID, run.ExecutionDate)
	if err != nil {
		run.State, run.EndDate = prev, prevEnd
		return run.State, err
	}
	*run = *cur
	return run.State, nil
}

func (m *Manager) evaluate(ctx context.Context, tis []exec.TaskInstance) (core.State, string, error) {
	allSuccessful := true
	for _, ti := range tis {
		switch ti.State {
		case core.StateFailed, core.StateUpstreamFailed:
			return core.StateFailed, "task_failure", nil
		case core.StateShutdown:
			alive, err := m.jobAlive(ctx, ti.JobID)
			if err != nil {
				return "", "", err
			}
			if !alive {
				return core.StateFailed, "task_shutdown", nil
			}
		}
		if !ti.State.Successful() {
			allSuccessful = false
		}
	}
	if allSuccessful {
		return core.StateSuccess, "success", nil
	}
	return core.StateRunning, "", nil
}

func (m *Manager) jobAlive(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	job, err := m.store.GetJob(ctx, jobID)
	if errors.Is(err, exec.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return job.State == core.StateRunning, nil
}

// handleCallback invokes cb with the context of the run's last instance.
// Callback errors and panics are logged and swallowed.
func (m *Manager) handleCallback(ctx context.Context, dag *core.DAG, run *exec.DagRun, tis []exec.TaskInstance, cb core.Callback, reason string) {
	if cb == nil {
		return
	}
	var (
		task *core.Task
		ti   exec.TaskInstance
	)
	for i := len(tis) - 1; i >= 0; i-- {
		if t, err := dag.Task(tis[i].TaskID); err == nil {
			task, ti = t, tis[i]
			break
		}
	}
	tc := core.NewTemplateContext(core.TemplateInput{
		DAG:           dag,
		Task:          task,
		ExecutionDate: run.ExecutionDate,
		RunID:         run.RunID,
		TryNumber:     ti.TryNumber,
		Conf:          run.Conf,
	})
	tc["reason"] = reason

	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "DAG callback panicked",
				tag.DAG(dag.ID), tag.RunID(run.RunID), tag.Error(fmt.Errorf("panic: %v", r)))
		}
	}()
	if err := cb(ctx, tc); err != nil {
		logger.Error(ctx, "DAG callback failed", tag.DAG(dag.ID), tag.RunID(run.RunID), tag.Error(err))
	}
}
