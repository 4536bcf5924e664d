package dagrun

import (
	"context"
	"errors"
	"time"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

// Find returns the runs matching f.
func (m *Manager) Find(ctx context.Context, f exec.DagRunFilter) ([]exec.DagRun, error) {
	return m.store.FindDagRuns(ctx, f)
}

// GetDagRun returns the run of dagID at executionDate, nil when none exists.
func (m *Manager) GetDagRun(ctx context.Context, dagID string, executionDate time.Time) (*exec.DagRun, error) {
	run, err := m.store.GetDagRun(ctx, dagID, executionDate)
	if errors.Is(err, exec.ErrNotFound) {
		return nil, nil
	}
	return run, err
}

// LastDagRun returns the run with the latest logical date. Externally
// triggered runs are ignored unless includeExternal is set.
func (m *Manager) LastDagRun(ctx context.Context, dagID string, includeExternal bool) (*exec.DagRun, error) {
	f := exec.DagRunFilter{DAGID: dagID, Desc: true, Limit: 1}
	if !includeExternal {
		scheduled := false
		f.ExternalTrigger = &scheduled
	}
	runs, err := m.store.FindDagRuns(ctx, f)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// ActiveRuns returns the RUNNING runs of dagID, oldest first.
func (m *Manager) ActiveRuns(ctx context.Context, dagID string) ([]exec.DagRun, error) {
	return m.store.FindDagRuns(ctx, exec.DagRunFilter{DAGID: dagID, States: []core.State{core.StateRunning}})
}

// NumActiveRuns counts RUNNING runs, optionally restricted by trigger kind.
func (m *Manager) NumActiveRuns(ctx context.Context, dagID string, externalTrigger *bool) (int, error) {
	runs, err := m.store.FindDagRuns(ctx, exec.DagRunFilter{
		DAGID:           dagID,
		States:          []core.State{core.StateRunning},
		ExternalTrigger: externalTrigger,
	})
	if err != nil {
		return 0, err
	}
	return len(runs), nil
}

// LatestExecutionDate is the logical date of the newest run, zero when
// the DAG never ran.
func (m *Manager) LatestExecutionDate(ctx context.Context, dagID string) (time.Time, error) {
	run, err := m.LastDagRun(ctx, dagID, true)
	if err != nil || run == nil {
		return time.Time{}, err
	}
	return run.ExecutionDate, nil
}
