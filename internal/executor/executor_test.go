package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

var day = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// newDAG builds a DAG whose tasks run the given functions.
func newDAG(t *testing.T, runners map[string]core.RunnerFunc) *core.DAG {
	t.Helper()
	dag, err := core.NewDAG("exec_test", core.WithStartDate(day))
	require.NoError(t, err)
	for id, fn := range runners {
		task := &core.Task{ID: id}
		if fn != nil {
			task.Runner = fn
		}
		require.NoError(t, dag.AddTask(task))
	}
	return dag
}

func workItem(t *testing.T, dag *core.DAG, taskID string) exec.WorkItem {
	t.Helper()
	task, err := dag.Task(taskID)
	require.NoError(t, err)
	return exec.WorkItem{
		Key:       exec.TIKey{DAGID: dag.ID, TaskID: taskID, ExecutionDate: day},
		RunID:     "scheduled__2026-01-01T00:00:00Z",
		TryNumber: 1,
		Pool:      core.DefaultPool,
		Task:      task,
	}
}

// waitEvent returns the next event of type typ for taskID.
func waitEvent(t *testing.T, events <-chan exec.Event, taskID string, typ exec.EventType) exec.Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Key.TaskID == taskID && ev.Type == typ {
				return ev
			}
		case <-timeout:
			require.FailNowf(t, "timed out", "no %s event for %s", typ, taskID)
		}
	}
}

// blockUntilDone blocks until ctx ends and reports why.
func blockUntilDone(started chan<- struct{}) core.RunnerFunc {
	return func(ctx context.Context, _ core.TemplateContext) error {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}
