package taskinstance_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/taskinstance"
	"github.com/dagucloud/dagsched/internal/test"
)

var (
	day = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now = day.Add(2 * time.Hour)
)

// newDAG builds a linear DAG over ids, every task with the given retries.
func newDAG(t *testing.T, id string, retries int, ids ...string) *core.DAG {
	t.Helper()
	d, err := core.NewDAG(id, core.WithStartDate(day))
	require.NoError(t, err)
	for _, tid := range ids {
		require.NoError(t, d.AddTask(&core.Task{ID: tid, Retries: retries, RetryDelay: 5 * time.Minute}))
	}
	for i := 1; i < len(ids); i++ {
		require.NoError(t, d.SetDependency(ids[i-1], ids[i]))
	}
	return d
}

func mustTask(t *testing.T, d *core.DAG, id string) *core.Task {
	t.Helper()
	task, err := d.Task(id)
	require.NoError(t, err)
	return task
}

// insertTI stores a fresh instance of task in state.
func insertTI(t *testing.T, th test.Helper, task *core.Task, state core.State, mutate ...func(*exec.TaskInstance)) *exec.TaskInstance {
	t.Helper()
	ti := taskinstance.New(task, day)
	ti.State = state
	for _, m := range mutate {
		m(ti)
	}
	created, err := th.Store.InsertTaskInstance(th.Context, ti)
	require.NoError(t, err)
	require.True(t, created)
	return ti
}

func reload(t *testing.T, th test.Helper, ti *exec.TaskInstance) *exec.TaskInstance {
	t.Helper()
	got, err := th.Store.GetTaskInstance(th.Context, ti.Key())
	require.NoError(t, err)
	return got
}
