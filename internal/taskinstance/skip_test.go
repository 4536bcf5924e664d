package taskinstance_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/taskinstance"
	"github.com/dagucloud/dagsched/internal/test"
)

func TestSkip(t *testing.T) {
	t.Parallel()

	t.Run("WithDagRun", func(t *testing.T) {
		t.Parallel()
		th := test.Setup(t)
		d := newDAG(t, "skip_run", 0, "a", "b", "c")
		for _, id := range []string{"a", "b", "c"} {
			insertTI(t, th, mustTask(t, d, id), core.StateNone)
		}
		run := &exec.DagRun{DAGID: "skip_run", ExecutionDate: day, State: core.StateRunning, RunID: "r"}
		require.NoError(t, th.Store.InsertDagRun(th.Context, run))

		err := taskinstance.Skip(th.Context, th.Store, run, day, []*core.Task{mustTask(t, d, "b"), mustTask(t, d, "c")}, now)
		require.NoError(t, err)

		counts, err := th.Store.CountTaskInstancesByState(th.Context, exec.TaskInstanceFilter{DAGID: "skip_run"})
		require.NoError(t, err)
		assert.Equal(t, map[core.State]int{core.StateNone: 1, core.StateSkipped: 2}, counts)
	})

	t.Run("WithoutDagRun", func(t *testing.T) {
		t.Parallel()
		th := test.Setup(t, test.WithCaptureLoggingOutput())
		d := newDAG(t, "skip_norun", 0, "a")

		require.NoError(t, taskinstance.Skip(th.Context, th.Store, nil, day, []*core.Task{mustTask(t, d, "a")}, now))

		ti, err := th.Store.GetTaskInstance(th.Context, exec.TIKey{DAGID: "skip_norun", TaskID: "a", ExecutionDate: day})
		require.NoError(t, err)
		assert.Equal(t, core.StateSkipped, ti.State)
		assert.True(t, ti.EndDate.Equal(now))
		assert.Contains(t, th.LoggingOutput.String(), "No DAG run found")
	})

	t.Run("NoTasks", func(t *testing.T) {
		t.Parallel()
		th := test.Setup(t)
		assert.NoError(t, taskinstance.Skip(th.Context, th.Store, nil, day, nil, now))
	})
}
