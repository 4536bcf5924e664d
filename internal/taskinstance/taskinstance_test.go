package taskinstance_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/taskinstance"
	"github.com/dagucloud/dagsched/internal/test"
)

func TestNew(t *testing.T) {
	t.Parallel()
	d := newDAG(t, "weights", 3, "a", "b", "c")

	ti := taskinstance.New(mustTask(t, d, "a"), day.In(time.FixedZone("X", 3600)))
	assert.Equal(t, "weights", ti.DAGID)
	assert.Equal(t, core.StateNone, ti.State)
	assert.Equal(t, 3, ti.MaxTries)
	assert.Equal(t, core.DefaultPool, ti.Pool)
	assert.Equal(t, 3, ti.PriorityWeight)
	assert.Equal(t, time.UTC, ti.ExecutionDate.Location())

	assert.Equal(t, 1, taskinstance.New(mustTask(t, d, "c"), day).PriorityWeight)
}

func TestStartFinish(t *testing.T) {
	t.Parallel()
	th := test.Setup(t)
	d := newDAG(t, "lifecycle", 0, "a")
	ti := insertTI(t, th, mustTask(t, d, "a"), core.StateQueued)

	job := &exec.Job{ID: "job-1", Hostname: "worker-1", PID: 42}
	require.NoError(t, taskinstance.Start(th.Context, th.Store, ti, job, now))

	got := reload(t, th, ti)
	assert.Equal(t, core.StateRunning, got.State)
	assert.Equal(t, 1, got.TryNumber)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "worker-1", got.Hostname)
	assert.True(t, got.StartDate.Equal(now))

	t.Run("NonTerminalState", func(t *testing.T) {
		err := taskinstance.Finish(th.Context, th.Store, got, core.StateQueued, now)
		assert.ErrorIs(t, err, exec.ErrInvalidTransition)
	})

	require.NoError(t, taskinstance.Finish(th.Context, th.Store, got, core.StateSuccess, now.Add(90*time.Second)))
	got = reload(t, th, ti)
	assert.Equal(t, core.StateSuccess, got.State)
	assert.Equal(t, 90*time.Second, got.Duration)

	t.Run("TerminalCannotRestart", func(t *testing.T) {
		err := taskinstance.Start(th.Context, th.Store, got, job, now)
		assert.ErrorIs(t, err, exec.ErrInvalidTransition)
	})
}

func TestHandleFailure(t *testing.T) {
	t.Parallel()
	th := test.Setup(t)
	d := newDAG(t, "retry", 1, "a")
	task := mustTask(t, d, "a")
	ti := insertTI(t, th, task, core.StateQueued)

	require.NoError(t, taskinstance.Start(th.Context, th.Store, ti, nil, now))
	assert.True(t, taskinstance.IsEligibleToRetry(ti, task))
	end := now.Add(time.Minute)
	require.NoError(t, taskinstance.HandleFailure(th.Context, th.Store, ti, task, "exit status 1", end))

	got := reload(t, th, ti)
	assert.Equal(t, core.StateUpForRetry, got.State)
	assert.Equal(t, end.Add(5*time.Minute), taskinstance.NextRetryDatetime(got, task))
	assert.False(t, taskinstance.ReadyForRetry(got, task, end.Add(4*time.Minute)))
	assert.True(t, taskinstance.ReadyForRetry(got, task, end.Add(5*time.Minute)))

	require.NoError(t, taskinstance.Start(th.Context, th.Store, got, nil, end.Add(5*time.Minute)))
	assert.Equal(t, 2, got.TryNumber)
	assert.False(t, taskinstance.IsEligibleToRetry(got, task))
	require.NoError(t, taskinstance.HandleFailure(th.Context, th.Store, got, task, "exit status 2", end.Add(6*time.Minute)))
	assert.Equal(t, core.StateFailed, reload(t, th, ti).State)

	fails, err := th.Store.ListTaskFails(th.Context, "retry", "a")
	require.NoError(t, err)
	require.Len(t, fails, 2)
	assert.Equal(t, "exit status 1", fails[0].Reason)
	assert.Equal(t, time.Minute, fails[0].Duration)
}

func TestEvaluateTriggerRule(t *testing.T) {
	t.Parallel()
	th := test.Setup(t)
	d, err := core.NewDAG("rules", core.WithStartDate(day))
	require.NoError(t, err)
	require.NoError(t, d.AddTasks(
		&core.Task{ID: "up1"},
		&core.Task{ID: "up2"},
		&core.Task{ID: "all", TriggerRule: core.TriggerAllSuccess},
		&core.Task{ID: "one", TriggerRule: core.TriggerOneFailed},
		&core.Task{ID: "root"},
	))
	for _, down := range []string{"all", "one"} {
		require.NoError(t, d.SetDependency("up1", down))
		require.NoError(t, d.SetDependency("up2", down))
	}

	insertTI(t, th, mustTask(t, d, "up1"), core.StateSuccess)
	up2 := insertTI(t, th, mustTask(t, d, "up2"), core.StateRunning)
	all := taskinstance.New(mustTask(t, d, "all"), day)
	one := taskinstance.New(mustTask(t, d, "one"), day)

	decision, err := taskinstance.EvaluateTriggerRule(th.Context, th.Store, all, mustTask(t, d, "all"))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionWait, decision)

	up2.State = core.StateFailed
	require.NoError(t, th.Store.UpdateTaskInstance(th.Context, up2))

	decision, err = taskinstance.EvaluateTriggerRule(th.Context, th.Store, all, mustTask(t, d, "all"))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionUpstreamFailed, decision)

	decision, err = taskinstance.EvaluateTriggerRule(th.Context, th.Store, one, mustTask(t, d, "one"))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionRun, decision)

	decision, err = taskinstance.EvaluateTriggerRule(th.Context, th.Store, taskinstance.New(mustTask(t, d, "root"), day), mustTask(t, d, "root"))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionRun, decision)
}
