package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dagucloud/dagsched/internal/cmn/config"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/dagbag"
	"github.com/dagucloud/dagsched/internal/executor"
	"github.com/dagucloud/dagsched/internal/pool"
	"github.com/dagucloud/dagsched/internal/service/scheduler"
	"github.com/dagucloud/dagsched/internal/test"
	"github.com/dagucloud/dagsched/internal/xcom"
)

var (
	jan1 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	jan2 = jan1.AddDate(0, 0, 1)
	// Two daily periods have ended, the third is in progress.
	jan3Noon = time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC)
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	th       test.Helper
	bag      *dagbag.DagBag
	executor *exec.MockExecutor
	sched    *scheduler.Scheduler
	clock    *fakeClock

	mu        sync.Mutex
	submitted []exec.WorkItem
}

func setup(t *testing.T, files map[string]string, now time.Time, mutators ...func(*config.Config)) *fixture {
	t.Helper()

	opts := []test.HelperOption{test.WithConfigMutator(func(cfg *config.Config) {
		cfg.Core.DAGsArePausedAtCreate = false
	})}
	for _, m := range mutators {
		opts = append(opts, test.WithConfigMutator(m))
	}
	th := test.Setup(t, opts...)
	for name, content := range files {
		th.CreateDAGFile(t, name, content)
	}

	bag := dagbag.New(th.Config.Paths.DAGsDir, dagbag.WithConfig(th.Config), dagbag.WithStore(th.Store))
	require.NoError(t, bag.CollectDAGs(th.Context, "", false))
	require.Empty(t, bag.ImportErrors())
	require.NoError(t, bag.SyncToStore(th.Context))

	f := &fixture{th: th, bag: bag, executor: &exec.MockExecutor{}, clock: &fakeClock{now: now}}
	f.executor.On("Submit", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.submitted = append(f.submitted, args.Get(1).(exec.WorkItem))
	}).Return(nil).Maybe()
	f.executor.On("Cancel", mock.Anything, mock.Anything).Return(nil).Maybe()

	f.sched = scheduler.New(th.Config, bag, th.Store, f.executor, scheduler.WithClock(f.clock.Now))
	return f
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sched.Tick(f.th.Context))
}

// drain returns and forgets the items submitted so far.
func (f *fixture) drain() []exec.WorkItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.submitted
	f.submitted = nil
	return items
}

func (f *fixture) runs(t *testing.T, dagID string) []exec.DagRun {
	t.Helper()
	runs, err := f.th.Store.FindDagRuns(f.th.Context, exec.DagRunFilter{DAGID: dagID})
	require.NoError(t, err)
	return runs
}

func (f *fixture) ti(t *testing.T, dagID, taskID string, date time.Time) *exec.TaskInstance {
	t.Helper()
	ti, err := f.th.Store.GetTaskInstance(f.th.Context, exec.TIKey{DAGID: dagID, TaskID: taskID, ExecutionDate: date})
	require.NoError(t, err)
	return ti
}

// complete reports item as started and then finished in state.
func (f *fixture) complete(t *testing.T, item exec.WorkItem, state core.State) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.sched.HandleEvent(f.th.Context, exec.Event{
		Type: exec.EventRunning, Key: item.Key, TryNumber: item.TryNumber, Hostname: "worker-1", PID: 4242, At: now,
	}))
	ev := exec.Event{Type: exec.EventFinished, Key: item.Key, TryNumber: item.TryNumber, State: state, At: now}
	if state != core.StateSuccess {
		ev.Error = "exit status 1"
	}
	require.NoError(t, f.sched.HandleEvent(f.th.Context, ev))
}

func executionDates(runs []exec.DagRun) []time.Time {
	dates := make([]time.Time, len(runs))
	for i, r := range runs {
		dates[i] = r.ExecutionDate.UTC()
	}
	return dates
}

func TestTick_CreatesDueRuns(t *testing.T) {
	t.Parallel()

	t.Run("Catchup", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"daily.yaml": `
dag_id: daily
schedule: "@daily"
start_date: 2026-01-01
tasks:
  - task_id: a
`}, jan3Noon)

		f.tick(t)
		runs := f.runs(t, "daily")
		assert.ElementsMatch(t, []time.Time{jan1, jan2}, executionDates(runs))
		for _, r := range runs {
			assert.Equal(t, core.StateRunning, r.State)
			assert.False(t, r.ExternalTrigger)
			assert.Contains(t, r.RunID, "scheduled__")
		}

		f.tick(t)
		assert.Len(t, f.runs(t, "daily"), 2)

		f.clock.Advance(24 * time.Hour)
		f.tick(t)
		assert.Len(t, f.runs(t, "daily"), 3)
	})

	t.Run("NoCatchup", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"latest.yaml": `
dag_id: latest
schedule: "@daily"
start_date: 2026-01-01
catchup: false
tasks:
  - task_id: a
`}, jan3Noon)

		f.tick(t)
		assert.Equal(t, []time.Time{jan2}, executionDates(f.runs(t, "latest")))
	})

	t.Run("MaxActiveRuns", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"single.yaml": `
dag_id: single
schedule: "@daily"
start_date: 2026-01-01
max_active_runs: 1
tasks:
  - task_id: a
`}, jan3Noon)

		f.tick(t)
		f.tick(t)
		assert.Equal(t, []time.Time{jan1}, executionDates(f.runs(t, "single")))
	})

	t.Run("Once", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"once.yaml": `
dag_id: once
schedule: "@once"
start_date: 2026-01-01
tasks:
  - task_id: a
`}, jan3Noon)

		f.tick(t)
		f.clock.Advance(48 * time.Hour)
		f.tick(t)
		assert.Equal(t, []time.Time{jan1}, executionDates(f.runs(t, "once")))
	})

	t.Run("Paused", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"paused.yaml": `
dag_id: paused
schedule: "@daily"
start_date: 2026-01-01
tasks:
  - task_id: a
`}, jan3Noon)
		require.NoError(t, f.th.Store.SetDagPaused(f.th.Context, "paused", true))

		f.tick(t)
		assert.Empty(t, f.runs(t, "paused"))
		assert.Empty(t, f.drain())
	})

	t.Run("Unscheduled", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"manual.yaml": `
dag_id: manual
schedule: none
start_date: 2026-01-01
tasks:
  - task_id: a
`}, jan3Noon)

		f.tick(t)
		assert.Empty(t, f.runs(t, "manual"))
	})
}

const chainYAML = `
dag_id: chain
schedule: "@daily"
start_date: 2026-01-01
catchup: false
tasks:
  - task_id: extract
  - task_id: load
    depends_on: [extract]
  - task_id: notify
    depends_on: [load]
    trigger_rule: all_done
`

func TestTick_RunLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"chain.yaml": chainYAML}, jan3Noon)

		f.tick(t)
		items := f.drain()
		require.Len(t, items, 1)
		assert.Equal(t, "extract", items[0].Key.TaskID)
		assert.Equal(t, 1, items[0].TryNumber)
		assert.Equal(t, "scheduled__2026-01-02T00:00:00Z", items[0].RunID)
		assert.NotNil(t, items[0].Task)
		assert.Equal(t, core.StateQueued, f.ti(t, "chain", "extract", jan2).State)
		assert.Equal(t, core.StateNone, f.ti(t, "chain", "load", jan2).State)

		f.complete(t, items[0], core.StateSuccess)
		extract := f.ti(t, "chain", "extract", jan2)
		assert.Equal(t, core.StateSuccess, extract.State)
		assert.Equal(t, 1, extract.TryNumber)
		assert.Equal(t, "worker-1", extract.Hostname)

		job, err := f.th.Store.GetJob(f.th.Context, extract.JobID)
		require.NoError(t, err)
		assert.Equal(t, exec.JobTypeLocalTask, job.JobType)
		assert.Equal(t, core.StateSuccess, job.State)

		for _, task := range []string{"load", "notify"} {
			f.tick(t)
			items = f.drain()
			require.Len(t, items, 1)
			assert.Equal(t, task, items[0].Key.TaskID)
			f.complete(t, items[0], core.StateSuccess)
		}

		f.tick(t)
		runs := f.runs(t, "chain")
		require.Len(t, runs, 1)
		assert.Equal(t, core.StateSuccess, runs[0].State)
	})

	t.Run("UpstreamFailed", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"chain.yaml": chainYAML}, jan3Noon)

		f.tick(t)
		items := f.drain()
		require.Len(t, items, 1)
		f.complete(t, items[0], core.StateFailed)
		assert.Equal(t, core.StateFailed, f.ti(t, "chain", "extract", jan2).State)

		fails, err := f.th.Store.ListTaskFails(f.th.Context, "chain", "extract")
		require.NoError(t, err)
		require.Len(t, fails, 1)
		assert.Equal(t, "exit status 1", fails[0].Reason)

		f.tick(t)
		assert.Equal(t, core.StateUpstreamFailed, f.ti(t, "chain", "load", jan2).State)
		// all_done only waits for the upstream to be done.
		items = f.drain()
		require.Len(t, items, 1)
		assert.Equal(t, "notify", items[0].Key.TaskID)

		f.complete(t, items[0], core.StateSuccess)
		f.tick(t)
		runs := f.runs(t, "chain")
		require.Len(t, runs, 1)
		assert.Equal(t, core.StateFailed, runs[0].State)
	})

	t.Run("Retry", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"flaky.yaml": `
dag_id: flaky
schedule: "@daily"
start_date: 2026-01-01
catchup: false
tasks:
  - task_id: a
    retries: 1
    retry_delay: 10m
`}, jan3Noon)

		f.tick(t)
		items := f.drain()
		require.Len(t, items, 1)
		f.complete(t, items[0], core.StateFailed)
		assert.Equal(t, core.StateUpForRetry, f.ti(t, "flaky", "a", jan2).State)

		f.tick(t)
		assert.Empty(t, f.drain(), "retry delay has not elapsed")

		f.clock.Advance(11 * time.Minute)
		f.tick(t)
		items = f.drain()
		require.Len(t, items, 1)
		assert.Equal(t, 2, items[0].TryNumber)

		f.complete(t, items[0], core.StateFailed)
		ti := f.ti(t, "flaky", "a", jan2)
		assert.Equal(t, core.StateFailed, ti.State)
		assert.Equal(t, 2, ti.TryNumber)
	})

	t.Run("RemovedTaskIsSkipped", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"chain.yaml": chainYAML}, jan3Noon)
		f.tick(t)
		f.drain()

		path := f.th.CreateDAGFile(t, "chain.yaml", `
dag_id: chain
schedule: "@daily"
start_date: 2026-01-01
catchup: false
tasks:
  - task_id: extract
`)
		_, err := f.bag.ProcessFile(f.th.Context, path, false)
		require.NoError(t, err)

		f.tick(t)
		assert.Equal(t, core.StateSkipped, f.ti(t, "chain", "load", jan2).State)
		assert.Equal(t, core.StateSkipped, f.ti(t, "chain", "notify", jan2).State)
		assert.Equal(t, core.StateQueued, f.ti(t, "chain", "extract", jan2).State)
	})
}

func TestTick_Admission(t *testing.T) {
	t.Parallel()

	single := func(id string, extra string) string {
		return "dag_id: " + id + "\nschedule: \"@daily\"\nstart_date: 2026-01-01\ncatchup: false\ntasks:\n  - task_id: a\n" + extra
	}

	t.Run("PriorityUnderParallelism", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{
			"low.yaml":  single("low", "    priority_weight: 1\n"),
			"high.yaml": single("high", "    priority_weight: 5\n"),
		}, jan3Noon, func(cfg *config.Config) { cfg.Core.Parallelism = 1 })

		f.tick(t)
		items := f.drain()
		require.Len(t, items, 1)
		assert.Equal(t, "high", items[0].Key.DAGID)
		assert.Equal(t, 5, items[0].PriorityWeight)
		assert.Equal(t, core.StateScheduled, f.ti(t, "low", "a", jan2).State)

		f.tick(t)
		assert.Empty(t, f.drain())

		f.complete(t, items[0], core.StateSuccess)
		f.tick(t)
		items = f.drain()
		require.Len(t, items, 1)
		assert.Equal(t, "low", items[0].Key.DAGID)
	})

	t.Run("OldestRunFirst", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"daily.yaml": `
dag_id: daily
schedule: "@daily"
start_date: 2026-01-01
concurrency: 1
tasks:
  - task_id: a
`}, jan3Noon)

		f.tick(t)
		items := f.drain()
		require.Len(t, items, 1)
		assert.Equal(t, jan1, items[0].Key.ExecutionDate.UTC())
		assert.Equal(t, core.StateScheduled, f.ti(t, "daily", "a", jan2).State)
	})

	t.Run("Pool", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{
			"one.yaml": single("one", "    pool: narrow\n"),
			"two.yaml": single("two", "    pool: narrow\n"),
		}, jan3Noon)
		_, err := pool.Set(f.th.Context, f.th.Store, "narrow", 1, "")
		require.NoError(t, err)

		f.tick(t)
		items := f.drain()
		require.Len(t, items, 1)
		assert.Equal(t, "narrow", items[0].Pool)

		usage, err := pool.Get(f.th.Context, f.th.Store, "narrow")
		require.NoError(t, err)
		assert.Equal(t, 1, usage.Queued)
		assert.Zero(t, usage.OpenSlots())
	})

	t.Run("UnknownPool", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"ghost.yaml": single("ghost", "    pool: ghost_pool\n")}, jan3Noon)

		f.tick(t)
		assert.Empty(t, f.drain())
		assert.Equal(t, core.StateScheduled, f.ti(t, "ghost", "a", jan2).State)
	})

	t.Run("SubmitFailureReverts", func(t *testing.T) {
		t.Parallel()
		th := test.Setup(t, test.WithConfigMutator(func(cfg *config.Config) {
			cfg.Core.DAGsArePausedAtCreate = false
		}))
		th.CreateDAGFile(t, "a.yaml", single("rejected", ""))
		bag := dagbag.New(th.Config.Paths.DAGsDir, dagbag.WithConfig(th.Config), dagbag.WithStore(th.Store))
		require.NoError(t, bag.CollectDAGs(th.Context, "", false))
		require.NoError(t, bag.SyncToStore(th.Context))

		ex := &exec.MockExecutor{}
		ex.On("Submit", mock.Anything, mock.Anything).Return(exec.ErrExecutorClosed)
		clock := &fakeClock{now: jan3Noon}
		sched := scheduler.New(th.Config, bag, th.Store, ex, scheduler.WithClock(clock.Now))

		err := sched.Tick(th.Context)
		require.Error(t, err)
		assert.ErrorIs(t, err, exec.ErrExecutorClosed)

		ti, err := th.Store.GetTaskInstance(th.Context, exec.TIKey{DAGID: "rejected", TaskID: "a", ExecutionDate: jan2})
		require.NoError(t, err)
		assert.Equal(t, core.StateScheduled, ti.State)
		assert.Zero(t, ti.TryNumber)
	})
}

func TestHandleEvent(t *testing.T) {
	t.Parallel()

	const yaml = `
dag_id: events
schedule: "@daily"
start_date: 2026-01-01
catchup: false
tasks:
  - task_id: a
`

	t.Run("HeartbeatRefreshesJob", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"events.yaml": yaml}, jan3Noon)
		f.tick(t)
		item := f.drain()[0]

		require.NoError(t, f.sched.HandleEvent(f.th.Context, exec.Event{
			Type: exec.EventRunning, Key: item.Key, TryNumber: 1, Hostname: "worker-1",
		}))
		ti := f.ti(t, "events", "a", jan2)
		require.Equal(t, core.StateRunning, ti.State)

		f.clock.Advance(time.Minute)
		require.NoError(t, f.sched.HandleEvent(f.th.Context, exec.Event{
			Type: exec.EventHeartbeat, Key: item.Key, TryNumber: 1,
		}))
		job, err := f.th.Store.GetJob(f.th.Context, ti.JobID)
		require.NoError(t, err)
		assert.True(t, job.LatestHeartbeat.Equal(jan3Noon.Add(time.Minute)))
		f.executor.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
	})

	t.Run("StaleTryIsCancelled", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"events.yaml": yaml}, jan3Noon)
		f.tick(t)
		item := f.drain()[0]

		require.NoError(t, f.sched.HandleEvent(f.th.Context, exec.Event{
			Type: exec.EventRunning, Key: item.Key, TryNumber: 3,
		}))
		f.executor.AssertCalled(t, "Cancel", mock.Anything, item.Key)
		assert.Equal(t, core.StateQueued, f.ti(t, "events", "a", jan2).State)
	})

	t.Run("MissedRunningEvent", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"events.yaml": yaml}, jan3Noon)
		f.tick(t)
		item := f.drain()[0]

		require.NoError(t, f.sched.HandleEvent(f.th.Context, exec.Event{
			Type: exec.EventFinished, Key: item.Key, TryNumber: 1, State: core.StateSuccess,
		}))
		ti := f.ti(t, "events", "a", jan2)
		assert.Equal(t, core.StateSuccess, ti.State)
		assert.Equal(t, 1, ti.TryNumber)
	})

	t.Run("StaleResultIsDropped", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"events.yaml": yaml}, jan3Noon)
		f.tick(t)
		item := f.drain()[0]
		f.complete(t, item, core.StateSuccess)

		require.NoError(t, f.sched.HandleEvent(f.th.Context, exec.Event{
			Type: exec.EventFinished, Key: item.Key, TryNumber: 1, State: core.StateFailed,
		}))
		assert.Equal(t, core.StateSuccess, f.ti(t, "events", "a", jan2).State)
	})

	t.Run("RunningClearsPreviousXComs", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"events.yaml": yaml}, jan3Noon)
		f.tick(t)
		item := f.drain()[0]
		require.NoError(t, xcom.Set(f.th.Context, f.th.Store, xcom.DefaultKey, "stale", jan2, "a", "events"))

		require.NoError(t, f.sched.HandleEvent(f.th.Context, exec.Event{
			Type: exec.EventRunning, Key: item.Key, TryNumber: 1, Hostname: "worker-1",
		}))
		values, err := xcom.GetMany(f.th.Context, f.th.Store, xcom.Query{ExecutionDate: jan2, DAGIDs: []string{"events"}})
		require.NoError(t, err)
		assert.Empty(t, values)
	})

	t.Run("UnknownInstance", func(t *testing.T) {
		t.Parallel()
		f := setup(t, map[string]string{"events.yaml": yaml}, jan3Noon)
		key := exec.TIKey{DAGID: "events", TaskID: "ghost", ExecutionDate: jan2}

		require.NoError(t, f.sched.HandleEvent(f.th.Context, exec.Event{Type: exec.EventHeartbeat, Key: key, TryNumber: 1}))
		f.executor.AssertCalled(t, "Cancel", mock.Anything, key)
	})
}

func TestTick_SubDAG(t *testing.T) {
	t.Parallel()

	f := setup(t, map[string]string{"parent.yaml": `
dag_id: parent
schedule: "@daily"
start_date: 2026-01-01
catchup: false
tasks:
  - task_id: section
    subdag:
      tasks:
        - task_id: inner
`}, jan3Noon)

	f.tick(t)
	assert.Empty(t, f.drain(), "the container runs in the scheduler")
	section := f.ti(t, "parent", "section", jan2)
	assert.Equal(t, core.StateRunning, section.State)
	assert.Equal(t, 1, section.TryNumber)

	subRuns := f.runs(t, "parent.section")
	require.Len(t, subRuns, 1)
	assert.True(t, subRuns[0].ExternalTrigger)
	assert.Equal(t, "scheduled__2026-01-02T00:00:00Z", subRuns[0].RunID)

	f.tick(t)
	items := f.drain()
	require.Len(t, items, 1)
	assert.Equal(t, "parent.section", items[0].Key.DAGID)
	assert.Equal(t, "inner", items[0].Key.TaskID)
	f.complete(t, items[0], core.StateSuccess)

	for range 3 {
		f.tick(t)
	}
	assert.Equal(t, core.StateSuccess, f.ti(t, "parent", "section", jan2).State)
	runs := f.runs(t, "parent")
	require.Len(t, runs, 1)
	assert.Equal(t, core.StateSuccess, runs[0].State)
}

func TestScheduler_StartChecksSLAs(t *testing.T) {
	t.Parallel()
	f := setup(t, map[string]string{"late.yaml": `
dag_id: late
schedule: "@daily"
start_date: 2026-01-01
catchup: false
tasks:
  - task_id: load
    sla: 1h
`}, jan1.AddDate(0, 0, 4))
	created, err := f.th.Store.InsertTaskInstance(f.th.Context, &exec.TaskInstance{
		DAGID: "late", TaskID: "load", ExecutionDate: jan1, State: core.StateSuccess, MaxTries: 1, Pool: core.DefaultPool,
	})
	require.NoError(t, err)
	require.True(t, created)
	f.executor.On("Start", mock.Anything).Return(nil)
	f.executor.On("Events").Return(nil)

	ctx, cancel := context.WithCancel(f.th.Context)
	done := make(chan error, 1)
	go func() { done <- f.sched.Start(ctx) }()

	var misses []exec.SlaMiss
	require.Eventually(t, func() bool {
		misses, err = f.th.Store.FindSlaMisses(f.th.Context, "late", false)
		return err == nil && len(misses) == 2
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.True(t, misses[0].ExecutionDate.Equal(jan2))
	assert.True(t, misses[1].ExecutionDate.Equal(jan2.AddDate(0, 0, 1)))
}

func TestScheduler_StartEndToEnd(t *testing.T) {
	t.Parallel()

	th := test.Setup(t, test.WithConfigMutator(func(cfg *config.Config) {
		cfg.Core.DAGsArePausedAtCreate = false
		cfg.Scheduler.TickInterval = 20 * time.Millisecond
		cfg.Scheduler.HeartbeatInterval = 20 * time.Millisecond
		cfg.Scheduler.DagStatInterval = 50 * time.Millisecond
		cfg.Scheduler.ZombieCheckInterval = time.Minute
		cfg.Scheduler.DagDirListInterval = time.Minute
	}))
	th.CreateDAGFile(t, "shell.yaml", `
dag_id: shell
schedule: "@daily"
start_date: 2026-01-01
catchup: false
tasks:
  - task_id: first
    command: "true"
  - task_id: second
    depends_on: [first]
    command: "echo {{ .ds }}"
`)

	require.NoError(t, th.Store.UpsertDagModel(th.Context, exec.DagModel{
		DAGID: "retired", IsActive: true, LastSchedulerRun: time.Now().Add(-time.Hour),
	}))

	bag := dagbag.New(th.Config.Paths.DAGsDir, dagbag.WithConfig(th.Config), dagbag.WithStore(th.Store))
	sched := scheduler.New(th.Config, bag, th.Store, executor.NewLocal(2, executor.WithHeartbeatInterval(20*time.Millisecond)))

	ctx, cancel := context.WithCancel(th.Context)
	done := make(chan error, 1)
	go func() { done <- sched.Start(ctx) }()

	require.Eventually(t, func() bool {
		runs, err := th.Store.FindDagRuns(th.Context, exec.DagRunFilter{DAGID: "shell"})
		return err == nil && len(runs) == 1 && runs[0].State == core.StateSuccess
	}, 10*time.Second, 20*time.Millisecond)
	assert.True(t, sched.IsRunning())

	cancel()
	select {
	case err := <-done:
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, sched.IsRunning())

	model, err := th.Store.GetDagModel(th.Context, "shell")
	require.NoError(t, err)
	assert.True(t, model.IsActive)
	assert.False(t, model.LastSchedulerRun.IsZero())
	retired, err := th.Store.GetDagModel(th.Context, "retired")
	require.NoError(t, err)
	assert.False(t, retired.IsActive)

	jobs, err := th.Store.FindTaskInstances(th.Context, exec.TaskInstanceFilter{DAGID: "shell"})
	require.NoError(t, err)
	for _, ti := range jobs {
		assert.Equal(t, core.StateSuccess, ti.State, ti.TaskID)
		assert.Equal(t, 1, ti.TryNumber)
	}
}
