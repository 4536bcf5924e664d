package executor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/executor"
)

func startLocal(t *testing.T, opts ...executor.LocalOption) *executor.LocalExecutor {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e := executor.NewLocal(2, opts...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func TestLocalExecutor(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		t.Parallel()
		seen := make(chan core.TemplateContext, 1)
		dag := newDAG(t, map[string]core.RunnerFunc{
			"hello": func(_ context.Context, tc core.TemplateContext) error {
				seen <- tc
				return nil
			},
		})
		e := startLocal(t)
		require.NoError(t, e.Submit(context.Background(), workItem(t, dag, "hello")))

		running := waitEvent(t, e.Events(), "hello", exec.EventRunning)
		assert.NotZero(t, running.PID)
		assert.NotEmpty(t, running.Hostname)

		finished := waitEvent(t, e.Events(), "hello", exec.EventFinished)
		assert.Equal(t, core.StateSuccess, finished.State)
		assert.Equal(t, 1, finished.TryNumber)

		tc := <-seen
		assert.Equal(t, "2026-01-01", tc["ds"])
		assert.Equal(t, "exec_test", tc["dag_id"])
		assert.Equal(t, "hello", tc["task_id"])
	})
	t.Run("NoRunner", func(t *testing.T) {
		t.Parallel()
		dag := newDAG(t, map[string]core.RunnerFunc{"noop": nil})
		e := startLocal(t)
		require.NoError(t, e.Submit(context.Background(), workItem(t, dag, "noop")))
		assert.Equal(t, core.StateSuccess, waitEvent(t, e.Events(), "noop", exec.EventFinished).State)
	})
	t.Run("Failure", func(t *testing.T) {
		t.Parallel()
		dag := newDAG(t, map[string]core.RunnerFunc{
			"fail": func(context.Context, core.TemplateContext) error { return errors.New("exit status 2") },
		})
		e := startLocal(t)
		require.NoError(t, e.Submit(context.Background(), workItem(t, dag, "fail")))

		ev := waitEvent(t, e.Events(), "fail", exec.EventFinished)
		assert.Equal(t, core.StateFailed, ev.State)
		assert.Equal(t, "exit status 2", ev.Error)
	})
	t.Run("Panic", func(t *testing.T) {
		t.Parallel()
		dag := newDAG(t, map[string]core.RunnerFunc{
			"panic": func(context.Context, core.TemplateContext) error { panic("boom") },
		})
		e := startLocal(t)
		require.NoError(t, e.Submit(context.Background(), workItem(t, dag, "panic")))

		ev := waitEvent(t, e.Events(), "panic", exec.EventFinished)
		assert.Equal(t, core.StateFailed, ev.State)
		assert.Contains(t, ev.Error, "panic: boom")
	})
	t.Run("ExecutionTimeout", func(t *testing.T) {
		t.Parallel()
		dag := newDAG(t, map[string]core.RunnerFunc{"slow": blockUntilDone(nil)})
		task, err := dag.Task("slow")
		require.NoError(t, err)
		task.ExecutionTimeout = 50 * time.Millisecond

		e := startLocal(t)
		require.NoError(t, e.Submit(context.Background(), workItem(t, dag, "slow")))

		ev := waitEvent(t, e.Events(), "slow", exec.EventFinished)
		assert.Equal(t, core.StateFailed, ev.State)
		assert.Contains(t, ev.Error, "timed out")
	})
	t.Run("CancelRunning", func(t *testing.T) {
		t.Parallel()
		started := make(chan struct{})
		dag := newDAG(t, map[string]core.RunnerFunc{"long": blockUntilDone(started)})
		e := startLocal(t)
		item := workItem(t, dag, "long")
		require.NoError(t, e.Submit(context.Background(), item))

		<-started
		require.NoError(t, e.Cancel(context.Background(), item.Key))
		ev := waitEvent(t, e.Events(), "long", exec.EventFinished)
		assert.Equal(t, core.StateShutdown, ev.State)
	})
	t.Run("Heartbeat", func(t *testing.T) {
		t.Parallel()
		started := make(chan struct{})
		dag := newDAG(t, map[string]core.RunnerFunc{"beating": blockUntilDone(started)})
		e := startLocal(t, executor.WithHeartbeatInterval(10*time.Millisecond))
		item := workItem(t, dag, "beating")
		require.NoError(t, e.Submit(context.Background(), item))

		<-started
		ev := waitEvent(t, e.Events(), "beating", exec.EventHeartbeat)
		assert.Equal(t, 1, ev.TryNumber)
		require.NoError(t, e.Cancel(context.Background(), item.Key))
	})
	t.Run("MissingTask", func(t *testing.T) {
		t.Parallel()
		e := startLocal(t)
		item := exec.WorkItem{Key: exec.TIKey{DAGID: "x", TaskID: "orphan", ExecutionDate: day}, TryNumber: 1}
		require.NoError(t, e.Submit(context.Background(), item))

		ev := waitEvent(t, e.Events(), "orphan", exec.EventFinished)
		assert.Equal(t, core.StateFailed, ev.State)
		assert.Equal(t, executor.ErrNoTask.Error(), ev.Error)
	})
}
