package executor_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/executor"
)

type dagMap map[string]*core.DAG

func (m dagMap) GetDAG(_ context.Context, id string) (*core.DAG, error) {
	if dag, ok := m[id]; ok {
		return dag, nil
	}
	return nil, fmt.Errorf("dag %s not found", id)
}

func redisClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// runInBackground runs start until the test ends.
func runInBackground(t *testing.T, start func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRedisExecutor(t *testing.T) {
	t.Parallel()

	t.Run("RoundTrip", func(t *testing.T) {
		t.Parallel()
		_, client := redisClient(t)
		dag := newDAG(t, map[string]core.RunnerFunc{
			"ok":   func(context.Context, core.TemplateContext) error { return nil },
			"fail": func(context.Context, core.TemplateContext) error { return errors.New("bad input") },
		})

		e := executor.NewRedis(client, "test:queue")
		okItem := workItem(t, dag, "ok")
		failItem := workItem(t, dag, "fail")
		require.NoError(t, e.Submit(context.Background(), okItem))
		require.NoError(t, e.Submit(context.Background(), failItem))

		n, err := e.QueueLen(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		runInBackground(t, e.Start)
		w := executor.NewWorker(client, "test:queue", dagMap{dag.ID: dag}, 2,
			executor.WithPollTimeout(100*time.Millisecond), executor.WithHostname("worker-1"))
		runInBackground(t, w.Start)

		running := waitEvent(t, e.Events(), "ok", exec.EventRunning)
		assert.Equal(t, "worker-1", running.Hostname)

		ev := waitEvent(t, e.Events(), "ok", exec.EventFinished)
		assert.Equal(t, core.StateSuccess, ev.State)
		assert.True(t, ev.Key.ExecutionDate.Equal(day))

		res, err := e.Result(context.Background(), okItem.Key)
		require.NoError(t, err)
		assert.Equal(t, core.StateSuccess, res.State)

		require.Eventually(t, func() bool {
			res, err := e.Result(context.Background(), failItem.Key)
			return err == nil && res.State == core.StateFailed && res.Error == "bad input"
		}, 5*time.Second, 20*time.Millisecond)
	})
	t.Run("UnknownDAG", func(t *testing.T) {
		t.Parallel()
		_, client := redisClient(t)
		e := executor.NewRedis(client, "test:queue")
		item := exec.WorkItem{Key: exec.TIKey{DAGID: "gone", TaskID: "t", ExecutionDate: day}, TryNumber: 1}
		require.NoError(t, e.Submit(context.Background(), item))

		runInBackground(t, e.Start)
		runInBackground(t, executor.NewWorker(client, "test:queue", dagMap{}, 1,
			executor.WithPollTimeout(100*time.Millisecond)).Start)

		ev := waitEvent(t, e.Events(), "t", exec.EventFinished)
		assert.Equal(t, core.StateFailed, ev.State)
		assert.Contains(t, ev.Error, "gone")
	})
	t.Run("CancelQueued", func(t *testing.T) {
		t.Parallel()
		mr, client := redisClient(t)
		dag := newDAG(t, map[string]core.RunnerFunc{"never": func(context.Context, core.TemplateContext) error {
			return errors.New("must not run")
		}})
		e := executor.NewRedis(client, "test:queue")
		item := workItem(t, dag, "never")
		require.NoError(t, e.Submit(context.Background(), item))
		require.NoError(t, e.Cancel(context.Background(), item.Key))

		runInBackground(t, executor.NewWorker(client, "test:queue", dagMap{dag.ID: dag}, 1,
			executor.WithPollTimeout(100*time.Millisecond)).Start)

		require.Eventually(t, func() bool {
			return !mr.Exists("test:queue") && !mr.Exists("test:queue:cancelled")
		}, 5*time.Second, 20*time.Millisecond)
		assert.False(t, mr.Exists("test:queue:results"))
	})
	t.Run("CancelRunning", func(t *testing.T) {
		t.Parallel()
		_, client := redisClient(t)
		started := make(chan struct{})
		dag := newDAG(t, map[string]core.RunnerFunc{"long": blockUntilDone(started)})
		e := executor.NewRedis(client, "test:queue")
		item := workItem(t, dag, "long")
		require.NoError(t, e.Submit(context.Background(), item))

		runInBackground(t, e.Start)
		runInBackground(t, executor.NewWorker(client, "test:queue", dagMap{dag.ID: dag}, 1,
			executor.WithPollTimeout(100*time.Millisecond),
			executor.WithWorkerHeartbeat(20*time.Millisecond)).Start)

		<-started
		require.NoError(t, e.Cancel(context.Background(), item.Key))
		ev := waitEvent(t, e.Events(), "long", exec.EventFinished)
		assert.Equal(t, core.StateShutdown, ev.State)
	})
}
