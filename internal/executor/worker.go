package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dagucloud/dagsched/internal/cmn/backoff"
	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

// DAGGetter resolves DAG definitions by id; *dagbag.DagBag satisfies it.
type DAGGetter interface {
	GetDAG(ctx context.Context, id string) (*core.DAG, error)
}

// Worker consumes work items from a Redis queue and reports events.
type Worker struct {
	client      redis.UniversalClient
	keys        Keys
	dags        DAGGetter
	concurrency int
	heartbeat   time.Duration
	poll        time.Duration
	hostname    string
	now         func() time.Time

	mu      sync.Mutex
	running map[exec.TIKey]*localRun
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

func WithWorkerHeartbeat(d time.Duration) WorkerOption {
	return func(w *Worker) { w.heartbeat = d }
}

func WithPollTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.poll = d }
}

func WithHostname(name string) WorkerOption {
	return func(w *Worker) { w.hostname = name }
}

func NewWorker(client redis.UniversalClient, base string, dags DAGGetter, concurrency int, opts ...WorkerOption) *Worker {
	if concurrency <= 0 {
		concurrency = defaultWorkers
	}
	w := &Worker{
		client:      client,
		keys:        NewKeys(base),
		dags:        dags,
		concurrency: concurrency,
		heartbeat:   defaultHeartbeatInterval,
		poll:        time.Second,
		hostname:    hostname(),
		now:         time.Now,
		running:     map[exec.TIKey]*localRun{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the pollers and the heartbeat loop and blocks until ctx
// is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	logger.Info(ctx, "Starting worker", tag.String("hostname", w.hostname), tag.Count(w.concurrency))

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.pollLoop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()
	wg.Wait()
	return nil
}

func (w *Worker) pollLoop(ctx context.Context) {
	policy := backoff.NewExponentialBackoffPolicy(time.Second, time.Minute)
	failures := 0
	for ctx.Err() == nil {
		item, err := w.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait, _ := policy.ComputeNextInterval(failures)
			failures++
			logger.Warn(ctx, "Poll failed; will retry with backoff", tag.Error(err), tag.Interval(wait))
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		failures = 0
		if item != nil {
			w.handle(ctx, *item)
		}
	}
}

// pollOnce waits up to the poll timeout for an item. It returns nil, nil
// when the queue stayed empty.
func (w *Worker) pollOnce(ctx context.Context) (*exec.WorkItem, error) {
	res, err := w.client.BRPop(ctx, w.poll, w.keys.Queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var item exec.WorkItem
	if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
		logger.Error(ctx, "Malformed work item", tag.Error(err))
		return nil, nil
	}
	return &item, nil
}

func (w *Worker) handle(ctx context.Context, item exec.WorkItem) {
	field := item.Key.String()
	cancelled, err := w.client.SIsMember(ctx, w.keys.Cancelled, field).Result()
	if err != nil {
		logger.Warn(ctx, "Failed to check cancellation", tag.Task(item.Key.TaskID), tag.Error(err))
	}
	if cancelled {
		logger.Info(ctx, "Dropped cancelled work item", tag.DAG(item.Key.DAGID), tag.Task(item.Key.TaskID))
		w.client.SRem(ctx, w.keys.Cancelled, field)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.running[item.Key] = &localRun{tryNumber: item.TryNumber, cancel: cancel}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, item.Key)
		w.mu.Unlock()
	}()

	w.report(ctx, exec.Event{
		Type:      exec.EventRunning,
		Key:       item.Key,
		TryNumber: item.TryNumber,
		Hostname:  w.hostname,
		PID:       os.Getpid(),
		At:        w.now().UTC(),
	})

	var ev exec.Event
	if err := w.resolve(ctx, &item); err != nil {
		ev = exec.Event{
			Type:      exec.EventFinished,
			Key:       item.Key,
			TryNumber: item.TryNumber,
			State:     core.StateFailed,
			Error:     err.Error(),
			Hostname:  w.hostname,
			PID:       os.Getpid(),
			At:        w.now().UTC(),
		}
	} else {
		logger.Info(ctx, "Task received, starting execution",
			tag.DAG(item.Key.DAGID), tag.Task(item.Key.TaskID), tag.RunID(item.RunID), tag.TryNumber(item.TryNumber))
		ev = runItem(runCtx, item, w.hostname, w.now)
	}
	w.report(ctx, ev)
}

func (w *Worker) resolve(ctx context.Context, item *exec.WorkItem) error {
	dag, err := w.dags.GetDAG(ctx, item.Key.DAGID)
	if err != nil {
		return fmt.Errorf("resolve dag %s: %w", item.Key.DAGID, err)
	}
	task, err := dag.Task(item.Key.TaskID)
	if err != nil {
		return err
	}
	item.Task = task
	return nil
}

// report publishes ev; finished events are also kept in the results hash.
func (w *Worker) report(ctx context.Context, ev exec.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error(ctx, "Failed to encode event", tag.Error(err))
		return
	}
	// Use a fresh context so results survive worker shutdown.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err = w.client.TxPipelined(rctx, func(p redis.Pipeliner) error {
		if ev.Type == exec.EventFinished {
			p.HSet(rctx, w.keys.Results, ev.Key.String(), data)
		}
		p.LPush(rctx, w.keys.Events, data)
		return nil
	})
	if err != nil {
		logger.Error(ctx, "Failed to report event", tag.Task(ev.Key.TaskID), tag.Error(err))
	}
}

// heartbeatLoop reports running items and stops the ones flagged as
// cancelled.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			running := make(map[exec.TIKey]*localRun, len(w.running))
			for k, r := range w.running {
				running[k] = r
			}
			w.mu.Unlock()

			for key, r := range running {
				cancelled, err := w.client.SIsMember(ctx, w.keys.Cancelled, key.String()).Result()
				if err == nil && cancelled {
					logger.Info(ctx, "Stopping cancelled task", tag.DAG(key.DAGID), tag.Task(key.TaskID))
					r.cancel()
					w.client.SRem(ctx, w.keys.Cancelled, key.String())
					continue
				}
				w.report(ctx, exec.Event{
					Type:      exec.EventHeartbeat,
					Key:       key,
					TryNumber: r.tryNumber,
					Hostname:  w.hostname,
					PID:       os.Getpid(),
					At:        w.now().UTC(),
				})
			}
		}
	}
}
