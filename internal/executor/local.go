package executor

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

const (
	defaultWorkers           = 8
	defaultHeartbeatInterval = 5 * time.Second
)

var _ exec.Executor = (*LocalExecutor)(nil)

// LocalExecutor runs work items on a fixed number of goroutines in the
// scheduler process.
type LocalExecutor struct {
	workers   int
	heartbeat time.Duration
	hostname  string
	now       func() time.Time

	queue  chan exec.WorkItem
	events chan exec.Event
	closed atomic.Bool

	mu        sync.Mutex
	running   map[exec.TIKey]*localRun
	cancelled map[exec.TIKey]bool
}

type localRun struct {
	tryNumber int
	cancel    context.CancelFunc
}

// LocalOption configures a LocalExecutor.
type LocalOption func(*LocalExecutor)

func WithHeartbeatInterval(d time.Duration) LocalOption {
	return func(e *LocalExecutor) { e.heartbeat = d }
}

func WithLocalClock(now func() time.Time) LocalOption {
	return func(e *LocalExecutor) { e.now = now }
}

// NewLocal creates an executor running up to workers items at once.
func NewLocal(workers int, opts ...LocalOption) *LocalExecutor {
	if workers <= 0 {
		workers = defaultWorkers
	}
	e := &LocalExecutor{
		workers:   workers,
		heartbeat: defaultHeartbeatInterval,
		hostname:  hostname(),
		now:       time.Now,
		queue:     make(chan exec.WorkItem, workers*16),
		events:    make(chan exec.Event, workers*16),
		running:   map[exec.TIKey]*localRun{},
		cancelled: map[exec.TIKey]bool{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start runs the workers until ctx is cancelled. Running items are
// cancelled with it and still report their finished event.
func (e *LocalExecutor) Start(ctx context.Context) error {
	logger.Info(ctx, "Starting local executor", tag.Count(e.workers))

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item := <-e.queue:
					e.run(ctx, item)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.sendHeartbeats(ctx)
	}()

	wg.Wait()
	e.closed.Store(true)
	logger.Info(ctx, "Local executor stopped")
	return nil
}

// Submit queues item. It blocks while the queue is full.
func (e *LocalExecutor) Submit(ctx context.Context, item exec.WorkItem) error {
	if e.closed.Load() {
		return exec.ErrExecutorClosed
	}
	select {
	case e.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the item if it is running, or drops it once dequeued.
func (e *LocalExecutor) Cancel(_ context.Context, key exec.TIKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.running[key]; ok {
		r.cancel()
		return nil
	}
	e.cancelled[key] = true
	return nil
}

func (e *LocalExecutor) Events() <-chan exec.Event { return e.events }

func (e *LocalExecutor) run(ctx context.Context, item exec.WorkItem) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.cancelled[item.Key] {
		delete(e.cancelled, item.Key)
		e.mu.Unlock()
		logger.Info(ctx, "Dropped cancelled work item", tag.Task(item.Key.TaskID), tag.DAG(item.Key.DAGID))
		return
	}
	e.running[item.Key] = &localRun{tryNumber: item.TryNumber, cancel: cancel}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.running, item.Key)
		e.mu.Unlock()
	}()

	e.emit(ctx, exec.Event{
		Type:      exec.EventRunning,
		Key:       item.Key,
		TryNumber: item.TryNumber,
		Hostname:  e.hostname,
		PID:       os.Getpid(),
		At:        e.now().UTC(),
	})
	e.emit(ctx, runItem(runCtx, item, e.hostname, e.now))
}

func (e *LocalExecutor) sendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			beats := make([]exec.Event, 0, len(e.running))
			for key, r := range e.running {
				beats = append(beats, exec.Event{
					Type:      exec.EventHeartbeat,
					Key:       key,
					TryNumber: r.tryNumber,
					Hostname:  e.hostname,
					PID:       os.Getpid(),
					At:        e.now().UTC(),
				})
			}
			e.mu.Unlock()
			for _, ev := range beats {
				e.emit(ctx, ev)
			}
		}
	}
}

// emit delivers ev unless the consumer is gone. Finished events are
// delivered even after ctx is cancelled as long as there is room.
func (e *LocalExecutor) emit(ctx context.Context, ev exec.Event) {
	select {
	case e.events <- ev:
	case <-ctx.Done():
		select {
		case e.events <- ev:
		default:
			logger.Warn(ctx, "Dropped executor event", tag.Task(ev.Key.TaskID), tag.String("type", string(ev.Type)))
		}
	}
}
