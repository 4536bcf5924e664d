package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dagucloud/dagsched/internal/cmn/config"
	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

// Keys derives the Redis keys used by a queue named base.
type Keys struct {
	Queue     string // list of pending work items
	Events    string // list of events reported by workers
	Results   string // hash of the last finished event per instance
	Cancelled string // set of instance keys to stop
}

func NewKeys(base string) Keys {
	return Keys{
		Queue:     base,
		Events:    base + ":events",
		Results:   base + ":results",
		Cancelled: base + ":cancelled",
	}
}

// NewRedisClient connects to the Redis server configured for the executor.
func NewRedisClient(cfg *config.Config) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr: cfg.Executor.RedisAddr,
		DB:   cfg.Executor.RedisDB,
	})
}

var _ exec.Executor = (*RedisExecutor)(nil)

// RedisExecutor pushes work items to a Redis list consumed by workers and
// relays the events they report back.
type RedisExecutor struct {
	client  redis.UniversalClient
	keys    Keys
	poll    time.Duration
	events  chan exec.Event
	started atomic.Bool
}

// NewRedis creates an executor on the queue named base.
func NewRedis(client redis.UniversalClient, base string) *RedisExecutor {
	return &RedisExecutor{
		client: client,
		keys:   NewKeys(base),
		poll:   time.Second,
		events: make(chan exec.Event, 256),
	}
}

// Start relays worker events until ctx is cancelled.
func (e *RedisExecutor) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("redis executor already started")
	}
	logger.Info(ctx, "Starting redis executor", tag.Key(e.keys.Queue))

	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := e.client.BRPop(ctx, e.poll, e.keys.Events).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn(ctx, "Failed to read worker events", tag.Error(err))
			if !sleep(ctx, e.poll) {
				return nil
			}
			continue
		}

		var ev exec.Event
		if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
			logger.Error(ctx, "Malformed worker event", tag.Error(err))
			continue
		}
		select {
		case e.events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// Submit pushes item to the queue. Previous cancellation and result of
// the same instance are cleared first.
func (e *RedisExecutor) Submit(ctx context.Context, item exec.WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode work item: %w", err)
	}
	field := item.Key.String()
	_, err = e.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, e.keys.Cancelled, field)
		p.HDel(ctx, e.keys.Results, field)
		p.LPush(ctx, e.keys.Queue, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("submit %s: %w", item.Key, err)
	}
	return nil
}

// Cancel flags key; workers drop it when dequeued or stop it while
// running.
func (e *RedisExecutor) Cancel(ctx context.Context, key exec.TIKey) error {
	return e.client.SAdd(ctx, e.keys.Cancelled, key.String()).Err()
}

func (e *RedisExecutor) Events() <-chan exec.Event { return e.events }

// Result returns the last finished event reported for key.
func (e *RedisExecutor) Result(ctx context.Context, key exec.TIKey) (*exec.Event, error) {
	data, err := e.client.HGet(ctx, e.keys.Results, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, exec.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ev exec.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// QueueLen counts items waiting for a worker.
func (e *RedisExecutor) QueueLen(ctx context.Context) (int64, error) {
	return e.client.LLen(ctx, e.keys.Queue).Result()
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
