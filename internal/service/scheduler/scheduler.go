// Package scheduler drives DAG runs: it creates runs that are due,
// moves task instances through their states, admits them under the
// parallelism, DAG concurrency and pool limits, and applies what the
// executor reports back.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dagucloud/dagsched/internal/cmn/config"
	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/dagbag"
	"github.com/dagucloud/dagsched/internal/dagrun"
	"github.com/dagucloud/dagsched/internal/dagstat"
	"github.com/dagucloud/dagsched/internal/sla"
)

// Clock is a function that returns the current time.
// It can be replaced for testing purposes.
type Clock func() time.Time

type Scheduler struct {
	cfg      *config.Config
	bag      *dagbag.DagBag
	store    exec.Store
	executor exec.Executor
	runs     *dagrun.Manager
	health   *HealthServer
	clock    Clock
	watch    bool
	hostname string

	job     *exec.Job
	running atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(clock Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithWatch re-processes DAG files as soon as they change.
func WithWatch() Option {
	return func(s *Scheduler) { s.watch = true }
}

// WithHealthServer serves /health and /metrics while the scheduler runs.
func WithHealthServer(h *HealthServer) Option {
	return func(s *Scheduler) { s.health = h }
}

// New creates a scheduler over the DAGs in bag.
func New(cfg *config.Config, bag *dagbag.DagBag, store exec.Store, executor exec.Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		bag:      bag,
		store:    store,
		executor: executor,
		clock:    time.Now,
	}
	s.hostname, _ = os.Hostname()
	for _, opt := range opts {
		opt(s)
	}
	s.runs = dagrun.New(store, dagrun.WithClock(s.now))
	return s
}

func (s *Scheduler) now() time.Time { return s.clock().UTC() }

// IsRunning returns whether the scheduler is currently running.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Start registers the scheduler job, collects the DAG folder and runs
// every loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler is already running")
	}
	defer s.running.Store(false)

	if err := s.register(ctx); err != nil {
		return err
	}
	defer s.unregister(ctx)

	if err := s.refreshDAGs(ctx); err != nil {
		return fmt.Errorf("initial dag collection: %w", err)
	}

	if s.health != nil {
		if err := s.health.Start(ctx); err != nil {
			return fmt.Errorf("failed to start health check server: %w", err)
		}
		defer func() { _ = s.health.Stop(context.WithoutCancel(ctx)) }()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.executor.Start(ctx) })
	g.Go(func() error { s.eventLoop(ctx); return nil })
	g.Go(func() error {
		s.every(ctx, "tick", s.cfg.Scheduler.TickInterval, true, func(ctx context.Context) error {
			return s.Tick(ctx)
		})
		return nil
	})
	g.Go(func() error {
		s.every(ctx, "heartbeat", s.cfg.Scheduler.HeartbeatInterval, false, s.heartbeat)
		return nil
	})
	g.Go(func() error {
		s.every(ctx, "dag-stats", s.cfg.Scheduler.DagStatInterval, false, func(ctx context.Context) error {
			dagstat.Update(ctx, s.store, s.bag.DAGIDs(), true)
			return nil
		})
		return nil
	})
	g.Go(func() error {
		s.every(ctx, "dag-dir", s.cfg.Scheduler.DagDirListInterval, false, s.refreshDAGs)
		return nil
	})
	g.Go(func() error {
		NewZombieDetector(s.bag, s.cfg.Scheduler.ZombieCheckInterval).Start(ctx)
		return nil
	})
	if s.watch {
		g.Go(func() error { return s.bag.Watch(ctx) })
	}

	logger.Info(ctx, "Scheduler started", tag.JobID(s.job.ID), tag.Dir(s.bag.Folder()))
	err := g.Wait()
	logger.Info(ctx, "Scheduler stopped")
	return err
}

// every runs fn each interval until ctx ends. A panic in fn is logged and
// the loop keeps going.
func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, immediately bool, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	run := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "Scheduler loop panicked", tag.String("loop", name), tag.Error(panicToError(r)))
			}
		}()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "Scheduler loop failed", tag.String("loop", name), tag.Error(err))
		}
	}
	if immediately {
		run()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func (s *Scheduler) register(ctx context.Context) error {
	now := s.now()
	s.job = &exec.Job{
		ID:              uuid.NewString(),
		JobType:         exec.JobTypeScheduler,
		State:           core.StateRunning,
		Hostname:        s.hostname,
		PID:             os.Getpid(),
		LatestHeartbeat: now,
		StartDate:       now,
	}
	if err := s.store.InsertJob(ctx, s.job); err != nil {
		return fmt.Errorf("register scheduler job: %w", err)
	}
	return nil
}

func (s *Scheduler) unregister(ctx context.Context) {
	s.job.State = core.StateSuccess
	s.job.EndDate = s.now()
	if err := s.store.UpdateJob(context.WithoutCancel(ctx), s.job); err != nil {
		logger.Error(ctx, "Failed to close scheduler job", tag.JobID(s.job.ID), tag.Error(err))
	}
}

func (s *Scheduler) heartbeat(ctx context.Context) error {
	_, err := s.store.HeartbeatJobs(ctx, []string{s.job.ID}, s.now())
	return err
}

// refreshDAGs re-reads changed files, mirrors the bag into the store,
// retires DAGs the sync did not see and records SLA misses.
func (s *Scheduler) refreshDAGs(ctx context.Context) error {
	if err := s.bag.CollectDAGs(ctx, "", true); err != nil {
		return err
	}
	if err := s.bag.SyncToStore(ctx); err != nil {
		return err
	}
	if _, err := s.bag.DeactivateStaleDAGs(ctx, s.bag.LastSync()); err != nil {
		return err
	}
	if _, err := s.bag.DeactivateInactiveDAGs(ctx); err != nil {
		return err
	}
	s.checkSLAs(ctx)
	return nil
}

// checkSLAs records SLA misses of unpaused DAGs. A failing DAG is logged
// and skipped.
func (s *Scheduler) checkSLAs(ctx context.Context) {
	paused, err := s.bag.PausedDAGs(ctx)
	if err != nil {
		logger.Warn(ctx, "Skipping SLA checks", tag.Error(err))
		return
	}
	for _, dag := range s.bag.DAGs() {
		if paused[dag.ID] {
			continue
		}
		if _, err := sla.Check(ctx, s.store, dag, s.now()); err != nil {
			logger.Warn(ctx, "SLA check failed", tag.DAG(dag.ID), tag.Error(err))
		}
	}
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
