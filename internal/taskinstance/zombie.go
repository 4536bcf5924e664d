package taskinstance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

// ProcessProbe reports whether a local process is alive.
type ProcessProbe func(ctx context.Context, pid int32) (bool, error)

// ZombieOptions configures zombie detection.
type ZombieOptions struct {
	// Threshold is how long a job may go without heartbeating.
	Threshold time.Duration
	// Hostname enables the process check for instances running on this
	// host: a dead pid marks the instance as a zombie right away.
	Hostname string
	Probe    ProcessProbe
}

// FindZombies returns RUNNING instances whose job stopped running, missed
// heartbeats for longer than the threshold, or whose local process is gone.
func FindZombies(ctx context.Context, q exec.Queries, opts ZombieOptions, now time.Time) ([]exec.TaskInstance, error) {
	zombies, err := q.FindZombies(ctx, now.Add(-opts.Threshold))
	if err != nil {
		return nil, err
	}
	if opts.Hostname == "" {
		return zombies, nil
	}

	probe := opts.Probe
	if probe == nil {
		probe = process.PidExistsWithContext
	}
	seen := make(map[exec.TIKey]bool, len(zombies))
	for _, z := range zombies {
		seen[z.Key()] = true
	}
	running, err := q.FindTaskInstances(ctx, exec.TaskInstanceFilter{States: []core.State{core.StateRunning}})
	if err != nil {
		return nil, err
	}
	for _, ti := range running {
		if seen[ti.Key()] || ti.JobID == "" || ti.Hostname != opts.Hostname || ti.PID <= 0 {
			continue
		}
		alive, err := probe(ctx, int32(ti.PID))
		if err != nil {
			logger.Debug(ctx, "Process probe failed", tag.Task(ti.TaskID), tag.Error(err))
			continue
		}
		if !alive {
			zombies = append(zombies, ti)
		}
	}
	return zombies, nil
}

// FailZombies marks each zombie FAILED with a TaskFail row, once per
// instance and only if it is still RUNNING. It returns how many were
// failed; errors for single instances are collected, not fatal.
func FailZombies(ctx context.Context, store exec.Store, zombies []exec.TaskInstance, now time.Time) (int, error) {
	var (
		killed int
		errs   []error
	)
	done := make(map[exec.TIKey]bool, len(zombies))
	for _, z := range zombies {
		key := z.Key()
		if done[key] {
			continue
		}
		done[key] = true

		var failed bool
		err := store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
			ti, err := q.GetTaskInstance(ctx, key)
			if err != nil {
				return err
			}
			if ti.State != core.StateRunning {
				return nil
			}
			reason := fmt.Sprintf("%s killed as zombie", ti)
			if err := HandleFailure(ctx, q, ti, nil, reason, now); err != nil {
				return err
			}
			failed = true
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("fail zombie %s: %w", key, err))
			continue
		}
		if failed {
			killed++
			logger.Warn(ctx, "Zombie task instance failed",
				tag.DAG(key.DAGID), tag.Task(key.TaskID), tag.ExecutionDate(key.ExecutionDate), tag.JobID(z.JobID))
		}
	}
	return killed, errors.Join(errs...)
}
