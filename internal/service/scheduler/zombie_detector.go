package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
)

// ZombieKiller fails task instances whose job stopped heartbeating.
type ZombieKiller interface {
	KillZombies(ctx context.Context) (int, error)
}

// ZombieDetector periodically reclaims zombie task instances.
type ZombieDetector struct {
	killer   ZombieKiller
	interval time.Duration
}

// NewZombieDetector creates a new zombie detector
func NewZombieDetector(killer ZombieKiller, interval time.Duration) *ZombieDetector {
	if interval <= 0 {
		interval = 45 * time.Second
	}
	return &ZombieDetector{
		killer:   killer,
		interval: interval,
	}
}

// Start begins the zombie detection loop
func (z *ZombieDetector) Start(ctx context.Context) {
	ticker := time.NewTicker(z.interval)
	defer ticker.Stop()

	running := atomic.Bool{}

	for {
		select {
		case <-ticker.C:
			if !running.CompareAndSwap(false, true) {
				logger.Warn(ctx, "Skipping zombie detection, previous check still running")
				continue
			}

			go func() {
				defer running.Store(false)
				defer func() {
					if r := recover(); r != nil {
						logger.Error(ctx, "Zombie detection check panicked", tag.Error(panicToError(r)))
					}
				}()
				z.detectAndCleanZombies(ctx)
			}()

		case <-ctx.Done():
			logger.Info(ctx, "Stopping zombie detector")
			return
		}
	}
}

func (z *ZombieDetector) detectAndCleanZombies(ctx context.Context) {
	killed, err := z.killer.KillZombies(ctx)
	if err != nil {
		logger.Error(ctx, "Failed to kill zombie task instances", tag.Error(err))
		return
	}
	if killed > 0 {
		logger.Info(ctx, "Killed zombie task instances", tag.Count(killed))
	}
}
