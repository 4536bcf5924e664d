package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/executor"
)

func Worker() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "worker [flags]",
			Short: "Run task instances from the shared Redis queue",
			Long: `Start a worker that pops work items from the Redis queue used by the
redis executor, runs them and reports the outcome back to the scheduler.

The worker resolves each item's task from its own copy of the DAG folder,
so every worker must see the same DAG files as the scheduler.

Example:
  dagsched worker --concurrency=4
`,
			Args: cobra.NoArgs,
		}, workerFlags, runWorker,
	)
}

var workerFlags = []commandLineFlag{
	dagsFlag,
	{name: "concurrency", shorthand: "n", usage: "number of items run at once (default: executor.workers)"},
}

func runWorker(ctx *Context, _ []string) error {
	concurrency := ctx.Config.Executor.Workers
	if v, _ := ctx.Command.Flags().GetString("concurrency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid --concurrency %q", v)
		}
		concurrency = n
	}

	bag, err := ctx.DagBag()
	if err != nil {
		return err
	}

	client := executor.NewRedisClient(ctx.Config)
	defer func() { _ = client.Close() }()

	w := executor.NewWorker(client, ctx.Config.Executor.QueueKey, bag, concurrency,
		executor.WithWorkerHeartbeat(ctx.Config.Scheduler.HeartbeatInterval))

	logger.Info(ctx, "Worker initialization",
		tag.String("redis", ctx.Config.Executor.RedisAddr),
		tag.Count(concurrency),
	)

	signalCtx, stop := ctx.withSignals()
	defer stop()

	if err := w.Start(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker stopped: %w", err)
	}
	return nil
}
