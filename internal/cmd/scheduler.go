package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dagucloud/dagsched/internal/cmn/config"
	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/metrics"
	"github.com/dagucloud/dagsched/internal/service/scheduler"
)

func Scheduler() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "scheduler [flags]",
			Short: "Start the scheduler",
			Long: `Start the scheduler loop for the DAGs in the DAG folder.

The scheduler creates DAG runs as they fall due, admits their task
instances under the parallelism, DAG concurrency and pool limits, and
hands them to the configured executor. It runs until interrupted.

Flags:
  --dags string   Path to the directory containing DAG definition files
  --watch         Re-process DAG files as soon as they change

Example:
  dagsched scheduler --dags=/path/to/dags --watch
`,
			Args: cobra.NoArgs,
		}, schedulerFlags, runScheduler,
	)
}

var schedulerFlags = []commandLineFlag{
	dagsFlag,
	{name: "watch", shorthand: "w", usage: "re-process DAG files when they change", isBool: true},
}

func runScheduler(ctx *Context, _ []string) error {
	watch, _ := ctx.Command.Flags().GetBool("watch")

	logger.Info(ctx, "Scheduler initialization",
		tag.Dir(ctx.Config.Paths.DAGsDir),
		tag.String("executor", ctx.Config.Executor.Type),
	)

	store, err := ctx.Store()
	if err != nil {
		return err
	}
	bag, err := ctx.DagBag()
	if err != nil {
		return err
	}
	executor, err := ctx.Executor()
	if err != nil {
		return err
	}

	var opts []scheduler.Option
	if watch {
		opts = append(opts, scheduler.WithWatch())
	}
	if ctx.Config.Metrics.Enabled {
		registry := metrics.NewRegistry(metrics.NewCollector(config.Version, store))
		opts = append(opts, scheduler.WithHealthServer(scheduler.NewHealthServer(ctx.Config.Metrics.Listen, registry)))
	}

	sc := scheduler.New(ctx.Config, bag, store, executor, opts...)

	signalCtx, stop := ctx.withSignals()
	defer stop()

	if err := sc.Start(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}
