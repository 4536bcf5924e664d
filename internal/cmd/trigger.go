package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/dagrun"
)

func Trigger() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "trigger [flags] DAG_ID",
			Short: "Create a DAG run outside the schedule",
			Long: `Create an externally triggered run of a DAG. The scheduler picks it up on
its next tick; the run does not count towards the schedule.

Flags:
  --run-id string      Run id (default manual__<execution date>)
  --conf string        JSON object passed to the run's tasks
  --exec-date string   Logical date of the run (default now)

Example:
  dagsched trigger etl_daily --conf='{"full_refresh": true}'
`,
			Args: cobra.ExactArgs(1),
		}, triggerFlags, runTrigger,
	)
}

var triggerFlags = []commandLineFlag{
	dagsFlag,
	{name: "run-id", shorthand: "r", usage: "run id of the new run"},
	{name: "conf", usage: "JSON object passed to the run"},
	{name: "exec-date", shorthand: "e", usage: "logical date of the run, YYYY-MM-DD or RFC 3339"},
}

func runTrigger(ctx *Context, args []string) error {
	flags := ctx.Command.Flags()
	runID, _ := flags.GetString("run-id")
	confStr, _ := flags.GetString("conf")
	execStr, _ := flags.GetString("exec-date")

	execDate, err := ctx.parseDate("exec-date", execStr)
	if err != nil {
		return err
	}
	if execDate.IsZero() {
		execDate = time.Now().UTC().Truncate(time.Second)
	}

	var conf map[string]any
	if confStr != "" {
		if err := json.Unmarshal([]byte(confStr), &conf); err != nil {
			return fmt.Errorf("invalid --conf: %w", err)
		}
	}

	dag, bag, err := ctx.DAG(args[0])
	if err != nil {
		return err
	}
	if dag.IsSubDAG {
		return fmt.Errorf("%s is a sub-DAG and only runs inside %s", dag.ID, dag.Parent.ID)
	}
	if err := bag.SyncToStore(ctx); err != nil {
		return fmt.Errorf("failed to sync DAGs: %w", err)
	}

	store, err := ctx.Store()
	if err != nil {
		return err
	}
	run, err := dagrun.New(store).CreateDagRun(ctx, dag, dagrun.CreateOptions{
		RunID:           runID,
		ExecutionDate:   execDate,
		ExternalTrigger: true,
		Conf:            conf,
	})
	if errors.Is(err, exec.ErrDagRunExists) {
		return fmt.Errorf("%s already has a run for %s or with run id %q", dag.ID, execDate.Format(time.RFC3339), runID)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Command.OutOrStdout(), "Created %s run %s for %s\n",
		dag.ID, run.RunID, run.ExecutionDate.Format(time.RFC3339))
	return err
}
