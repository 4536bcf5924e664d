package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dagucloud/dagsched/internal/taskinstance"
)

func Clear() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "clear [flags] DAG_ID",
			Short: "Clear task instances so the scheduler runs them again",
			Long: `Reset the task instances of a DAG within an execution date range.

Cleared instances go back to no state and get their retry budget extended;
running instances are asked to shut down first. The affected runs are set
running again so the scheduler picks them up on its next tick.

Example:
  dagsched clear etl_daily --start-date=2024-01-01 --end-date=2024-01-07 --only-failed
`,
			Args: cobra.ExactArgs(1),
		}, clearFlags, runClear,
	)
}

var clearFlags = []commandLineFlag{
	dagsFlag,
	startDateFlag,
	endDateFlag,
	{name: "only-failed", shorthand: "f", usage: "only clear failed and upstream-failed instances", isBool: true},
	{name: "only-running", shorthand: "r", usage: "only clear running instances", isBool: true},
	{name: "include-subdags", shorthand: "x", usage: "also clear the instances of sub-DAGs", isBool: true},
	{name: "dry-run", usage: "print what would be cleared without changing anything", isBool: true},
}

func runClear(ctx *Context, args []string) error {
	flags := ctx.Command.Flags()
	startStr, _ := flags.GetString("start-date")
	endStr, _ := flags.GetString("end-date")
	start, err := ctx.parseDate("start-date", startStr)
	if err != nil {
		return err
	}
	end, err := ctx.parseDate("end-date", endStr)
	if err != nil {
		return err
	}

	opts := taskinstance.ClearOptions{Start: start, End: end, ResetDagRuns: true}
	opts.OnlyFailed, _ = flags.GetBool("only-failed")
	opts.OnlyRunning, _ = flags.GetBool("only-running")
	opts.IncludeSubDAGs, _ = flags.GetBool("include-subdags")
	opts.DryRun, _ = flags.GetBool("dry-run")

	dag, _, err := ctx.DAG(args[0])
	if err != nil {
		return err
	}
	store, err := ctx.Store()
	if err != nil {
		return err
	}
	tis, err := taskinstance.ClearDAG(ctx, store, dag, opts)
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", dag.ID, err)
	}

	out := ctx.Command.OutOrStdout()
	if len(tis) == 0 {
		_, err := fmt.Fprintln(out, "No task instances to clear")
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"DAG ID", "Task ID", "Execution Date", "State"})
	for _, ti := range tis {
		t.AppendRow(table.Row{ti.DAGID, ti.TaskID, ti.ExecutionDate.Format("2006-01-02T15:04:05Z07:00"), string(ti.State)})
	}
	t.Render()

	verb := "Cleared"
	if opts.DryRun {
		verb = "Would clear"
	}
	_, err = fmt.Fprintf(out, "%s %d task instance(s)\n", verb, len(tis))
	return err
}
