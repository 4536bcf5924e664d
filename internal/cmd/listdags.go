package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func ListDAGs() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "list-dags [flags]",
			Short: "List the DAGs found in the DAG folder",
			Long: `Collect the DAG folder, record what was found and print one row per DAG.

Files that failed to import are listed after the table. With --report the
per-file load statistics of the collection pass are printed instead.

Example:
  dagsched list-dags --report
`,
			Args: cobra.NoArgs,
		}, listDAGsFlags, runListDAGs,
	)
}

var listDAGsFlags = []commandLineFlag{
	dagsFlag,
	{name: "report", shorthand: "r", usage: "print per-file load statistics", isBool: true},
}

func runListDAGs(ctx *Context, _ []string) error {
	bag, err := ctx.DagBag()
	if err != nil {
		return err
	}
	out := ctx.Command.OutOrStdout()

	if report, _ := ctx.Command.Flags().GetBool("report"); report {
		_, err := fmt.Fprintln(out, bag.Report())
		return err
	}

	if err := bag.SyncToStore(ctx); err != nil {
		return fmt.Errorf("failed to sync DAGs: %w", err)
	}
	paused, err := bag.PausedDAGs(ctx)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"DAG ID", "Schedule", "Paused", "Owner", "File"})
	for _, dag := range bag.DAGs() {
		schedule := "None"
		if dag.Schedule != nil && dag.Schedule.String() != "" {
			schedule = dag.Schedule.String()
		}
		t.AppendRow(table.Row{dag.ID, schedule, paused[dag.RootDAG().ID], dag.Owner(), dag.Fileloc})
	}
	t.Render()

	for _, ie := range bag.ImportErrors() {
		if _, err := fmt.Fprintf(out, "import error: %s: %s\n", ie.Path, ie.Message); err != nil {
			return err
		}
	}
	return nil
}
