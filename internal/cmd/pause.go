package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func Pause() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "pause [flags] DAG_ID",
			Short: "Pause a DAG",
			Long: `Stop the scheduler from creating runs for a DAG or admitting its task
instances. Running instances finish normally.

Example:
  dagsched pause etl_daily
`,
			Args: cobra.ExactArgs(1),
		}, []commandLineFlag{dagsFlag}, func(ctx *Context, args []string) error {
			return setPaused(ctx, args[0], true)
		},
	)
}

func Unpause() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "unpause [flags] DAG_ID",
			Short: "Resume a paused DAG",
			Args:  cobra.ExactArgs(1),
		}, []commandLineFlag{dagsFlag}, func(ctx *Context, args []string) error {
			return setPaused(ctx, args[0], false)
		},
	)
}

func setPaused(ctx *Context, dagID string, paused bool) error {
	dag, bag, err := ctx.DAG(dagID)
	if err != nil {
		return err
	}
	if dag.IsSubDAG {
		return fmt.Errorf("%s is a sub-DAG; pause its root DAG %s instead", dag.ID, dag.RootDAG().ID)
	}
	if err := bag.SyncToStore(ctx); err != nil {
		return fmt.Errorf("failed to sync DAGs: %w", err)
	}
	store, err := ctx.Store()
	if err != nil {
		return err
	}
	if err := store.SetDagPaused(ctx, dag.ID, paused); err != nil {
		return fmt.Errorf("failed to update %s: %w", dag.ID, err)
	}
	_, err = fmt.Fprintf(ctx.Command.OutOrStdout(), "DAG %s paused: %t\n", dag.ID, paused)
	return err
}
