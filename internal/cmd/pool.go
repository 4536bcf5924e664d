package cmd

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dagucloud/dagsched/internal/pool"
)

func Pool() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage slot pools",
		Long: `Create, inspect and remove the named pools that cap how many task
instances may hold a slot at once.

Example:
  dagsched pool set db_pool 4 --description="shared database"
  dagsched pool list
`,
	}
	cmd.AddCommand(poolSet(), poolGet(), poolList(), poolDelete())
	return cmd
}

func poolSet() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "set [flags] NAME SLOTS",
			Short: "Create a pool or change its size",
			Args:  cobra.ExactArgs(2),
		},
		[]commandLineFlag{{name: "description", usage: "pool description"}},
		func(ctx *Context, args []string) error {
			slots, err := strconv.Atoi(args[1])
			if err != nil || slots < 0 {
				return fmt.Errorf("invalid slot count %q", args[1])
			}
			desc, _ := ctx.Command.Flags().GetString("description")
			store, err := ctx.Store()
			if err != nil {
				return err
			}
			p, err := pool.Set(ctx, store, args[0], slots, desc)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(ctx.Command.OutOrStdout(), "Pool %s set to %d slot(s)\n", p.Name, p.Slots)
			return err
		},
	)
}

func poolGet() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "get [flags] NAME",
			Short: "Show a pool and its usage",
			Args:  cobra.ExactArgs(1),
		}, nil,
		func(ctx *Context, args []string) error {
			store, err := ctx.Store()
			if err != nil {
				return err
			}
			u, err := pool.Get(ctx, store, args[0])
			if err != nil {
				return err
			}
			renderPools(ctx, []pool.Usage{u})
			return nil
		},
	)
}

func poolList() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List pools and their usage",
			Args:  cobra.NoArgs,
		}, nil,
		func(ctx *Context, _ []string) error {
			store, err := ctx.Store()
			if err != nil {
				return err
			}
			usages, err := pool.List(ctx, store)
			if err != nil {
				return err
			}
			renderPools(ctx, usages)
			return nil
		},
	)
}

func poolDelete() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "delete [flags] NAME",
			Short: "Delete a pool",
			Args:  cobra.ExactArgs(1),
		}, nil,
		func(ctx *Context, args []string) error {
			store, err := ctx.Store()
			if err != nil {
				return err
			}
			if err := pool.Delete(ctx, store, args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(ctx.Command.OutOrStdout(), "Pool %s deleted\n", args[0])
			return err
		},
	)
}

func renderPools(ctx *Context, usages []pool.Usage) {
	t := table.NewWriter()
	t.SetOutputMirror(ctx.Command.OutOrStdout())
	t.AppendHeader(table.Row{"Pool", "Slots", "Running", "Queued", "Open", "Description"})
	for _, u := range usages {
		t.AppendRow(table.Row{u.Name, u.Slots, u.Running, u.Queued, u.OpenSlots(), u.Description})
	}
	t.Render()
}
