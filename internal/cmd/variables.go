package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dagucloud/dagsched/internal/variable"
)

func Variables() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "variables",
		Short: "Manage variables",
		Long: `Read and write the key/value variables available to tasks. Values are
encrypted with the configured secrets provider when one is available.

Example:
  dagsched variables set api_url https://example.com
  dagsched variables get api_url
`,
	}
	cmd.AddCommand(variablesSet(), variablesGet(), variablesList(), variablesDelete())
	return cmd
}

func variableService(ctx *Context) (*variable.Service, error) {
	store, err := ctx.Store()
	if err != nil {
		return nil, err
	}
	return variable.New(store, ctx.Secrets()), nil
}

func variablesSet() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "set [flags] KEY VALUE",
			Short: "Set a variable",
			Args:  cobra.ExactArgs(2),
		}, nil,
		func(ctx *Context, args []string) error {
			svc, err := variableService(ctx)
			if err != nil {
				return err
			}
			if err := svc.Set(ctx, args[0], args[1]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(ctx.Command.OutOrStdout(), "Variable %s set\n", args[0])
			return err
		},
	)
}

func variablesGet() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "get [flags] KEY",
			Short: "Print the value of a variable",
			Args:  cobra.ExactArgs(1),
		},
		[]commandLineFlag{{name: "default", usage: "value printed when the key does not exist"}},
		func(ctx *Context, args []string) error {
			svc, err := variableService(ctx)
			if err != nil {
				return err
			}
			var value string
			if ctx.Command.Flags().Changed("default") {
				def, _ := ctx.Command.Flags().GetString("default")
				value, err = svc.GetDefault(ctx, args[0], def)
			} else {
				value, err = svc.Get(ctx, args[0])
			}
			if err != nil {
				return fmt.Errorf("variable %s: %w", args[0], err)
			}
			_, err = fmt.Fprintln(ctx.Command.OutOrStdout(), value)
			return err
		},
	)
}

func variablesList() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List variable keys",
			Args:  cobra.NoArgs,
		}, nil,
		func(ctx *Context, _ []string) error {
			svc, err := variableService(ctx)
			if err != nil {
				return err
			}
			vars, err := svc.List(ctx)
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(ctx.Command.OutOrStdout())
			t.AppendHeader(table.Row{"Key", "Encrypted", "Description"})
			for _, v := range vars {
				t.AppendRow(table.Row{v.Key, v.IsEncrypted, v.Description})
			}
			t.Render()
			return nil
		},
	)
}

func variablesDelete() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "delete [flags] KEY",
			Short: "Delete a variable",
			Args:  cobra.ExactArgs(1),
		}, nil,
		func(ctx *Context, args []string) error {
			svc, err := variableService(ctx)
			if err != nil {
				return err
			}
			if err := svc.Delete(ctx, args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(ctx.Command.OutOrStdout(), "Variable %s deleted\n", args[0])
			return err
		},
	)
}
