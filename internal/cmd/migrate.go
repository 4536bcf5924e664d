package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func Migrate() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending database migrations",
			Long: `Create or upgrade the metadata database schema and print the resulting
migration version. Every other command migrates on start, so running this
explicitly is only needed before the first deploy of a new version.
`,
			Args: cobra.NoArgs,
		}, nil,
		func(ctx *Context, _ []string) error {
			store, err := ctx.Store()
			if err != nil {
				return err
			}
			version, err := store.MigrationVersion(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(ctx.Command.OutOrStdout(), "Database %s at migration version %d\n",
				ctx.Config.Database.Driver, version)
			return err
		},
	)
}
