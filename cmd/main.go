package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dagucloud/dagsched/internal/cmd"
	"github.com/dagucloud/dagsched/internal/cmn/config"
)

var rootCmd = &cobra.Command{
	Use:   config.AppSlug,
	Short: "dagsched schedules and runs DAGs of tasks",
	Long: `dagsched schedules and runs DAGs of tasks.

DAGs are declared in YAML files under the DAG folder. The scheduler creates
their runs as they fall due, admits task instances under the configured
parallelism, DAG concurrency and pool limits, and hands them to a local or
Redis-backed executor.
`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(cmd.Scheduler())
	rootCmd.AddCommand(cmd.Worker())
	rootCmd.AddCommand(cmd.ListDAGs())
	rootCmd.AddCommand(cmd.Trigger())
	rootCmd.AddCommand(cmd.Clear())
	rootCmd.AddCommand(cmd.Pause())
	rootCmd.AddCommand(cmd.Unpause())
	rootCmd.AddCommand(cmd.Pool())
	rootCmd.AddCommand(cmd.Variables())
	rootCmd.AddCommand(cmd.Connections())
	rootCmd.AddCommand(cmd.Migrate())
	rootCmd.AddCommand(cmd.Version())

	config.Version = version
}

var version = "0.0.0"
