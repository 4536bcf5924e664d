package test

import (
	"slices"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// CmdTest describes one command invocation. ExpectedOut lists fragments
// that must appear in the captured output.
type CmdTest struct {
	Name        string
	Args        []string
	ExpectedOut []string
}

// Command runs cobra commands against the helper's config file and store.
type Command struct {
	Helper
}

func SetupCommand(t *testing.T, opts ...HelperOption) Command {
	t.Helper()
	return Command{Helper: Setup(t, append(opts, WithCaptureLoggingOutput())...)}
}

// RunCommand fails the test when the command errors or an expected
// fragment is missing.
func (th Command) RunCommand(t *testing.T, cmd *cobra.Command, tc CmdTest) {
	t.Helper()
	require.NoError(t, th.execute(cmd, tc.Args))
	th.assertOutput(t, tc.ExpectedOut)
}

// RunCommandWithError returns the command's error. Expected output is
// only checked when the command succeeded.
func (th Command) RunCommandWithError(t *testing.T, cmd *cobra.Command, tc CmdTest) error {
	t.Helper()
	err := th.execute(cmd, tc.Args)
	if err == nil {
		th.assertOutput(t, tc.ExpectedOut)
	}
	return err
}

func (th Command) assertOutput(t *testing.T, expected []string) {
	t.Helper()
	output := th.LoggingOutput.String()
	for _, want := range expected {
		require.Contains(t, output, want)
	}
}

// execute runs cmd under a throwaway root with stdout and stderr captured
// in LoggingOutput. --config points at the helper's file unless the
// arguments set it.
func (th Command) execute(cmd *cobra.Command, args []string) error {
	root := &cobra.Command{Use: "root", SilenceErrors: true}
	root.AddCommand(cmd)
	root.SetOut(th.LoggingOutput)
	root.SetErr(th.LoggingOutput)

	if cfgFile := th.Config.Paths.ConfigFileUsed; cfgFile != "" && !slices.ContainsFunc(args, isConfigArg) {
		args = append(slices.Clone(args), "--config", cfgFile)
	}
	root.SetArgs(args)
	return root.ExecuteContext(th.Context)
}

func isConfigArg(arg string) bool {
	return arg == "--config" || arg == "-c" || strings.HasPrefix(arg, "--config=")
}
