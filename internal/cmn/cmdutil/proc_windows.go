//go:build windows

package cmdutil

import "os/exec"

func setupCommand(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Kill()
	}
	return nil
}
