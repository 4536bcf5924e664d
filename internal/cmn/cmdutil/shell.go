package cmdutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultShellEnv overrides the shell picked for commands without one.
const DefaultShellEnv = "DAGSCHED_DEFAULT_SHELL"

// GetShellCommand returns the shell to use for command execution
func GetShellCommand(configuredShell string) string {
	if configuredShell != "" {
		return configuredShell
	}
	if defaultShell := os.Getenv(DefaultShellEnv); defaultShell != "" {
		return defaultShell
	}
	if runtime.GOOS == "windows" {
		if path, err := exec.LookPath("powershell"); err == nil {
			return path
		}
		return "cmd.exe"
	}
	if shPath, err := exec.LookPath("sh"); err == nil {
		return shPath
	}
	return ""
}

// ShellArgs returns the argv that makes shell run script.
func ShellArgs(shell, script string) []string {
	if shell == "" {
		return []string{"sh", "-c", script}
	}
	fields := strings.Fields(shell)
	name := strings.ToLower(filepath.Base(fields[0]))
	switch strings.TrimSuffix(name, ".exe") {
	case "powershell", "pwsh":
		return append(fields, "-Command", script)
	case "cmd":
		return append(fields, "/c", script)
	}
	return append(fields, "-c", script)
}
