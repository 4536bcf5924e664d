package cmdutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
)

// maxOutputTail bounds the command output kept for error messages.
const maxOutputTail = 4096

// ErrEmptyCommand is returned when a command renders to nothing.
var ErrEmptyCommand = errors.New("command is empty")

// CommandRunner runs a templated shell command as a task body. The
// command and env values are rendered against the task's template
// context before execution.
type CommandRunner struct {
	Command  string
	Shell    string
	Dir      string
	Env      map[string]string
	Renderer core.Renderer
	// WaitDelay bounds how long Run waits for output after the process
	// group is killed on cancellation.
	WaitDelay time.Duration
}

var _ core.Runner = (*CommandRunner)(nil)

// Run implements core.Runner.
func (r *CommandRunner) Run(ctx context.Context, tc core.TemplateContext) error {
	renderer := r.Renderer
	if renderer == nil {
		renderer = core.NewTextRenderer(nil)
	}
	script, err := renderer.Render(r.Command, tc)
	if err != nil {
		return err
	}
	if strings.TrimSpace(script) == "" {
		return ErrEmptyCommand
	}
	env, err := r.environ(renderer, tc)
	if err != nil {
		return err
	}

	args := ShellArgs(GetShellCommand(r.Shell), script)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec
	cmd.Dir = r.Dir
	cmd.Env = env
	setupCommand(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	out := &tailBuffer{limit: maxOutputTail}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err = cmd.Run()
	logger.Debug(ctx, "Command finished",
		tag.String("command", script),
		tag.Duration(time.Since(start)),
	)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("command cancelled: %w", ctx.Err())
		}
		if tail := strings.TrimSpace(out.String()); tail != "" {
			return fmt.Errorf("command failed: %w: %s", err, tail)
		}
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

// environ layers the template context and the task env over the process
// environment.
func (r *CommandRunner) environ(renderer core.Renderer, tc core.TemplateContext) ([]string, error) {
	env := os.Environ()
	for _, key := range []string{"dag_id", "task_id", "run_id", "ds", "ts", "try_number", "reason"} {
		if v, ok := tc[key]; ok {
			env = append(env, fmt.Sprintf("DAGSCHED_%s=%v", strings.ToUpper(key), v))
		}
	}
	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := renderer.Render(r.Env[k], tc)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", k, err)
		}
		env = append(env, k+"="+v)
	}
	return env, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, _ := b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
