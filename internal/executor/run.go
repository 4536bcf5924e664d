// Package executor runs task instances handed over by the scheduler,
// either in-process or through a Redis queue consumed by workers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

// ErrNoTask is reported when a work item reaches a runner without its
// task definition.
var ErrNoTask = errors.New("work item has no task")

// runItem executes one try of item and returns the finished event.
// Tasks without a runner succeed immediately.
func runItem(ctx context.Context, item exec.WorkItem, hostname string, now func() time.Time) exec.Event {
	ev := exec.Event{
		Type:      exec.EventFinished,
		Key:       item.Key,
		TryNumber: item.TryNumber,
		Hostname:  hostname,
		PID:       os.Getpid(),
	}
	err := execute(ctx, item)
	ev.At = now().UTC()
	switch {
	case err == nil:
		ev.State = core.StateSuccess
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		ev.State = core.StateShutdown
		ev.Error = err.Error()
	default:
		ev.State = core.StateFailed
		ev.Error = err.Error()
	}
	return ev
}

func execute(ctx context.Context, item exec.WorkItem) (err error) {
	task := item.Task
	if task == nil {
		return ErrNoTask
	}
	if task.Runner == nil {
		return nil
	}

	if task.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.ExecutionTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Task runner panicked",
				tag.Task(task.ID), tag.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	tc := core.NewTemplateContext(core.TemplateInput{
		DAG:           task.DAG(),
		Task:          task,
		ExecutionDate: item.Key.ExecutionDate,
		RunID:         item.RunID,
		TryNumber:     item.TryNumber,
		Conf:          item.Conf,
	})
	err = task.Runner.Run(ctx, tc)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("execution timed out after %s: %w", task.ExecutionTimeout, err)
	}
	return err
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
