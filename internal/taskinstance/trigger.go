package taskinstance

import (
	"context"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

// Summarize counts upstream outcomes among tis for task. Upstream
// instances that do not exist yet count toward the total only.
func Summarize(task *core.Task, tis []exec.TaskInstance) core.UpstreamSummary {
	upstream := task.UpstreamIDs()
	summary := core.UpstreamSummary{Total: len(upstream)}
	wanted := make(map[string]bool, len(upstream))
	for _, id := range upstream {
		wanted[id] = true
	}
	for _, ti := range tis {
		if !wanted[ti.TaskID] {
			continue
		}
		switch ti.State {
		case core.StateSuccess:
			summary.Success++
		case core.StateSkipped:
			summary.Skipped++
		case core.StateFailed:
			summary.Failed++
		case core.StateUpstreamFailed:
			summary.UpstreamFailed++
		}
	}
	return summary
}

// EvaluateTriggerRule loads ti's direct upstream instances and applies
// the task's trigger rule to them.
func EvaluateTriggerRule(ctx context.Context, q exec.Queries, ti *exec.TaskInstance, task *core.Task) (core.Decision, error) {
	upstream := task.UpstreamIDs()
	if len(upstream) == 0 {
		return core.DecisionRun, nil
	}
	tis, err := q.FindTaskInstances(ctx, exec.TaskInstanceFilter{
		DAGID:         ti.DAGID,
		ExecutionDate: ti.ExecutionDate,
		TaskIDs:       upstream,
	})
	if err != nil {
		return core.DecisionWait, err
	}
	return task.TriggerRule.Evaluate(Summarize(task, tis)), nil
}
