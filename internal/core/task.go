package core

import (
	"context"
	"slices"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/backoff"
)

// TaskKind is the closed set of task variants.
type TaskKind int

const (
	TaskRegular TaskKind = iota
	TaskSubDAG
)

func (k TaskKind) String() string {
	if k == TaskSubDAG {
		return "subdag"
	}
	return "regular"
}

// Runner is the opaque unit of work behind a task.
type Runner interface {
	Run(ctx context.Context, tc TemplateContext) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, tc TemplateContext) error

func (f RunnerFunc) Run(ctx context.Context, tc TemplateContext) error { return f(ctx, tc) }

// Task is a named unit of work owned by exactly one DAG.
type Task struct {
	ID    string
	Owner string
	// Retries is the number of automatic retries after the first try.
	Retries                 int
	RetryDelay              time.Duration
	RetryExponentialBackoff bool
	MaxRetryDelay           time.Duration
	StartDate               time.Time
	EndDate                 time.Time
	TriggerRule             TriggerRule
	Pool                    string
	PriorityWeight          int
	Queue                   string
	// Adhoc tasks are excluded from scheduled runs.
	Adhoc bool
	// ExecutionTimeout bounds a single try; zero means no limit.
	ExecutionTimeout time.Duration
	// SLA is how long after its schedule period closes a try may still
	// succeed before it counts as missed; zero disables the check.
	SLA            time.Duration
	Params         map[string]any
	TemplateFields map[string]string
	Runner         Runner

	// SubDAG is set for the sub-DAG container variant.
	SubDAG *DAG

	upstream   []string
	downstream []string
	dag        *DAG
}

// Kind reports the task variant.
func (t *Task) Kind() TaskKind {
	if t.SubDAG != nil {
		return TaskSubDAG
	}
	return TaskRegular
}

// DAG returns the owning DAG, nil before AddTask.
func (t *Task) DAG() *DAG { return t.dag }

func (t *Task) UpstreamIDs() []string   { return slices.Clone(t.upstream) }
func (t *Task) DownstreamIDs() []string { return slices.Clone(t.downstream) }

// Relatives returns the transitive upstream (or downstream) closure in
// discovery order, excluding t itself.
func (t *Task) Relatives(upstream bool) []*Task {
	if t.dag == nil {
		return nil
	}
	seen := map[string]bool{t.ID: true}
	var out []*Task
	queue := []*Task{t}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		next := cur.downstream
		if upstream {
			next = cur.upstream
		}
		for _, id := range next {
			if seen[id] {
				continue
			}
			seen[id] = true
			if rel, ok := t.dag.taskIndex[id]; ok {
				out = append(out, rel)
				queue = append(queue, rel)
			}
		}
	}
	return out
}

// RetryPolicy returns the backoff policy configured for the task.
func (t *Task) RetryPolicy() backoff.RetryPolicy {
	if t.RetryExponentialBackoff {
		return backoff.NewExponentialBackoffPolicy(t.RetryDelay, t.MaxRetryDelay)
	}
	return backoff.NewConstantBackoffPolicy(t.RetryDelay)
}

// NextRetryDelay returns the wait after the tryNumber-th failed try.
func (t *Task) NextRetryDelay(tryNumber int) time.Duration {
	d, err := t.RetryPolicy().ComputeNextInterval(max(tryNumber-1, 0))
	if err != nil {
		return t.RetryDelay
	}
	return d
}

// clone copies the task with its edge lists. Params and template fields
// are shared.
func (t *Task) clone() *Task {
	c := *t
	c.upstream = slices.Clone(t.upstream)
	c.downstream = slices.Clone(t.downstream)
	c.dag = nil
	if t.SubDAG != nil {
		c.SubDAG = t.SubDAG.Clone()
	}
	return &c
}
