package core

import "fmt"

// TriggerRule decides how many upstream outcomes a task needs before it
// may run.
type TriggerRule string

const (
	TriggerAllSuccess TriggerRule = "all_success"
	TriggerAllFailed  TriggerRule = "all_failed"
	TriggerAllDone    TriggerRule = "all_done"
	TriggerOneSuccess TriggerRule = "one_success"
	TriggerOneFailed  TriggerRule = "one_failed"
	TriggerNoneFailed TriggerRule = "none_failed"
	TriggerDummy      TriggerRule = "dummy"
)

func ParseTriggerRule(s string) (TriggerRule, error) {
	switch r := TriggerRule(s); r {
	case "":
		return TriggerAllSuccess, nil
	case TriggerAllSuccess, TriggerAllFailed, TriggerAllDone, TriggerOneSuccess,
		TriggerOneFailed, TriggerNoneFailed, TriggerDummy:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTriggerRule, s)
}

// UpstreamSummary counts the states of a task's direct upstream instances.
type UpstreamSummary struct {
	Total          int
	Success        int
	Skipped        int
	Failed         int
	UpstreamFailed int
}

// Done is the number of upstream instances in a finished state.
func (u UpstreamSummary) Done() int {
	return u.Success + u.Skipped + u.Failed + u.UpstreamFailed
}

// Decision is the outcome of evaluating a trigger rule.
type Decision int

const (
	DecisionWait Decision = iota
	DecisionRun
	DecisionSkip
	DecisionUpstreamFailed
)

func (d Decision) String() string {
	switch d {
	case DecisionRun:
		return "run"
	case DecisionSkip:
		return "skip"
	case DecisionUpstreamFailed:
		return "upstream_failed"
	default:
		return "wait"
	}
}

// Evaluate applies the rule to the upstream summary. Tasks without
// upstream always run.
func (r TriggerRule) Evaluate(u UpstreamSummary) Decision {
	if u.Total == 0 || r == TriggerDummy {
		return DecisionRun
	}
	done := u.Done() >= u.Total
	failures := u.Failed + u.UpstreamFailed

	switch r {
	case TriggerAllFailed:
		if u.Success > 0 || u.Skipped > 0 {
			return DecisionSkip
		}
		if done {
			return DecisionRun
		}
	case TriggerAllDone:
		if done {
			return DecisionRun
		}
	case TriggerOneSuccess:
		if u.Success > 0 {
			return DecisionRun
		}
		if done {
			return DecisionSkip
		}
	case TriggerOneFailed:
		if failures > 0 {
			return DecisionRun
		}
		if done {
			return DecisionSkip
		}
	case TriggerNoneFailed:
		if failures > 0 {
			return DecisionUpstreamFailed
		}
		if done {
			return DecisionRun
		}
	default:
		if failures > 0 {
			return DecisionUpstreamFailed
		}
		if u.Skipped > 0 {
			return DecisionSkip
		}
		if u.Success >= u.Total {
			return DecisionRun
		}
	}
	return DecisionWait
}
