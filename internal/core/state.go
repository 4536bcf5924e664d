package core

import (
	"fmt"
	"slices"
)

// State is the lifecycle state of a task instance or a DAG run.
type State string

const (
	StateNone           State = "none"
	StateScheduled      State = "scheduled"
	StateQueued         State = "queued"
	StateRunning        State = "running"
	StateSuccess        State = "success"
	StateFailed         State = "failed"
	StateShutdown       State = "shutdown"
	StateUpForRetry     State = "up_for_retry"
	StateUpstreamFailed State = "upstream_failed"
	StateSkipped        State = "skipped"
)

// TaskStates lists every task instance state.
var TaskStates = []State{
	StateNone, StateScheduled, StateQueued, StateRunning, StateSuccess,
	StateFailed, StateShutdown, StateUpForRetry, StateUpstreamFailed, StateSkipped,
}

// RunStates lists the states a DAG run can be in.
var RunStates = []State{StateRunning, StateSuccess, StateFailed}

// transitions is the allowed-successor table. Clearing is the only way
// out of a terminal state and does not consult it.
var transitions = map[State][]State{
	StateNone:       {StateScheduled, StateQueued, StateRunning, StateSkipped, StateUpstreamFailed},
	StateScheduled:  {StateQueued, StateRunning, StateSkipped, StateUpstreamFailed, StateNone},
	StateQueued:     {StateRunning, StateScheduled, StateFailed, StateShutdown},
	StateRunning:    {StateSuccess, StateFailed, StateShutdown, StateUpForRetry, StateSkipped},
	StateUpForRetry: {StateScheduled, StateQueued, StateRunning, StateFailed, StateSkipped, StateUpstreamFailed},
	StateShutdown:   {StateFailed, StateUpForRetry},
}

func (s State) String() string { return string(s) }

// ParseState accepts the persisted representation; "" maps to StateNone.
func ParseState(v string) (State, error) {
	if v == "" {
		return StateNone, nil
	}
	s := State(v)
	if !slices.Contains(TaskStates, s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, v)
	}
	return s, nil
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	if s == next {
		return true
	}
	return slices.Contains(transitions[s], next)
}

// Finished reports whether no further automatic transition is expected.
func (s State) Finished() bool {
	switch s {
	case StateSuccess, StateFailed, StateSkipped, StateUpstreamFailed:
		return true
	}
	return false
}

// Unfinished is the complement of Finished.
func (s State) Unfinished() bool { return !s.Finished() }

// Successful reports success-compatible terminal states.
func (s State) Successful() bool {
	return s == StateSuccess || s == StateSkipped
}
