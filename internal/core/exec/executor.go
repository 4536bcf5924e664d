package exec

import (
	"context"
	"time"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/stretchr/testify/mock"
)

// WorkItem is one task instance try handed to an executor.
type WorkItem struct {
	Key            TIKey          `json:"key"`
	RunID          string         `json:"run_id"`
	TryNumber      int            `json:"try_number"`
	Pool           string         `json:"pool"`
	Queue          string         `json:"queue,omitempty"`
	PriorityWeight int            `json:"priority_weight"`
	SnapshotHash   string         `json:"snapshot_hash,omitempty"`
	Conf           map[string]any `json:"conf,omitempty"`

	// Task is resolved in-process and never serialized.
	Task *core.Task `json:"-"`
}

// EventType classifies executor events.
type EventType string

const (
	EventRunning   EventType = "running"
	EventHeartbeat EventType = "heartbeat"
	EventFinished  EventType = "finished"
)

// Event reports progress of a submitted work item.
type Event struct {
	Type      EventType  `json:"type"`
	Key       TIKey      `json:"key"`
	TryNumber int        `json:"try_number"`
	State     core.State `json:"state,omitempty"`
	Error     string     `json:"error,omitempty"`
	Hostname  string     `json:"hostname,omitempty"`
	PID       int        `json:"pid,omitempty"`
	At        time.Time  `json:"at"`
}

// Executor runs task instances outside the scheduler loop.
type Executor interface {
	// Start processes submitted work until ctx is cancelled.
	Start(ctx context.Context) error
	Submit(ctx context.Context, item WorkItem) error
	// Cancel asks the executor to stop a running item.
	Cancel(ctx context.Context, key TIKey) error
	Events() <-chan Event
}

var _ Executor = (*MockExecutor)(nil)

// MockExecutor is a mock implementation of Executor for testing.
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockExecutor) Submit(ctx context.Context, item WorkItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *MockExecutor) Cancel(ctx context.Context, key TIKey) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockExecutor) Events() <-chan Event {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(<-chan Event)
}
