package exec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dagucloud/dagsched/internal/core"
)

// DagModel is the persisted registry entry for a DAG known to the system.
type DagModel struct {
	DAGID            string
	ParentDAGID      string
	IsPaused         bool
	IsSubDAG         bool
	IsActive         bool
	LastSchedulerRun time.Time
	LastSnapshot     time.Time
	LastExpired      time.Time
	SnapshotHash     string
	Fileloc          string
	Owners           string
}

// DagRun is one materialization of a DAG for a logical time.
type DagRun struct {
	ID              int64
	DAGID           string
	ExecutionDate   time.Time
	StartDate       time.Time
	EndDate         time.Time
	State           core.State
	RunID           string
	ExternalTrigger bool
	Conf            map[string]any
}

func (r *DagRun) String() string {
	return fmt.Sprintf("<DagRun %s @ %s: %s, externally triggered: %t>",
		r.DAGID, r.ExecutionDate.Format(time.RFC3339), r.RunID, r.ExternalTrigger)
}

// TIKey identifies a task instance.
type TIKey struct {
	DAGID         string    `json:"dag_id"`
	TaskID        string    `json:"task_id"`
	ExecutionDate time.Time `json:"execution_date"`
}

func (k TIKey) String() string {
	return fmt.Sprintf("%s.%s@%s", k.DAGID, k.TaskID, k.ExecutionDate.UTC().Format(time.RFC3339))
}

// TaskInstance is the execution record of one task for one logical time.
type TaskInstance struct {
	DAGID          string
	TaskID         string
	ExecutionDate  time.Time
	StartDate      time.Time
	EndDate        time.Time
	Duration       time.Duration
	State          core.State
	TryNumber      int
	MaxTries       int
	Hostname       string
	JobID          string
	PID            int
	Pool           string
	Queue          string
	PriorityWeight int
	QueuedAt       time.Time
}

// Key returns the identity of the instance.
func (ti *TaskInstance) Key() TIKey {
	return TIKey{DAGID: ti.DAGID, TaskID: ti.TaskID, ExecutionDate: ti.ExecutionDate}
}

func (ti *TaskInstance) String() string {
	return fmt.Sprintf("<TaskInstance: %s [%s]>", ti.Key(), ti.State)
}

// Job is a heartbeating process: a scheduler or a task runner.
type Job struct {
	ID              string
	JobType         string
	State           core.State
	Hostname        string
	PID             int
	LatestHeartbeat time.Time
	StartDate       time.Time
	EndDate         time.Time
}

// Job types.
const (
	JobTypeScheduler = "SchedulerJob"
	JobTypeLocalTask = "LocalTaskJob"
)

// Pool bounds concurrent task instances sharing a named resource.
type Pool struct {
	Name        string
	Slots       int
	Description string
}

// DagStat caches the number of runs of a DAG in one state.
type DagStat struct {
	DAGID string
	State core.State
	Count int
	Dirty bool
}

// XCom is a small value published by one task for others to read.
type XCom struct {
	Key           string
	Value         json.RawMessage
	Timestamp     time.Time
	ExecutionDate time.Time
	TaskID        string
	DAGID         string
}

// ImportError records why a source file failed to load.
type ImportError struct {
	ID        int64
	Filename  string
	Message   string
	Timestamp time.Time
}

// Variable is a key/value setting, optionally stored encrypted.
type Variable struct {
	Key         string
	Value       string
	IsEncrypted bool
	Description string
}

// Connection holds how to reach an external system. Password and Extra
// are stored as ciphertext when their Is*Encrypted flag is set.
type Connection struct {
	ConnID           string
	ConnType         string
	Host             string
	Schema           string
	Login            string
	Password         string
	Port             int
	Extra            string
	IsEncrypted      bool
	IsExtraEncrypted bool
}

// SlaMiss records that a task of one logical date finished later than
// its SLA allows.
type SlaMiss struct {
	DAGID            string
	TaskID           string
	ExecutionDate    time.Time
	Timestamp        time.Time
	Description      string
	NotificationSent bool
}

// TaskFail records a failed try.
type TaskFail struct {
	ID            int64
	DAGID         string
	TaskID        string
	ExecutionDate time.Time
	StartDate     time.Time
	EndDate       time.Time
	Duration      time.Duration
	Reason        string
}

// DagSnapshot is a content-addressed serialized DAG.
type DagSnapshot struct {
	Hash      string
	DAGID     string
	Data      []byte
	CreatedAt time.Time
}
