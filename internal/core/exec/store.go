package exec

import (
	"context"
	"time"

	"github.com/dagucloud/dagsched/internal/core"
)

// DagRunFilter selects dag runs. Zero fields match everything.
type DagRunFilter struct {
	DAGID           string
	RunID           string
	ExecutionDate   time.Time
	States          []core.State
	ExternalTrigger *bool
	// Before bounds ExecutionDate exclusively when set.
	Before time.Time
	Limit  int
	// Desc orders by execution date descending.
	Desc bool
}

// TaskInstanceFilter selects task instances. Zero fields match everything.
type TaskInstanceFilter struct {
	DAGID          string
	DAGIDs         []string
	TaskIDs        []string
	ExecutionDate  time.Time
	ExecutionDates []time.Time
	// StartDate and EndDate bound ExecutionDate inclusively.
	StartDate time.Time
	EndDate   time.Time
	States    []core.State
	Pools     []string
}

// XComFilter selects XCom rows. When IncludePrior is set, rows with an
// execution date at or before ExecutionDate match.
type XComFilter struct {
	Key           string
	DAGIDs        []string
	TaskIDs       []string
	ExecutionDate time.Time
	IncludePrior  bool
	Limit         int
}

// TaskInstanceUpdate is a bulk state change applied by filter.
type TaskInstanceUpdate struct {
	State     core.State
	StartDate time.Time
	EndDate   time.Time
}

// Queries is the data access surface shared by the store and its
// transactions.
type Queries interface {
	// DagModel
	UpsertDagModel(ctx context.Context, m DagModel) error
	GetDagModel(ctx context.Context, dagID string) (*DagModel, error)
	ListDagModels(ctx context.Context) ([]DagModel, error)
	SetDagPaused(ctx context.Context, dagID string, paused bool) error
	SetDagExpired(ctx context.Context, dagID string, at time.Time) error
	// DeactivateDagModels marks every DAG not in keep inactive.
	DeactivateDagModels(ctx context.Context, keep []string) (int64, error)
	// DeactivateStaleDagModels marks active DAGs last seen by a
	// scheduler before the given time inactive.
	DeactivateStaleDagModels(ctx context.Context, before time.Time) (int64, error)

	// DagSnapshot; PutSnapshot reports false when the hash already exists.
	PutSnapshot(ctx context.Context, s DagSnapshot) (bool, error)
	GetSnapshot(ctx context.Context, hash string) (*DagSnapshot, error)

	// DagRun; InsertDagRun returns ErrDagRunExists on conflict.
	InsertDagRun(ctx context.Context, run *DagRun) error
	GetDagRun(ctx context.Context, dagID string, executionDate time.Time) (*DagRun, error)
	FindDagRuns(ctx context.Context, f DagRunFilter) ([]DagRun, error)
	// UpdateDagRun reports false when the stored state is no longer from.
	UpdateDagRun(ctx context.Context, run *DagRun, from core.State) (bool, error)
	SetDagRunsState(ctx context.Context, dagID string, executionDates []time.Time, state core.State) (int64, error)
	CountDagRunsByState(ctx context.Context, dagIDs []string) (map[string]map[core.State]int, error)

	// TaskInstance; InsertTaskInstance reports false when the row exists.
	InsertTaskInstance(ctx context.Context, ti *TaskInstance) (bool, error)
	UpsertTaskInstance(ctx context.Context, ti *TaskInstance) error
	GetTaskInstance(ctx context.Context, key TIKey) (*TaskInstance, error)
	FindTaskInstances(ctx context.Context, f TaskInstanceFilter) ([]TaskInstance, error)
	UpdateTaskInstance(ctx context.Context, ti *TaskInstance) error
	UpdateTaskInstances(ctx context.Context, f TaskInstanceFilter, u TaskInstanceUpdate) (int64, error)
	CountTaskInstancesByState(ctx context.Context, f TaskInstanceFilter) (map[core.State]int, error)
	// FindZombies returns RUNNING instances whose job stopped running or
	// last heartbeat before limit.
	FindZombies(ctx context.Context, limit time.Time) ([]TaskInstance, error)

	// TaskFail
	InsertTaskFail(ctx context.Context, f *TaskFail) error
	ListTaskFails(ctx context.Context, dagID, taskID string) ([]TaskFail, error)

	// Job
	InsertJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJob(ctx context.Context, j *Job) error
	SetJobsState(ctx context.Context, ids []string, state core.State) (int64, error)
	HeartbeatJobs(ctx context.Context, ids []string, at time.Time) (int64, error)

	// Pool; GetPool returns ErrPoolNotFound.
	GetPool(ctx context.Context, name string) (*Pool, error)
	ListPools(ctx context.Context) ([]Pool, error)
	UpsertPool(ctx context.Context, p Pool) error
	DeletePool(ctx context.Context, name string) error

	// DagStat
	EnsureDagStats(ctx context.Context, dagID string, states []core.State) error
	// LockDagStats selects rows for update. Postgres locks them; SQLite
	// relies on the immediate transaction.
	LockDagStats(ctx context.Context, dagIDs []string, dirtyOnly bool) ([]DagStat, error)
	SetDagStatsDirty(ctx context.Context, dagID string) error
	UpdateDagStat(ctx context.Context, s DagStat) error
	ListDagStats(ctx context.Context, dagID string) ([]DagStat, error)

	// XCom
	InsertXCom(ctx context.Context, x XCom) error
	DeleteXComs(ctx context.Context, f XComFilter) (int64, error)
	FindXComs(ctx context.Context, f XComFilter) ([]XCom, error)

	// ImportError
	InsertImportError(ctx context.Context, e ImportError) error
	DeleteImportErrors(ctx context.Context, filenames []string) (int64, error)
	ListImportErrors(ctx context.Context) ([]ImportError, error)

	// Variable
	GetVariable(ctx context.Context, key string) (*Variable, error)
	SetVariable(ctx context.Context, v Variable) error
	DeleteVariable(ctx context.Context, key string) error
	ListVariables(ctx context.Context) ([]Variable, error)

	// Connection; GetConnection returns ErrNotFound.
	GetConnection(ctx context.Context, connID string) (*Connection, error)
	UpsertConnection(ctx context.Context, c Connection) error
	DeleteConnection(ctx context.Context, connID string) error
	ListConnections(ctx context.Context) ([]Connection, error)

	// SlaMiss; InsertSlaMiss reports false when the miss is already known.
	InsertSlaMiss(ctx context.Context, m SlaMiss) (bool, error)
	FindSlaMisses(ctx context.Context, dagID string, pendingOnly bool) ([]SlaMiss, error)
	SetSlaMissesNotified(ctx context.Context, misses []SlaMiss) (int64, error)
}

// Store is the transactional persistence capability.
type Store interface {
	Queries
	// InTx runs fn in one transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
	Close() error
}
