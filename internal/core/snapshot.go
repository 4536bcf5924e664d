package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotVersion is bumped whenever the snapshot layout changes.
const SnapshotVersion = 1

// Snapshot is the serialized, content-addressed form of a DAG handed to
// workers. Runners and callbacks are not part of it.
type Snapshot struct {
	Version       int            `json:"version"`
	DAGID         string         `json:"dag_id"`
	Description   string         `json:"description,omitempty"`
	Schedule      string         `json:"schedule"`
	Timezone      string         `json:"timezone"`
	StartDate     *time.Time     `json:"start_date,omitempty"`
	EndDate       *time.Time     `json:"end_date,omitempty"`
	Concurrency   int            `json:"concurrency"`
	MaxActiveRuns int            `json:"max_active_runs"`
	Catchup       bool           `json:"catchup"`
	DagrunTimeout time.Duration  `json:"dagrun_timeout,omitempty"`
	Fileloc       string         `json:"fileloc,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	Tasks         []TaskSnapshot `json:"tasks"`
}

type TaskSnapshot struct {
	ID                      string            `json:"id"`
	Owner                   string            `json:"owner,omitempty"`
	Retries                 int               `json:"retries"`
	RetryDelay              time.Duration     `json:"retry_delay"`
	RetryExponentialBackoff bool              `json:"retry_exponential_backoff,omitempty"`
	MaxRetryDelay           time.Duration     `json:"max_retry_delay,omitempty"`
	StartDate               *time.Time        `json:"start_date,omitempty"`
	EndDate                 *time.Time        `json:"end_date,omitempty"`
	TriggerRule             TriggerRule       `json:"trigger_rule"`
	Pool                    string            `json:"pool"`
	PriorityWeight          int               `json:"priority_weight"`
	Queue                   string            `json:"queue,omitempty"`
	Adhoc                   bool              `json:"adhoc,omitempty"`
	ExecutionTimeout        time.Duration     `json:"execution_timeout,omitempty"`
	SLA                     time.Duration     `json:"sla,omitempty"`
	Params                  map[string]any    `json:"params,omitempty"`
	TemplateFields          map[string]string `json:"template_fields,omitempty"`
	Upstream                []string          `json:"upstream,omitempty"`
	SubDAG                  *Snapshot         `json:"subdag,omitempty"`
}

// Snapshot captures tasks, edges and schedule metadata.
func (d *DAG) Snapshot() *Snapshot {
	s := &Snapshot{
		Version:       SnapshotVersion,
		DAGID:         d.ID,
		Description:   d.Description,
		Schedule:      d.schedule().String(),
		Timezone:      locOrUTC(d.Location).String(),
		StartDate:     timePtr(d.StartDate),
		EndDate:       timePtr(d.EndDate),
		Concurrency:   d.Concurrency,
		MaxActiveRuns: d.MaxActiveRuns,
		Catchup:       d.Catchup,
		DagrunTimeout: d.DagrunTimeout,
		Fileloc:       d.Fileloc,
		Tags:          d.Tags,
		Params:        d.Params,
	}
	for _, t := range d.tasks {
		ts := TaskSnapshot{
			ID:                      t.ID,
			Owner:                   t.Owner,
			Retries:                 t.Retries,
			RetryDelay:              t.RetryDelay,
			RetryExponentialBackoff: t.RetryExponentialBackoff,
			MaxRetryDelay:           t.MaxRetryDelay,
			StartDate:               timePtr(t.StartDate),
			EndDate:                 timePtr(t.EndDate),
			TriggerRule:             t.TriggerRule,
			Pool:                    t.Pool,
			PriorityWeight:          t.PriorityWeight,
			Queue:                   t.Queue,
			Adhoc:                   t.Adhoc,
			ExecutionTimeout:        t.ExecutionTimeout,
			SLA:                     t.SLA,
			Params:                  t.Params,
			TemplateFields:          t.TemplateFields,
			Upstream:                t.UpstreamIDs(),
		}
		if t.SubDAG != nil {
			ts.SubDAG = t.SubDAG.Snapshot()
		}
		s.Tasks = append(s.Tasks, ts)
	}
	return s
}

// Encode returns the canonical JSON and its sha256 hex digest. encoding/json
// sorts map keys, so equal DAGs produce equal hashes.
func (s *Snapshot) Encode() ([]byte, string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, "", fmt.Errorf("encode snapshot %s: %w", s.DAGID, err)
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// DecodeSnapshot parses data produced by Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.Version)
	}
	return &s, nil
}

// DAG rebuilds a DAG from the snapshot.
func (s *Snapshot) DAG() (*DAG, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, &DefinitionError{DAGID: s.DAGID, Err: err}
	}
	opts := []Option{
		WithSchedule(s.Schedule),
		WithLocation(loc),
		WithCatchup(s.Catchup),
		WithConcurrency(s.Concurrency),
		WithMaxActiveRuns(s.MaxActiveRuns),
	}
	if s.StartDate != nil {
		opts = append(opts, WithStartDate(*s.StartDate))
	}
	if s.EndDate != nil {
		opts = append(opts, WithEndDate(*s.EndDate))
	}
	if s.Params != nil {
		opts = append(opts, WithParams(s.Params))
	}
	d, err := NewDAG(s.DAGID, opts...)
	if err != nil {
		return nil, err
	}
	d.Description = s.Description
	d.DagrunTimeout = s.DagrunTimeout
	d.Fileloc = s.Fileloc
	d.Tags = s.Tags

	for _, ts := range s.Tasks {
		t := &Task{
			ID:                      ts.ID,
			Owner:                   ts.Owner,
			Retries:                 ts.Retries,
			RetryDelay:              ts.RetryDelay,
			RetryExponentialBackoff: ts.RetryExponentialBackoff,
			MaxRetryDelay:           ts.MaxRetryDelay,
			TriggerRule:             ts.TriggerRule,
			Pool:                    ts.Pool,
			PriorityWeight:          ts.PriorityWeight,
			Queue:                   ts.Queue,
			Adhoc:                   ts.Adhoc,
			ExecutionTimeout:        ts.ExecutionTimeout,
			SLA:                     ts.SLA,
			Params:                  ts.Params,
			TemplateFields:          ts.TemplateFields,
		}
		if ts.StartDate != nil {
			t.StartDate = *ts.StartDate
		}
		if ts.EndDate != nil {
			t.EndDate = *ts.EndDate
		}
		if ts.SubDAG != nil {
			sub, err := ts.SubDAG.DAG()
			if err != nil {
				return nil, err
			}
			t.SubDAG = sub
		}
		if err := d.AddTask(t); err != nil {
			return nil, err
		}
	}
	for _, ts := range s.Tasks {
		for _, up := range ts.Upstream {
			if err := d.SetDependency(up, ts.ID); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
