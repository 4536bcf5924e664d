// Package xcom stores small JSON values that tasks pass to each other.
// At most one value exists per (dag, task, logical date, key); a later
// Set replaces the earlier one.
package xcom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dagucloud/dagsched/internal/core/exec"
)

// DefaultKey is used when a task pushes its result without naming a key.
const DefaultKey = "return_value"

// DefaultLimit caps GetMany when the query leaves Limit unset.
const DefaultLimit = 100

// ErrNoExecutionDate is returned by writes that would otherwise match
// every logical date of a task.
var ErrNoExecutionDate = errors.New("xcom: execution date is required")

// Query selects XCom values. Zero fields match everything, except
// ExecutionDate which is always applied: exactly, or as an upper bound
// when IncludePriorDates is set.
type Query struct {
	ExecutionDate     time.Time
	Key               string
	TaskIDs           []string
	DAGIDs            []string
	IncludePriorDates bool
	Limit             int
}

func (qr Query) filter() exec.XComFilter {
	return exec.XComFilter{
		Key:           qr.Key,
		DAGIDs:        qr.DAGIDs,
		TaskIDs:       qr.TaskIDs,
		ExecutionDate: qr.ExecutionDate,
		IncludePrior:  qr.IncludePriorDates,
		Limit:         qr.Limit,
	}
}

// Set replaces the value stored under key for one task instance. The
// delete and insert share a transaction.
func Set(ctx context.Context, store exec.Store, key string, value any, executionDate time.Time, taskID, dagID string) error {
	if executionDate.IsZero() {
		return fmt.Errorf("set xcom %s of %s.%s: %w", key, dagID, taskID, ErrNoExecutionDate)
	}
	if key == "" {
		key = DefaultKey
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode xcom %s: %w", key, err)
	}
	return store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
		if _, err := q.DeleteXComs(ctx, exec.XComFilter{
			Key:           key,
			DAGIDs:        []string{dagID},
			TaskIDs:       []string{taskID},
			ExecutionDate: executionDate,
		}); err != nil {
			return err
		}
		return q.InsertXCom(ctx, exec.XCom{
			Key:           key,
			Value:         data,
			Timestamp:     time.Now(),
			ExecutionDate: executionDate,
			TaskID:        taskID,
			DAGID:         dagID,
		})
	})
}

// GetOne decodes the most recent matching value into out and reports
// whether one was found.
func GetOne(ctx context.Context, q exec.Queries, query Query, out any) (bool, error) {
	query.Limit = 1
	rows, err := q.FindXComs(ctx, query.filter())
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	return true, Decode(rows[0], out)
}

// GetMany returns matching rows, newest logical date first.
func GetMany(ctx context.Context, q exec.Queries, query Query) ([]exec.XCom, error) {
	if query.Limit <= 0 {
		query.Limit = DefaultLimit
	}
	return q.FindXComs(ctx, query.filter())
}

// Decode unmarshals the stored JSON value of x into out.
func Decode(x exec.XCom, out any) error {
	if err := json.Unmarshal(x.Value, out); err != nil {
		return fmt.Errorf("decode xcom %s of %s.%s: %w", x.Key, x.DAGID, x.TaskID, err)
	}
	return nil
}

// Delete removes the given rows.
func Delete(ctx context.Context, q exec.Queries, xcoms ...exec.XCom) error {
	for _, x := range xcoms {
		if x.ExecutionDate.IsZero() {
			return fmt.Errorf("delete xcom %s of %s.%s: %w", x.Key, x.DAGID, x.TaskID, ErrNoExecutionDate)
		}
		if _, err := q.DeleteXComs(ctx, exec.XComFilter{
			Key:           x.Key,
			DAGIDs:        []string{x.DAGID},
			TaskIDs:       []string{x.TaskID},
			ExecutionDate: x.ExecutionDate,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ClearForTaskInstance drops every value pushed by one task instance,
// typically before it runs again.
func ClearForTaskInstance(ctx context.Context, q exec.Queries, key exec.TIKey) (int64, error) {
	if key.ExecutionDate.IsZero() {
		return 0, fmt.Errorf("clear xcoms of %s.%s: %w", key.DAGID, key.TaskID, ErrNoExecutionDate)
	}
	return q.DeleteXComs(ctx, exec.XComFilter{
		DAGIDs:        []string{key.DAGID},
		TaskIDs:       []string{key.TaskID},
		ExecutionDate: key.ExecutionDate,
	})
}
