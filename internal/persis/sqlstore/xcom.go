package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dagucloud/dagsched/internal/core/exec"
)

func xcomWhere(f exec.XComFilter) *where {
	w := &where{}
	if f.Key != "" {
		w.add("key = ?", f.Key)
	}
	if len(f.DAGIDs) > 0 {
		w.add("dag_id IN (?)", f.DAGIDs)
	}
	if len(f.TaskIDs) > 0 {
		w.add("task_id IN (?)", f.TaskIDs)
	}
	if !f.ExecutionDate.IsZero() {
		if f.IncludePrior {
			w.add("execution_date <= ?", stamp(f.ExecutionDate))
		} else {
			w.add("execution_date = ?", stamp(f.ExecutionDate))
		}
	}
	return w
}

func (q *queries) InsertXCom(ctx context.Context, x exec.XCom) error {
	_, err := q.exec(ctx, `INSERT INTO xcom (key, value, timestamp, execution_date, task_id, dag_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		x.Key, string(x.Value), stamp(x.Timestamp), stamp(x.ExecutionDate), x.TaskID, x.DAGID)
	if err != nil {
		return fmt.Errorf("insert xcom %s.%s/%s: %w", x.DAGID, x.TaskID, x.Key, err)
	}
	return nil
}

func (q *queries) DeleteXComs(ctx context.Context, f exec.XComFilter) (int64, error) {
	w := xcomWhere(f)
	n, err := q.exec(ctx, `DELETE FROM xcom`+w.String(), w.args...)
	if err != nil {
		return 0, fmt.Errorf("delete xcoms: %w", err)
	}
	return n, nil
}

// FindXComs orders by execution date then timestamp, newest first.
func (q *queries) FindXComs(ctx context.Context, f exec.XComFilter) ([]exec.XCom, error) {
	w := xcomWhere(f)
	query := `SELECT key, value, timestamp, execution_date, task_id, dag_id FROM xcom` + w.String() +
		` ORDER BY execution_date DESC, timestamp DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	var rows []struct {
		Key           string `db:"key"`
		Value         string `db:"value"`
		Timestamp     int64  `db:"timestamp"`
		ExecutionDate int64  `db:"execution_date"`
		TaskID        string `db:"task_id"`
		DAGID         string `db:"dag_id"`
	}
	if err := q.selectAll(ctx, &rows, query, w.args...); err != nil {
		return nil, fmt.Errorf("find xcoms: %w", err)
	}
	out := make([]exec.XCom, len(rows))
	for i, r := range rows {
		out[i] = exec.XCom{
			Key:           r.Key,
			Value:         json.RawMessage(r.Value),
			Timestamp:     fromStamp(r.Timestamp),
			ExecutionDate: fromStamp(r.ExecutionDate),
			TaskID:        r.TaskID,
			DAGID:         r.DAGID,
		}
	}
	return out, nil
}
