package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

type dagRunRow struct {
	ID              int64         `db:"id"`
	DAGID           string        `db:"dag_id"`
	ExecutionDate   int64         `db:"execution_date"`
	StartDate       sql.NullInt64 `db:"start_date"`
	EndDate         sql.NullInt64 `db:"end_date"`
	State           string        `db:"state"`
	RunID           string        `db:"run_id"`
	ExternalTrigger bool          `db:"external_trigger"`
	Conf            string        `db:"conf"`
}

func (r dagRunRow) run() (exec.DagRun, error) {
	run := exec.DagRun{
		ID:              r.ID,
		DAGID:           r.DAGID,
		ExecutionDate:   fromStamp(r.ExecutionDate),
		StartDate:       fromMicros(r.StartDate),
		EndDate:         fromMicros(r.EndDate),
		State:           parseState(r.State),
		RunID:           r.RunID,
		ExternalTrigger: r.ExternalTrigger,
	}
	if r.Conf != "" {
		if err := json.Unmarshal([]byte(r.Conf), &run.Conf); err != nil {
			return run, fmt.Errorf("decode conf of run %d: %w", r.ID, err)
		}
	}
	return run, nil
}

const dagRunColumns = `id, dag_id, execution_date, start_date, end_date, state, run_id, external_trigger, conf`

func encodeConf(conf map[string]any) (string, error) {
	if len(conf) == 0 {
		return "", nil
	}
	data, err := json.Marshal(conf)
	if err != nil {
		return "", fmt.Errorf("encode conf: %w", err)
	}
	return string(data), nil
}

func (q *queries) InsertDagRun(ctx context.Context, run *exec.DagRun) error {
	conf, err := encodeConf(run.Conf)
	if err != nil {
		return err
	}
	query, args, err := q.prepare(`INSERT INTO dag_run
		(dag_id, execution_date, start_date, end_date, state, run_id, external_trigger, conf)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		run.DAGID, stamp(run.ExecutionDate), micros(run.StartDate), micros(run.EndDate),
		string(run.State), run.RunID, run.ExternalTrigger, conf)
	if err != nil {
		return err
	}
	var id int64
	if err := q.db.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", run, exec.ErrDagRunExists)
		}
		return fmt.Errorf("insert %s: %w", run, err)
	}
	run.ID = id
	return nil
}

func (q *queries) GetDagRun(ctx context.Context, dagID string, executionDate time.Time) (*exec.DagRun, error) {
	var row dagRunRow
	err := q.get(ctx, &row, `SELECT `+dagRunColumns+` FROM dag_run WHERE dag_id = ? AND execution_date = ?`,
		dagID, stamp(executionDate))
	if err != nil {
		return nil, fmt.Errorf("get dag run %s@%s: %w", dagID, executionDate.Format(time.RFC3339), err)
	}
	run, err := row.run()
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (q *queries) FindDagRuns(ctx context.Context, f exec.DagRunFilter) ([]exec.DagRun, error) {
	var w where
	if f.DAGID != "" {
		w.add("dag_id = ?", f.DAGID)
	}
	if f.RunID != "" {
		w.add("run_id = ?", f.RunID)
	}
	if !f.ExecutionDate.IsZero() {
		w.add("execution_date = ?", stamp(f.ExecutionDate))
	}
	if !f.Before.IsZero() {
		w.add("execution_date < ?", stamp(f.Before))
	}
	if len(f.States) > 0 {
		w.add("state IN (?)", stateStrings(f.States))
	}
	if f.ExternalTrigger != nil {
		w.add("external_trigger = ?", *f.ExternalTrigger)
	}
	query := `SELECT ` + dagRunColumns + ` FROM dag_run` + w.String() + ` ORDER BY execution_date`
	if f.Desc {
		query += ` DESC`
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	var rows []dagRunRow
	if err := q.selectAll(ctx, &rows, query, w.args...); err != nil {
		return nil, fmt.Errorf("find dag runs: %w", err)
	}
	out := make([]exec.DagRun, 0, len(rows))
	for _, r := range rows {
		run, err := r.run()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// UpdateDagRun writes run only while the stored state still equals from,
// so that concurrent schedulers cannot both commit the same transition.
func (q *queries) UpdateDagRun(ctx context.Context, run *exec.DagRun, from core.State) (bool, error) {
	conf, err := encodeConf(run.Conf)
	if err != nil {
		return false, err
	}
	n, err := q.exec(ctx, `UPDATE dag_run SET start_date = ?, end_date = ?, state = ?, conf = ? WHERE id = ? AND state = ?`,
		micros(run.StartDate), micros(run.EndDate), string(run.State), conf, run.ID, string(from))
	if err != nil {
		return false, fmt.Errorf("update %s: %w", run, err)
	}
	return n > 0, nil
}

func (q *queries) SetDagRunsState(ctx context.Context, dagID string, executionDates []time.Time, state core.State) (int64, error) {
	if len(executionDates) == 0 {
		return 0, nil
	}
	n, err := q.exec(ctx, `UPDATE dag_run SET state = ?, end_date = NULL WHERE dag_id = ? AND execution_date IN (?)`,
		string(state), dagID, stamps(executionDates))
	if err != nil {
		return 0, fmt.Errorf("set dag runs state for %s: %w", dagID, err)
	}
	return n, nil
}

func (q *queries) CountDagRunsByState(ctx context.Context, dagIDs []string) (map[string]map[core.State]int, error) {
	var w where
	if len(dagIDs) > 0 {
		w.add("dag_id IN (?)", dagIDs)
	}
	var rows []struct {
		DAGID string `db:"dag_id"`
		State string `db:"state"`
		Count int    `db:"cnt"`
	}
	err := q.selectAll(ctx, &rows, `SELECT dag_id, state, COUNT(*) AS cnt FROM dag_run`+w.String()+` GROUP BY dag_id, state`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("count dag runs: %w", err)
	}
	out := map[string]map[core.State]int{}
	for _, r := range rows {
		if out[r.DAGID] == nil {
			out[r.DAGID] = map[core.State]int{}
		}
		out[r.DAGID][parseState(r.State)] = r.Count
	}
	return out, nil
}
