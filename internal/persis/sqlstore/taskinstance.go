package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

type taskInstanceRow struct {
	DAGID          string        `db:"dag_id"`
	TaskID         string        `db:"task_id"`
	ExecutionDate  int64         `db:"execution_date"`
	StartDate      sql.NullInt64 `db:"start_date"`
	EndDate        sql.NullInt64 `db:"end_date"`
	Duration       int64         `db:"duration"`
	State          string        `db:"state"`
	TryNumber      int           `db:"try_number"`
	MaxTries       int           `db:"max_tries"`
	Hostname       string        `db:"hostname"`
	JobID          string        `db:"job_id"`
	PID            int           `db:"pid"`
	Pool           string        `db:"pool"`
	Queue          string        `db:"queue"`
	PriorityWeight int           `db:"priority_weight"`
	QueuedAt       sql.NullInt64 `db:"queued_at"`
}

func (r taskInstanceRow) instance() exec.TaskInstance {
	return exec.TaskInstance{
		DAGID:          r.DAGID,
		TaskID:         r.TaskID,
		ExecutionDate:  fromStamp(r.ExecutionDate),
		StartDate:      fromMicros(r.StartDate),
		EndDate:        fromMicros(r.EndDate),
		Duration:       time.Duration(r.Duration) * time.Microsecond,
		State:          parseState(r.State),
		TryNumber:      r.TryNumber,
		MaxTries:       r.MaxTries,
		Hostname:       r.Hostname,
		JobID:          r.JobID,
		PID:            r.PID,
		Pool:           r.Pool,
		Queue:          r.Queue,
		PriorityWeight: r.PriorityWeight,
		QueuedAt:       fromMicros(r.QueuedAt),
	}
}

const taskInstanceColumns = `dag_id, task_id, execution_date, start_date, end_date, duration, state,
	try_number, max_tries, hostname, job_id, pid, pool, queue, priority_weight, queued_at`

func taskInstanceArgs(ti *exec.TaskInstance) []any {
	return []any{
		ti.DAGID, ti.TaskID, stamp(ti.ExecutionDate), micros(ti.StartDate), micros(ti.EndDate),
		ti.Duration.Microseconds(), string(ti.State), ti.TryNumber, ti.MaxTries, ti.Hostname,
		ti.JobID, ti.PID, ti.Pool, ti.Queue, ti.PriorityWeight, micros(ti.QueuedAt),
	}
}

func normalizeTI(ti *exec.TaskInstance) {
	if ti.State == "" {
		ti.State = core.StateNone
	}
	if ti.Pool == "" {
		ti.Pool = core.DefaultPool
	}
}

func (q *queries) InsertTaskInstance(ctx context.Context, ti *exec.TaskInstance) (bool, error) {
	normalizeTI(ti)
	n, err := q.exec(ctx, `INSERT INTO task_instance (`+taskInstanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dag_id, task_id, execution_date) DO NOTHING`,
		taskInstanceArgs(ti)...)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", ti, err)
	}
	return n > 0, nil
}

func (q *queries) UpsertTaskInstance(ctx context.Context, ti *exec.TaskInstance) error {
	normalizeTI(ti)
	_, err := q.exec(ctx, `INSERT INTO task_instance (`+taskInstanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dag_id, task_id, execution_date) DO UPDATE SET
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			duration = excluded.duration,
			state = excluded.state,
			try_number = excluded.try_number,
			max_tries = excluded.max_tries,
			hostname = excluded.hostname,
			job_id = excluded.job_id,
			pid = excluded.pid,
			pool = excluded.pool,
			queue = excluded.queue,
			priority_weight = excluded.priority_weight,
			queued_at = excluded.queued_at`,
		taskInstanceArgs(ti)...)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", ti, err)
	}
	return nil
}

func (q *queries) GetTaskInstance(ctx context.Context, key exec.TIKey) (*exec.TaskInstance, error) {
	var row taskInstanceRow
	err := q.get(ctx, &row, `SELECT `+taskInstanceColumns+` FROM task_instance
		WHERE dag_id = ? AND task_id = ? AND execution_date = ?`,
		key.DAGID, key.TaskID, stamp(key.ExecutionDate))
	if err != nil {
		return nil, fmt.Errorf("get task instance %s: %w", key, err)
	}
	ti := row.instance()
	return &ti, nil
}

func tiWhere(f exec.TaskInstanceFilter) *where {
	w := &where{}
	if f.DAGID != "" {
		w.add("dag_id = ?", f.DAGID)
	}
	if len(f.DAGIDs) > 0 {
		w.add("dag_id IN (?)", f.DAGIDs)
	}
	if len(f.TaskIDs) > 0 {
		w.add("task_id IN (?)", f.TaskIDs)
	}
	if !f.ExecutionDate.IsZero() {
		w.add("execution_date = ?", stamp(f.ExecutionDate))
	}
	if len(f.ExecutionDates) > 0 {
		w.add("execution_date IN (?)", stamps(f.ExecutionDates))
	}
	if !f.StartDate.IsZero() {
		w.add("execution_date >= ?", stamp(f.StartDate))
	}
	if !f.EndDate.IsZero() {
		w.add("execution_date <= ?", stamp(f.EndDate))
	}
	if len(f.States) > 0 {
		w.add("state IN (?)", stateStrings(f.States))
	}
	if len(f.Pools) > 0 {
		w.add("pool IN (?)", f.Pools)
	}
	return w
}

func (q *queries) FindTaskInstances(ctx context.Context, f exec.TaskInstanceFilter) ([]exec.TaskInstance, error) {
	w := tiWhere(f)
	var rows []taskInstanceRow
	err := q.selectAll(ctx, &rows, `SELECT `+taskInstanceColumns+` FROM task_instance`+w.String()+
		` ORDER BY execution_date, dag_id, task_id`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("find task instances: %w", err)
	}
	out := make([]exec.TaskInstance, len(rows))
	for i, r := range rows {
		out[i] = r.instance()
	}
	return out, nil
}

func (q *queries) UpdateTaskInstance(ctx context.Context, ti *exec.TaskInstance) error {
	n, err := q.exec(ctx, `UPDATE task_instance SET
			start_date = ?, end_date = ?, duration = ?, state = ?, try_number = ?, max_tries = ?,
			hostname = ?, job_id = ?, pid = ?, pool = ?, queue = ?, priority_weight = ?, queued_at = ?
		WHERE dag_id = ? AND task_id = ? AND execution_date = ?`,
		micros(ti.StartDate), micros(ti.EndDate), ti.Duration.Microseconds(), string(ti.State),
		ti.TryNumber, ti.MaxTries, ti.Hostname, ti.JobID, ti.PID, ti.Pool, ti.Queue,
		ti.PriorityWeight, micros(ti.QueuedAt),
		ti.DAGID, ti.TaskID, stamp(ti.ExecutionDate))
	if err != nil {
		return fmt.Errorf("update %s: %w", ti, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", ti, exec.ErrNotFound)
	}
	return nil
}

func (q *queries) UpdateTaskInstances(ctx context.Context, f exec.TaskInstanceFilter, u exec.TaskInstanceUpdate) (int64, error) {
	w := tiWhere(f)
	args := append([]any{string(u.State), micros(u.StartDate), micros(u.EndDate)}, w.args...)
	n, err := q.exec(ctx, `UPDATE task_instance SET state = ?, start_date = ?, end_date = ?`+w.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("update task instances: %w", err)
	}
	return n, nil
}

func (q *queries) CountTaskInstancesByState(ctx context.Context, f exec.TaskInstanceFilter) (map[core.State]int, error) {
	w := tiWhere(f)
	var rows []struct {
		State string `db:"state"`
		Count int    `db:"cnt"`
	}
	err := q.selectAll(ctx, &rows, `SELECT state, COUNT(*) AS cnt FROM task_instance`+w.String()+` GROUP BY state`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("count task instances: %w", err)
	}
	out := make(map[core.State]int, len(rows))
	for _, r := range rows {
		out[parseState(r.State)] = r.Count
	}
	return out, nil
}

func (q *queries) FindZombies(ctx context.Context, limit time.Time) ([]exec.TaskInstance, error) {
	var rows []taskInstanceRow
	err := q.selectAll(ctx, &rows, `SELECT ti.dag_id, ti.task_id, ti.execution_date, ti.start_date, ti.end_date,
			ti.duration, ti.state, ti.try_number, ti.max_tries, ti.hostname, ti.job_id, ti.pid, ti.pool,
			ti.queue, ti.priority_weight, ti.queued_at
		FROM task_instance ti
		JOIN job ON job.id = ti.job_id
		WHERE ti.state = ?
		  AND job.job_type = ?
		  AND (job.state <> ? OR job.latest_heartbeat IS NULL OR job.latest_heartbeat < ?)
		ORDER BY ti.execution_date, ti.dag_id, ti.task_id`,
		string(core.StateRunning), exec.JobTypeLocalTask, string(core.StateRunning), stamp(limit))
	if err != nil {
		return nil, fmt.Errorf("find zombies: %w", err)
	}
	out := make([]exec.TaskInstance, len(rows))
	for i, r := range rows {
		out[i] = r.instance()
	}
	return out, nil
}

func (q *queries) InsertTaskFail(ctx context.Context, f *exec.TaskFail) error {
	query, args, err := q.prepare(`INSERT INTO task_fail
		(dag_id, task_id, execution_date, start_date, end_date, duration, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		f.DAGID, f.TaskID, stamp(f.ExecutionDate), micros(f.StartDate), micros(f.EndDate),
		f.Duration.Microseconds(), f.Reason)
	if err != nil {
		return err
	}
	if err := q.db.QueryRowxContext(ctx, query, args...).Scan(&f.ID); err != nil {
		return fmt.Errorf("insert task fail %s.%s: %w", f.DAGID, f.TaskID, err)
	}
	return nil
}

func (q *queries) ListTaskFails(ctx context.Context, dagID, taskID string) ([]exec.TaskFail, error) {
	var w where
	w.add("dag_id = ?", dagID)
	if taskID != "" {
		w.add("task_id = ?", taskID)
	}
	var rows []struct {
		ID            int64         `db:"id"`
		DAGID         string        `db:"dag_id"`
		TaskID        string        `db:"task_id"`
		ExecutionDate int64         `db:"execution_date"`
		StartDate     sql.NullInt64 `db:"start_date"`
		EndDate       sql.NullInt64 `db:"end_date"`
		Duration      int64         `db:"duration"`
		Reason        string        `db:"reason"`
	}
	err := q.selectAll(ctx, &rows, `SELECT id, dag_id, task_id, execution_date, start_date, end_date, duration, reason
		FROM task_fail`+w.String()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list task fails: %w", err)
	}
	out := make([]exec.TaskFail, len(rows))
	for i, r := range rows {
		out[i] = exec.TaskFail{
			ID:            r.ID,
			DAGID:         r.DAGID,
			TaskID:        r.TaskID,
			ExecutionDate: fromStamp(r.ExecutionDate),
			StartDate:     fromMicros(r.StartDate),
			EndDate:       fromMicros(r.EndDate),
			Duration:      time.Duration(r.Duration) * time.Microsecond,
			Reason:        r.Reason,
		}
	}
	return out, nil
}
