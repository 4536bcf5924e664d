package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

type jobRow struct {
	ID              string        `db:"id"`
	JobType         string        `db:"job_type"`
	State           string        `db:"state"`
	Hostname        string        `db:"hostname"`
	PID             int           `db:"pid"`
	LatestHeartbeat sql.NullInt64 `db:"latest_heartbeat"`
	StartDate       sql.NullInt64 `db:"start_date"`
	EndDate         sql.NullInt64 `db:"end_date"`
}

func (q *queries) InsertJob(ctx context.Context, j *exec.Job) error {
	_, err := q.exec(ctx, `INSERT INTO job (id, job_type, state, hostname, pid, latest_heartbeat, start_date, end_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.JobType, string(j.State), j.Hostname, j.PID,
		micros(j.LatestHeartbeat), micros(j.StartDate), micros(j.EndDate))
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

func (q *queries) GetJob(ctx context.Context, id string) (*exec.Job, error) {
	var row jobRow
	err := q.get(ctx, &row, `SELECT id, job_type, state, hostname, pid, latest_heartbeat, start_date, end_date
		FROM job WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &exec.Job{
		ID:              row.ID,
		JobType:         row.JobType,
		State:           parseState(row.State),
		Hostname:        row.Hostname,
		PID:             row.PID,
		LatestHeartbeat: fromMicros(row.LatestHeartbeat),
		StartDate:       fromMicros(row.StartDate),
		EndDate:         fromMicros(row.EndDate),
	}, nil
}

func (q *queries) UpdateJob(ctx context.Context, j *exec.Job) error {
	n, err := q.exec(ctx, `UPDATE job SET state = ?, hostname = ?, pid = ?, latest_heartbeat = ?, start_date = ?, end_date = ?
		WHERE id = ?`,
		string(j.State), j.Hostname, j.PID, micros(j.LatestHeartbeat), micros(j.StartDate), micros(j.EndDate), j.ID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update job %s: %w", j.ID, exec.ErrNotFound)
	}
	return nil
}

func (q *queries) SetJobsState(ctx context.Context, ids []string, state core.State) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := q.exec(ctx, `UPDATE job SET state = ? WHERE id IN (?)`, string(state), ids)
	if err != nil {
		return 0, fmt.Errorf("set jobs state: %w", err)
	}
	return n, nil
}

func (q *queries) HeartbeatJobs(ctx context.Context, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := q.exec(ctx, `UPDATE job SET latest_heartbeat = ? WHERE id IN (?)`, micros(at), ids)
	if err != nil {
		return 0, fmt.Errorf("heartbeat jobs: %w", err)
	}
	return n, nil
}
