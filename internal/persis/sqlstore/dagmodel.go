package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dagucloud/dagsched/internal/core/exec"
)

type dagModelRow struct {
	DAGID            string        `db:"dag_id"`
	ParentDAGID      string        `db:"parent_dag_id"`
	IsPaused         bool          `db:"is_paused"`
	IsSubDAG         bool          `db:"is_subdag"`
	IsActive         bool          `db:"is_active"`
	LastSchedulerRun sql.NullInt64 `db:"last_scheduler_run"`
	LastSnapshot     sql.NullInt64 `db:"last_snapshot"`
	LastExpired      sql.NullInt64 `db:"last_expired"`
	SnapshotHash     string        `db:"snapshot_hash"`
	Fileloc          string        `db:"fileloc"`
	Owners           string        `db:"owners"`
}

func (r dagModelRow) model() exec.DagModel {
	return exec.DagModel{
		DAGID:            r.DAGID,
		ParentDAGID:      r.ParentDAGID,
		IsPaused:         r.IsPaused,
		IsSubDAG:         r.IsSubDAG,
		IsActive:         r.IsActive,
		LastSchedulerRun: fromMicros(r.LastSchedulerRun),
		LastSnapshot:     fromMicros(r.LastSnapshot),
		LastExpired:      fromMicros(r.LastExpired),
		SnapshotHash:     r.SnapshotHash,
		Fileloc:          r.Fileloc,
		Owners:           r.Owners,
	}
}

const dagModelColumns = `dag_id, parent_dag_id, is_paused, is_subdag, is_active,
	last_scheduler_run, last_snapshot, last_expired, snapshot_hash, fileloc, owners`

// UpsertDagModel inserts or refreshes the registry entry. The paused flag
// of an existing row is left alone; it belongs to operators.
func (q *queries) UpsertDagModel(ctx context.Context, m exec.DagModel) error {
	_, err := q.exec(ctx, `INSERT INTO dag (`+dagModelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dag_id) DO UPDATE SET
			parent_dag_id = excluded.parent_dag_id,
			is_subdag = excluded.is_subdag,
			is_active = excluded.is_active,
			last_scheduler_run = excluded.last_scheduler_run,
			last_snapshot = excluded.last_snapshot,
			snapshot_hash = excluded.snapshot_hash,
			fileloc = excluded.fileloc,
			owners = excluded.owners`,
		m.DAGID, m.ParentDAGID, m.IsPaused, m.IsSubDAG, m.IsActive,
		micros(m.LastSchedulerRun), micros(m.LastSnapshot), micros(m.LastExpired),
		m.SnapshotHash, m.Fileloc, m.Owners)
	if err != nil {
		return fmt.Errorf("upsert dag %s: %w", m.DAGID, err)
	}
	return nil
}

func (q *queries) GetDagModel(ctx context.Context, dagID string) (*exec.DagModel, error) {
	var row dagModelRow
	if err := q.get(ctx, &row, `SELECT `+dagModelColumns+` FROM dag WHERE dag_id = ?`, dagID); err != nil {
		return nil, fmt.Errorf("get dag %s: %w", dagID, err)
	}
	m := row.model()
	return &m, nil
}

func (q *queries) ListDagModels(ctx context.Context) ([]exec.DagModel, error) {
	var rows []dagModelRow
	if err := q.selectAll(ctx, &rows, `SELECT `+dagModelColumns+` FROM dag ORDER BY dag_id`); err != nil {
		return nil, fmt.Errorf("list dags: %w", err)
	}
	out := make([]exec.DagModel, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (q *queries) SetDagPaused(ctx context.Context, dagID string, paused bool) error {
	n, err := q.exec(ctx, `UPDATE dag SET is_paused = ? WHERE dag_id = ?`, paused, dagID)
	if err != nil {
		return fmt.Errorf("pause dag %s: %w", dagID, err)
	}
	if n == 0 {
		return fmt.Errorf("pause dag %s: %w", dagID, exec.ErrNotFound)
	}
	return nil
}

func (q *queries) SetDagExpired(ctx context.Context, dagID string, at time.Time) error {
	n, err := q.exec(ctx, `UPDATE dag SET last_expired = ? WHERE dag_id = ?`, micros(at), dagID)
	if err != nil {
		return fmt.Errorf("expire dag %s: %w", dagID, err)
	}
	if n == 0 {
		return fmt.Errorf("expire dag %s: %w", dagID, exec.ErrNotFound)
	}
	return nil
}

func (q *queries) DeactivateDagModels(ctx context.Context, keep []string) (int64, error) {
	var w where
	w.add("is_active = ?", true)
	if len(keep) > 0 {
		w.add("dag_id NOT IN (?)", keep)
	}
	n, err := q.exec(ctx, `UPDATE dag SET is_active = ?`+w.String(), append([]any{false}, w.args...)...)
	if err != nil {
		return 0, fmt.Errorf("deactivate dags: %w", err)
	}
	return n, nil
}

func (q *queries) DeactivateStaleDagModels(ctx context.Context, before time.Time) (int64, error) {
	n, err := q.exec(ctx, `UPDATE dag SET is_active = ? WHERE is_active = ? AND last_scheduler_run < ?`,
		false, true, stamp(before))
	if err != nil {
		return 0, fmt.Errorf("deactivate stale dags: %w", err)
	}
	return n, nil
}

func (q *queries) PutSnapshot(ctx context.Context, s exec.DagSnapshot) (bool, error) {
	created := s.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	n, err := q.exec(ctx, `INSERT INTO dag_snapshot (hash, dag_id, data, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (hash) DO NOTHING`,
		s.Hash, s.DAGID, s.Data, stamp(created))
	if err != nil {
		return false, fmt.Errorf("put snapshot %s: %w", s.DAGID, err)
	}
	return n > 0, nil
}

func (q *queries) GetSnapshot(ctx context.Context, hash string) (*exec.DagSnapshot, error) {
	var row struct {
		Hash      string `db:"hash"`
		DAGID     string `db:"dag_id"`
		Data      []byte `db:"data"`
		CreatedAt int64  `db:"created_at"`
	}
	err := q.get(ctx, &row, `SELECT hash, dag_id, data, created_at FROM dag_snapshot WHERE hash = ?`, hash)
	if errors.Is(err, exec.ErrNotFound) {
		return nil, fmt.Errorf("snapshot %s: %w", hash, err)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", hash, err)
	}
	return &exec.DagSnapshot{Hash: row.Hash, DAGID: row.DAGID, Data: row.Data, CreatedAt: fromStamp(row.CreatedAt)}, nil
}
