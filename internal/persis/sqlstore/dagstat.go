package sqlstore

import (
	"context"
	"fmt"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

type dagStatRow struct {
	DAGID string `db:"dag_id"`
	State string `db:"state"`
	Count int    `db:"count"`
	Dirty bool   `db:"dirty"`
}

func (r dagStatRow) stat() exec.DagStat {
	return exec.DagStat{DAGID: r.DAGID, State: parseState(r.State), Count: r.Count, Dirty: r.Dirty}
}

func (q *queries) EnsureDagStats(ctx context.Context, dagID string, states []core.State) error {
	for _, s := range states {
		_, err := q.exec(ctx, `INSERT INTO dag_stats (dag_id, state, count, dirty) VALUES (?, ?, 0, ?)
			ON CONFLICT (dag_id, state) DO NOTHING`, dagID, string(s), false)
		if err != nil {
			return fmt.Errorf("create dag stat %s/%s: %w", dagID, s, err)
		}
	}
	return nil
}

func (q *queries) LockDagStats(ctx context.Context, dagIDs []string, dirtyOnly bool) ([]exec.DagStat, error) {
	var w where
	if len(dagIDs) > 0 {
		w.add("dag_id IN (?)", dagIDs)
	}
	if dirtyOnly {
		w.add("dirty = ?", true)
	}
	var rows []dagStatRow
	err := q.selectAll(ctx, &rows, `SELECT dag_id, state, count, dirty FROM dag_stats`+w.String()+
		` ORDER BY dag_id, state`+q.d.forUpdate, w.args...)
	if err != nil {
		return nil, fmt.Errorf("lock dag stats: %w", err)
	}
	out := make([]exec.DagStat, len(rows))
	for i, r := range rows {
		out[i] = r.stat()
	}
	return out, nil
}

func (q *queries) SetDagStatsDirty(ctx context.Context, dagID string) error {
	var locked []string
	err := q.selectAll(ctx, &locked, `SELECT state FROM dag_stats WHERE dag_id = ?`+q.d.forUpdate, dagID)
	if err != nil {
		return fmt.Errorf("lock dag stats of %s: %w", dagID, err)
	}
	if _, err := q.exec(ctx, `UPDATE dag_stats SET dirty = ? WHERE dag_id = ?`, true, dagID); err != nil {
		return fmt.Errorf("mark dag stats of %s dirty: %w", dagID, err)
	}
	return nil
}

func (q *queries) UpdateDagStat(ctx context.Context, s exec.DagStat) error {
	_, err := q.exec(ctx, `INSERT INTO dag_stats (dag_id, state, count, dirty) VALUES (?, ?, ?, ?)
		ON CONFLICT (dag_id, state) DO UPDATE SET count = excluded.count, dirty = excluded.dirty`,
		s.DAGID, string(s.State), s.Count, s.Dirty)
	if err != nil {
		return fmt.Errorf("update dag stat %s/%s: %w", s.DAGID, s.State, err)
	}
	return nil
}

func (q *queries) ListDagStats(ctx context.Context, dagID string) ([]exec.DagStat, error) {
	var w where
	if dagID != "" {
		w.add("dag_id = ?", dagID)
	}
	var rows []dagStatRow
	if err := q.selectAll(ctx, &rows, `SELECT dag_id, state, count, dirty FROM dag_stats`+w.String()+` ORDER BY dag_id, state`, w.args...); err != nil {
		return nil, fmt.Errorf("list dag stats: %w", err)
	}
	out := make([]exec.DagStat, len(rows))
	for i, r := range rows {
		out[i] = r.stat()
	}
	return out, nil
}
