package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/jmoiron/sqlx"
)

var _ exec.Queries = (*queries)(nil)

// queries runs statements against either the pool or a transaction.
type queries struct {
	db sqlx.ExtContext
	d  *dialect
}

// prepare expands slice arguments and rebinds placeholders.
func (q *queries) prepare(query string, args ...any) (string, []any, error) {
	expanded, args, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("build query: %w", err)
	}
	return q.db.Rebind(expanded), args, nil
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	query, args, err := q.prepare(query, args...)
	if err != nil {
		return 0, err
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *queries) get(ctx context.Context, dest any, query string, args ...any) error {
	query, args, err := q.prepare(query, args...)
	if err != nil {
		return err
	}
	if err := sqlx.GetContext(ctx, q.db, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return exec.ErrNotFound
		}
		return err
	}
	return nil
}

func (q *queries) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	query, args, err := q.prepare(query, args...)
	if err != nil {
		return err
	}
	return sqlx.SelectContext(ctx, q.db, dest, query, args...)
}

// where accumulates AND-ed conditions.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func micros(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromMicros(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.UnixMicro(n.Int64).UTC()
}

func stamp(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromStamp(v int64) time.Time { return time.UnixMicro(v).UTC() }

func stamps(ts []time.Time) []int64 {
	out := make([]int64, len(ts))
	for i, t := range ts {
		out[i] = stamp(t)
	}
	return out
}

func stateStrings(states []core.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func parseState(s string) core.State {
	st, err := core.ParseState(s)
	if err != nil {
		return core.State(s)
	}
	return st
}
