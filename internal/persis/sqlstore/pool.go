package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

type poolRow struct {
	Name        string `db:"name"`
	Slots       int    `db:"slots"`
	Description string `db:"description"`
}

func (q *queries) GetPool(ctx context.Context, name string) (*exec.Pool, error) {
	var row poolRow
	err := q.get(ctx, &row, `SELECT name, slots, description FROM slot_pool WHERE name = ?`, name)
	if errors.Is(err, exec.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", exec.ErrPoolNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", name, err)
	}
	return &exec.Pool{Name: row.Name, Slots: row.Slots, Description: row.Description}, nil
}

func (q *queries) ListPools(ctx context.Context) ([]exec.Pool, error) {
	var rows []poolRow
	if err := q.selectAll(ctx, &rows, `SELECT name, slots, description FROM slot_pool ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	out := make([]exec.Pool, len(rows))
	for i, r := range rows {
		out[i] = exec.Pool{Name: r.Name, Slots: r.Slots, Description: r.Description}
	}
	return out, nil
}

func (q *queries) UpsertPool(ctx context.Context, p exec.Pool) error {
	_, err := q.exec(ctx, `INSERT INTO slot_pool (name, slots, description) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET slots = excluded.slots, description = excluded.description`,
		p.Name, p.Slots, p.Description)
	if err != nil {
		return fmt.Errorf("upsert pool %s: %w", p.Name, err)
	}
	return nil
}

func (q *queries) DeletePool(ctx context.Context, name string) error {
	if name == core.DefaultPool {
		return fmt.Errorf("cannot delete %s", core.DefaultPool)
	}
	n, err := q.exec(ctx, `DELETE FROM slot_pool WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete pool %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", exec.ErrPoolNotFound, name)
	}
	return nil
}
