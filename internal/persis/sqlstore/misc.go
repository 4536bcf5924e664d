package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/dagucloud/dagsched/internal/core/exec"
)

func (q *queries) InsertImportError(ctx context.Context, e exec.ImportError) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := q.exec(ctx, `INSERT INTO import_error (filename, message, timestamp) VALUES (?, ?, ?)`,
		e.Filename, e.Message, stamp(ts))
	if err != nil {
		return fmt.Errorf("insert import error for %s: %w", e.Filename, err)
	}
	return nil
}

func (q *queries) DeleteImportErrors(ctx context.Context, filenames []string) (int64, error) {
	var w where
	if len(filenames) > 0 {
		w.add("filename IN (?)", filenames)
	}
	n, err := q.exec(ctx, `DELETE FROM import_error`+w.String(), w.args...)
	if err != nil {
		return 0, fmt.Errorf("delete import errors: %w", err)
	}
	return n, nil
}

func (q *queries) ListImportErrors(ctx context.Context) ([]exec.ImportError, error) {
	var rows []struct {
		ID        int64  `db:"id"`
		Filename  string `db:"filename"`
		Message   string `db:"message"`
		Timestamp int64  `db:"timestamp"`
	}
	if err := q.selectAll(ctx, &rows, `SELECT id, filename, message, timestamp FROM import_error ORDER BY filename, id`); err != nil {
		return nil, fmt.Errorf("list import errors: %w", err)
	}
	out := make([]exec.ImportError, len(rows))
	for i, r := range rows {
		out[i] = exec.ImportError{ID: r.ID, Filename: r.Filename, Message: r.Message, Timestamp: fromStamp(r.Timestamp)}
	}
	return out, nil
}

type variableRow struct {
	Key         string `db:"key"`
	Value       string `db:"value"`
	IsEncrypted bool   `db:"is_encrypted"`
	Description string `db:"description"`
}

func (r variableRow) variable() exec.Variable {
	return exec.Variable{Key: r.Key, Value: r.Value, IsEncrypted: r.IsEncrypted, Description: r.Description}
}

func (q *queries) GetVariable(ctx context.Context, key string) (*exec.Variable, error) {
	var row variableRow
	if err := q.get(ctx, &row, `SELECT key, value, is_encrypted, description FROM variable WHERE key = ?`, key); err != nil {
		return nil, fmt.Errorf("get variable %s: %w", key, err)
	}
	v := row.variable()
	return &v, nil
}

func (q *queries) SetVariable(ctx context.Context, v exec.Variable) error {
	_, err := q.exec(ctx, `INSERT INTO variable (key, value, is_encrypted, description) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, is_encrypted = excluded.is_encrypted,
			description = excluded.description`,
		v.Key, v.Value, v.IsEncrypted, v.Description)
	if err != nil {
		return fmt.Errorf("set variable %s: %w", v.Key, err)
	}
	return nil
}

func (q *queries) DeleteVariable(ctx context.Context, key string) error {
	n, err := q.exec(ctx, `DELETE FROM variable WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete variable %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("delete variable %s: %w", key, exec.ErrNotFound)
	}
	return nil
}

func (q *queries) ListVariables(ctx context.Context) ([]exec.Variable, error) {
	var rows []variableRow
	if err := q.selectAll(ctx, &rows, `SELECT key, value, is_encrypted, description FROM variable ORDER BY key`); err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	out := make([]exec.Variable, len(rows))
	for i, r := range rows {
		out[i] = r.variable()
	}
	return out, nil
}
