package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/dagucloud/dagsched/internal/core/exec"
)

const connectionColumns = `conn_id, conn_type, host, schema, login, password, port, extra,
	is_encrypted, is_extra_encrypted`

type connectionRow struct {
	ConnID           string `db:"conn_id"`
	ConnType         string `db:"conn_type"`
	Host             string `db:"host"`
	Schema           string `db:"schema"`
	Login            string `db:"login"`
	Password         string `db:"password"`
	Port             int    `db:"port"`
	Extra            string `db:"extra"`
	IsEncrypted      bool   `db:"is_encrypted"`
	IsExtraEncrypted bool   `db:"is_extra_encrypted"`
}

func (r connectionRow) connection() exec.Connection {
	return exec.Connection{
		ConnID:           r.ConnID,
		ConnType:         r.ConnType,
		Host:             r.Host,
		Schema:           r.Schema,
		Login:            r.Login,
		Password:         r.Password,
		Port:             r.Port,
		Extra:            r.Extra,
		IsEncrypted:      r.IsEncrypted,
		IsExtraEncrypted: r.IsExtraEncrypted,
	}
}

func (q *queries) GetConnection(ctx context.Context, connID string) (*exec.Connection, error) {
	var row connectionRow
	if err := q.get(ctx, &row, `SELECT `+connectionColumns+` FROM connection WHERE conn_id = ?`, connID); err != nil {
		return nil, fmt.Errorf("get connection %s: %w", connID, err)
	}
	c := row.connection()
	return &c, nil
}

func (q *queries) UpsertConnection(ctx context.Context, c exec.Connection) error {
	_, err := q.exec(ctx, `INSERT INTO connection (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conn_id) DO UPDATE SET
			conn_type = excluded.conn_type,
			host = excluded.host,
			schema = excluded.schema,
			login = excluded.login,
			password = excluded.password,
			port = excluded.port,
			extra = excluded.extra,
			is_encrypted = excluded.is_encrypted,
			is_extra_encrypted = excluded.is_extra_encrypted`,
		c.ConnID, c.ConnType, c.Host, c.Schema, c.Login, c.Password, c.Port, c.Extra,
		c.IsEncrypted, c.IsExtraEncrypted)
	if err != nil {
		return fmt.Errorf("upsert connection %s: %w", c.ConnID, err)
	}
	return nil
}

func (q *queries) DeleteConnection(ctx context.Context, connID string) error {
	n, err := q.exec(ctx, `DELETE FROM connection WHERE conn_id = ?`, connID)
	if err != nil {
		return fmt.Errorf("delete connection %s: %w", connID, err)
	}
	if n == 0 {
		return fmt.Errorf("delete connection %s: %w", connID, exec.ErrNotFound)
	}
	return nil
}

func (q *queries) ListConnections(ctx context.Context) ([]exec.Connection, error) {
	var rows []connectionRow
	if err := q.selectAll(ctx, &rows, `SELECT `+connectionColumns+` FROM connection ORDER BY conn_id`); err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	out := make([]exec.Connection, len(rows))
	for i, r := range rows {
		out[i] = r.connection()
	}
	return out, nil
}

type slaMissRow struct {
	DAGID            string `db:"dag_id"`
	TaskID           string `db:"task_id"`
	ExecutionDate    int64  `db:"execution_date"`
	Timestamp        int64  `db:"timestamp"`
	Description      string `db:"description"`
	NotificationSent bool   `db:"notification_sent"`
}

func (q *queries) InsertSlaMiss(ctx context.Context, m exec.SlaMiss) (bool, error) {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	n, err := q.exec(ctx, `INSERT INTO sla_miss (dag_id, task_id, execution_date, timestamp, description, notification_sent)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (dag_id, task_id, execution_date) DO NOTHING`,
		m.DAGID, m.TaskID, stamp(m.ExecutionDate), stamp(ts), m.Description, m.NotificationSent)
	if err != nil {
		return false, fmt.Errorf("insert sla miss %s.%s: %w", m.DAGID, m.TaskID, err)
	}
	return n > 0, nil
}

func (q *queries) FindSlaMisses(ctx context.Context, dagID string, pendingOnly bool) ([]exec.SlaMiss, error) {
	var w where
	w.add("dag_id = ?", dagID)
	if pendingOnly {
		w.add("notification_sent = ?", false)
	}
	var rows []slaMissRow
	err := q.selectAll(ctx, &rows, `SELECT dag_id, task_id, execution_date, timestamp, description, notification_sent
		FROM sla_miss`+w.String()+` ORDER BY execution_date, task_id`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("find sla misses of %s: %w", dagID, err)
	}
	out := make([]exec.SlaMiss, len(rows))
	for i, r := range rows {
		out[i] = exec.SlaMiss{
			DAGID:            r.DAGID,
			TaskID:           r.TaskID,
			ExecutionDate:    fromStamp(r.ExecutionDate),
			Timestamp:        fromStamp(r.Timestamp),
			Description:      r.Description,
			NotificationSent: r.NotificationSent,
		}
	}
	return out, nil
}

func (q *queries) SetSlaMissesNotified(ctx context.Context, misses []exec.SlaMiss) (int64, error) {
	var total int64
	for _, m := range misses {
		n, err := q.exec(ctx, `UPDATE sla_miss SET notification_sent = ?
			WHERE dag_id = ? AND task_id = ? AND execution_date = ?`,
			true, m.DAGID, m.TaskID, stamp(m.ExecutionDate))
		if err != nil {
			return total, fmt.Errorf("mark sla miss %s.%s notified: %w", m.DAGID, m.TaskID, err)
		}
		total += n
	}
	return total, nil
}
