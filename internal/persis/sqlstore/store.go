// Package sqlstore implements the scheduler's persistence on top of SQL
// databases. SQLite and PostgreSQL are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Options configures Open.
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// DefaultPoolSlots sizes the default pool created by Migrate.
	DefaultPoolSlots int
}

var _ exec.Store = (*Store)(nil)

// Store is an exec.Store backed by a SQL database.
type Store struct {
	*queries
	db   *sqlx.DB
	opts Options
}

// Open connects to the database. Call Migrate before first use.
func Open(ctx context.Context, opts Options) (*Store, error) {
	d, err := lookupDialect(opts.Driver)
	if err != nil {
		return nil, err
	}
	dsn := opts.DSN
	if d.name == "sqlite" {
		dsn = sqliteDSN(dsn)
	}
	db, err := sqlx.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", d.name, err)
	}

	if d.name == "sqlite" {
		// One writer at a time; immediate transactions serialize on the
		// database lock.
		db.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", d.name, err)
	}
	logger.Debug(ctx, "Connected to database", tag.Driver(d.name))

	return &Store{
		queries: &queries{db: db, d: d},
		db:      db,
		opts:    opts,
	}, nil
}

// Migrate applies pending schema migrations and ensures the default pool.
func (s *Store) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+s.d.name)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	provider, err := goose.NewProvider(s.d.goose, s.db.DB, sub)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info(ctx, "Applied migration",
			tag.File(r.Source.Path),
			tag.Duration(r.Duration),
		)
	}

	slots := s.opts.DefaultPoolSlots
	if slots <= 0 {
		slots = 128
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO slot_pool (name, slots, description) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`),
		core.DefaultPool, slots, "Default pool")
	if err != nil {
		return fmt.Errorf("failed to seed default pool: %w", err)
	}
	return nil
}

// MigrationVersion returns the current schema version.
func (s *Store) MigrationVersion(ctx context.Context) (int64, error) {
	sub, err := fs.Sub(migrationsFS, "migrations/"+s.d.name)
	if err != nil {
		return 0, err
	}
	provider, err := goose.NewProvider(s.d.goose, s.db.DB, sub)
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}

// InTx runs fn in a transaction. fn must use the Queries it is given;
// with SQLite the store holds a single connection.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, q exec.Queries) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", exec.ErrTransient, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &queries{db: tx, d: s.d}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Warn(ctx, "Failed to roll back transaction", tag.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", exec.ErrTransient, err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection pool for maintenance commands.
func (s *Store) DB() *sqlx.DB { return s.db }
