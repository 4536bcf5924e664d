package sqlstore

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"             // SQLite driver
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// dialect captures what differs between the supported databases.
type dialect struct {
	name       string
	driverName string
	goose      goose.Dialect
	// forUpdate is appended to row-locking selects.
	forUpdate string
}

var dialects = map[string]*dialect{
	"sqlite": {
		name:       "sqlite",
		driverName: "sqlite",
		goose:      goose.DialectSQLite3,
	},
	"postgres": {
		name:       "postgres",
		driverName: "pgx",
		goose:      goose.DialectPostgres,
		forUpdate:  " FOR UPDATE",
	},
}

func lookupDialect(name string) (*dialect, error) {
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", name)
	}
	return d, nil
}

// sqliteDSN turns a bare path into a DSN with the pragmas the store
// relies on. Writers take the lock when the transaction begins.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return dsn + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
}
