package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/query-gate/querygate/internal/domain/session"
	"github.com/query-gate/querygate/internal/domain/sqlguard"
)

// sqliteIntrospector implements the backend-specific surface for SQLite.
// SQLite has no schemas; the allowlist's schema component maps onto the
// attached database name, normally "main".
type sqliteIntrospector struct{}

func (sqliteIntrospector) describeQuery(schema, table string) (string, []interface{}) {
	// table_info is a table-valued function; the table name binds as a
	// regular argument, so no identifier splicing happens here.
	return `SELECT name, type, NOT "notnull" FROM pragma_table_info(?)`, []interface{}{table}
}

func (sqliteIntrospector) beginReadOnly(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	// modernc.org/sqlite does not honor TxOptions.ReadOnly; query_only is
	// set connection-wide at open instead. The transaction still scopes
	// the statement.
	return db.BeginTx(ctx, &sql.TxOptions{})
}

// NewSQLite opens a SQLite-backed adapter. The connection is forced into
// query_only mode so even a statement that slipped every gate cannot write.
func NewSQLite(dsn string, sessions *session.Registry, guard *sqlguard.Guard, logger *slog.Logger) (*Adapter, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection keeps the query_only pragma applied to every
	// statement.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA query_only = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set query_only: %w", err)
	}

	return &Adapter{
		name:     "sqlite",
		db:       db,
		sessions: sessions,
		guard:    guard,
		intro:    sqliteIntrospector{},
		logger:   logger,
	}, nil
}
