package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/query-gate/querygate/internal/domain/session"
	"github.com/query-gate/querygate/internal/domain/sqlguard"
)

// postgresIntrospector implements the backend-specific surface for
// PostgreSQL.
type postgresIntrospector struct{}

func (postgresIntrospector) describeQuery(schema, table string) (string, []interface{}) {
	query := `SELECT column_name, data_type, is_nullable = 'YES'
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`
	return query, []interface{}{schema, table}
}

func (postgresIntrospector) beginReadOnly(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	return db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
}

// NewPostgres opens a PostgreSQL-backed adapter.
func NewPostgres(dsn string, sessions *session.Registry, guard *sqlguard.Guard, logger *slog.Logger) (*Adapter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Adapter{
		name:     "postgres",
		db:       db,
		sessions: sessions,
		guard:    guard,
		intro:    postgresIntrospector{},
		logger:   logger,
	}, nil
}
