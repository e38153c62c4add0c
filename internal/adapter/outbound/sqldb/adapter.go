// Package sqldb implements the database adapter port over database/sql, with
// SQLite and PostgreSQL backends. The adapter is the last gate before data:
// it re-verifies the session context, runs statements in read-only
// transactions, and caps result size and duration regardless of what its
// caller already checked.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/query-gate/querygate/internal/domain/outcome"
	"github.com/query-gate/querygate/internal/domain/session"
	"github.com/query-gate/querygate/internal/domain/sqlguard"
	"github.com/query-gate/querygate/internal/port/outbound"
)

// introspector is the backend-specific schema surface.
type introspector interface {
	// describeQuery returns the column metadata query and its args for one
	// table reference.
	describeQuery(schema, table string) (string, []interface{})
	// beginReadOnly starts a read-only transaction.
	beginReadOnly(ctx context.Context, db *sql.DB) (*sql.Tx, error)
}

// Adapter serves read-only database access for the allowlisted tables.
type Adapter struct {
	name     string
	db       *sql.DB
	sessions *session.Registry
	guard    *sqlguard.Guard
	intro    introspector
	logger   *slog.Logger
}

var _ outbound.DatabaseAdapter = (*Adapter)(nil)

// Name identifies the backend in audit events.
func (a *Adapter) Name() string {
	return a.name
}

// Ping checks backend reachability.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close releases the connection pool.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// verify re-checks the session against the live registry. Adapters do not
// trust their caller to have done this.
func (a *Adapter) verify(sess *session.Context) error {
	if err := a.sessions.Verify(sess); err != nil {
		return outcome.Deny(outcome.CategorySecurityViolation, "CONTEXT_VERIFICATION_FAILED")
	}
	return nil
}

// ListTables returns the allowlisted tables, sorted. The allowlist is the
// source of truth; tables present in the database but not allowlisted are
// not disclosed, and allowlisted tables missing from the database are not
// filtered out.
func (a *Adapter) ListTables(ctx context.Context, sess *session.Context) ([]string, error) {
	if err := a.verify(sess); err != nil {
		return nil, err
	}
	tables := a.guard.AllowedTables()
	sort.Strings(tables)
	return tables, nil
}

// DescribeTable returns the schema of one allowlisted table. Unknown and
// disallowed tables get the same denial.
func (a *Adapter) DescribeTable(ctx context.Context, sess *session.Context, table string) (*outbound.TableSchema, error) {
	if err := a.verify(sess); err != nil {
		return nil, err
	}

	name := strings.ToLower(strings.TrimSpace(table))
	if !a.guard.IsTableAllowed(name) {
		return nil, outcome.Deny(outcome.CategoryQueryRejected, sqlguard.ReasonTableNotAllowed)
	}

	schemaName, tableName, ok := splitTableName(name)
	if !ok {
		return nil, outcome.Deny(outcome.CategoryQueryRejected, sqlguard.ReasonTableNotAllowed)
	}

	query, args := a.intro.describeQuery(schemaName, tableName)
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		a.logger.Error("describe query failed", "table", name, "error", err)
		return nil, outcome.Deny(outcome.CategoryAdapterError, "BACKEND_FAILURE")
	}
	defer rows.Close()

	schema := &outbound.TableSchema{Table: name}
	for rows.Next() {
		var col outbound.Column
		if err := rows.Scan(&col.Name, &col.Type, &col.Nullable); err != nil {
			a.logger.Error("describe scan failed", "table", name, "error", err)
			return nil, outcome.Deny(outcome.CategoryAdapterError, "BACKEND_FAILURE")
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		a.logger.Error("describe iteration failed", "table", name, "error", err)
		return nil, outcome.Deny(outcome.CategoryAdapterError, "BACKEND_FAILURE")
	}
	if len(schema.Columns) == 0 {
		return nil, outcome.Deny(outcome.CategoryQueryRejected, sqlguard.ReasonTableNotAllowed)
	}
	return schema, nil
}

// ExecuteReadQuery runs a validated SELECT in a read-only transaction under
// the given limits. Backend error text never reaches the caller; it is
// logged and replaced with a stable reason.
func (a *Adapter) ExecuteReadQuery(ctx context.Context, sess *session.Context, statement string, limits outbound.Limits) (*outbound.QueryResult, error) {
	if err := a.verify(sess); err != nil {
		return nil, err
	}

	if limits.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.MaxDuration)
		defer cancel()
	}

	tx, err := a.intro.beginReadOnly(ctx, a.db)
	if err != nil {
		return nil, a.classify(ctx, "begin", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, statement)
	if err != nil {
		return nil, a.classify(ctx, "query", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, a.classify(ctx, "columns", err)
	}

	result := &outbound.QueryResult{Columns: columns}
	var resultBytes int64

	values := make([]interface{}, len(columns))
	scanTargets := make([]interface{}, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, a.classify(ctx, "scan", err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}

		if limits.MaxResultBytes > 0 {
			encoded, err := json.Marshal(row)
			if err != nil {
				return nil, outcome.Deny(outcome.CategoryAdapterError, "BACKEND_FAILURE")
			}
			resultBytes += int64(len(encoded))
			if resultBytes > limits.MaxResultBytes {
				return nil, outcome.Deny(outcome.CategoryQuotaResultExceeded, "QUOTA_RESULT_BYTES")
			}
		}

		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, a.classify(ctx, "rows", err)
	}

	return result, nil
}

// classify maps a backend error onto a stable denial. The driver's message
// is logged server-side only.
func (a *Adapter) classify(ctx context.Context, stage string, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return outcome.Deny(outcome.CategoryAdapterTimeout, "DEADLINE_EXCEEDED")
	}
	a.logger.Error("backend query failed", "backend", a.name, "stage", stage, "error", err)
	return outcome.Deny(outcome.CategoryAdapterError, "BACKEND_FAILURE")
}

// normalizeValue converts driver values into JSON-ready ones.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// splitTableName splits a schema.table reference.
func splitTableName(name string) (schema, table string, ok bool) {
	parts := strings.Split(name, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
