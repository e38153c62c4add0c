// Package outbound defines the driven-side ports of the gate: the database
// adapter contract that concrete backends implement.
package outbound

import (
	"context"
	"time"

	"github.com/query-gate/querygate/internal/domain/session"
)

// Limits carries the per-call resource caps the adapter must enforce while
// producing a result.
type Limits struct {
	// MaxResultBytes caps the serialized result size. Exceeding it aborts
	// the call.
	MaxResultBytes int64
	// MaxDuration caps query execution time. The adapter applies it as a
	// context deadline in addition to any deadline already on ctx.
	MaxDuration time.Duration
}

// TableSchema describes one table's columns for describe_table.
type TableSchema struct {
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

// Column is one column of a described table.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// QueryResult is the row set of a read query. Values are JSON-ready. A scan
// that hits the byte cap fails the whole call with QUOTA_RESULT_EXCEEDED;
// results are never silently truncated.
type QueryResult struct {
	Columns []string                 `json:"columns"`
	Rows    []map[string]interface{} `json:"rows"`
}

// DatabaseAdapter is the contract between the gate and a database backend.
//
// Every method takes the verified session context and must re-verify it
// before touching the database: adapters are the last line of the fail-closed
// chain and do not trust their caller. Statements reaching ExecuteReadQuery
// have already passed the static validator; the adapter still runs them in a
// read-only transaction.
type DatabaseAdapter interface {
	// Name identifies the backend in audit events ("sqlite", "postgres").
	Name() string

	// ListTables returns the allowlisted tables visible to the session.
	ListTables(ctx context.Context, sess *session.Context) ([]string, error)

	// DescribeTable returns the schema of one allowlisted table.
	DescribeTable(ctx context.Context, sess *session.Context, table string) (*TableSchema, error)

	// ExecuteReadQuery runs a validated SELECT under the given limits.
	ExecuteReadQuery(ctx context.Context, sess *session.Context, statement string, limits Limits) (*QueryResult, error)

	// Ping checks backend reachability at startup.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}
