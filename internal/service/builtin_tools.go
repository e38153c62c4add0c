package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/query-gate/querygate/internal/domain/capability"
	"github.com/query-gate/querygate/internal/domain/outcome"
	"github.com/query-gate/querygate/internal/domain/tool"
	"github.com/query-gate/querygate/internal/port/outbound"
)

// Built-in tool names.
const (
	ToolQueryRead     = "query_read"
	ToolListTables    = "list_tables"
	ToolDescribeTable = "describe_table"
)

// maxQueryLength caps the accepted SQL statement size before any parsing.
const maxQueryLength = 8192

// RegisterBuiltinTools registers the database tools over the given adapter.
// allowedOrderBy lists the schema.table.column names query_read accepts in
// ORDER BY.
func RegisterBuiltinTools(registry *Registry, adapter outbound.DatabaseAdapter, allowedOrderBy []string) error {
	tools := []tool.Descriptor{
		{
			Name:           ToolQueryRead,
			Description:    "Run a read-only SQL query against the allowlisted tables.",
			RequiredAction: capability.ActionToolInvoke,
			InputSchema: tool.Schema{
				Properties: map[string]tool.Property{
					"query": {
						Type:        tool.TypeString,
						Description: "A single SELECT statement.",
						Required:    true,
						MaxLength:   maxQueryLength,
					},
				},
			},
			ProducesSQL:           true,
			SQLArg:                "query",
			AllowedOrderByColumns: allowedOrderBy,
			Handler:               queryReadHandler(adapter),
		},
		{
			Name:           ToolListTables,
			Description:    "List the tables this session may query.",
			RequiredAction: capability.ActionToolInvoke,
			InputSchema:    tool.Schema{},
			Handler:        listTablesHandler(adapter),
		},
		{
			Name:           ToolDescribeTable,
			Description:    "Describe the columns of an allowlisted table.",
			RequiredAction: capability.ActionToolInvoke,
			InputSchema: tool.Schema{
				Properties: map[string]tool.Property{
					"table": {
						Type:        tool.TypeString,
						Description: "Table name as schema.table.",
						Required:    true,
						MaxLength:   256,
					},
				},
			},
			Handler: describeTableHandler(adapter),
		},
	}

	for _, desc := range tools {
		if err := registry.Register(desc); err != nil {
			return fmt.Errorf("registering %s: %w", desc.Name, err)
		}
	}
	return nil
}

func queryReadHandler(adapter outbound.DatabaseAdapter) tool.Handler {
	return func(ctx context.Context, inv tool.Invocation) (interface{}, error) {
		statement, _ := inv.Args["query"].(string)

		limits := outbound.Limits{MaxResultBytes: inv.MaxResultBytes}
		if deadline, ok := ctx.Deadline(); ok {
			limits.MaxDuration = time.Until(deadline)
		}

		result, err := adapter.ExecuteReadQuery(ctx, inv.Session, statement, limits)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

func listTablesHandler(adapter outbound.DatabaseAdapter) tool.Handler {
	return func(ctx context.Context, inv tool.Invocation) (interface{}, error) {
		tables, err := adapter.ListTables(ctx, inv.Session)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"tables": tables}, nil
	}
}

func describeTableHandler(adapter outbound.DatabaseAdapter) tool.Handler {
	return func(ctx context.Context, inv tool.Invocation) (interface{}, error) {
		table, _ := inv.Args["table"].(string)
		schema, err := adapter.DescribeTable(ctx, inv.Session, table)
		if err != nil {
			var denial *outcome.Error
			if errors.As(err, &denial) {
				return nil, err
			}
			return nil, outcome.Deny(outcome.CategoryAdapterError, "BACKEND_FAILURE")
		}
		return schema, nil
	}
}
