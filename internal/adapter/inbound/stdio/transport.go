// Package stdio provides the stdio transport adapter for the tool server.
package stdio

import (
	"context"
	"os"

	"github.com/query-gate/querygate/internal/port/inbound"
	"github.com/query-gate/querygate/internal/service"
)

// Transport connects the tool server to stdin/stdout. Stdout carries only
// JSON-RPC responses; all logging and telemetry goes to stderr.
type Transport struct {
	server *service.ServerService
}

// NewTransport creates a stdio transport over the given server.
func NewTransport(server *service.ServerService) *Transport {
	return &Transport{server: server}
}

// Start serves requests from stdin until EOF or context cancellation.
func (t *Transport) Start(ctx context.Context) error {
	return t.server.Run(ctx, os.Stdin, os.Stdout)
}

// Close shuts down the transport. Stdio has no resources of its own.
func (t *Transport) Close() error {
	return nil
}

var _ inbound.ToolServer = (*Transport)(nil)
