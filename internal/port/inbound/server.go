// Package inbound defines the inbound port of the tool server. Transport
// adapters (stdio) call this interface.
package inbound

import "context"

// ToolServer is the inbound port for the tool server core.
type ToolServer interface {
	// Start serves requests until the context is cancelled or input ends.
	// Returns nil on graceful shutdown.
	Start(ctx context.Context) error

	// Close shuts down the transport and releases resources.
	Close() error
}
