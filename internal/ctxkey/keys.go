// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the request-enriched logger.
type LoggerKey struct{}

// RequestIDKey is the context key type for the per-request correlation ID.
type RequestIDKey struct{}
