// Package audit contains domain types for the append-only audit trail.
package audit

import (
	"context"
	"time"
)

// Level constants for audit events.
const (
	LevelInfo = "info"
	LevelWarn = "warn"
)

// Event is a single append-only audit record. The JSON shape is stable and
// never contains raw SQL, parameter values, or secrets.
type Event struct {
	// TS is when the decision was made.
	TS time.Time `json:"ts"`
	// Level is the severity: info for allows, warn for denials.
	Level string `json:"level"`
	// Identity of the bound session.
	Identity string `json:"identity"`
	// Tenant of the bound session.
	Tenant string `json:"tenant"`
	// SessionID of the bound session.
	SessionID string `json:"sessionId"`
	// CapSetID of the attached capability set, if any.
	CapSetID string `json:"capSetId,omitempty"`
	// Action is the capability action that was evaluated.
	Action string `json:"action"`
	// Target is the object of the action, typically a tool name.
	Target string `json:"target"`
	// Authorized reports the capability decision.
	Authorized bool `json:"authorized"`
	// Reason is the stable reason code for the decision.
	Reason string `json:"reason"`
	// DurationMs is the request duration, when known.
	DurationMs int64 `json:"durationMs,omitempty"`
	// QueryFingerprint is the salted hash of the query shape, when the
	// request carried SQL. Never the query itself.
	QueryFingerprint string `json:"queryFingerprint,omitempty"`
	// Adapter names the backend adapter that served the request, if reached.
	Adapter string `json:"adapter,omitempty"`
	// Outcome is SUCCESS or DENIED.
	Outcome string `json:"outcome"`
	// RequestID correlates the event with the JSON-RPC request.
	RequestID string `json:"requestId,omitempty"`
}

// Sink accepts audit events on the request path. Record returns an error when
// the sink refuses the event; callers must treat that as a denial and never
// proceed with unaudited execution.
type Sink interface {
	Record(event Event) error
}

// Store is the outbound port for audit persistence.
type Store interface {
	// Append durably stores events in order. Partial writes are not
	// acceptable: an error means the batch must be considered lost.
	Append(ctx context.Context, events ...Event) error
	// Close releases store resources.
	Close() error
}
