// Package session contains the immutable per-process session context and the
// registry of live contexts used for object-identity verification.
//
// A Context is created unbound by the bootstrap, bound exactly once to a
// trusted (identity, tenant, session id) triple, and frozen thereafter.
// Downstream components never accept a context by shape: they verify the
// pointer against the Registry the bootstrap populated.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/query-gate/querygate/internal/domain/capability"
)

// State is the lifecycle state of a session context.
type State int

const (
	// StateUnbound is the initial state. No trust has been established.
	StateUnbound State = iota
	// StateBound means the context carries a verified identity and tenant
	// and is frozen for the remainder of its life.
	StateBound
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "UNBOUND"
	case StateBound:
		return "BOUND"
	default:
		return "unknown"
	}
}

// Lifecycle errors.
var (
	// ErrInvalidBinding is returned for empty or whitespace identity/tenant.
	ErrInvalidBinding = errors.New("INVALID_BINDING: identity and tenant must be non-empty")
	// ErrAlreadyBound is returned when Bind is called on a bound context.
	// The original binding is preserved.
	ErrAlreadyBound = errors.New("SECURITY_VIOLATION: context is already bound")
	// ErrAlreadyAttached is returned when capabilities are attached twice.
	ErrAlreadyAttached = errors.New("ALREADY_ATTACHED: capabilities already attached")
	// ErrUnboundContext is returned when a bound context is required.
	ErrUnboundContext = errors.New("UNBOUND_CONTEXT: context is not bound")
)

// Context is the session trust anchor. All fields are written at most once,
// under the mutex; after the context is bound and capabilities are attached,
// every read observes the same values.
type Context struct {
	mu        sync.Mutex
	state     State
	identity  string
	tenant    string
	sessionID string
	boundAt   time.Time
	caps      *capability.Set
}

// NewContext creates an unbound context. Only the bootstrap should call this;
// every other component receives the context by reference and verifies it
// against the Registry.
func NewContext() *Context {
	return &Context{state: StateUnbound}
}

// Bind transitions the context from UNBOUND to BOUND with the given trusted
// binding. Empty or whitespace-only identity or tenant is rejected with
// ErrInvalidBinding. A second Bind always fails with ErrAlreadyBound and
// never mutates the original binding.
func (c *Context) Bind(identity, tenant, sessionID string) error {
	identity = strings.TrimSpace(identity)
	tenant = strings.TrimSpace(tenant)
	sessionID = strings.TrimSpace(sessionID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUnbound {
		return ErrAlreadyBound
	}
	if identity == "" || tenant == "" || sessionID == "" {
		return ErrInvalidBinding
	}

	c.identity = identity
	c.tenant = tenant
	c.sessionID = sessionID
	c.boundAt = time.Now().UTC()
	c.state = StateBound
	return nil
}

// AttachCapabilities attaches a capability set to a bound context.
// Capabilities may be attached at most once; repeating yields the same
// terminal error.
func (c *Context) AttachCapabilities(set *capability.Set) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateBound {
		return ErrUnboundContext
	}
	if c.caps != nil {
		return ErrAlreadyAttached
	}
	c.caps = set
	return nil
}

// AssertBound returns nil if the context is bound, ErrUnboundContext otherwise.
func (c *Context) AssertBound() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateBound {
		return ErrUnboundContext
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the bound identity, or "" if unbound.
func (c *Context) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Tenant returns the bound tenant, or "" if unbound.
func (c *Context) Tenant() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenant
}

// SessionID returns the bound session id, or "" if unbound.
func (c *Context) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// BoundAt returns the binding time, zero if unbound.
func (c *Context) BoundAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundAt
}

// Capabilities returns the attached capability set, or nil.
func (c *Context) Capabilities() *capability.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// AuditFields is the minimal safe projection of a context for audit records.
// It never carries capabilities, grants, or secrets.
type AuditFields struct {
	Identity  string
	Tenant    string
	SessionID string
	CapSetID  string
}

// AuditFields returns the safe projection of the context.
func (c *Context) AuditFields() AuditFields {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := AuditFields{
		Identity:  c.identity,
		Tenant:    c.tenant,
		SessionID: c.sessionID,
	}
	if c.caps != nil {
		f.CapSetID = c.caps.CapSetID
	}
	return f
}
