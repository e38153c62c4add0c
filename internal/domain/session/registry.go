package session

import (
	"errors"
	"sync"
)

// ErrUnknownContext is returned when a context is not registered.
// A structurally identical look-alike constructed outside the bootstrap
// fails this check: verification is by object identity, not shape.
var ErrUnknownContext = errors.New("SECURITY_VIOLATION: unrecognized session context")

// Registry tracks the live contexts the bootstrap produced.
// Membership is by pointer identity.
type Registry struct {
	mu   sync.RWMutex
	live map[*Context]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{live: make(map[*Context]struct{})}
}

// Register records a context as live. Only the bootstrap calls this.
func (r *Registry) Register(c *Context) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.live[c] = struct{}{}
	r.mu.Unlock()
}

// Unregister removes a context, typically at shutdown.
func (r *Registry) Unregister(c *Context) {
	r.mu.Lock()
	delete(r.live, c)
	r.mu.Unlock()
}

// Verify checks that c is a registered, bound context.
// Returns ErrUnknownContext for nil or unregistered contexts and
// ErrUnboundContext for registered contexts that are not bound.
func (r *Registry) Verify(c *Context) error {
	if c == nil {
		return ErrUnknownContext
	}
	r.mu.RLock()
	_, ok := r.live[c]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownContext
	}
	return c.AssertBound()
}
