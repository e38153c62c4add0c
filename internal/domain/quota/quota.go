// Package quota applies per-session and per-tenant rate and concurrency
// limits. Result-size and duration thresholds are carried on the Policy and
// enforced by the adapters; admission here covers the rate window and the
// concurrency slots.
package quota

import (
	"sync"
	"time"

	"github.com/query-gate/querygate/internal/domain/outcome"
)

// Default limits applied when a tenant has no explicit policy.
const (
	DefaultWindow         = time.Minute
	DefaultMaxRequests    = 100
	DefaultMaxConcurrent  = 4
	DefaultMaxResultBytes = 1 << 20 // 1 MiB
	DefaultMaxDuration    = 30 * time.Second
)

// Policy is the immutable set of limits for one tenant.
type Policy struct {
	// Window is the rate window length.
	Window time.Duration
	// MaxRequestsPerWindow caps admitted requests per window.
	MaxRequestsPerWindow int
	// MaxConcurrent caps in-flight requests per (tenant, session).
	MaxConcurrent int
	// MaxResultBytes caps the result size; enforced by the adapter.
	MaxResultBytes int64
	// MaxDuration caps request duration; becomes the context deadline.
	MaxDuration time.Duration
}

// DefaultPolicy returns the fallback policy.
func DefaultPolicy() Policy {
	return Policy{
		Window:               DefaultWindow,
		MaxRequestsPerWindow: DefaultMaxRequests,
		MaxConcurrent:        DefaultMaxConcurrent,
		MaxResultBytes:       DefaultMaxResultBytes,
		MaxDuration:          DefaultMaxDuration,
	}
}

// withDefaults fills zero fields from the fallback policy.
func (p Policy) withDefaults(fallback Policy) Policy {
	if p.Window <= 0 {
		p.Window = fallback.Window
	}
	if p.MaxRequestsPerWindow <= 0 {
		p.MaxRequestsPerWindow = fallback.MaxRequestsPerWindow
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = fallback.MaxConcurrent
	}
	if p.MaxResultBytes <= 0 {
		p.MaxResultBytes = fallback.MaxResultBytes
	}
	if p.MaxDuration <= 0 {
		p.MaxDuration = fallback.MaxDuration
	}
	return p
}

// state is the mutable quota state for one (tenant, session) pair.
type state struct {
	mu               sync.Mutex
	windowStart      time.Time
	requestsInWindow int
	inflight         int
	lastSeen         time.Time
}

// Engine admits requests against tenant policies.
// Policies are immutable once loaded; state is created lazily per
// (tenant, session) pair.
type Engine struct {
	mu       sync.Mutex
	fallback Policy
	policies map[string]Policy
	states   map[string]*state
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a quota engine with the given fallback policy and
// optional per-tenant overrides. Zero fields in an override inherit from the
// fallback.
func NewEngine(fallback Policy, perTenant map[string]Policy, opts ...Option) *Engine {
	fallback = fallback.withDefaults(DefaultPolicy())
	policies := make(map[string]Policy, len(perTenant))
	for tenant, p := range perTenant {
		policies[tenant] = p.withDefaults(fallback)
	}
	e := &Engine{
		fallback: fallback,
		policies: policies,
		states:   make(map[string]*state),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PolicyFor returns the effective policy for a tenant.
func (e *Engine) PolicyFor(tenant string) Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.policies[tenant]; ok {
		return p
	}
	return e.fallback
}

// Admit consumes a rate credit and reserves a concurrency slot for the
// (tenant, session) pair. On success it returns a release function that must
// run on every exit path; release is idempotent. On denial it returns a
// QUOTA_RATE_EXCEEDED or QUOTA_CONCURRENCY_EXCEEDED error and no slot is held.
//
// Indeterminate state is a denial: if the clock moved backwards past the
// window start, the request is rejected rather than admitted on a guess.
func (e *Engine) Admit(tenant, sessionID string) (func(), error) {
	policy := e.PolicyFor(tenant)
	st := e.stateFor(tenant, sessionID)
	now := e.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.windowStart.IsZero() {
		st.windowStart = now
	}

	elapsed := now.Sub(st.windowStart)
	switch {
	case elapsed < 0:
		// Clock skew: fail closed.
		return nil, outcome.Deny(outcome.CategoryQuotaRateExceeded, "QUOTA_CLOCK_SKEW")
	case elapsed >= policy.Window:
		st.windowStart = now
		st.requestsInWindow = 0
	}

	if st.requestsInWindow >= policy.MaxRequestsPerWindow {
		return nil, outcome.Deny(outcome.CategoryQuotaRateExceeded, string(outcome.CategoryQuotaRateExceeded))
	}
	if st.inflight >= policy.MaxConcurrent {
		return nil, outcome.Deny(outcome.CategoryQuotaConcurrencyExceeded, string(outcome.CategoryQuotaConcurrencyExceeded))
	}

	st.requestsInWindow++
	st.inflight++
	st.lastSeen = now

	var once sync.Once
	release := func() {
		once.Do(func() {
			st.mu.Lock()
			if st.inflight > 0 {
				st.inflight--
			}
			st.mu.Unlock()
		})
	}
	return release, nil
}

// Inflight returns the current in-flight count for a (tenant, session) pair.
// Useful for tests and monitoring.
func (e *Engine) Inflight(tenant, sessionID string) int {
	st := e.stateFor(tenant, sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inflight
}

// stateFor returns (creating if needed) the state for a (tenant, session) pair.
func (e *Engine) stateFor(tenant, sessionID string) *state {
	key := tenant + "\x00" + sessionID
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[key]
	if !ok {
		st = &state{}
		e.states[key] = st
	}
	return st
}
