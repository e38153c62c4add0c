// Package capability contains the domain types and evaluation logic for
// session capabilities. A capability set is issued by the trusted launcher,
// frozen after construction, and attached to exactly one session context.
package capability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Action is the closed set of actions a grant can authorize.
// Any action name outside this set deterministically denies.
type Action string

const (
	// ActionToolInvoke authorizes executing a tool.
	ActionToolInvoke Action = "tool.invoke"
	// ActionToolList authorizes listing tool descriptors.
	ActionToolList Action = "tool.list"
	// ActionResourceRead authorizes reading a resource.
	ActionResourceRead Action = "resource.read"
	// ActionResourceWrite authorizes writing a resource.
	ActionResourceWrite Action = "resource.write"
)

// IsValid returns true if the action is a member of the closed set.
func (a Action) IsValid() bool {
	switch a {
	case ActionToolInvoke, ActionToolList, ActionResourceRead, ActionResourceWrite:
		return true
	default:
		return false
	}
}

// WildcardTarget grants an action on every target. Wildcards never cross
// actions: tool.list:* does not authorize tool.invoke.
const WildcardTarget = "*"

// Grant is a single (action, target) pair within a capability set.
type Grant struct {
	Action Action `json:"action"`
	Target string `json:"target"`
}

// Set is an immutable capability set issued by a trusted source.
// The zero value is invalid; construct via Parse or New.
type Set struct {
	CapSetID  string    `json:"capSetId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Issuer    string    `json:"issuer"`
	Grants    []Grant   `json:"grants"`
}

// Construction errors for capability sets.
var (
	ErrMissingField   = errors.New("capability set is missing a required field")
	ErrExpiredAtBirth = errors.New("capability set is expired at construction")
	ErrUnknownAction  = errors.New("capability set contains an unknown action")
)

// New validates the fields of a capability set and returns a frozen copy.
// The grants slice is copied so later mutation of the argument cannot reach
// the attached set.
func New(capSetID, issuer string, issuedAt, expiresAt time.Time, grants []Grant) (*Set, error) {
	if capSetID == "" || issuer == "" || issuedAt.IsZero() || expiresAt.IsZero() {
		return nil, ErrMissingField
	}
	if !expiresAt.After(time.Now()) {
		return nil, ErrExpiredAtBirth
	}
	copied := make([]Grant, len(grants))
	for i, g := range grants {
		if !g.Action.IsValid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAction, g.Action)
		}
		if g.Target == "" {
			return nil, fmt.Errorf("%w: grant %d has empty target", ErrMissingField, i)
		}
		copied[i] = g
	}
	return &Set{
		CapSetID:  capSetID,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Issuer:    issuer,
		Grants:    copied,
	}, nil
}

// wireSet is the JSON shape supplied by the launcher (MCP_CAPABILITIES).
// Timestamps are millisecond epochs, matching the launcher contract.
type wireSet struct {
	CapSetID  string  `json:"capSetId"`
	IssuedAt  int64   `json:"issuedAt"`
	ExpiresAt int64   `json:"expiresAt"`
	Issuer    string  `json:"issuer"`
	Grants    []Grant `json:"grants"`
}

// Parse decodes and validates a capability set from launcher-supplied JSON.
// Any parse or schema failure is an error; the caller must treat it as fatal
// at startup.
func Parse(data []byte) (*Set, error) {
	var w wireSet
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("malformed capability set: %w", err)
	}
	if w.IssuedAt <= 0 || w.ExpiresAt <= 0 {
		return nil, ErrMissingField
	}
	return New(
		w.CapSetID,
		w.Issuer,
		time.UnixMilli(w.IssuedAt).UTC(),
		time.UnixMilli(w.ExpiresAt).UTC(),
		w.Grants,
	)
}

// IsExpired reports whether the set is expired at the given instant.
// Expiry is strict: a set whose ExpiresAt equals now is expired.
func (s *Set) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
