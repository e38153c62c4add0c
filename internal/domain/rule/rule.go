// Package rule defines deny-only guard rules layered on top of capability
// evaluation. A rule that matches denies the call; rules can never grant
// access a capability did not already grant.
package rule

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Rule is a configured guard rule. Expression is a CEL expression over the
// evaluation context; when it evaluates to true the call is denied.
type Rule struct {
	// Name identifies the rule in config and audit reasons.
	Name string
	// Expression is the CEL source, compiled at startup.
	Expression string
	// Reason is the audit reason recorded when the rule matches. Optional;
	// defaults to the rule name.
	Reason string
	// Enabled rules participate in evaluation. Disabled rules are compiled
	// at startup anyway so config errors surface early.
	Enabled bool
}

// Validate checks the rule's configured fields. Expression validity is the
// evaluator's concern.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name is required")
	}
	if strings.TrimSpace(r.Expression) == "" {
		return errors.New("rule expression is required")
	}
	return nil
}

// DenyReason returns the audit reason for a match.
func (r Rule) DenyReason() string {
	if r.Reason != "" {
		return r.Reason
	}
	return r.Name
}

// EvaluationContext is the variable set a rule expression sees. It carries
// only session metadata and call inputs; no query results, no secrets.
type EvaluationContext struct {
	// ToolName is the tool being invoked.
	ToolName string
	// Arguments are the raw call arguments.
	Arguments map[string]interface{}
	// Identity is the bound session identity.
	Identity string
	// Tenant is the bound session tenant.
	Tenant string
	// SessionID is the bound session identifier.
	SessionID string
	// RequestTime is when the call was admitted.
	RequestTime time.Time
}

// Decision is the outcome of evaluating the rule set against one call.
type Decision struct {
	// Denied is true when any enabled rule matched.
	Denied bool
	// RuleName names the first matching rule.
	RuleName string
	// Reason is the matching rule's deny reason.
	Reason string
}

// Engine evaluates the configured rule set against one call. A failure to
// evaluate is an error, and the caller must treat it as a denial.
type Engine interface {
	Evaluate(ctx context.Context, evalCtx EvaluationContext) (Decision, error)
}
