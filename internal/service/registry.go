package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/query-gate/querygate/internal/ctxkey"
	"github.com/query-gate/querygate/internal/domain/audit"
	"github.com/query-gate/querygate/internal/domain/capability"
	"github.com/query-gate/querygate/internal/domain/outcome"
	"github.com/query-gate/querygate/internal/domain/quota"
	"github.com/query-gate/querygate/internal/domain/rule"
	"github.com/query-gate/querygate/internal/domain/session"
	"github.com/query-gate/querygate/internal/domain/sqlguard"
	"github.com/query-gate/querygate/internal/domain/tool"
)

// ListTarget is the capability target checked for the tool listing
// operation.
const ListTarget = "tools"

// ToolInfo is one entry of the tool listing.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// Registry owns the registered tools and runs the enforcement pipeline for
// every call. Each gate either passes or produces a categorized denial; no
// gate is skipped and no result reaches the caller without an audit event.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]tool.Descriptor
	order []string

	sessions      *session.Registry
	rules         rule.Engine
	quotas        *quota.Engine
	validator     *sqlguard.Validator
	guard         *sqlguard.Guard
	fingerprinter *audit.Fingerprinter
	sink          audit.Sink
	stats         *StatsService
	logger        *slog.Logger
	now           func() time.Time
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithRuleEngine attaches a guard rule engine. Without one, the rule gate is
// a no-op.
func WithRuleEngine(engine rule.Engine) RegistryOption {
	return func(r *Registry) {
		r.rules = engine
	}
}

// WithRegistryClock overrides the clock, for tests.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry wires the pipeline dependencies. All of them are required
// except the rule engine.
func NewRegistry(
	sessions *session.Registry,
	quotas *quota.Engine,
	validator *sqlguard.Validator,
	guard *sqlguard.Guard,
	fingerprinter *audit.Fingerprinter,
	sink audit.Sink,
	stats *StatsService,
	logger *slog.Logger,
	opts ...RegistryOption,
) *Registry {
	r := &Registry{
		tools:         make(map[string]tool.Descriptor),
		sessions:      sessions,
		quotas:        quotas,
		validator:     validator,
		guard:         guard,
		fingerprinter: fingerprinter,
		sink:          sink,
		stats:         stats,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool descriptor. Duplicate names are a programming error.
func (r *Registry) Register(desc tool.Descriptor) error {
	if desc.Name == "" {
		return errors.New("tool name is required")
	}
	if !desc.RequiredAction.IsValid() {
		return fmt.Errorf("tool %q: unknown required action %q", desc.Name, desc.RequiredAction)
	}
	if desc.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", desc.Name)
	}
	if desc.ProducesSQL && desc.SQLArg == "" {
		return fmt.Errorf("tool %q: SQL-producing tool needs a SQL argument name", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("tool %q already registered", desc.Name)
	}
	r.tools[desc.Name] = desc
	r.order = append(r.order, desc.Name)
	return nil
}

// lookup returns a registered descriptor by name.
func (r *Registry) lookup(name string) (tool.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.tools[name]
	return desc, ok
}

// List returns the registered tools visible to the session. It runs the
// context and capability gates; a session without a listing grant gets a
// denial, not an empty list. Holding the listing grant does not disclose the
// whole registry: each descriptor is included only if its own required
// action is granted for the session.
func (r *Registry) List(ctx context.Context, sess *session.Context) ([]ToolInfo, error) {
	start := r.now()
	action := string(capability.ActionToolList)

	if err := r.sessions.Verify(sess); err != nil {
		return nil, r.finishDeny(ctx, sess, action, ListTarget, start, "",
			outcome.Deny(outcome.CategorySecurityViolation, "CONTEXT_VERIFICATION_FAILED"))
	}

	decision := capability.Evaluate(sess.Capabilities(), capability.ActionToolList, ListTarget, r.now())
	if !decision.Authorized {
		return nil, r.finishDeny(ctx, sess, action, ListTarget, start, "",
			outcome.Deny(outcome.CategoryAuthorizationDenied, decision.Reason))
	}

	now := r.now()
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	infos := make([]ToolInfo, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		desc := r.tools[name]
		granted := capability.Evaluate(sess.Capabilities(), desc.RequiredAction, desc.Name, now)
		if !granted.Authorized {
			continue
		}
		infos = append(infos, ToolInfo{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: desc.InputSchema.SchemaJSON(),
		})
	}
	r.mu.RUnlock()

	if err := r.finishAllow(ctx, sess, action, ListTarget, start, ""); err != nil {
		return nil, err
	}
	return infos, nil
}

// Execute runs one tool call through the full pipeline:
// context verification, capability evaluation, guard rules, quota admission,
// input validation, static SQL validation, handler execution, slot release,
// and exactly one audit event. The first failing gate denies; the call is
// audited either way.
func (r *Registry) Execute(ctx context.Context, sess *session.Context, toolName string, args map[string]interface{}) (interface{}, error) {
	start := r.now()

	// The audit event separates the evaluated capability action from its
	// target. Before the descriptor is known, the attempted operation is a
	// tool invocation.
	action := string(capability.ActionToolInvoke)

	// Gate 1: the session must be a live, bound context this process issued.
	if err := r.sessions.Verify(sess); err != nil {
		return nil, r.finishDeny(ctx, sess, action, toolName, start, "",
			outcome.Deny(outcome.CategorySecurityViolation, "CONTEXT_VERIFICATION_FAILED"))
	}

	desc, ok := r.lookup(toolName)
	if !ok {
		return nil, r.finishDeny(ctx, sess, action, toolName, start, "",
			outcome.Deny(outcome.CategoryValidationError, "UNKNOWN_TOOL"))
	}
	action = string(desc.RequiredAction)

	// Gate 2: capability evaluation. Pure and clock-driven.
	decision := capability.Evaluate(sess.Capabilities(), desc.RequiredAction, toolName, r.now())
	if !decision.Authorized {
		return nil, r.finishDeny(ctx, sess, action, toolName, start, "",
			outcome.Deny(outcome.CategoryAuthorizationDenied, decision.Reason))
	}

	// Gate 2b: deny-only guard rules. A rule can veto a capability grant
	// but never widen one. Evaluation failure denies.
	if r.rules != nil {
		ruleDecision, err := r.rules.Evaluate(ctx, rule.EvaluationContext{
			ToolName:    toolName,
			Arguments:   args,
			Identity:    sess.Identity(),
			Tenant:      sess.Tenant(),
			SessionID:   sess.SessionID(),
			RequestTime: start,
		})
		if err != nil {
			r.logger.Warn("guard rule evaluation failed", "tool", toolName, "error", err)
			return nil, r.finishDeny(ctx, sess, action, toolName, start, "",
				outcome.Deny(outcome.CategoryAuthorizationDenied, capability.ReasonRuleEvalFailed))
		}
		r.stats.RecordRuleEvaluation(ruleDecision.Denied)
		if ruleDecision.Denied {
			return nil, r.finishDeny(ctx, sess, action, toolName, start, "",
				outcome.Deny(outcome.CategoryAuthorizationDenied, ruleDecision.Reason))
		}
	}

	// Gate 3: quota admission. Takes a concurrency slot on success.
	release, err := r.quotas.Admit(sess.Tenant(), sess.SessionID())
	if err != nil {
		return nil, r.finishDeny(ctx, sess, action, toolName, start, "", err)
	}
	// The slot is released on every path out of this function, including
	// handler panics.
	defer release()

	policy := r.quotas.PolicyFor(sess.Tenant())

	// Gate 4: input validation against the tool's declared schema.
	if err := desc.InputSchema.Validate(args); err != nil {
		return nil, r.finishDeny(ctx, sess, action, toolName, start, "",
			outcome.Deny(outcome.CategoryValidationError, "SCHEMA_VIOLATION"))
	}

	// Gate 5: static SQL validation for SQL-producing tools. The
	// fingerprint is computed for the audit trail whether or not the
	// statement passes.
	var fingerprint string
	if desc.ProducesSQL {
		statement, ok := args[desc.SQLArg].(string)
		if !ok || statement == "" {
			return nil, r.finishDeny(ctx, sess, action, toolName, start, "",
				outcome.Deny(outcome.CategoryValidationError, "SCHEMA_VIOLATION"))
		}
		fingerprint = r.fingerprinter.Fingerprint(statement)

		if res := r.guard.Check(statement); !res.Valid {
			r.stats.RecordValidatorReject(res.Reason)
			return nil, r.finishDeny(ctx, sess, action, toolName, start, fingerprint,
				outcome.Deny(outcome.CategoryQueryRejected, res.Reason))
		}
		allowlist := orderByAllowlist(desc.AllowedOrderByColumns)
		if res := r.validator.Validate(statement, allowlist); !res.Valid {
			r.stats.RecordValidatorReject(res.Reason)
			return nil, r.finishDeny(ctx, sess, action, toolName, start, fingerprint,
				outcome.Deny(outcome.CategoryQueryRejected, res.Reason))
		}
	}

	// Gate 6: handler execution under the quota deadline.
	execCtx, cancel := context.WithTimeout(ctx, policy.MaxDuration)
	defer cancel()

	result, err := desc.Handler(execCtx, tool.Invocation{
		Args:           args,
		Session:        sess,
		MaxResultBytes: policy.MaxResultBytes,
	})
	if err != nil {
		denial := classifyHandlerError(execCtx, err)
		return nil, r.finishDeny(ctx, sess, action, toolName, start, fingerprint, denial)
	}

	// Gate 7: the audit event must land before the result is returned.
	if err := r.finishAllow(ctx, sess, action, toolName, start, fingerprint); err != nil {
		return nil, err
	}
	return result, nil
}

// classifyHandlerError maps a handler error onto a denial category without
// leaking backend detail. Categorized errors pass through unchanged.
func classifyHandlerError(ctx context.Context, err error) error {
	var denial *outcome.Error
	if errors.As(err, &denial) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return outcome.Deny(outcome.CategoryAdapterTimeout, "DEADLINE_EXCEEDED")
	}
	return outcome.Deny(outcome.CategoryAdapterError, "BACKEND_FAILURE")
}

// finishAllow records the success audit event. A sink refusal converts the
// success into an AUDIT_FAILURE denial: results do not outrun their audit
// trail.
func (r *Registry) finishAllow(ctx context.Context, sess *session.Context, action, target string, start time.Time, fingerprint string) error {
	duration := r.now().Sub(start)
	event := r.buildEvent(sess, action, target, start, duration, fingerprint, true, "GRANTED", outcome.OutcomeSuccess, audit.LevelInfo)
	event.RequestID = requestIDFromCtx(ctx)
	if err := r.sink.Record(event); err != nil {
		r.logger.Error("audit sink refused success event", "tool", target, "error", err)
		r.stats.RecordDeny(target, outcome.CategoryAuditFailure)
		return outcome.Deny(outcome.CategoryAuditFailure, "AUDIT_UNAVAILABLE")
	}
	r.stats.RecordAllow(target, duration)
	r.stats.SetInflight(r.quotas.Inflight(sess.Tenant(), sess.SessionID()))
	return nil
}

// finishDeny records the denial audit event and returns the denial. If the
// sink refuses the event the denial stands; the refusal is logged, not
// escalated, because the caller is already being refused.
func (r *Registry) finishDeny(ctx context.Context, sess *session.Context, action, target string, start time.Time, fingerprint string, denial error) error {
	category := outcome.CategoryOf(denial)
	reason := outcome.ReasonOf(denial)
	duration := r.now().Sub(start)

	event := r.buildEvent(sess, action, target, start, duration, fingerprint, false, reason, outcome.OutcomeDenied, audit.LevelWarn)
	event.RequestID = requestIDFromCtx(ctx)
	if err := r.sink.Record(event); err != nil {
		r.logger.Error("audit sink refused denial event",
			"tool", target, "category", category, "error", err)
	}

	r.stats.RecordDeny(target, category)
	r.logger.Warn("tool call denied",
		"action", action,
		"tool", target,
		"category", string(category),
		"reason", reason,
	)
	return denial
}

// buildEvent assembles the single audit event for a call.
func (r *Registry) buildEvent(sess *session.Context, action, target string, start time.Time, duration time.Duration, fingerprint string, authorized bool, reason, result string, level string) audit.Event {
	event := audit.Event{
		TS:               start.UTC(),
		Level:            level,
		Action:           action,
		Target:           target,
		Authorized:       authorized,
		Reason:           reason,
		DurationMs:       duration.Milliseconds(),
		QueryFingerprint: fingerprint,
		Outcome:          result,
	}
	if sess != nil && sess.State() == session.StateBound {
		fields := sess.AuditFields()
		event.Identity = fields.Identity
		event.Tenant = fields.Tenant
		event.SessionID = fields.SessionID
		event.CapSetID = fields.CapSetID
	}
	return event
}

// orderByAllowlist lowercases the tool's declared sortable columns into the
// validator's lookup form.
func orderByAllowlist(columns []string) map[string]struct{} {
	allow := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		allow[normalizeColumn(col)] = struct{}{}
	}
	return allow
}

func normalizeColumn(col string) string {
	return strings.ToLower(strings.TrimSpace(col))
}

// requestIDFromCtx returns the transport-assigned request ID, if any.
func requestIDFromCtx(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxkey.RequestIDKey{}).(string)
	return id
}
