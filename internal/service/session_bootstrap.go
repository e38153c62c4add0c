package service

import (
	"errors"
	"log/slog"
	"time"

	"github.com/query-gate/querygate/internal/domain/audit"
	"github.com/query-gate/querygate/internal/domain/capability"
	"github.com/query-gate/querygate/internal/domain/outcome"
	"github.com/query-gate/querygate/internal/domain/session"
)

// Bootstrap audit actions. These are not capability actions; they mark the
// trusted launcher handshake in the audit trail.
const (
	actionSessionBind   = "session.bind"
	actionSessionAttach = "session.attach"
)

// BindSession performs the process's one trusted bind and audits any
// violation of the bind-once invariant. A failed attempt never mutates an
// existing binding.
func BindSession(sess *session.Context, sink audit.Sink, logger *slog.Logger, identity, tenant, sessionID string) error {
	err := sess.Bind(identity, tenant, sessionID)
	if err == nil {
		return nil
	}
	reason := "INVALID_BINDING"
	if errors.Is(err, session.ErrAlreadyBound) {
		reason = "REBIND_ATTEMPTED"
	}
	recordBootstrapViolation(sess, sink, logger, actionSessionBind, sessionID, reason)
	return err
}

// AttachSessionCapabilities attaches the launcher-issued capability set and
// audits a violation of the attach-once invariant.
func AttachSessionCapabilities(sess *session.Context, sink audit.Sink, logger *slog.Logger, caps *capability.Set) error {
	err := sess.AttachCapabilities(caps)
	if err == nil {
		return nil
	}
	reason := "UNBOUND_CONTEXT"
	if errors.Is(err, session.ErrAlreadyAttached) {
		reason = "CAPABILITY_REATTACH"
	}
	recordBootstrapViolation(sess, sink, logger, actionSessionAttach, sess.SessionID(), reason)
	return err
}

// recordBootstrapViolation emits the security-violation event for a broken
// bootstrap invariant. When the context already holds a binding, the event
// carries the preserved identity, not the attempted one. A sink refusal is
// logged; the violation error itself already aborts the caller.
func recordBootstrapViolation(sess *session.Context, sink audit.Sink, logger *slog.Logger, action, target, reason string) {
	event := audit.Event{
		TS:      time.Now().UTC(),
		Level:   audit.LevelWarn,
		Action:  action,
		Target:  target,
		Reason:  reason,
		Outcome: outcome.OutcomeDenied,
	}
	if sess.State() == session.StateBound {
		fields := sess.AuditFields()
		event.Identity = fields.Identity
		event.Tenant = fields.Tenant
		event.SessionID = fields.SessionID
		event.CapSetID = fields.CapSetID
	}
	if err := sink.Record(event); err != nil {
		logger.Error("audit sink refused bootstrap violation event",
			"action", action, "reason", reason, "error", err)
	}
}
