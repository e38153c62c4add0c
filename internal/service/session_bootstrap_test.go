package service

import (
	"errors"
	"testing"
	"time"

	"github.com/query-gate/querygate/internal/domain/capability"
	"github.com/query-gate/querygate/internal/domain/outcome"
	"github.com/query-gate/querygate/internal/domain/session"
)

func TestBindSession(t *testing.T) {
	t.Run("clean bind emits no event", func(t *testing.T) {
		sink := &recordingSink{}
		sess := session.NewContext()
		if err := BindSession(sess, sink, discardLogger(), "alice", "acme", "sess-1"); err != nil {
			t.Fatalf("BindSession: %v", err)
		}
		if got := sink.all(); len(got) != 0 {
			t.Errorf("events = %+v, want none", got)
		}
	})

	t.Run("rebind fails, preserves the binding, and is audited", func(t *testing.T) {
		sink := &recordingSink{}
		sess := session.NewContext()
		if err := BindSession(sess, sink, discardLogger(), "alice", "acme", "sess-1"); err != nil {
			t.Fatalf("BindSession: %v", err)
		}

		err := BindSession(sess, sink, discardLogger(), "mallory", "evil", "sess-2")
		if !errors.Is(err, session.ErrAlreadyBound) {
			t.Fatalf("rebind = %v, want ErrAlreadyBound", err)
		}
		if sess.Identity() != "alice" || sess.Tenant() != "acme" || sess.SessionID() != "sess-1" {
			t.Errorf("binding mutated: %s/%s/%s", sess.Identity(), sess.Tenant(), sess.SessionID())
		}

		event := sink.last(t)
		if event.Action != "session.bind" || event.Reason != "REBIND_ATTEMPTED" {
			t.Errorf("event = %+v", event)
		}
		if event.Outcome != outcome.OutcomeDenied {
			t.Errorf("Outcome = %q", event.Outcome)
		}
		// The event carries the preserved identity, not the attempted one.
		if event.Identity != "alice" || event.Tenant != "acme" {
			t.Errorf("event = %+v", event)
		}
	})

	t.Run("invalid binding is audited", func(t *testing.T) {
		sink := &recordingSink{}
		sess := session.NewContext()
		err := BindSession(sess, sink, discardLogger(), "  ", "acme", "sess-1")
		if !errors.Is(err, session.ErrInvalidBinding) {
			t.Fatalf("BindSession = %v, want ErrInvalidBinding", err)
		}
		if event := sink.last(t); event.Reason != "INVALID_BINDING" {
			t.Errorf("event = %+v", event)
		}
	})
}

func TestAttachSessionCapabilities(t *testing.T) {
	newCaps := func(t *testing.T) *capability.Set {
		t.Helper()
		caps, err := capability.New("caps-1", "launcher",
			pipeNow.Add(-time.Hour), pipeNow.Add(time.Hour),
			[]capability.Grant{{Action: capability.ActionToolInvoke, Target: "*"}})
		if err != nil {
			t.Fatalf("capability.New: %v", err)
		}
		return caps
	}

	t.Run("reattach fails and is audited", func(t *testing.T) {
		sink := &recordingSink{}
		sess := session.NewContext()
		if err := BindSession(sess, sink, discardLogger(), "alice", "acme", "sess-1"); err != nil {
			t.Fatalf("BindSession: %v", err)
		}
		if err := AttachSessionCapabilities(sess, sink, discardLogger(), newCaps(t)); err != nil {
			t.Fatalf("AttachSessionCapabilities: %v", err)
		}

		err := AttachSessionCapabilities(sess, sink, discardLogger(), newCaps(t))
		if !errors.Is(err, session.ErrAlreadyAttached) {
			t.Fatalf("reattach = %v, want ErrAlreadyAttached", err)
		}
		event := sink.last(t)
		if event.Action != "session.attach" || event.Reason != "CAPABILITY_REATTACH" {
			t.Errorf("event = %+v", event)
		}
		if event.CapSetID != "caps-1" {
			t.Errorf("CapSetID = %q", event.CapSetID)
		}
	})

	t.Run("attach on an unbound context is audited", func(t *testing.T) {
		sink := &recordingSink{}
		sess := session.NewContext()
		err := AttachSessionCapabilities(sess, sink, discardLogger(), newCaps(t))
		if !errors.Is(err, session.ErrUnboundContext) {
			t.Fatalf("attach = %v, want ErrUnboundContext", err)
		}
		if event := sink.last(t); event.Reason != "UNBOUND_CONTEXT" {
			t.Errorf("event = %+v", event)
		}
	})
}
