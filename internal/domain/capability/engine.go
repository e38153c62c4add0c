package capability

import "time"

// Reason codes for capability decisions. These are stable strings suitable
// for audit records.
const (
	ReasonGranted        = "GRANTED"
	ReasonNoCapabilities = "DENIED_NO_CAPABILITIES"
	ReasonUnknownAction  = "DENIED_UNKNOWN_ACTION"
	ReasonExpired        = "DENIED_EXPIRED"
	ReasonNoGrant        = "DENIED_NO_GRANT"
	ReasonRuleEvalFailed = "DENIED_RULE_EVAL_FAILED"
	ReasonInvalidTarget  = "DENIED_INVALID_TARGET"
)

// Decision is the result of evaluating a capability set against an action
// and target.
type Decision struct {
	Authorized bool
	Reason     string
}

// Evaluate decides whether set authorizes action on target at instant now.
// It is a pure function of (set.Grants, set.ExpiresAt, action, target, now):
//
//  1. absent set denies with DENIED_NO_CAPABILITIES
//  2. an action outside the closed set denies with DENIED_UNKNOWN_ACTION
//  3. an expired set denies with DENIED_EXPIRED (strict: expiresAt == now denies)
//  4. a grant authorizes iff its action equals action and its target equals
//     target or is the wildcard; wildcards never cross actions
//  5. no matching grant denies with DENIED_NO_GRANT
func Evaluate(set *Set, action Action, target string, now time.Time) Decision {
	if set == nil {
		return Decision{Authorized: false, Reason: ReasonNoCapabilities}
	}
	if !action.IsValid() {
		return Decision{Authorized: false, Reason: ReasonUnknownAction}
	}
	if set.IsExpired(now) {
		return Decision{Authorized: false, Reason: ReasonExpired}
	}
	if target == "" {
		return Decision{Authorized: false, Reason: ReasonInvalidTarget}
	}
	for _, g := range set.Grants {
		if g.Action != action {
			continue
		}
		if g.Target == target || g.Target == WildcardTarget {
			return Decision{Authorized: true, Reason: ReasonGranted}
		}
	}
	return Decision{Authorized: false, Reason: ReasonNoGrant}
}
