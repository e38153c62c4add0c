package capability

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// testNow is fixed far in the future so sets built around it stay valid
// under New's construction-time expiry check.
var testNow = time.Date(2031, 8, 1, 12, 0, 0, 0, time.UTC)

// testSet builds a set directly so tests can construct already-expired sets,
// which New refuses by design.
func testSet(t *testing.T, grants []Grant, expiresAt time.Time) *Set {
	t.Helper()
	return &Set{
		CapSetID:  "caps-1",
		IssuedAt:  testNow.Add(-time.Hour),
		ExpiresAt: expiresAt,
		Issuer:    "launcher",
		Grants:    grants,
	}
}

func TestEvaluate(t *testing.T) {
	future := testNow.Add(time.Hour)

	tests := []struct {
		name       string
		set        *Set
		action     Action
		target     string
		now        time.Time
		authorized bool
		reason     string
	}{
		{
			name:       "nil set denies",
			set:        nil,
			action:     ActionToolInvoke,
			target:     "query_read",
			now:        testNow,
			authorized: false,
			reason:     ReasonNoCapabilities,
		},
		{
			name:       "unknown action denies before grant lookup",
			set:        testSet(t, []Grant{{Action: ActionToolInvoke, Target: "*"}}, future),
			action:     Action("tool.delete"),
			target:     "query_read",
			now:        testNow,
			authorized: false,
			reason:     ReasonUnknownAction,
		},
		{
			name:       "expired set denies",
			set:        testSet(t, []Grant{{Action: ActionToolInvoke, Target: "*"}}, testNow.Add(-time.Minute)),
			action:     ActionToolInvoke,
			target:     "query_read",
			now:        testNow,
			authorized: false,
			reason:     ReasonExpired,
		},
		{
			name:       "expiry boundary is exclusive",
			set:        testSet(t, []Grant{{Action: ActionToolInvoke, Target: "*"}}, testNow),
			action:     ActionToolInvoke,
			target:     "query_read",
			now:        testNow,
			authorized: false,
			reason:     ReasonExpired,
		},
		{
			name:       "exact grant matches",
			set:        testSet(t, []Grant{{Action: ActionToolInvoke, Target: "query_read"}}, future),
			action:     ActionToolInvoke,
			target:     "query_read",
			now:        testNow,
			authorized: true,
			reason:     ReasonGranted,
		},
		{
			name:       "wildcard target matches any target of its action",
			set:        testSet(t, []Grant{{Action: ActionResourceRead, Target: "*"}}, future),
			action:     ActionResourceRead,
			target:     "anything",
			now:        testNow,
			authorized: true,
			reason:     ReasonGranted,
		},
		{
			name:       "wildcard never crosses actions",
			set:        testSet(t, []Grant{{Action: ActionToolInvoke, Target: "*"}}, future),
			action:     ActionResourceRead,
			target:     "query_read",
			now:        testNow,
			authorized: false,
			reason:     ReasonNoGrant,
		},
		{
			name:       "no matching grant denies",
			set:        testSet(t, []Grant{{Action: ActionToolInvoke, Target: "other_tool"}}, future),
			action:     ActionToolInvoke,
			target:     "query_read",
			now:        testNow,
			authorized: false,
			reason:     ReasonNoGrant,
		},
		{
			name:       "target comparison is exact, not prefix",
			set:        testSet(t, []Grant{{Action: ActionToolInvoke, Target: "query"}}, future),
			action:     ActionToolInvoke,
			target:     "query_read",
			now:        testNow,
			authorized: false,
			reason:     ReasonNoGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.set, tt.action, tt.target, tt.now)
			if got.Authorized != tt.authorized {
				t.Errorf("Authorized = %v, want %v", got.Authorized, tt.authorized)
			}
			if got.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.reason)
			}
		})
	}
}

func TestEvaluateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	actions := []Action{ActionToolInvoke, ActionToolList, ActionResourceRead, ActionResourceWrite}

	genAction := gen.IntRange(0, len(actions)-1).Map(func(i int) Action { return actions[i] })
	genTarget := gen.RegexMatch(`[a-z_]{1,12}`)
	genOffset := gen.Int64Range(-3600, 3600)

	properties.Property("evaluation is deterministic", prop.ForAll(
		func(action Action, target string, offset int64) bool {
			set := mustSet(target, action)
			now := testNow.Add(time.Duration(offset) * time.Second)
			first := Evaluate(set, action, target, now)
			second := Evaluate(set, action, target, now)
			return first == second
		},
		genAction, genTarget, genOffset,
	))

	properties.Property("expiry is monotonic: once expired, always expired", prop.ForAll(
		func(action Action, target string, offset int64) bool {
			set := mustSet(target, action)
			now := set.ExpiresAt.Add(time.Duration(offset%600+1) * time.Second)
			if now.Before(set.ExpiresAt) {
				return true
			}
			d := Evaluate(set, action, target, now)
			later := Evaluate(set, action, target, now.Add(time.Hour))
			return !d.Authorized && d.Reason == ReasonExpired && later == d
		},
		genAction, genTarget, genOffset,
	))

	properties.Property("a grant never authorizes a different action", prop.ForAll(
		func(granted, asked Action, target string) bool {
			if granted == asked {
				return true
			}
			set := mustSet(target, granted)
			d := Evaluate(set, asked, target, testNow)
			return !d.Authorized
		},
		genAction, genAction, genTarget,
	))

	properties.TestingRun(t)
}

func mustSet(target string, action Action) *Set {
	set, err := New("caps-prop", "launcher", testNow.Add(-time.Hour), testNow.Add(time.Hour),
		[]Grant{{Action: action, Target: target}})
	if err != nil {
		panic(err)
	}
	return set
}
