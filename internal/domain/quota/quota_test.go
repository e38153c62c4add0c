package quota

import (
	"testing"
	"time"

	"github.com/query-gate/querygate/internal/domain/outcome"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(p Policy) (*Engine, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewEngine(p, nil, WithClock(clock.now)), clock
}

func TestAdmitRateWindow(t *testing.T) {
	e, clock := newTestEngine(Policy{
		Window:               time.Minute,
		MaxRequestsPerWindow: 2,
		MaxConcurrent:        10,
	})

	for i := 0; i < 2; i++ {
		release, err := e.Admit("acme", "sess-1")
		if err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
		release()
	}

	_, err := e.Admit("acme", "sess-1")
	if err == nil {
		t.Fatal("third request admitted inside the window")
	}
	if got := outcome.CategoryOf(err); got != outcome.CategoryQuotaRateExceeded {
		t.Errorf("category = %v, want QUOTA_RATE_EXCEEDED", got)
	}

	// A fresh window restores credits.
	clock.advance(time.Minute)
	release, err := e.Admit("acme", "sess-1")
	if err != nil {
		t.Fatalf("Admit after window roll: %v", err)
	}
	release()
}

func TestAdmitConcurrency(t *testing.T) {
	e, _ := newTestEngine(Policy{
		Window:               time.Minute,
		MaxRequestsPerWindow: 100,
		MaxConcurrent:        1,
	})

	release1, err := e.Admit("acme", "sess-1")
	if err != nil {
		t.Fatalf("first Admit: %v", err)
	}

	if _, err := e.Admit("acme", "sess-1"); outcome.CategoryOf(err) != outcome.CategoryQuotaConcurrencyExceeded {
		t.Fatalf("second Admit = %v, want QUOTA_CONCURRENCY_EXCEEDED", err)
	}

	release1()
	if got := e.Inflight("acme", "sess-1"); got != 0 {
		t.Fatalf("Inflight after release = %d", got)
	}

	release2, err := e.Admit("acme", "sess-1")
	if err != nil {
		t.Fatalf("Admit after release: %v", err)
	}
	release2()
}

func TestReleaseIdempotent(t *testing.T) {
	e, _ := newTestEngine(Policy{
		Window:               time.Minute,
		MaxRequestsPerWindow: 100,
		MaxConcurrent:        2,
	})

	release, err := e.Admit("acme", "sess-1")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	release()
	release()
	release()

	if got := e.Inflight("acme", "sess-1"); got != 0 {
		t.Errorf("Inflight = %d after repeated release, want 0", got)
	}
}

func TestAdmitClockSkew(t *testing.T) {
	e, clock := newTestEngine(Policy{
		Window:               time.Minute,
		MaxRequestsPerWindow: 100,
		MaxConcurrent:        10,
	})

	release, err := e.Admit("acme", "sess-1")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	release()

	// Clock moving backwards past the window start is indeterminate; deny.
	clock.advance(-time.Hour)
	_, err = e.Admit("acme", "sess-1")
	if err == nil {
		t.Fatal("admitted with a rewound clock")
	}
	if got := outcome.ReasonOf(err); got != "QUOTA_CLOCK_SKEW" {
		t.Errorf("reason = %q, want QUOTA_CLOCK_SKEW", got)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	e, _ := newTestEngine(Policy{
		Window:               time.Minute,
		MaxRequestsPerWindow: 1,
		MaxConcurrent:        1,
	})

	release, err := e.Admit("acme", "sess-1")
	if err != nil {
		t.Fatalf("Admit sess-1: %v", err)
	}
	defer release()

	// Another session of the same tenant has its own window and slots.
	release2, err := e.Admit("acme", "sess-2")
	if err != nil {
		t.Fatalf("Admit sess-2: %v", err)
	}
	release2()
}

func TestPolicyFor(t *testing.T) {
	fallback := Policy{
		Window:               time.Minute,
		MaxRequestsPerWindow: 10,
		MaxConcurrent:        2,
		MaxResultBytes:       1 << 20,
		MaxDuration:          30 * time.Second,
	}
	perTenant := map[string]Policy{
		// Zero fields inherit from the fallback.
		"premium": {MaxRequestsPerWindow: 1000},
	}
	e := NewEngine(fallback, perTenant)

	t.Run("unknown tenant gets fallback", func(t *testing.T) {
		if got := e.PolicyFor("acme"); got != fallback {
			t.Errorf("PolicyFor = %+v", got)
		}
	})

	t.Run("override inherits zero fields", func(t *testing.T) {
		got := e.PolicyFor("premium")
		if got.MaxRequestsPerWindow != 1000 {
			t.Errorf("MaxRequestsPerWindow = %d", got.MaxRequestsPerWindow)
		}
		if got.Window != fallback.Window || got.MaxConcurrent != fallback.MaxConcurrent ||
			got.MaxResultBytes != fallback.MaxResultBytes || got.MaxDuration != fallback.MaxDuration {
			t.Errorf("inherited fields wrong: %+v", got)
		}
	})

	t.Run("zero fallback fields pick package defaults", func(t *testing.T) {
		e := NewEngine(Policy{}, nil)
		if got := e.PolicyFor("anyone"); got != DefaultPolicy() {
			t.Errorf("PolicyFor = %+v, want %+v", got, DefaultPolicy())
		}
	})
}
