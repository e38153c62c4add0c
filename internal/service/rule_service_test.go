package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/query-gate/querygate/internal/domain/rule"
)

func evalCtx(toolName string, args map[string]interface{}) rule.EvaluationContext {
	return rule.EvaluationContext{
		ToolName:    toolName,
		Arguments:   args,
		Identity:    "alice",
		Tenant:      "acme",
		SessionID:   "sess-1",
		RequestTime: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestNewRuleService(t *testing.T) {
	t.Run("bad expression fails startup", func(t *testing.T) {
		_, err := NewRuleService([]rule.Rule{{
			Name:       "broken",
			Expression: `tool_name ==`,
			Enabled:    true,
		}}, discardLogger())
		if err == nil {
			t.Fatal("invalid expression accepted")
		}
	})

	t.Run("disabled rules are still compiled", func(t *testing.T) {
		_, err := NewRuleService([]rule.Rule{{
			Name:       "broken-disabled",
			Expression: `no_such_var == "x"`,
			Enabled:    false,
		}}, discardLogger())
		if err == nil {
			t.Fatal("invalid disabled expression accepted")
		}
	})

	t.Run("disabled rules do not evaluate", func(t *testing.T) {
		svc, err := NewRuleService([]rule.Rule{{
			Name:       "off",
			Expression: `true`,
			Enabled:    false,
		}}, discardLogger())
		if err != nil {
			t.Fatalf("NewRuleService: %v", err)
		}
		if svc.RuleCount() != 0 {
			t.Errorf("RuleCount = %d, want 0", svc.RuleCount())
		}
		decision, err := svc.Evaluate(context.Background(), evalCtx("echo", nil))
		if err != nil || decision.Denied {
			t.Errorf("decision = %+v, err = %v", decision, err)
		}
	})

	t.Run("unnamed rule rejected", func(t *testing.T) {
		_, err := NewRuleService([]rule.Rule{{
			Name:       "  ",
			Expression: `true`,
			Enabled:    true,
		}}, discardLogger())
		if err == nil {
			t.Fatal("unnamed rule accepted")
		}
	})
}

func TestRuleServiceEvaluate(t *testing.T) {
	t.Run("matching rule denies with its reason", func(t *testing.T) {
		svc, err := NewRuleService([]rule.Rule{{
			Name:       "no-exports",
			Expression: `tool_name == "export_csv"`,
			Reason:     "EXPORTS_DISABLED",
			Enabled:    true,
		}}, discardLogger())
		if err != nil {
			t.Fatalf("NewRuleService: %v", err)
		}

		decision, err := svc.Evaluate(context.Background(), evalCtx("export_csv", nil))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !decision.Denied || decision.RuleName != "no-exports" || decision.Reason != "EXPORTS_DISABLED" {
			t.Errorf("decision = %+v", decision)
		}
	})

	t.Run("reason defaults to the rule name", func(t *testing.T) {
		svc, err := NewRuleService([]rule.Rule{{
			Name:       "block-all",
			Expression: `true`,
			Enabled:    true,
		}}, discardLogger())
		if err != nil {
			t.Fatalf("NewRuleService: %v", err)
		}
		decision, err := svc.Evaluate(context.Background(), evalCtx("echo", nil))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if decision.Reason != "block-all" {
			t.Errorf("Reason = %q", decision.Reason)
		}
	})

	t.Run("glob matches tool names", func(t *testing.T) {
		svc, err := NewRuleService([]rule.Rule{{
			Name:       "no-query-tools",
			Expression: `glob("query_*", tool_name)`,
			Enabled:    true,
		}}, discardLogger())
		if err != nil {
			t.Fatalf("NewRuleService: %v", err)
		}

		denied, err := svc.Evaluate(context.Background(), evalCtx("query_read", nil))
		if err != nil || !denied.Denied {
			t.Errorf("query_read decision = %+v, err = %v", denied, err)
		}
		passed, err := svc.Evaluate(context.Background(), evalCtx("list_tables", nil))
		if err != nil || passed.Denied {
			t.Errorf("list_tables decision = %+v, err = %v", passed, err)
		}
	})

	t.Run("arg_contains inspects string arguments", func(t *testing.T) {
		svc, err := NewRuleService([]rule.Rule{{
			Name:       "no-password-columns",
			Expression: `arg_contains(arguments, "query", "password")`,
			Enabled:    true,
		}}, discardLogger())
		if err != nil {
			t.Fatalf("NewRuleService: %v", err)
		}

		denied, err := svc.Evaluate(context.Background(),
			evalCtx("query_read", map[string]interface{}{"query": "SELECT password_hash FROM public.users"}))
		if err != nil || !denied.Denied {
			t.Errorf("decision = %+v, err = %v", denied, err)
		}
		passed, err := svc.Evaluate(context.Background(),
			evalCtx("query_read", map[string]interface{}{"query": "SELECT name FROM public.users"}))
		if err != nil || passed.Denied {
			t.Errorf("decision = %+v, err = %v", passed, err)
		}
	})

	t.Run("non-boolean result is an error", func(t *testing.T) {
		svc, err := NewRuleService([]rule.Rule{{
			Name:       "wrong-type",
			Expression: `tool_name + "x"`,
			Enabled:    true,
		}}, discardLogger())
		if err != nil {
			t.Fatalf("NewRuleService: %v", err)
		}
		if _, err := svc.Evaluate(context.Background(), evalCtx("echo", nil)); err == nil {
			t.Error("non-boolean expression evaluated without error")
		}
	})
}

func TestRuleServiceDecisionCache(t *testing.T) {
	t.Run("clock-independent rules cache decisions", func(t *testing.T) {
		svc, err := NewRuleService([]rule.Rule{{
			Name:       "tenant-block",
			Expression: `tenant == "blocked"`,
			Enabled:    true,
		}}, discardLogger())
		if err != nil {
			t.Fatalf("NewRuleService: %v", err)
		}
		if !svc.cacheable {
			t.Fatal("rule set without request_time marked uncacheable")
		}

		ctx := evalCtx("echo", map[string]interface{}{"message": "hi"})
		first, err := svc.Evaluate(context.Background(), ctx)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if got := len(svc.cache.entries); got != 1 {
			t.Errorf("cache entries = %d, want 1", got)
		}
		second, err := svc.Evaluate(context.Background(), ctx)
		if err != nil || second != first {
			t.Errorf("cached decision = %+v, err = %v, want %+v", second, err, first)
		}
	})

	t.Run("request_time disables the cache", func(t *testing.T) {
		svc, err := NewRuleService([]rule.Rule{{
			Name:       "after-hours",
			Expression: `request_time.getHours() >= 22`,
			Enabled:    true,
		}}, discardLogger())
		if err != nil {
			t.Fatalf("NewRuleService: %v", err)
		}
		if svc.cacheable {
			t.Fatal("clock-dependent rule set marked cacheable")
		}

		if _, err := svc.Evaluate(context.Background(), evalCtx("echo", nil)); err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if got := len(svc.cache.entries); got != 0 {
			t.Errorf("cache entries = %d, want 0", got)
		}
	})

	t.Run("different arguments produce different cache keys", func(t *testing.T) {
		a := decisionCacheKey(evalCtx("echo", map[string]interface{}{"message": "a"}))
		b := decisionCacheKey(evalCtx("echo", map[string]interface{}{"message": "b"}))
		if a == b {
			t.Error("distinct arguments hashed to the same key")
		}
	})

	t.Run("argument order does not split the cache", func(t *testing.T) {
		a := decisionCacheKey(evalCtx("echo", map[string]interface{}{"x": 1, "y": 2}))
		b := decisionCacheKey(evalCtx("echo", map[string]interface{}{"y": 2, "x": 1}))
		if a != b {
			t.Error("map iteration order changed the cache key")
		}
	})
}

func TestRuleServiceExpressionLimits(t *testing.T) {
	t.Run("overlong expression rejected", func(t *testing.T) {
		expr := `tool_name == "` + strings.Repeat("a", 1100) + `"`
		_, err := NewRuleService([]rule.Rule{{
			Name:       "too-long",
			Expression: expr,
			Enabled:    true,
		}}, discardLogger())
		if err == nil {
			t.Fatal("overlong expression accepted")
		}
	})
}
