package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"

	celeval "github.com/query-gate/querygate/internal/adapter/outbound/cel"
	"github.com/query-gate/querygate/internal/domain/rule"
)

// compiledRule is a guard rule with its pre-compiled CEL program.
type compiledRule struct {
	name    string
	reason  string
	program cel.Program
}

// lruDecision is a doubly-linked list node for the decision cache.
type lruDecision struct {
	key      uint64
	decision rule.Decision
	prev     *lruDecision
	next     *lruDecision
}

// decisionCache is a bounded LRU cache for rule decisions. Thread-safe with a
// mutex (both Get and Put mutate LRU order).
type decisionCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruDecision
	head    *lruDecision
	tail    *lruDecision
	maxSize int
}

func newDecisionCache(maxSize int) *decisionCache {
	return &decisionCache{
		entries: make(map[uint64]*lruDecision, maxSize),
		maxSize: maxSize,
	}
}

func (c *decisionCache) Get(key uint64) (rule.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.decision, true
	}
	return rule.Decision{}, false
}

func (c *decisionCache) Put(key uint64, decision rule.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = decision
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruDecision{key: key, decision: decision}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

func (c *decisionCache) moveToHeadLocked(e *lruDecision) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *decisionCache) pushHeadLocked(e *lruDecision) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *decisionCache) unlinkLocked(e *lruDecision) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *decisionCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// RuleService evaluates the configured guard rules against each call.
// Rules are compiled once at construction; the rule set is static for the
// process lifetime, so decisions for identical inputs can be cached.
type RuleService struct {
	evaluator *celeval.Evaluator
	rules     []compiledRule
	cache     *decisionCache
	// cacheable is false when any rule reads request_time; such decisions
	// depend on the clock and must not be reused.
	cacheable bool
	logger    *slog.Logger
}

// defaultDecisionCacheSize bounds the decision cache.
const defaultDecisionCacheSize = 1024

// NewRuleService compiles the given rules. All rules are compiled, including
// disabled ones, so a bad expression fails startup rather than first use.
func NewRuleService(rules []rule.Rule, logger *slog.Logger) (*RuleService, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("creating rule evaluator: %w", err)
	}

	s := &RuleService{
		evaluator: evaluator,
		cache:     newDecisionCache(defaultDecisionCacheSize),
		cacheable: true,
		logger:    logger,
	}

	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if err := evaluator.ValidateExpression(r.Expression); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if !r.Enabled {
			continue
		}
		prg, err := evaluator.Compile(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if strings.Contains(r.Expression, "request_time") {
			s.cacheable = false
		}
		s.rules = append(s.rules, compiledRule{
			name:    r.Name,
			reason:  r.DenyReason(),
			program: prg,
		})
	}

	return s, nil
}

var _ rule.Engine = (*RuleService)(nil)

// RuleCount returns the number of enabled rules.
func (s *RuleService) RuleCount() int {
	return len(s.rules)
}

// Evaluate runs every enabled rule against the call. The first match denies.
// An evaluation failure returns an error; the registry denies on error.
func (s *RuleService) Evaluate(ctx context.Context, evalCtx rule.EvaluationContext) (rule.Decision, error) {
	if len(s.rules) == 0 {
		return rule.Decision{}, nil
	}

	var cacheKey uint64
	if s.cacheable {
		cacheKey = decisionCacheKey(evalCtx)
		if decision, ok := s.cache.Get(cacheKey); ok {
			return decision, nil
		}
	}

	for _, r := range s.rules {
		matched, err := s.evaluator.Evaluate(ctx, r.program, evalCtx)
		if err != nil {
			return rule.Decision{}, fmt.Errorf("rule %s evaluation failed: %w", r.name, err)
		}
		if matched {
			decision := rule.Decision{
				Denied:   true,
				RuleName: r.name,
				Reason:   r.reason,
			}
			if s.cacheable {
				s.cache.Put(cacheKey, decision)
			}
			return decision, nil
		}
	}

	decision := rule.Decision{}
	if s.cacheable {
		s.cache.Put(cacheKey, decision)
	}
	return decision, nil
}

// decisionCacheKey folds the clock-independent evaluation inputs into an
// xxhash key. Arguments are serialized with sorted keys so map iteration
// order cannot split the cache.
func decisionCacheKey(evalCtx rule.EvaluationContext) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(evalCtx.ToolName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(evalCtx.Identity)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(evalCtx.Tenant)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(evalCtx.SessionID)
	_, _ = h.Write([]byte{0})

	keys := make([]string, 0, len(evalCtx.Arguments))
	for k := range evalCtx.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0})
		val, err := json.Marshal(evalCtx.Arguments[k])
		if err != nil {
			_, _ = h.WriteString(fmt.Sprintf("%v", evalCtx.Arguments[k]))
		} else {
			_, _ = h.Write(val)
		}
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
