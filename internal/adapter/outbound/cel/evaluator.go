// Package cel provides a CEL-based guard rule evaluator.
package cel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/query-gate/querygate/internal/domain/rule"
)

// maxExpressionLength is the maximum allowed length for rule expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single rule evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates CEL expressions for guard rules.
type Evaluator struct {
	env *cel.Env
}

// NewRuleEnvironment creates a CEL environment for guard rule evaluation.
// Variables expose only session metadata and call inputs:
//   - tool_name, arguments: the call being gated
//   - identity, tenant, session_id: the bound session
//   - request_time: when the call was admitted
//
// Custom functions:
//   - glob(pattern, name): filepath-style glob match
//   - arg_contains(arguments, key, substr): substring check on a string argument
func NewRuleEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tool_name", cel.StringType),
		cel.Variable("arguments", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("identity", cel.StringType),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("request_time", cel.TimestampType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		cel.Function("arg_contains",
			cel.Overload("arg_contains_map_string_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType, cel.StringType},
				cel.BoolType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					if len(args) != 3 {
						return types.Bool(false)
					}
					m, ok := args[0].Value().(map[string]interface{})
					if !ok {
						return types.Bool(false)
					}
					key, ok := args[1].Value().(string)
					if !ok {
						return types.Bool(false)
					}
					substr, ok := args[2].Value().(string)
					if !ok {
						return types.Bool(false)
					}
					val, ok := m[key].(string)
					if !ok {
						return types.Bool(false)
					}
					return types.Bool(strings.Contains(val, substr))
				}),
			),
		),
	)
}

// NewEvaluator creates a CEL evaluator with the rule environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewRuleEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create rule environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks a rule expression, returning a compiled
// program with cost and interrupt limits applied.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that a rule expression is syntactically valid and
// within the safety limits (length, nesting depth, compilability).
func (e *Evaluator) ValidateExpression(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}

	if expr == "" {
		return errors.New("expression is empty")
	}

	if err := validateNesting(expr); err != nil {
		return err
	}

	_, err := e.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid rule expression: %w", err)
	}

	return nil
}

// Evaluate runs a compiled program against a rule evaluation context.
// ContextEval with a timeout bounds evaluation; a non-boolean result is an
// error, which callers must treat as a denial.
func (e *Evaluator) Evaluate(ctx context.Context, prg cel.Program, evalCtx rule.EvaluationContext) (bool, error) {
	activation := buildActivation(evalCtx)

	evalContext, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(evalContext, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}

	return boolResult, nil
}

// buildActivation maps the evaluation context onto the environment variables.
func buildActivation(evalCtx rule.EvaluationContext) map[string]interface{} {
	args := evalCtx.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	return map[string]interface{}{
		"tool_name":    evalCtx.ToolName,
		"arguments":    args,
		"identity":     evalCtx.Identity,
		"tenant":       evalCtx.Tenant,
		"session_id":   evalCtx.SessionID,
		"request_time": evalCtx.RequestTime,
	}
}
