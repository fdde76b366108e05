package rules

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// CompiledExpr wraps a pre-compiled CEL program for fast repeated evaluation.
type CompiledExpr struct {
	Expression string
	program    cel.Program
}

// CELEvaluator compiles and evaluates CEL expressions against rule execution
// contexts. Expressions are compiled once at registration; evaluation is
// lock-free and safe for concurrent use.
type CELEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewCELEvaluator creates a CELEvaluator with the standard variable
// declarations available in rule expressions.
func NewCELEvaluator(logger *slog.Logger) (*CELEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("transaction", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user_profile", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("historical", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("source_system", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELEvaluator{
		env:    env,
		logger: logger.With("component", "rules.CELEvaluator"),
	}, nil
}

// Compile parses and type-checks a CEL expression. Call at registration time,
// not in the hot path.
func (c *CELEvaluator) Compile(expr string) (CompiledExpr, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledExpr{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return CompiledExpr{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledExpr{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	c.logger.Debug("compiled CEL expression", "expression", expr)

	return CompiledExpr{Expression: expr, program: prg}, nil
}

// Evaluate runs a pre-compiled expression against the given context.
// Returns true if the condition holds.
func (c *CELEvaluator) Evaluate(expr *CompiledExpr, ctx *Context) (bool, error) {
	vars := map[string]interface{}{
		"transaction":   ctx.TransactionData,
		"user_profile":  ctx.UserProfile,
		"historical":    ctx.HistoricalData,
		"user_id":       ctx.UserID,
		"source_system": ctx.SourceSystem,
	}
	// CEL map access on nil panics.
	for _, k := range []string{"transaction", "user_profile", "historical"} {
		if vars[k] == nil {
			vars[k] = map[string]interface{}{}
		}
	}

	out, _, err := expr.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", expr.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", expr.Expression, out.Value())
	}

	return result, nil
}
