package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/reguard/reguard/internal/store"
)

// LogicTree is the declarative body of a rule. Which section applies depends
// on the rule kind; Expression is an optional CEL condition evaluated
// alongside VALIDATION conditions.
type LogicTree struct {
	Conditions     []Condition     `json:"conditions,omitempty"`
	ScoringFactors []ScoringFactor `json:"scoring_factors,omitempty"`
	Threshold      *float64        `json:"threshold,omitempty"`
	Patterns       []Pattern       `json:"patterns,omitempty"`
	Expression     string          `json:"expression,omitempty"`
}

// Condition is one VALIDATION check.
type Condition struct {
	Field       string `json:"field"`
	Operator    string `json:"operator"` // equals, not_equals, greater_than, less_than, contains, exists
	Value       any    `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
}

// ScoringFactor is one weighted SCORING contribution.
type ScoringFactor struct {
	Field     string  `json:"field"`
	Weight    float64 `json:"weight"`
	Operation string  `json:"operation"` // exists, value, threshold
	Threshold float64 `json:"threshold,omitempty"`
}

// Pattern is one PATTERN matcher, either a regex or a value list.
type Pattern struct {
	Kind    string   `json:"kind"` // regex, value_list
	Field   string   `json:"field"`
	Pattern string   `json:"pattern,omitempty"`
	Values  []any    `json:"values,omitempty"`
}

// compiledRule pairs a stored rule with its parsed logic tree and any
// precompiled artefacts. Compilation happens at registration and reload, not
// in the hot path.
type compiledRule struct {
	rule    *store.Rule
	tree    LogicTree
	regexes map[int]*regexp.Regexp // pattern index -> compiled regex
	cel     *CompiledExpr          // non-nil when tree.Expression is set
}

func compileRule(r *store.Rule, celEval *CELEvaluator) (*compiledRule, error) {
	var tree LogicTree
	if len(r.LogicTree) > 0 {
		if err := json.Unmarshal(r.LogicTree, &tree); err != nil {
			return nil, fmt.Errorf("rule %s: invalid logic tree: %w", r.ID, err)
		}
	}

	c := &compiledRule{rule: r, tree: tree}

	if r.Kind == store.RuleKindPattern {
		c.regexes = make(map[int]*regexp.Regexp)
		for i, p := range tree.Patterns {
			if p.Kind != "regex" {
				continue
			}
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %s: pattern %d: %w", r.ID, i, err)
			}
			c.regexes[i] = re
		}
	}

	if tree.Expression != "" && celEval != nil {
		expr, err := celEval.Compile(tree.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		c.cel = &expr
	}

	return c, nil
}

// evalCondition reports whether a single condition holds.
func evalCondition(cond Condition, ctx *Context) (bool, error) {
	val, present := ctx.Field(cond.Field)

	switch cond.Operator {
	case "exists":
		return present, nil
	case "equals":
		return present && looseEqual(val, cond.Value), nil
	case "not_equals":
		return !present || !looseEqual(val, cond.Value), nil
	case "greater_than":
		a, aok := asFloat(val)
		b, bok := asFloat(cond.Value)
		return present && aok && bok && a > b, nil
	case "less_than":
		a, aok := asFloat(val)
		b, bok := asFloat(cond.Value)
		return present && aok && bok && a < b, nil
	case "contains":
		if !present {
			return false, nil
		}
		s, ok := val.(string)
		want, ok2 := cond.Value.(string)
		if ok && ok2 {
			return strings.Contains(s, want), nil
		}
		if list, ok := val.([]any); ok {
			for _, item := range list {
				if looseEqual(item, cond.Value) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown operator %q", cond.Operator)
}

// looseEqual compares values the way JSON-decoded data requires: numbers
// compare numerically regardless of Go type.
func looseEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

// conditionLabel names a condition for the triggered list.
func conditionLabel(cond Condition) string {
	if cond.Description != "" {
		return cond.Description
	}
	return fmt.Sprintf("%s %s %v", cond.Field, cond.Operator, cond.Value)
}
