// Package expression evaluates FEEL expressions against a variable scope.
// Literals pass through untouched; an expression is marked by a leading
// "=" the same way modeling tools emit them.
package expression

import (
	"fmt"
	"strings"

	"github.com/pbinitiative/feel"
)

// IsExpression reports whether the string is an expression rather than a
// plain literal.
func IsExpression(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "=")
}

// Evaluate resolves the expression against the scope. Non-expression
// input is returned verbatim as a string constant.
func Evaluate(expr string, scope map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "=") {
		return expr, nil
	}
	expr = strings.TrimPrefix(expr, "=")
	res, err := feel.EvalStringWithScope(expr, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expr, err)
	}
	return res, nil
}

// EvaluateString resolves the expression and requires a string result.
func EvaluateString(expr string, scope map[string]any) (string, error) {
	res, err := Evaluate(expr, scope)
	if err != nil {
		return "", err
	}
	s, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("expression %q evaluated to %T, expected string", expr, res)
	}
	return s, nil
}

// EvaluateBool resolves a condition expression. A missing "=" prefix is
// tolerated for conditions, since they are expressions by definition.
func EvaluateBool(expr string, scope map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "=")
	res, err := feel.EvalStringWithScope(expr, scope)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", expr, err)
	}
	b, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, expected boolean", expr, res)
	}
	return b, nil
}

// EvaluateMap resolves every mapping value against the scope, keeping
// the target names.
func EvaluateMap(mappings map[string]string, scope map[string]any) (map[string]any, error) {
	if len(mappings) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(mappings))
	for name, expr := range mappings {
		v, err := Evaluate(expr, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate mapping for %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
