package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
	"github.com/flowmill/flowmill/pkg/expression"
	"github.com/flowmill/flowmill/pkg/storage"
)

// Variable scoping: variables live in layered scopes identified by the
// chain of enclosing definition ids, innermost first, ending with the
// process scope (""). An inner variable shadows an outer one of the
// same key. Writes merge per key and never overwrite sibling keys.

// scopeVariables resolves every variable visible from the given scope
// chain into one map, applying shadowing.
func (engine *Engine) scopeVariables(ctx context.Context, processKey int64, scopeIds []string) (map[string]any, error) {
	vars, err := engine.persistence.FindVariables(ctx, processKey, scopeIds)
	if err != nil {
		return nil, fmt.Errorf("failed to load variables for process %d: %w", processKey, err)
	}
	resolved := make(map[string]any, len(vars))
	// outermost first so inner scopes win
	for i := len(scopeIds) - 1; i >= 0; i-- {
		for _, v := range vars {
			if v.ScopeDefinitionId == scopeIds[i] {
				resolved[v.Key] = v.Value
			}
		}
	}
	return resolved, nil
}

// setVariables persists the given values into one scope through the
// batch and publishes the correlation signal per write.
func (engine *Engine) setVariables(ctx context.Context, batch storage.Batch, processKey int64, scopeKey int64, scopeDefinitionId string, values map[string]any) error {
	now := time.Now()
	for key, value := range values {
		v := runtime.Variable{
			Key:               key,
			Value:             value,
			Type:              fmt.Sprintf("%T", value),
			ScopeKey:          scopeKey,
			ScopeDefinitionId: scopeDefinitionId,
			ProcessKey:        processKey,
			UpdatedAt:         now,
		}
		if err := batch.SaveVariable(ctx, v); err != nil {
			return fmt.Errorf("failed to save variable %q in process %d: %w", key, processKey, err)
		}
		engine.exportVariableEvent(processKey, v)
	}
	return nil
}

// setProcessVariables writes values at process scope.
func (engine *Engine) setProcessVariables(ctx context.Context, batch storage.Batch, process *runtime.Process, values map[string]any) error {
	return engine.setVariables(ctx, batch, process.Key, process.Key, "", values)
}

// evaluateInputs resolves the input mappings of a definition node
// against the enclosing scope.
func (engine *Engine) evaluateInputs(def *runtime.ActivityDefinition, scope map[string]any) (map[string]any, error) {
	out, err := expression.EvaluateMap(def.Inputs, scope)
	if err != nil {
		return nil, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("can't evaluate input mapping of activity %s", def.Id),
			Err: err,
		}
	}
	return out, nil
}

// evaluateOutputs resolves the output mappings of a definition node.
// The local variables produced by the activity take precedence over the
// enclosing scope during evaluation.
func (engine *Engine) evaluateOutputs(def *runtime.ActivityDefinition, scope map[string]any, local map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(scope)+len(local))
	for k, v := range scope {
		merged[k] = v
	}
	for k, v := range local {
		merged[k] = v
	}
	out, err := expression.EvaluateMap(def.Outputs, merged)
	if err != nil {
		return nil, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("can't evaluate output mapping of activity %s", def.Id),
			Err: err,
		}
	}
	return out, nil
}
