package engine

import (
	"context"
	"fmt"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
	"github.com/flowmill/flowmill/pkg/storage"
)

// Behaviors are the per-activity-type transition policies. A behavior
// opts into the capabilities it supports; shared transition logic lives
// in explicit helpers on the engine, not in a base type.

type behavior interface {
	activityType() runtime.ActivityType
}

// runnable begins executing a scheduled or triggered activity. It may
// self-complete immediately (gateways, plain events) or persist a
// waiting state and stop (external tasks, catch events).
type runnable interface {
	run(ctx context.Context, ex *execution) error
}

// completable marks the activity completed, merges provided variables
// into the owning scope and continues the outgoing flow.
type completable interface {
	complete(ctx context.Context, ex *execution, variables map[string]any) error
}

// failable reports true when the failure is terminal: the retry budget
// is exhausted and the owning process should enter incident state.
type failable interface {
	fail(ctx context.Context, ex *execution, failure runtime.Failure) (terminal bool, err error)
}

// retryable re-enters the scheduled state with the retry counter
// incremented.
type retryable interface {
	retry(ctx context.Context, ex *execution) error
}

// terminable forces a non-terminal activity to TERMINATED outside the
// normal flow.
type terminable interface {
	terminate(ctx context.Context, ex *execution, withInterruption bool) error
}

// triggerable reacts to an external signal: a timer fired, a message
// correlated, an escalation was raised.
type triggerable interface {
	trigger(ctx context.Context, ex *execution, variables map[string]any) error
}

// execution carries the state one behavior invocation operates on.
type execution struct {
	engine     *Engine
	batch      storage.Batch
	definition *runtime.ProcessDefinition
	process    *runtime.Process
	activity   *runtime.Activity
	node       *runtime.ActivityDefinition
}

// scopeVariables resolves the variables visible from the activity's
// scope chain.
func (ex *execution) scopeVariables(ctx context.Context) (map[string]any, error) {
	return ex.engine.scopeVariables(ctx, ex.process.Key, ex.activity.Scope(ex.definition))
}

type behaviorRegistry struct {
	byType map[runtime.ActivityType]behavior
}

// newBehaviorRegistry wires every supported activity type. Adding a
// type means adding one behavior and one line here.
func newBehaviorRegistry(engine *Engine) *behaviorRegistry {
	r := &behaviorRegistry{byType: map[runtime.ActivityType]behavior{}}
	for _, b := range []behavior{
		&externalTaskBehavior{engine: engine, typ: runtime.ActivityTypeServiceTask},
		&externalTaskBehavior{engine: engine, typ: runtime.ActivityTypeSendTask},
		&externalTaskBehavior{engine: engine, typ: runtime.ActivityTypeUserTask},
		&scriptTaskBehavior{engine: engine},
		&exclusiveGatewayBehavior{engine: engine},
		&parallelGatewayBehavior{engine: engine},
		&inclusiveGatewayBehavior{engine: engine},
		&eventBasedGatewayBehavior{engine: engine},
		&startEventBehavior{engine: engine},
		&endEventBehavior{engine: engine},
		&boundaryEventBehavior{engine: engine},
		&intermediateCatchEventBehavior{engine: engine},
		&intermediateThrowEventBehavior{engine: engine},
		&subProcessBehavior{engine: engine},
		&callActivityBehavior{engine: engine},
	} {
		r.byType[b.activityType()] = b
	}
	return r
}

func (r *behaviorRegistry) forType(t runtime.ActivityType) (behavior, error) {
	b, ok := r.byType[t]
	if !ok {
		return nil, newEngineErrorf("no behavior registered for activity type %s", t)
	}
	return b, nil
}

// saveActivity persists the activity state through the batch and
// publishes the state change.
func (ex *execution) saveActivity(ctx context.Context) error {
	if err := ex.batch.SaveActivity(ctx, *ex.activity); err != nil {
		return fmt.Errorf("failed to save activity %d: %w", ex.activity.Key, err)
	}
	ex.engine.exportActivityEvent(*ex.process, *ex.activity)
	return nil
}

// transition moves the activity to the target state, enforcing the
// state machine. Transitions from a terminal state are rejected.
func (ex *execution) transition(to runtime.ActivityState) error {
	from := ex.activity.State
	if from == to {
		return nil
	}
	if !runtime.CanTransition(from, to) {
		return newEngineErrorf("illegal activity transition %s -> %s for activity %d (%s)",
			from, to, ex.activity.Key, ex.activity.DefinitionId)
	}
	ex.activity.State = to
	ex.activity.UpdatedAt = nowFunc()
	return nil
}
