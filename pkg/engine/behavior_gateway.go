package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
	"github.com/flowmill/flowmill/pkg/expression"
	"github.com/flowmill/flowmill/pkg/storage"
)

// exclusiveGatewayBehavior routes to the first outgoing flow whose
// condition evaluates true, in declaration order. A flow without a
// condition matches unconditionally; with nothing matching, the default
// flow is taken; without one, the process goes to incident.
type exclusiveGatewayBehavior struct {
	engine *Engine
}

func (b *exclusiveGatewayBehavior) activityType() runtime.ActivityType {
	return runtime.ActivityTypeExclusiveGateway
}

func (b *exclusiveGatewayBehavior) run(ctx context.Context, ex *execution) error {
	scope, err := ex.scopeVariables(ctx)
	if err != nil {
		return err
	}
	var target string
	for _, out := range ex.node.Outgoing {
		if out == ex.node.DefaultFlow {
			continue
		}
		expr, conditional := ex.node.Conditions[out]
		if !conditional {
			target = out
			break
		}
		match, err := expression.EvaluateBool(expr, scope)
		if err != nil {
			return &ExpressionEvaluationError{
				Msg: fmt.Sprintf("can't evaluate condition towards %s on gateway %s", out, ex.node.Id),
				Err: err,
			}
		}
		if match {
			target = out
			break
		}
	}
	if target == "" {
		target = ex.node.DefaultFlow
	}
	if target == "" {
		return b.engine.failInline(ctx, ex,
			fmt.Sprintf("no outgoing flow of exclusive gateway %s matched and no default flow is set", ex.node.Id))
	}
	if err := b.engine.completeActivity(ctx, ex, nil); err != nil {
		return err
	}
	next := ex.definition.ActivityById(target)
	if next == nil {
		return newEngineErrorf("gateway %s routes to unknown activity %s", ex.node.Id, target)
	}
	return b.engine.continueFlow(ctx, ex, []*runtime.ActivityDefinition{next})
}

func (b *exclusiveGatewayBehavior) terminate(ctx context.Context, ex *execution, withInterruption bool) error {
	return terminatePlain(ctx, ex)
}

// parallelGatewayBehavior joins every incoming branch and forks every
// outgoing one. The join fires once each incoming definition has a
// COMPLETED instance; until then one waiting gateway instance absorbs
// the arrivals.
type parallelGatewayBehavior struct {
	engine *Engine
}

func (b *parallelGatewayBehavior) activityType() runtime.ActivityType {
	return runtime.ActivityTypeParallelGateway
}

func (b *parallelGatewayBehavior) run(ctx context.Context, ex *execution) error {
	if err := adoptWaitingInstance(ctx, ex); err != nil {
		return err
	}
	satisfied, err := b.joinSatisfied(ctx, ex)
	if err != nil {
		return err
	}
	if !satisfied {
		return ex.saveActivity(ctx)
	}
	return b.engine.completeAndContinue(ctx, ex, nil)
}

func (b *parallelGatewayBehavior) joinSatisfied(ctx context.Context, ex *execution) (bool, error) {
	for _, prev := range ex.definition.PreviousActivities(ex.node.Id) {
		arrived, err := b.engine.persistence.FindActivityByDefinitionId(ctx, ex.process.Key, prev.Id)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if arrived.State != runtime.ActivityStateCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (b *parallelGatewayBehavior) terminate(ctx context.Context, ex *execution, withInterruption bool) error {
	return terminatePlain(ctx, ex)
}

// inclusiveGatewayBehavior joins the branches that were actually taken:
// it fires once every incoming definition with any instance at all has
// a COMPLETED one. Outgoing flows fork like the exclusive gateway
// selects, except every matching flow is taken.
type inclusiveGatewayBehavior struct {
	engine *Engine
}

func (b *inclusiveGatewayBehavior) activityType() runtime.ActivityType {
	return runtime.ActivityTypeInclusiveGateway
}

func (b *inclusiveGatewayBehavior) run(ctx context.Context, ex *execution) error {
	if err := adoptWaitingInstance(ctx, ex); err != nil {
		return err
	}
	satisfied, err := b.joinSatisfied(ctx, ex)
	if err != nil {
		return err
	}
	if !satisfied {
		return ex.saveActivity(ctx)
	}
	scope, err := ex.scopeVariables(ctx)
	if err != nil {
		return err
	}
	var next []*runtime.ActivityDefinition
	for _, out := range ex.node.Outgoing {
		if out == ex.node.DefaultFlow {
			continue
		}
		expr, conditional := ex.node.Conditions[out]
		if conditional {
			match, err := expression.EvaluateBool(expr, scope)
			if err != nil {
				return &ExpressionEvaluationError{
					Msg: fmt.Sprintf("can't evaluate condition towards %s on gateway %s", out, ex.node.Id),
					Err: err,
				}
			}
			if !match {
				continue
			}
		}
		if n := ex.definition.ActivityById(out); n != nil {
			next = append(next, n)
		}
	}
	if len(next) == 0 && ex.node.DefaultFlow != "" {
		if n := ex.definition.ActivityById(ex.node.DefaultFlow); n != nil {
			next = append(next, n)
		}
	}
	if len(next) == 0 {
		return b.engine.failInline(ctx, ex,
			fmt.Sprintf("no outgoing flow of inclusive gateway %s matched and no default flow is set", ex.node.Id))
	}
	if err := b.engine.completeActivity(ctx, ex, nil); err != nil {
		return err
	}
	return b.engine.continueFlow(ctx, ex, next)
}

func (b *inclusiveGatewayBehavior) joinSatisfied(ctx context.Context, ex *execution) (bool, error) {
	for _, prev := range ex.definition.PreviousActivities(ex.node.Id) {
		arrived, err := b.engine.persistence.FindActivityByDefinitionId(ctx, ex.process.Key, prev.Id)
		if errors.Is(err, storage.ErrNotFound) {
			// branch never started, the join does not wait for it
			continue
		}
		if err != nil {
			return false, err
		}
		if arrived.State == runtime.ActivityStateCompleted {
			continue
		}
		if arrived.State.IsTerminal() {
			continue
		}
		return false, nil
	}
	return true, nil
}

func (b *inclusiveGatewayBehavior) terminate(ctx context.Context, ex *execution, withInterruption bool) error {
	return terminatePlain(ctx, ex)
}

// eventBasedGatewayBehavior completes immediately and arms every
// outgoing catch event. The first event to trigger wins the race and
// removes its waiting siblings.
type eventBasedGatewayBehavior struct {
	engine *Engine
}

func (b *eventBasedGatewayBehavior) activityType() runtime.ActivityType {
	return runtime.ActivityTypeEventBasedGateway
}

func (b *eventBasedGatewayBehavior) run(ctx context.Context, ex *execution) error {
	return b.engine.completeAndContinue(ctx, ex, nil)
}

func (b *eventBasedGatewayBehavior) terminate(ctx context.Context, ex *execution, withInterruption bool) error {
	return terminatePlain(ctx, ex)
}

// adoptWaitingInstance replaces the freshly created activity with the
// waiting join instance when one exists, so repeated arrivals feed one
// gateway instance instead of spawning new ones.
func adoptWaitingInstance(ctx context.Context, ex *execution) error {
	existing, err := ex.engine.persistence.FindActivityByDefinitionId(ctx, ex.process.Key, ex.node.Id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.State == runtime.ActivityStateScheduled || existing.State == runtime.ActivityStateActive {
		ex.activity = &existing
	}
	return nil
}

// terminatePlain is the shared termination of activities without
// cascade semantics.
func terminatePlain(ctx context.Context, ex *execution) error {
	if err := ex.transition(runtime.ActivityStateTerminated); err != nil {
		return err
	}
	return ex.saveActivity(ctx)
}
