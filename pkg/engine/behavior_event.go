package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
	"github.com/flowmill/flowmill/pkg/storage"
)

// startEventBehavior passes through: the instance was already created,
// the start event only opens the flow. Event starts of event
// sub-processes additionally arm their hosting scope when triggered.
type startEventBehavior struct {
	engine *Engine
}

func (b *startEventBehavior) activityType() runtime.ActivityType {
	return runtime.ActivityTypeStartEvent
}

func (b *startEventBehavior) run(ctx context.Context, ex *execution) error {
	return b.engine.completeAndContinue(ctx, ex, nil)
}

func (b *startEventBehavior) trigger(ctx context.Context, ex *execution, variables map[string]any) error {
	host := ex.definition.ActivityById(ex.node.ParentId)
	if host == nil {
		return newEngineErrorf("event start %s of %s has no hosting sub-process", ex.node.Id, ex.process.ProcessId)
	}
	if err := b.armHost(ctx, ex, host); err != nil {
		return err
	}
	// the handler flow reads committed state
	if err := ex.batch.Flush(ctx); err != nil {
		return err
	}
	if ex.node.Interrupting {
		if err := b.engine.interruptScope(ctx, ex, host.ParentId, host.Id); err != nil {
			return err
		}
	}
	return b.engine.completeAndContinue(ctx, ex, variables)
}

// armHost makes sure the hosting event sub-process has a live instance
// the handler flow can settle into.
func (b *startEventBehavior) armHost(ctx context.Context, ex *execution, host *runtime.ActivityDefinition) error {
	existing, err := b.engine.persistence.FindActivityByDefinitionId(ctx, ex.process.Key, host.Id)
	if err == nil && !existing.State.IsTerminal() {
		return nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	now := nowFunc()
	instance := runtime.Activity{
		Key:           b.engine.generateKey(),
		DefinitionId:  host.Id,
		ProcessKey:    ex.process.Key,
		DefinitionKey: ex.process.DefinitionKey,
		State:         runtime.ActivityStateActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := ex.batch.SaveActivity(ctx, instance); err != nil {
		return fmt.Errorf("failed to save event sub-process instance %s: %w", host.Id, err)
	}
	b.engine.exportActivityEvent(*ex.process, instance)
	return nil
}

func (b *startEventBehavior) terminate(ctx context.Context, ex *execution, withInterruption bool) error {
	return terminatePlain(ctx, ex)
}

// endEventBehavior closes a branch. Terminate end events tear the whole
// instance down; error and escalation end events resolve their handler
// through the scope chain before the branch settles.
type endEventBehavior struct {
	engine *Engine
}

func (b *endEventBehavior) activityType() runtime.ActivityType {
	return runtime.ActivityTypeEndEvent
}

func (b *endEventBehavior) run(ctx context.Context, ex *execution) error {
	switch ex.node.EventKind {
	case runtime.EventKindTerminate:
		if err := b.engine.completeActivity(ctx, ex, nil); err != nil {
			return err
		}
		if err := ex.batch.Flush(ctx); err != nil {
			return err
		}
		return b.engine.bus.dispatch(ctx, terminateProcessCommand{processKey: ex.process.Key})
	case runtime.EventKindError:
		if err := b.engine.completeActivity(ctx, ex, nil); err != nil {
			return err
		}
		if err := ex.batch.Flush(ctx); err != nil {
			return err
		}
		return b.engine.throwError(ctx, ex, ex.node.ErrorCode)
	case runtime.EventKindEscalation:
		return throwEscalationAndSettle(ctx, b.engine, ex, nil)
	default:
		return b.engine.completeAndContinue(ctx, ex, nil)
	}
}

func (b *endEventBehavior) terminate(ctx context.Context, ex *execution, withInterruption bool) error {
	return terminatePlain(ctx, ex)
}

// boundaryEventBehavior watches one activity. The instance is armed
// when the observed activity starts and fires on its trigger; an
// interrupting trigger terminates the observed activity before the
// boundary flow continues.
type boundaryEventBehavior struct {
	engine *Engine
}

func (b *boundaryEventBehavior) activityType() runtime.ActivityType {
	return runtime.ActivityTypeBoundaryEvent
}

func (b *boundaryEventBehavior) run(ctx context.Context, ex *execution) error {
	if ex.node.EventKind == runtime.EventKindTimer {
		deadline, err := parseDuration(ex.node.TimerExpression, nowFunc())
		if err != nil {
			return err
		}
		ex.activity.Timeout = &deadline
	}
	return ex.saveActivity(ctx)
}

func (b *boundaryEventBehavior) trigger(ctx context.Context, ex *execution, variables map[string]any) error {
	// sibling watchers of the same activity lose the race
	if err := b.engine.cancelBoundaryWatchers(ctx, ex, ex.node.AttachedToId, ex.node.Id); err != nil {
		return err
	}
	if ex.node.CancelActivity {
		host, err := b.engine.persistence.FindActivityByDefinitionId(ctx, ex.process.Key, ex.node.AttachedToId)
		if err != nil {
			return err
		}
		if !host.State.IsTerminal() {
			// the observed activity goes down before the boundary flow starts
			err := b.engine.bus.dispatch(ctx, terminateActivityCommand{
				processKey:       ex.process.Key,
				activityKey:      host.Key,
				withInterruption: true,
			})
			if err != nil {
				return err
			}
		}
	}
	return b.engine.completeAndContinue(ctx, ex, variables)
}

func (b *boundaryEventBehavior) terminate(ctx context.Context, ex *execution, withInterruption bool) error {
	return terminatePlain(ctx, ex)
}

// intermediateCatchEventBehavior waits for its trigger: a timer
// deadline, a correlated message or a raised escalation. Link catch
// events never wait, they are the landing side of a link throw.
type intermediateCatchEventBehavior struct {
	engine *Engine
}

func (b *intermediateCatchEventBehavior) activityType() runtime.ActivityType {
	return runtime.ActivityTypeIntermediateCatchEvent
}

func (b *intermediateCatchEventBehavior) run(ctx context.Context, ex *execution) error {
	switch ex.node.EventKind {
	case runtime.EventKindLink:
		return b.engine.completeAndContinue(ctx, ex, nil)
	case runtime.EventKindTimer:
		deadline, err := parseDuration(ex.node.TimerExpression, nowFunc())
		if err != nil {
			return err
		}
		ex.activity.Timeout = &deadline
	}
	return ex.saveActivity(ctx)
}

func (b *intermediateCatchEventBehavior) trigger(ctx context.Context, ex *execution, variables map[string]any) error {
	return b.engine.completeAndContinue(ctx, ex, variables)
}

func (b *intermediateCatchEventBehavior) terminate(ctx context.Context, ex *execution, withInterruption bool) error {
	return terminatePlain(ctx, ex)
}

// intermediateThrowEventBehavior raises its payload and continues.
// Escalation throws may be swallowed by an interrupting handler; link
// throws jump to the catch event carrying the same link name.
type intermediateThrowEventBehavior struct {
	engine *Engine
}

func (b *intermediateThrowEventBehavior) activityType() runtime.ActivityType {
	return runtime.ActivityTypeIntermediateThrowEvent
}

func (b *intermediateThrowEventBehavior) run(ctx context.Context, ex *execution) error {
	switch ex.node.EventKind {
	case runtime.EventKindEscalation:
		return throwEscalationAndSettle(ctx, b.engine, ex, ex.definition.NextActivities(ex.node.Id))
	case runtime.EventKindLink:
		target := findLinkTarget(ex.definition, ex.node.LinkName)
		if target == nil {
			return newEngineErrorf("no catch event for link %q in process %s", ex.node.LinkName, ex.process.ProcessId)
		}
		if err := b.engine.completeActivity(ctx, ex, nil); err != nil {
			return err
		}
		return b.engine.continueFlow(ctx, ex, []*runtime.ActivityDefinition{target})
	default:
		return b.engine.completeAndContinue(ctx, ex, nil)
	}
}

func (b *intermediateThrowEventBehavior) terminate(ctx context.Context, ex *execution, withInterruption bool) error {
	return terminatePlain(ctx, ex)
}

func findLinkTarget(def *runtime.ProcessDefinition, linkName string) *runtime.ActivityDefinition {
	for i := range def.Activities {
		a := &def.Activities[i]
		if a.Type == runtime.ActivityTypeIntermediateCatchEvent &&
			a.EventKind == runtime.EventKindLink && a.LinkName == linkName {
			return a
		}
	}
	return nil
}

// throwEscalationAndSettle completes the throwing event, raises the
// escalation and, unless an interrupting handler swallowed the flow,
// continues along next.
func throwEscalationAndSettle(ctx context.Context, engine *Engine, ex *execution, next []*runtime.ActivityDefinition) error {
	if err := engine.completeActivity(ctx, ex, nil); err != nil {
		return err
	}
	// the handler must observe the thrower's state and variables
	if err := ex.batch.Flush(ctx); err != nil {
		return err
	}
	suppress, err := engine.throwEscalation(ctx, ex, ex.node.EscalationCode, nil)
	if err != nil {
		return err
	}
	if suppress {
		return nil
	}
	return engine.continueFlow(ctx, ex, next)
}
