package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
	"github.com/flowmill/flowmill/pkg/expression"
	"github.com/flowmill/flowmill/pkg/ptr"
	"github.com/flowmill/flowmill/pkg/storage"
)

// subProcessBehavior runs an embedded scope. The instance stays ACTIVE
// while its children run; the scope completes when the last child
// settles, which settleScope reports through a complete command.
type subProcessBehavior struct {
	engine *Engine
}

func (b *subProcessBehavior) activityType() runtime.ActivityType {
	return runtime.ActivityTypeSubProcess
}

func (b *subProcessBehavior) run(ctx context.Context, ex *execution) error {
	if err := ex.transition(runtime.ActivityStateActive); err != nil {
		return err
	}
	if err := ex.saveActivity(ctx); err != nil {
		return err
	}
	scope, err := ex.scopeVariables(ctx)
	if err != nil {
		return err
	}
	inputs, err := b.engine.evaluateInputs(ex.node, scope)
	if err != nil {
		return err
	}
	if len(inputs) > 0 {
		if err := b.engine.setVariables(ctx, ex.batch, ex.process.Key, ex.activity.Key, ex.node.Id, inputs); err != nil {
			return err
		}
	}
	var starts []*runtime.ActivityDefinition
	for _, child := range ex.definition.ChildrenOf(ex.node.Id) {
		if child.Type == runtime.ActivityTypeStartEvent && child.EventKind == runtime.EventKindNone {
			starts = append(starts, child)
		}
	}
	if len(starts) == 0 {
		return newEngineErrorf("sub-process %s of %s has no start event", ex.node.Id, ex.process.ProcessId)
	}
	// children read committed state
	if err := ex.batch.Flush(ctx); err != nil {
		return err
	}
	for _, start := range starts {
		if err := b.engine.bus.dispatch(ctx, runActivityCommand{processKey: ex.process.Key, definitionId: start.Id}); err != nil {
			return err
		}
	}
	return nil
}

func (b *subProcessBehavior) complete(ctx context.Context, ex *execution, variables map[string]any) error {
	return b.engine.completeAndContinue(ctx, ex, variables)
}

func (b *subProcessBehavior) terminate(ctx context.Context, ex *execution, withInterruption bool) error {
	if err := terminatePlain(ctx, ex); err != nil {
		return err
	}
	if !withInterruption {
		return nil
	}
	if err := ex.batch.Flush(ctx); err != nil {
		return err
	}
	// take down everything still running inside the scope
	inScope := map[string]bool{}
	collectScopeIds(ex.definition, ex.node.Id, inScope)
	activities, err := b.engine.persistence.FindActivitiesByProcessKey(ctx, ex.process.Key)
	if err != nil {
		return err
	}
	for _, a := range activities {
		if !inScope[a.DefinitionId] || a.State.IsTerminal() {
			continue
		}
		err := b.engine.bus.dispatch(ctx, terminateActivityCommand{
			processKey:       ex.process.Key,
			activityKey:      a.Key,
			withInterruption: true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// callActivityBehavior spawns a child instance of another process
// definition and waits for it. The child reports back through the
// process lifecycle: its completion completes the call activity, its
// termination cascades are driven from here.
type callActivityBehavior struct {
	engine *Engine
}

func (b *callActivityBehavior) activityType() runtime.ActivityType {
	return runtime.ActivityTypeCallActivity
}

func (b *callActivityBehavior) run(ctx context.Context, ex *execution) error {
	if err := ex.transition(runtime.ActivityStateActive); err != nil {
		return err
	}
	if err := ex.saveActivity(ctx); err != nil {
		return err
	}
	scope, err := ex.scopeVariables(ctx)
	if err != nil {
		return err
	}
	calledId, err := expression.EvaluateString(ex.node.CalledElement, scope)
	if err != nil {
		return &ExpressionEvaluationError{
			Msg: fmt.Sprintf("can't evaluate called element of activity %s", ex.node.Id),
			Err: err,
		}
	}
	if calledId == "" {
		return newEngineErrorf("call activity %s resolves to an empty process id", ex.node.Id)
	}
	inputs, err := b.engine.evaluateInputs(ex.node, scope)
	if err != nil {
		return err
	}
	if err := ex.batch.Flush(ctx); err != nil {
		return err
	}
	res, err := b.engine.bus.execute(ctx, createProcessCommand{
		processId:         calledId,
		businessKey:       ex.process.BusinessKey,
		variables:         inputs,
		parentProcessKey:  ptr.To(ex.process.Key),
		parentActivityKey: ptr.To(ex.activity.Key),
	})
	if err != nil {
		return err
	}
	child := res.(runtime.Process)
	b.engine.logger.Debug("call activity spawned child",
		"processKey", ex.process.Key, "activity", ex.node.Id, "childKey", child.Key)
	// the child runs under its own instance lock
	b.engine.bus.dispatchAsync(ctx, runProcessCommand{processKey: child.Key})
	return nil
}

func (b *callActivityBehavior) complete(ctx context.Context, ex *execution, variables map[string]any) error {
	return b.engine.completeAndContinue(ctx, ex, variables)
}

// fail records the child's incident on the call activity. The failure
// is always terminal here: there is nothing to retry until the child's
// incident is resolved.
func (b *callActivityBehavior) fail(ctx context.Context, ex *execution, failure runtime.Failure) (bool, error) {
	if err := ex.transition(runtime.ActivityStateFailed); err != nil {
		return false, err
	}
	ex.activity.Failure = &failure
	if err := ex.saveActivity(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// retry reactivates the call activity after the child's incident was
// resolved. The child instance is still alive, so no new one is
// spawned; the activity just waits on it again.
func (b *callActivityBehavior) retry(ctx context.Context, ex *execution) error {
	if ex.activity.State != runtime.ActivityStateFailed {
		return nil
	}
	if err := ex.transition(runtime.ActivityStateScheduled); err != nil {
		return err
	}
	if err := ex.transition(runtime.ActivityStateActive); err != nil {
		return err
	}
	ex.activity.Failure = nil
	return ex.saveActivity(ctx)
}

func (b *callActivityBehavior) terminate(ctx context.Context, ex *execution, withInterruption bool) error {
	if err := terminatePlain(ctx, ex); err != nil {
		return err
	}
	if !withInterruption {
		return nil
	}
	child, err := b.engine.persistence.FindProcessByParentActivityKey(ctx, ex.activity.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !child.State.IsTerminal() {
		b.engine.bus.dispatchAsync(ctx, terminateProcessCommand{processKey: child.Key})
	}
	return nil
}
