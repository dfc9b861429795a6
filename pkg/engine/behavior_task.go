package engine

import (
	"context"
	"fmt"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

// externalTaskBehavior covers the task types executed by external
// workers polling a topic: service, send and user tasks. The engine
// schedules the instance, fixes its deadline and waits for the worker
// report; the retry budget and timeout come from the policy hierarchy.
type externalTaskBehavior struct {
	engine *Engine
	typ    runtime.ActivityType
}

func (b *externalTaskBehavior) activityType() runtime.ActivityType { return b.typ }

func (b *externalTaskBehavior) run(ctx context.Context, ex *execution) error {
	deadline, err := b.engine.policies.ResolveTimeout(ex.node, ex.process.ProcessId, nowFunc())
	if err != nil {
		return err
	}
	ex.activity.Timeout = &deadline
	return ex.saveActivity(ctx)
}

func (b *externalTaskBehavior) complete(ctx context.Context, ex *execution, variables map[string]any) error {
	return b.engine.completeAndContinue(ctx, ex, variables)
}

// fail consumes the retry budget. Under budget, the activity re-enters
// SCHEDULED through an async retry command; over budget, the failure is
// terminal and the caller raises the process incident.
func (b *externalTaskBehavior) fail(ctx context.Context, ex *execution, failure runtime.Failure) (bool, error) {
	if err := ex.transition(runtime.ActivityStateFailed); err != nil {
		return false, err
	}
	ex.activity.Failure = &failure
	if err := ex.saveActivity(ctx); err != nil {
		return false, err
	}
	budget := b.engine.policies.ResolveRetries(ex.node, ex.process.ProcessId)
	if ex.activity.Retries < budget {
		b.engine.bus.dispatchAsync(ctx, retryActivityCommand{
			processKey:  ex.process.Key,
			activityKey: ex.activity.Key,
		})
		return false, nil
	}
	return true, nil
}

// retry moves the failed activity back to SCHEDULED and charges the
// retry budget.
func (b *externalTaskBehavior) retry(ctx context.Context, ex *execution) error {
	if err := ex.transition(runtime.ActivityStateScheduled); err != nil {
		return err
	}
	ex.activity.Retries++
	// the deadline restarts with the attempt
	deadline, err := b.engine.policies.ResolveTimeout(ex.node, ex.process.ProcessId, nowFunc())
	if err != nil {
		return err
	}
	ex.activity.Timeout = &deadline
	b.engine.logger.Debug("retrying activity",
		"processKey", ex.process.Key, "activity", ex.node.Id, "attempt", ex.activity.Retries)
	return ex.saveActivity(ctx)
}

func (b *externalTaskBehavior) terminate(ctx context.Context, ex *execution, withInterruption bool) error {
	return terminatePlain(ctx, ex)
}

// scriptTaskBehavior executes the script inline on the engine's script
/// runtime. Script failures skip the retry ladder: a broken script does
// not heal by rerunning, so the process goes straight to incident.
type scriptTaskBehavior struct {
	engine *Engine
}

func (b *scriptTaskBehavior) activityType() runtime.ActivityType {
	return runtime.ActivityTypeScriptTask
}

func (b *scriptTaskBehavior) run(ctx context.Context, ex *execution) error {
	if b.engine.scripts == nil {
		return newEngineErrorf("no script runtime configured, use EngineWithScriptRuntime")
	}
	if err := ex.transition(runtime.ActivityStateActive); err != nil {
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
	for k, v := range inputs {
		scope[k] = v
	}
	result, err := b.engine.scripts.RunScript(ex.node.Script, scope)
	if err != nil {
		return b.engine.failInline(ctx, ex, fmt.Sprintf("script of activity %s failed: %s", ex.node.Id, err))
	}
	var produced map[string]any
	if ex.node.ScriptResult != "" {
		produced = map[string]any{ex.node.ScriptResult: result}
	}
	return b.engine.completeAndContinue(ctx, ex, produced)
}

func (b *scriptTaskBehavior) terminate(ctx context.Context, ex *execution, withInterruption bool) error {
	return terminatePlain(ctx, ex)
}
