package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
	"github.com/flowmill/flowmill/pkg/storage"
)

// nowFunc is replaced by tests that pin time.
var nowFunc = time.Now

// execLocked serializes command execution per process instance. It is
// installed as the async executor of the bus; synchronous dispatches
// issued by handlers run under the lock their entry point already holds.
func (engine *Engine) execLocked(ctx context.Context, cmd Command) (any, error) {
	if scoped, ok := cmd.(instanceScoped); ok {
		if key := scoped.instanceKey(); key != 0 {
			engine.instances.lock(key)
			defer engine.instances.unlock(key)
		}
	}
	return engine.bus.execute(ctx, cmd)
}

// loadProcessExecution loads the process and its definition and opens a
// fresh write batch for the handler.
func (engine *Engine) loadProcessExecution(ctx context.Context, processKey int64) (*execution, error) {
	process, err := engine.persistence.FindProcessByKey(ctx, processKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load process %d: %w", processKey, err)
	}
	def, err := engine.definition(ctx, process.DefinitionKey)
	if err != nil {
		return nil, err
	}
	return &execution{
		engine:     engine,
		batch:      engine.persistence.NewBatch(),
		definition: def,
		process:    &process,
	}, nil
}

// loadActivityExecution additionally resolves one activity instance and
// its definition node.
func (engine *Engine) loadActivityExecution(ctx context.Context, processKey int64, activityKey int64) (*execution, error) {
	ex, err := engine.loadProcessExecution(ctx, processKey)
	if err != nil {
		return nil, err
	}
	activity, err := engine.persistence.FindActivityByKey(ctx, activityKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load activity %d: %w", activityKey, err)
	}
	if activity.ProcessKey != ex.process.Key {
		return nil, newInvalidInputErrorf("activity %d does not belong to process %d", activityKey, processKey)
	}
	node := activity.Definition(ex.definition)
	if node == nil {
		return nil, newEngineErrorf("definition %d has no activity %s referenced by instance %d",
			ex.definition.Key, activity.DefinitionId, activityKey)
	}
	ex.activity = &activity
	ex.node = node
	return ex, nil
}

func (engine *Engine) handleRunActivity(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(runActivityCommand)
	ex, err := engine.loadProcessExecution(ctx, c.processKey)
	if err != nil {
		return nil, err
	}
	// a parallel branch may still try to advance after the instance was
	// terminated, suspended or halted by an incident
	if ex.process.State != runtime.ProcessStateActive || ex.process.Suspended {
		engine.logger.Debug("skipping activity run, process not active",
			"processKey", ex.process.Key, "state", ex.process.State, "suspended", ex.process.Suspended)
		return nil, nil
	}
	node := ex.definition.ActivityById(c.definitionId)
	if node == nil {
		return nil, newInvalidInputErrorf("process %s has no activity %s", ex.process.ProcessId, c.definitionId)
	}
	b, err := engine.behaviors.forType(node.Type)
	if err != nil {
		return nil, err
	}
	r, ok := b.(runnable)
	if !ok {
		return nil, newEngineErrorf("activity type %s cannot be run", node.Type)
	}

	now := nowFunc()
	activity := runtime.Activity{
		Key:           engine.generateKey(),
		DefinitionId:  node.Id,
		ProcessKey:    ex.process.Key,
		DefinitionKey: ex.process.DefinitionKey,
		State:         runtime.ActivityStateScheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ex.activity = &activity
	ex.node = node

	engine.logger.Debug("running activity",
		"processKey", ex.process.Key, "activity", node.Id, "type", node.Type)
	if err := r.run(ctx, ex); err != nil {
		return nil, err
	}
	if !activity.State.IsTerminal() && activity.State != runtime.ActivityStateFailed {
		if err := engine.scheduleBoundaryEvents(ctx, ex); err != nil {
			return nil, err
		}
	}
	return nil, ex.batch.Flush(ctx)
}

func (engine *Engine) handleCompleteActivity(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(completeActivityCommand)
	ex, err := engine.loadActivityExecution(ctx, c.processKey, c.activityKey)
	if err != nil {
		return nil, err
	}
	if ex.process.State.IsTerminal() {
		return nil, newInvalidInputErrorf("process %d already reached state %s", ex.process.Key, ex.process.State)
	}
	b, err := engine.behaviors.forType(ex.node.Type)
	if err != nil {
		return nil, err
	}
	comp, ok := b.(completable)
	if !ok {
		return nil, newInvalidInputErrorf("activity type %s cannot be completed", ex.node.Type)
	}
	if err := comp.complete(ctx, ex, c.variables); err != nil {
		return nil, err
	}
	return nil, ex.batch.Flush(ctx)
}

func (engine *Engine) handleFailActivity(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(failActivityCommand)
	ex, err := engine.loadActivityExecution(ctx, c.processKey, c.activityKey)
	if err != nil {
		return nil, err
	}
	b, err := engine.behaviors.forType(ex.node.Type)
	if err != nil {
		return nil, err
	}
	f, ok := b.(failable)
	if !ok {
		return nil, newInvalidInputErrorf("activity type %s cannot fail", ex.node.Type)
	}
	terminal, err := f.fail(ctx, ex, runtime.Failure{
		Reason:   c.reason,
		Trace:    c.trace,
		FailedAt: nowFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := ex.batch.Flush(ctx); err != nil {
		return nil, err
	}
	if terminal {
		return nil, engine.bus.dispatch(ctx, processIncidentCommand{processKey: ex.process.Key})
	}
	return nil, nil
}

func (engine *Engine) handleRetryActivity(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(retryActivityCommand)
	ex, err := engine.loadActivityExecution(ctx, c.processKey, c.activityKey)
	if err != nil {
		return nil, err
	}
	b, err := engine.behaviors.forType(ex.node.Type)
	if err != nil {
		return nil, err
	}
	r, ok := b.(retryable)
	if !ok {
		return nil, newInvalidInputErrorf("activity type %s cannot be retried", ex.node.Type)
	}
	if err := r.retry(ctx, ex); err != nil {
		return nil, err
	}
	return nil, ex.batch.Flush(ctx)
}

func (engine *Engine) handleTerminateActivity(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(terminateActivityCommand)
	ex, err := engine.loadActivityExecution(ctx, c.processKey, c.activityKey)
	if err != nil {
		return nil, err
	}
	if ex.activity.State.IsTerminal() {
		return nil, nil
	}
	b, err := engine.behaviors.forType(ex.node.Type)
	if err != nil {
		return nil, err
	}
	t, ok := b.(terminable)
	if !ok {
		return nil, newInvalidInputErrorf("activity type %s cannot be terminated", ex.node.Type)
	}
	if err := t.terminate(ctx, ex, c.withInterruption); err != nil {
		return nil, err
	}
	return nil, ex.batch.Flush(ctx)
}

func (engine *Engine) handleTriggerActivity(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(triggerActivityCommand)
	ex, err := engine.loadProcessExecution(ctx, c.processKey)
	if err != nil {
		return nil, err
	}
	if ex.process.State != runtime.ProcessStateActive || ex.process.Suspended {
		engine.logger.Debug("dropping trigger, process not active",
			"processKey", ex.process.Key, "activity", c.definitionId)
		return nil, nil
	}
	activity, err := engine.persistence.FindActivityByDefinitionId(ctx, ex.process.Key, c.definitionId)
	if errors.Is(err, storage.ErrNotFound) {
		// event sub-process starts have no waiting instance, they
		// materialize when their event fires
		node := ex.definition.ActivityById(c.definitionId)
		if node == nil || node.Type != runtime.ActivityTypeStartEvent || node.EventKind == runtime.EventKindNone {
			return nil, newInvalidInputErrorf("process %d has no waiting instance of activity %s", ex.process.Key, c.definitionId)
		}
		now := nowFunc()
		activity = runtime.Activity{
			Key:           engine.generateKey(),
			DefinitionId:  node.Id,
			ProcessKey:    ex.process.Key,
			DefinitionKey: ex.process.DefinitionKey,
			State:         runtime.ActivityStateScheduled,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := ex.batch.SaveActivity(ctx, activity); err != nil {
			return nil, fmt.Errorf("failed to save event start %s: %w", node.Id, err)
		}
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load activity %s of process %d: %w", c.definitionId, ex.process.Key, err)
	}
	if activity.State != runtime.ActivityStateScheduled && activity.State != runtime.ActivityStateActive {
		return nil, newInvalidInputErrorf("activity %s of process %d is not waiting (state %s)",
			c.definitionId, ex.process.Key, activity.State)
	}
	node := activity.Definition(ex.definition)
	if node == nil {
		return nil, newEngineErrorf("definition %d has no activity %s", ex.definition.Key, c.definitionId)
	}
	ex.activity = &activity
	ex.node = node
	b, err := engine.behaviors.forType(node.Type)
	if err != nil {
		return nil, err
	}
	t, ok := b.(triggerable)
	if !ok {
		return nil, newInvalidInputErrorf("activity type %s cannot be triggered", node.Type)
	}
	if err := t.trigger(ctx, ex, c.variables); err != nil {
		return nil, err
	}
	return nil, ex.batch.Flush(ctx)
}

// scheduleBoundaryEvents creates a waiting instance for every boundary
// event attached to the activity. Timer boundary deadlines are fixed at
// schedule time.
func (engine *Engine) scheduleBoundaryEvents(ctx context.Context, ex *execution) error {
	now := nowFunc()
	for _, b := range ex.definition.BoundaryEventsFor(ex.node.Id) {
		watcher := runtime.Activity{
			Key:           engine.generateKey(),
			DefinitionId:  b.Id,
			ProcessKey:    ex.process.Key,
			DefinitionKey: ex.process.DefinitionKey,
			State:         runtime.ActivityStateScheduled,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if b.EventKind == runtime.EventKindTimer {
			deadline, err := parseDuration(b.TimerExpression, now)
			if err != nil {
				return err
			}
			watcher.Timeout = &deadline
		}
		if err := ex.batch.SaveActivity(ctx, watcher); err != nil {
			return fmt.Errorf("failed to save boundary event %s: %w", b.Id, err)
		}
		engine.exportActivityEvent(*ex.process, watcher)
	}
	return nil
}

// completeActivity transitions the activity to COMPLETED, merges its
// result variables into the owning scope, cancels the boundary watchers
// attached to it and settles an event-based gateway race it may have
// won. It does not advance the flow; continueFlow does.
func (engine *Engine) completeActivity(ctx context.Context, ex *execution, variables map[string]any) error {
	if err := ex.transition(runtime.ActivityStateCompleted); err != nil {
		return err
	}
	if err := ex.saveActivity(ctx); err != nil {
		return err
	}
	if err := engine.mergeActivityResult(ctx, ex, variables); err != nil {
		return err
	}
	if err := engine.cancelBoundaryWatchers(ctx, ex, ex.node.Id, ""); err != nil {
		return err
	}
	return engine.settleEventRace(ctx, ex)
}

// mergeActivityResult writes the activity's result variables into the
// scope enclosing it. With output mappings declared, only the mapped
// values reach the scope; the raw result stays local.
func (engine *Engine) mergeActivityResult(ctx context.Context, ex *execution, local map[string]any) error {
	result := local
	if len(ex.node.Outputs) > 0 {
		scope, err := ex.scopeVariables(ctx)
		if err != nil {
			return err
		}
		result, err = engine.evaluateOutputs(ex.node, scope, local)
		if err != nil {
			return err
		}
	}
	if len(result) == 0 {
		return nil
	}
	scopeId := ex.activity.Scope(ex.definition)[0]
	scopeKey, err := engine.scopeKey(ctx, ex, scopeId)
	if err != nil {
		return err
	}
	return engine.setVariables(ctx, ex.batch, ex.process.Key, scopeKey, scopeId, result)
}

// scopeKey resolves the runtime key owning a scope: the process itself
// for the process scope, the enclosing sub-process instance otherwise.
func (engine *Engine) scopeKey(ctx context.Context, ex *execution, scopeId string) (int64, error) {
	if scopeId == "" {
		return ex.process.Key, nil
	}
	host, err := engine.persistence.FindActivityByDefinitionId(ctx, ex.process.Key, scopeId)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve scope %s of process %d: %w", scopeId, ex.process.Key, err)
	}
	return host.Key, nil
}

// cancelBoundaryWatchers cancels the waiting boundary watchers of one
// activity; a settled activity can no longer be interrupted. A firing
// watcher excludes itself through exceptId.
func (engine *Engine) cancelBoundaryWatchers(ctx context.Context, ex *execution, hostId string, exceptId string) error {
	for _, b := range ex.definition.BoundaryEventsFor(hostId) {
		if b.Id == exceptId {
			continue
		}
		watcher, err := engine.persistence.FindActivityByDefinitionId(ctx, ex.process.Key, b.Id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load boundary event %s: %w", b.Id, err)
		}
		if watcher.State != runtime.ActivityStateScheduled && watcher.State != runtime.ActivityStateActive {
			continue
		}
		watcher.State = runtime.ActivityStateCanceled
		watcher.UpdatedAt = nowFunc()
		if err := ex.batch.SaveActivity(ctx, watcher); err != nil {
			return fmt.Errorf("failed to cancel boundary event %s: %w", b.Id, err)
		}
		engine.exportActivityEvent(*ex.process, watcher)
	}
	return nil
}

// settleEventRace removes the losing waiting events after a catch event
// fed by an event-based gateway completed. The first event to complete
// wins; its siblings never ran and leave no trace.
func (engine *Engine) settleEventRace(ctx context.Context, ex *execution) error {
	if !ex.node.IsCatchEvent() {
		return nil
	}
	for _, prev := range ex.definition.PreviousActivities(ex.node.Id) {
		if prev.Type != runtime.ActivityTypeEventBasedGateway {
			continue
		}
		for _, sibling := range ex.definition.NextActivities(prev.Id) {
			if sibling.Id == ex.node.Id {
				continue
			}
			waiting, err := engine.persistence.FindActivityByDefinitionId(ctx, ex.process.Key, sibling.Id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to load racing event %s: %w", sibling.Id, err)
			}
			if waiting.State != runtime.ActivityStateScheduled {
				continue
			}
			if err := ex.batch.DeleteActivity(ctx, waiting.Key); err != nil {
				return fmt.Errorf("failed to delete racing event %s: %w", sibling.Id, err)
			}
		}
	}
	return nil
}

// failInline marks the activity FAILED from within its own run and
// raises the process incident immediately. Used where no external retry
// can help: broken scripts, gateways with no matching flow.
func (engine *Engine) failInline(ctx context.Context, ex *execution, reason string) error {
	if err := ex.transition(runtime.ActivityStateFailed); err != nil {
		return err
	}
	ex.activity.Failure = &runtime.Failure{Reason: reason, FailedAt: nowFunc()}
	if err := ex.saveActivity(ctx); err != nil {
		return err
	}
	if err := ex.batch.Flush(ctx); err != nil {
		return err
	}
	return engine.bus.dispatch(ctx, processIncidentCommand{processKey: ex.process.Key})
}

// continueFlow flushes the pending writes and advances the outgoing
// flow. The flush must come first: join gateways downstream read the
// committed activity states.
func (engine *Engine) continueFlow(ctx context.Context, ex *execution, next []*runtime.ActivityDefinition) error {
	if err := ex.batch.Flush(ctx); err != nil {
		return err
	}
	if len(next) == 0 {
		return engine.settleScope(ctx, ex)
	}
	for _, n := range next {
		if err := engine.bus.dispatch(ctx, runActivityCommand{processKey: ex.process.Key, definitionId: n.Id}); err != nil {
			return err
		}
	}
	return nil
}

// completeAndContinue is the default forward step shared by most
// behaviors: complete, then follow every outgoing flow.
func (engine *Engine) completeAndContinue(ctx context.Context, ex *execution, variables map[string]any) error {
	if err := engine.completeActivity(ctx, ex, variables); err != nil {
		return err
	}
	return engine.continueFlow(ctx, ex, ex.definition.NextActivities(ex.node.Id))
}

// settleScope runs after a branch finished with no outgoing flow. An
// embedded sub-process completes when none of its descendants are still
// running; the process completes when no activity instance remains
// non-terminal.
func (engine *Engine) settleScope(ctx context.Context, ex *execution) error {
	activities, err := engine.persistence.FindActivitiesByProcessKey(ctx, ex.process.Key)
	if err != nil {
		return fmt.Errorf("failed to load activities of process %d: %w", ex.process.Key, err)
	}
	scopeId := ex.node.ParentId
	if scopeId != "" {
		inScope := map[string]bool{}
		collectScopeIds(ex.definition, scopeId, inScope)
		for _, a := range activities {
			if !inScope[a.DefinitionId] {
				continue
			}
			if !a.State.IsTerminal() {
				return nil
			}
		}
		host, err := engine.persistence.FindActivityByDefinitionId(ctx, ex.process.Key, scopeId)
		if err != nil {
			return fmt.Errorf("failed to load sub-process instance %s: %w", scopeId, err)
		}
		if host.State.IsTerminal() {
			return nil
		}
		return engine.bus.dispatch(ctx, completeActivityCommand{processKey: ex.process.Key, activityKey: host.Key})
	}
	for _, a := range activities {
		if !a.State.IsTerminal() {
			return nil
		}
	}
	return engine.bus.dispatch(ctx, completeProcessCommand{processKey: ex.process.Key})
}

func collectScopeIds(def *runtime.ProcessDefinition, scopeId string, into map[string]bool) {
	for _, child := range def.ChildrenOf(scopeId) {
		into[child.Id] = true
		if child.Type == runtime.ActivityTypeSubProcess {
			collectScopeIds(def, child.Id, into)
		}
	}
}
