package engine

import (
	"context"
	"fmt"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

// CreateProcess creates an instance of the latest deployed version of
// the process id without running it.
func (engine *Engine) CreateProcess(ctx context.Context, processId string, businessKey string, variables map[string]any) (runtime.Process, error) {
	ctx, span := engine.tracer.Start(ctx, "CreateProcess")
	defer span.End()
	res, err := engine.bus.execute(ctx, createProcessCommand{
		processId:   processId,
		businessKey: businessKey,
		variables:   variables,
	})
	if err != nil {
		return runtime.Process{}, err
	}
	return res.(runtime.Process), nil
}

// CreateProcessByKey creates an instance of one specific definition
// version.
func (engine *Engine) CreateProcessByKey(ctx context.Context, definitionKey int64, businessKey string, variables map[string]any) (runtime.Process, error) {
	ctx, span := engine.tracer.Start(ctx, "CreateProcessByKey")
	defer span.End()
	res, err := engine.bus.execute(ctx, createProcessCommand{
		definitionKey: definitionKey,
		businessKey:   businessKey,
		variables:     variables,
	})
	if err != nil {
		return runtime.Process{}, err
	}
	return res.(runtime.Process), nil
}

// RunProcess starts executing a created instance from its start events.
func (engine *Engine) RunProcess(ctx context.Context, processKey int64) error {
	ctx, span := engine.tracer.Start(ctx, "RunProcess")
	defer span.End()
	_, err := engine.execLocked(ctx, runProcessCommand{processKey: processKey})
	return err
}

// CreateAndRunProcess creates an instance and immediately runs it.
func (engine *Engine) CreateAndRunProcess(ctx context.Context, processId string, businessKey string, variables map[string]any) (runtime.Process, error) {
	ctx, span := engine.tracer.Start(ctx, "CreateAndRunProcess")
	defer span.End()
	process, err := engine.CreateProcess(ctx, processId, businessKey, variables)
	if err != nil {
		return runtime.Process{}, err
	}
	if err := engine.RunProcess(ctx, process.Key); err != nil {
		return runtime.Process{}, err
	}
	return process, nil
}

// ActivatedTask is one external-task activity handed to a worker.
type ActivatedTask struct {
	ActivityKey int64
	ProcessKey  int64
	ProcessId   string
	ActivityId  string
	Topic       string
	Retries     int32
	Variables   map[string]any
}

// ActivateExternalTasks claims up to limit scheduled external tasks of
// one topic and moves them to ACTIVE. The returned variables are the
// task's visible scope with its input mappings applied on top.
func (engine *Engine) ActivateExternalTasks(ctx context.Context, topic string, limit int32) ([]ActivatedTask, error) {
	ctx, span := engine.tracer.Start(ctx, "ActivateExternalTasks")
	defer span.End()

	candidates, err := engine.persistence.FindScheduledExternalActivities(ctx, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduled tasks for topic %s: %w", topic, err)
	}
	var tasks []ActivatedTask
	for _, candidate := range candidates {
		task, err := engine.activateTask(ctx, candidate)
		if err != nil {
			return tasks, err
		}
		if task != nil {
			tasks = append(tasks, *task)
		}
	}
	return tasks, nil
}

// activateTask re-checks the candidate under its instance lock; another
// worker or the sweep may have taken it since the scan.
func (engine *Engine) activateTask(ctx context.Context, candidate runtime.Activity) (*ActivatedTask, error) {
	engine.instances.lock(candidate.ProcessKey)
	defer engine.instances.unlock(candidate.ProcessKey)

	ex, err := engine.loadActivityExecution(ctx, candidate.ProcessKey, candidate.Key)
	if err != nil {
		return nil, err
	}
	if ex.activity.State != runtime.ActivityStateScheduled {
		return nil, nil
	}
	if ex.process.State != runtime.ProcessStateActive || ex.process.Suspended {
		return nil, nil
	}
	scope, err := ex.scopeVariables(ctx)
	if err != nil {
		return nil, err
	}
	inputs, err := engine.evaluateInputs(ex.node, scope)
	if err != nil {
		return nil, err
	}
	for k, v := range inputs {
		scope[k] = v
	}
	if err := ex.transition(runtime.ActivityStateActive); err != nil {
		return nil, err
	}
	if err := ex.saveActivity(ctx); err != nil {
		return nil, err
	}
	if err := ex.batch.Flush(ctx); err != nil {
		return nil, err
	}
	return &ActivatedTask{
		ActivityKey: ex.activity.Key,
		ProcessKey:  ex.process.Key,
		ProcessId:   ex.process.ProcessId,
		ActivityId:  ex.node.Id,
		Topic:       ex.node.Topic,
		Retries:     ex.activity.Retries,
		Variables:   scope,
	}, nil
}

// CompleteActivity reports a successful worker execution.
func (engine *Engine) CompleteActivity(ctx context.Context, processKey int64, activityKey int64, variables map[string]any) error {
	ctx, span := engine.tracer.Start(ctx, "CompleteActivity")
	defer span.End()
	_, err := engine.execLocked(ctx, completeActivityCommand{
		processKey:  processKey,
		activityKey: activityKey,
		variables:   variables,
	})
	return err
}

// FailActivity reports a failed worker execution. It consumes the retry
// budget and raises the process incident when the budget is gone.
func (engine *Engine) FailActivity(ctx context.Context, processKey int64, activityKey int64, reason string, trace string) error {
	ctx, span := engine.tracer.Start(ctx, "FailActivity")
	defer span.End()
	_, err := engine.execLocked(ctx, failActivityCommand{
		processKey:  processKey,
		activityKey: activityKey,
		reason:      reason,
		trace:       trace,
	})
	return err
}

// CorrelateMessage triggers the waiting message catch event of the
// instance referencing the message id.
func (engine *Engine) CorrelateMessage(ctx context.Context, processKey int64, messageId string, variables map[string]any) error {
	ctx, span := engine.tracer.Start(ctx, "CorrelateMessage")
	defer span.End()

	process, err := engine.persistence.FindProcessByKey(ctx, processKey)
	if err != nil {
		return fmt.Errorf("failed to load process %d: %w", processKey, err)
	}
	def, err := engine.definition(ctx, process.DefinitionKey)
	if err != nil {
		return err
	}
	var target *runtime.ActivityDefinition
	for i := range def.Activities {
		a := &def.Activities[i]
		if a.IsCatchEvent() && a.EventKind == runtime.EventKindMessage && a.MessageRef == messageId {
			target = a
			break
		}
	}
	if target == nil {
		return newInvalidInputErrorf("process %s declares no catch event for message %s", process.ProcessId, messageId)
	}
	_, err = engine.execLocked(ctx, triggerActivityCommand{
		processKey:   processKey,
		definitionId: target.Id,
		variables:    variables,
	})
	return err
}

// CancelProcess gracefully ends the instance: running activities move
// to CANCELED.
func (engine *Engine) CancelProcess(ctx context.Context, processKey int64) error {
	ctx, span := engine.tracer.Start(ctx, "CancelProcess")
	defer span.End()
	_, err := engine.execLocked(ctx, cancelProcessCommand{processKey: processKey})
	return err
}

// TerminateProcess force-ends the instance: running activities move to
// TERMINATED.
func (engine *Engine) TerminateProcess(ctx context.Context, processKey int64) error {
	ctx, span := engine.tracer.Start(ctx, "TerminateProcess")
	defer span.End()
	_, err := engine.execLocked(ctx, terminateProcessCommand{processKey: processKey})
	return err
}

// SuspendProcess pauses one instance.
func (engine *Engine) SuspendProcess(ctx context.Context, processKey int64) error {
	ctx, span := engine.tracer.Start(ctx, "SuspendProcess")
	defer span.End()
	_, err := engine.execLocked(ctx, suspendProcessCommand{processKey: processKey})
	return err
}

// ResumeProcess lifts a suspension.
func (engine *Engine) ResumeProcess(ctx context.Context, processKey int64) error {
	ctx, span := engine.tracer.Start(ctx, "ResumeProcess")
	defer span.End()
	_, err := engine.execLocked(ctx, resumeProcessCommand{processKey: processKey})
	return err
}

// SuspendProcesses pauses every running instance of the process id,
// across versions, as one tracked batch job.
func (engine *Engine) SuspendProcesses(ctx context.Context, processId string) (runtime.Job, error) {
	ctx, span := engine.tracer.Start(ctx, "SuspendProcesses")
	defer span.End()
	res, err := engine.bus.execute(ctx, suspendProcessCommand{processId: processId})
	if err != nil {
		return runtime.Job{}, err
	}
	return res.(runtime.Job), nil
}

// ResumeProcesses lifts a batch suspension.
func (engine *Engine) ResumeProcesses(ctx context.Context, processId string) (runtime.Job, error) {
	ctx, span := engine.tracer.Start(ctx, "ResumeProcesses")
	defer span.End()
	res, err := engine.bus.execute(ctx, resumeProcessCommand{processId: processId})
	if err != nil {
		return runtime.Job{}, err
	}
	return res.(runtime.Job), nil
}

// RetryActivity reschedules a FAILED activity for one more attempt,
// the operator path out of an exhausted retry budget.
func (engine *Engine) RetryActivity(ctx context.Context, processKey int64, activityKey int64) error {
	ctx, span := engine.tracer.Start(ctx, "RetryActivity")
	defer span.End()
	_, err := engine.execLocked(ctx, retryActivityCommand{
		processKey:  processKey,
		activityKey: activityKey,
	})
	return err
}

// ResolveIncident reactivates an instance in incident state. It is a
// no-op while any activity is still FAILED: the failure has to be
// retried or settled first.
func (engine *Engine) ResolveIncident(ctx context.Context, processKey int64) error {
	ctx, span := engine.tracer.Start(ctx, "ResolveIncident")
	defer span.End()
	_, err := engine.execLocked(ctx, resolveIncidentCommand{processKey: processKey})
	return err
}

// DeleteProcess removes a running instance and all its data. Settled
// instances stay as history. With cascade, the owning call activity in
// the parent is taken down too.
func (engine *Engine) DeleteProcess(ctx context.Context, processKey int64, cascade bool) error {
	ctx, span := engine.tracer.Start(ctx, "DeleteProcess")
	defer span.End()
	_, err := engine.execLocked(ctx, deleteProcessCommand{processKey: processKey, cascade: cascade})
	return err
}

// MigrateProcesses runs a migration plan over every running instance of
// the source version and returns the tracking job.
func (engine *Engine) MigrateProcesses(ctx context.Context, plan runtime.MigrationPlan) (runtime.Job, error) {
	ctx, span := engine.tracer.Start(ctx, "MigrateProcesses")
	defer span.End()
	res, err := engine.bus.execute(ctx, migrateProcessesCommand{plan: plan})
	if err != nil {
		return runtime.Job{}, err
	}
	return res.(runtime.Job), nil
}

// FindProcess returns one process instance.
func (engine *Engine) FindProcess(ctx context.Context, processKey int64) (runtime.Process, error) {
	return engine.persistence.FindProcessByKey(ctx, processKey)
}

// FindActivities returns the activity instances of one process.
func (engine *Engine) FindActivities(ctx context.Context, processKey int64) ([]runtime.Activity, error) {
	return engine.persistence.FindActivitiesByProcessKey(ctx, processKey)
}

// FindProcessVariables resolves the process-scope variables of one
// instance.
func (engine *Engine) FindProcessVariables(ctx context.Context, processKey int64) (map[string]any, error) {
	return engine.scopeVariables(ctx, processKey, []string{""})
}

// FindDefinitions returns every deployed version of a process id.
func (engine *Engine) FindDefinitions(ctx context.Context, processId string) ([]runtime.ProcessDefinition, error) {
	return engine.persistence.FindProcessDefinitionsById(ctx, processId)
}
