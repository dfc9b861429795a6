package engine

import (
	"context"
	"fmt"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

func (engine *Engine) handleCreateProcess(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(createProcessCommand)
	var (
		def runtime.ProcessDefinition
		err error
	)
	if c.definitionKey != 0 {
		def, err = engine.persistence.FindProcessDefinitionByKey(ctx, c.definitionKey)
	} else {
		def, err = engine.persistence.FindLatestProcessDefinitionById(ctx, c.processId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load process definition: %w", err)
	}
	if def.Suspended {
		return nil, newInvalidInputErrorf("process definition %s is suspended, no new instances allowed", def.ProcessId)
	}

	now := nowFunc()
	process := runtime.Process{
		Key:               engine.generateKey(),
		DefinitionKey:     def.Key,
		ProcessId:         def.ProcessId,
		ParentProcessKey:  c.parentProcessKey,
		ParentActivityKey: c.parentActivityKey,
		BusinessKey:       c.businessKey,
		State:             runtime.ProcessStateActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	process.RootProcessKey = process.Key
	if c.parentProcessKey != nil {
		parent, err := engine.persistence.FindProcessByKey(ctx, *c.parentProcessKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load parent process %d: %w", *c.parentProcessKey, err)
		}
		process.RootProcessKey = parent.RootProcessKey
	}

	batch := engine.persistence.NewBatch()
	if err := batch.SaveProcess(ctx, process); err != nil {
		return nil, fmt.Errorf("failed to save process %d: %w", process.Key, err)
	}
	if err := engine.setProcessVariables(ctx, batch, &process, c.variables); err != nil {
		return nil, err
	}
	if err := batch.Flush(ctx); err != nil {
		return nil, err
	}
	engine.exportProcessEvent(process)
	engine.logger.Debug("created process instance",
		"processKey", process.Key, "processId", process.ProcessId, "version", def.Version)
	return process, nil
}

func (engine *Engine) handleRunProcess(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(runProcessCommand)
	ex, err := engine.loadProcessExecution(ctx, c.processKey)
	if err != nil {
		return nil, err
	}
	if ex.process.State != runtime.ProcessStateActive {
		return nil, newInvalidInputErrorf("process %d is not runnable in state %s", ex.process.Key, ex.process.State)
	}
	if ex.process.Suspended {
		return nil, newInvalidInputErrorf("process %d is suspended", ex.process.Key)
	}
	starts := ex.definition.StartActivities()
	if len(starts) == 0 {
		return nil, newEngineErrorf("process %s has no none start event", ex.process.ProcessId)
	}
	for _, start := range starts {
		if err := engine.bus.dispatch(ctx, runActivityCommand{processKey: ex.process.Key, definitionId: start.Id}); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (engine *Engine) handleCompleteProcess(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(completeProcessCommand)
	ex, err := engine.loadProcessExecution(ctx, c.processKey)
	if err != nil {
		return nil, err
	}
	if ex.process.State != runtime.ProcessStateActive {
		return nil, nil
	}
	activities, err := engine.persistence.FindActivitiesByProcessKey(ctx, ex.process.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load activities of process %d: %w", ex.process.Key, err)
	}
	// expected race: a parallel branch may still be running
	for _, a := range activities {
		if !a.State.IsTerminal() {
			engine.logger.Debug("skipping process completion, activities still running",
				"processKey", ex.process.Key, "activity", a.DefinitionId, "state", a.State)
			return nil, nil
		}
	}
	ex.process.State = runtime.ProcessStateCompleted
	ex.process.UpdatedAt = nowFunc()
	if err := ex.batch.SaveProcess(ctx, *ex.process); err != nil {
		return nil, fmt.Errorf("failed to save process %d: %w", ex.process.Key, err)
	}
	if err := ex.batch.Flush(ctx); err != nil {
		return nil, err
	}
	engine.exportProcessEvent(*ex.process)
	engine.logger.Debug("process completed", "processKey", ex.process.Key, "processId", ex.process.ProcessId)

	// a completed child reports its process-scope variables back to the
	// call activity that spawned it
	if ex.process.IsCallActivity() {
		vars, err := engine.persistence.FindVariables(ctx, ex.process.Key, []string{""})
		if err != nil {
			return nil, err
		}
		outputs := make(map[string]any, len(vars))
		for _, v := range vars {
			outputs[v.Key] = v.Value
		}
		engine.bus.dispatchAsync(ctx, completeActivityCommand{
			processKey:  *ex.process.ParentProcessKey,
			activityKey: *ex.process.ParentActivityKey,
			variables:   outputs,
		})
	}
	return nil, nil
}

func (engine *Engine) handleCancelProcess(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(cancelProcessCommand)
	return nil, engine.teardownProcess(ctx, c.processKey, runtime.ActivityStateCanceled)
}

func (engine *Engine) handleTerminateProcess(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(terminateProcessCommand)
	return nil, engine.teardownProcess(ctx, c.processKey, runtime.ActivityStateTerminated)
}

// teardownProcess force-ends the instance: every non-terminal activity
// moves to the given end state, spawned children go down with it and
// the instance lands in TERMINATED.
func (engine *Engine) teardownProcess(ctx context.Context, processKey int64, activityState runtime.ActivityState) error {
	ex, err := engine.loadProcessExecution(ctx, processKey)
	if err != nil {
		return err
	}
	if ex.process.State.IsTerminal() {
		return nil
	}
	activities, err := engine.persistence.FindActivitiesByProcessKey(ctx, processKey)
	if err != nil {
		return fmt.Errorf("failed to load activities of process %d: %w", processKey, err)
	}
	now := nowFunc()
	for _, a := range activities {
		if a.State.IsTerminal() {
			continue
		}
		a.State = activityState
		a.UpdatedAt = now
		if err := ex.batch.SaveActivity(ctx, a); err != nil {
			return fmt.Errorf("failed to save activity %d: %w", a.Key, err)
		}
		engine.exportActivityEvent(*ex.process, a)
	}
	ex.process.State = runtime.ProcessStateTerminated
	ex.process.UpdatedAt = now
	if err := ex.batch.SaveProcess(ctx, *ex.process); err != nil {
		return fmt.Errorf("failed to save process %d: %w", processKey, err)
	}
	if err := ex.batch.Flush(ctx); err != nil {
		return err
	}
	engine.exportProcessEvent(*ex.process)

	children, err := engine.persistence.FindChildProcesses(ctx, processKey)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.State.IsTerminal() {
			continue
		}
		engine.bus.dispatchAsync(ctx, terminateProcessCommand{processKey: child.Key})
	}
	// a directly terminated child also settles the call activity that
	// waits for it; the cascade from above already finds it terminal
	if ex.process.IsCallActivity() {
		engine.bus.dispatchAsync(ctx, terminateActivityCommand{
			processKey:  *ex.process.ParentProcessKey,
			activityKey: *ex.process.ParentActivityKey,
		})
	}
	engine.logger.Debug("process torn down",
		"processKey", processKey, "activityState", activityState)
	return nil
}

func (engine *Engine) handleSuspendProcess(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(suspendProcessCommand)
	if c.processKey != 0 {
		return nil, engine.setSuspended(ctx, c.processKey, true)
	}
	return engine.runSuspensionJob(ctx, runtime.JobTypeSuspendProcess, c.definitionKey, c.processId, true)
}

func (engine *Engine) handleResumeProcess(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(resumeProcessCommand)
	if c.processKey != 0 {
		return nil, engine.setSuspended(ctx, c.processKey, false)
	}
	return engine.runSuspensionJob(ctx, runtime.JobTypeResumeProcess, c.definitionKey, c.processId, false)
}

func (engine *Engine) setSuspended(ctx context.Context, processKey int64, suspended bool) error {
	process, err := engine.persistence.FindProcessForUpdate(ctx, processKey)
	if err != nil {
		return fmt.Errorf("failed to load process %d: %w", processKey, err)
	}
	if process.State.IsTerminal() {
		return newInvalidInputErrorf("process %d already reached state %s", processKey, process.State)
	}
	if process.Suspended == suspended {
		return nil
	}
	process.Suspended = suspended
	process.UpdatedAt = nowFunc()
	if err := engine.persistence.SaveProcess(ctx, process); err != nil {
		return fmt.Errorf("failed to save process %d: %w", processKey, err)
	}
	engine.exportProcessEvent(process)
	return nil
}

// runSuspensionJob pages through every instance of the selected
// definition versions and flips the suspension flag, tracked by a job
// row so operators can observe the batch.
func (engine *Engine) runSuspensionJob(ctx context.Context, jobType runtime.JobType, definitionKey int64, processId string, suspended bool) (any, error) {
	defKeys, err := engine.selectDefinitionKeys(ctx, definitionKey, processId)
	if err != nil {
		return nil, err
	}
	job := runtime.Job{
		Key:       engine.generateKey(),
		Type:      jobType,
		State:     runtime.JobStateRunning,
		Input:     map[string]any{"definitionKeys": defKeys, "suspended": suspended},
		CreatedAt: nowFunc(),
		UpdatedAt: nowFunc(),
	}
	if err := engine.persistence.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job %d: %w", job.Key, err)
	}

	changed := 0
	for _, defKey := range defKeys {
		afterKey := int64(0)
		for {
			page, err := engine.persistence.FindProcessesByDefinitionKey(ctx, defKey, afterKey, lifecycleBatchSize)
			if err != nil {
				return nil, engine.failJob(ctx, job, err)
			}
			for _, p := range page {
				if p.State.IsTerminal() || p.Suspended == suspended {
					afterKey = p.Key
					continue
				}
				if _, err := engine.execLocked(ctx, instanceSuspension(jobType, p.Key)); err != nil {
					return nil, engine.failJob(ctx, job, err)
				}
				changed++
				afterKey = p.Key
			}
			if len(page) < int(lifecycleBatchSize) {
				break
			}
		}
	}
	job.State = runtime.JobStateCompleted
	job.Output = map[string]any{"changed": changed}
	job.UpdatedAt = nowFunc()
	if err := engine.persistence.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job %d: %w", job.Key, err)
	}
	return job, nil
}

const lifecycleBatchSize = int32(100)

func instanceSuspension(jobType runtime.JobType, processKey int64) Command {
	if jobType == runtime.JobTypeSuspendProcess {
		return suspendProcessCommand{processKey: processKey}
	}
	return resumeProcessCommand{processKey: processKey}
}

func (engine *Engine) selectDefinitionKeys(ctx context.Context, definitionKey int64, processId string) ([]int64, error) {
	if definitionKey != 0 {
		return []int64{definitionKey}, nil
	}
	if processId == "" {
		return nil, newInvalidInputErrorf("either a process key, a definition key or a process id must be given")
	}
	defs, err := engine.persistence.FindProcessDefinitionsById(ctx, processId)
	if err != nil {
		return nil, fmt.Errorf("failed to load definitions of %s: %w", processId, err)
	}
	if len(defs) == 0 {
		return nil, newInvalidInputErrorf("no definition deployed for process id %s", processId)
	}
	keys := make([]int64, 0, len(defs))
	for _, d := range defs {
		keys = append(keys, d.Key)
	}
	return keys, nil
}

func (engine *Engine) failJob(ctx context.Context, job runtime.Job, cause error) error {
	job.State = runtime.JobStateFailed
	job.Output = map[string]any{"error": cause.Error()}
	job.UpdatedAt = nowFunc()
	if err := engine.persistence.SaveJob(ctx, job); err != nil {
		engine.logger.Error("failed to save failed job", "jobKey", job.Key, "err", err)
	}
	return cause
}

func (engine *Engine) handleProcessIncident(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(processIncidentCommand)
	ex, err := engine.loadProcessExecution(ctx, c.processKey)
	if err != nil {
		return nil, err
	}
	if ex.process.State != runtime.ProcessStateActive {
		return nil, nil
	}
	ex.process.State = runtime.ProcessStateIncident
	ex.process.UpdatedAt = nowFunc()
	if err := ex.batch.SaveProcess(ctx, *ex.process); err != nil {
		return nil, fmt.Errorf("failed to save process %d: %w", ex.process.Key, err)
	}
	if err := ex.batch.Flush(ctx); err != nil {
		return nil, err
	}
	engine.exportProcessEvent(*ex.process)
	engine.logger.Warn("process entered incident state", "processKey", ex.process.Key, "processId", ex.process.ProcessId)

	// the incident climbs the call tree: failing the spawning call
	// activity puts the parent into incident state too
	if ex.process.IsCallActivity() {
		engine.bus.dispatchAsync(ctx, failActivityCommand{
			processKey:  *ex.process.ParentProcessKey,
			activityKey: *ex.process.ParentActivityKey,
			reason:      fmt.Sprintf("child process %d entered incident state", ex.process.Key),
		})
	}
	return nil, nil
}

// handleResolveIncident puts the instance back to ACTIVE once its
// failures are settled. A FAILED activity blocks the resolution: it has
// to be retried, terminated or canceled first.
func (engine *Engine) handleResolveIncident(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(resolveIncidentCommand)
	ex, err := engine.loadProcessExecution(ctx, c.processKey)
	if err != nil {
		return nil, err
	}
	if ex.process.State != runtime.ProcessStateIncident {
		return nil, newInvalidInputErrorf("process %d has no incident to resolve (state %s)", ex.process.Key, ex.process.State)
	}
	failed, err := engine.persistence.FindFailedActivities(ctx, ex.process.Key)
	if err != nil {
		return nil, err
	}
	// expected race with concurrent retries, absorbed as a no-op
	if len(failed) > 0 {
		engine.logger.Info("incident not resolved, failed activities remain",
			"processKey", ex.process.Key, "failed", len(failed))
		return nil, nil
	}
	ex.process.State = runtime.ProcessStateActive
	ex.process.UpdatedAt = nowFunc()
	if err := ex.batch.SaveProcess(ctx, *ex.process); err != nil {
		return nil, fmt.Errorf("failed to save process %d: %w", ex.process.Key, err)
	}
	if err := ex.batch.Flush(ctx); err != nil {
		return nil, err
	}
	engine.exportProcessEvent(*ex.process)

	// the resolution climbs the call tree: the spawning call activity
	// failed with the child's incident and waits on the child again now
	if ex.process.IsCallActivity() {
		engine.bus.dispatchAsync(ctx, retryActivityCommand{
			processKey:  *ex.process.ParentProcessKey,
			activityKey: *ex.process.ParentActivityKey,
		})
	}
	return nil, nil
}

// handleDeleteProcess removes a running instance and its data. Settled
// instances are history and stay; with cascade, the owning call
// activity in the parent is taken down with the child.
func (engine *Engine) handleDeleteProcess(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(deleteProcessCommand)
	process, err := engine.persistence.FindProcessByKey(ctx, c.processKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load process %d: %w", c.processKey, err)
	}
	if process.State.IsTerminal() {
		return nil, newInvalidInputErrorf("process %d already reached state %s and is kept as history", c.processKey, process.State)
	}
	activities, err := engine.persistence.FindActivitiesByProcessKey(ctx, c.processKey)
	if err != nil {
		return nil, err
	}
	batch := engine.persistence.NewBatch()
	for _, a := range activities {
		if err := batch.DeleteActivity(ctx, a.Key); err != nil {
			return nil, err
		}
	}
	if err := batch.DeleteProcess(ctx, c.processKey); err != nil {
		return nil, err
	}
	if err := batch.Flush(ctx); err != nil {
		return nil, err
	}
	if err := engine.persistence.DeleteVariables(ctx, c.processKey); err != nil {
		return nil, err
	}
	process.State = runtime.ProcessStateDeleted
	process.UpdatedAt = nowFunc()
	engine.exportProcessEvent(process)
	if c.cascade && process.IsCallActivity() {
		engine.bus.dispatchAsync(ctx, terminateActivityCommand{
			processKey:  *process.ParentProcessKey,
			activityKey: *process.ParentActivityKey,
		})
	}
	engine.logger.Debug("process deleted", "processKey", c.processKey)
	return nil, nil
}
