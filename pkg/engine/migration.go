package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

const migrationParallelism = 4

// handleMigrateProcesses moves every running instance of one definition
// version to another. Instances are claimed in pages and migrated in
// parallel under their instance lock; the whole run is idempotent, an
// instance already on the target version is skipped.
func (engine *Engine) handleMigrateProcesses(ctx context.Context, cmd Command) (any, error) {
	c := cmd.(migrateProcessesCommand)
	plan := c.plan

	fromDef, err := engine.persistence.FindProcessDefinition(ctx, plan.ProcessId, plan.FromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load source definition %s v%d: %w", plan.ProcessId, plan.FromVersion, err)
	}
	toDef, err := engine.persistence.FindProcessDefinition(ctx, plan.ProcessId, plan.ToVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load target definition %s v%d: %w", plan.ProcessId, plan.ToVersion, err)
	}
	if err := validatePlan(&plan, &fromDef, &toDef); err != nil {
		return nil, err
	}

	job := runtime.Job{
		Key:   engine.generateKey(),
		Type:  runtime.JobTypeMigrateProcess,
		State: runtime.JobStateRunning,
		Input: map[string]any{
			"processId":   plan.ProcessId,
			"fromVersion": plan.FromVersion,
			"toVersion":   plan.ToVersion,
		},
		CreatedAt: nowFunc(),
		UpdatedAt: nowFunc(),
	}
	if err := engine.persistence.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job %d: %w", job.Key, err)
	}

	var migrated, skipped atomic.Int64
	afterKey := int64(0)
	for {
		page, err := engine.persistence.FindProcessesByDefinitionKey(ctx, fromDef.Key, afterKey, lifecycleBatchSize)
		if err != nil {
			return nil, engine.failJob(ctx, job, err)
		}
		if len(page) == 0 {
			break
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(migrationParallelism)
		for _, p := range page {
			g.Go(func() error {
				ok, err := engine.migrateInstance(gctx, &plan, &toDef, p.Key)
				if err != nil {
					return err
				}
				if ok {
					migrated.Add(1)
				} else {
					skipped.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, engine.failJob(ctx, job, err)
		}
		afterKey = page[len(page)-1].Key
		if len(page) < int(lifecycleBatchSize) {
			break
		}
	}

	job.State = runtime.JobStateCompleted
	job.Output = map[string]any{"migrated": migrated.Load(), "skipped": skipped.Load()}
	job.UpdatedAt = nowFunc()
	if err := engine.persistence.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job %d: %w", job.Key, err)
	}
	engine.logger.Info("migration finished",
		"processId", plan.ProcessId, "fromVersion", plan.FromVersion, "toVersion", plan.ToVersion,
		"migrated", migrated.Load(), "skipped", skipped.Load())
	return job, nil
}

// migrateInstance moves one instance onto the target version. Every
// activity row of the source version is deleted: mapped running
// activities are re-run against their target definition node, unmapped
// ones (settled history included) disappear with the old version. The
// deletions and the definition repoint land in one batch, so a
// half-migrated instance is either untouched or fully on the target.
func (engine *Engine) migrateInstance(ctx context.Context, plan *runtime.MigrationPlan, toDef *runtime.ProcessDefinition, processKey int64) (bool, error) {
	engine.instances.lock(processKey)
	defer engine.instances.unlock(processKey)

	process, err := engine.persistence.FindProcessForUpdate(ctx, processKey)
	if err != nil {
		return false, fmt.Errorf("failed to load process %d: %w", processKey, err)
	}
	if process.State.IsTerminal() || process.DefinitionKey == toDef.Key {
		return false, nil
	}
	activities, err := engine.persistence.FindActivitiesByProcessKey(ctx, processKey)
	if err != nil {
		return false, err
	}
	batch := engine.persistence.NewBatch()
	rerun := make([]string, 0, len(activities))
	for _, a := range activities {
		if instr := plan.Instruction(a.DefinitionId); instr != nil && instr.ToDefinitionId != "" && !a.State.IsTerminal() {
			rerun = append(rerun, instr.ToDefinitionId)
		}
		if err := batch.DeleteActivity(ctx, a.Key); err != nil {
			return false, fmt.Errorf("failed to delete activity %d: %w", a.Key, err)
		}
	}
	process.DefinitionKey = toDef.Key
	process.UpdatedAt = nowFunc()
	if err := batch.SaveProcess(ctx, process); err != nil {
		return false, fmt.Errorf("failed to save process %d: %w", processKey, err)
	}
	if err := batch.Flush(ctx); err != nil {
		return false, err
	}
	for _, definitionId := range rerun {
		if err := engine.bus.dispatch(ctx, runActivityCommand{processKey: processKey, definitionId: definitionId}); err != nil {
			return false, err
		}
	}
	engine.exportProcessEvent(process)
	return true, nil
}

func validatePlan(plan *runtime.MigrationPlan, fromDef *runtime.ProcessDefinition, toDef *runtime.ProcessDefinition) error {
	if plan.FromVersion == plan.ToVersion {
		return newInvalidInputErrorf("migration source and target version are both %d", plan.FromVersion)
	}
	for _, instr := range plan.Instructions {
		from := fromDef.ActivityById(instr.FromDefinitionId)
		if from == nil {
			return newInvalidInputErrorf("migration source activity %s does not exist in %s v%d",
				instr.FromDefinitionId, plan.ProcessId, plan.FromVersion)
		}
		if instr.ToDefinitionId == "" {
			continue
		}
		to := toDef.ActivityById(instr.ToDefinitionId)
		if to == nil {
			return newInvalidInputErrorf("migration target activity %s does not exist in %s v%d",
				instr.ToDefinitionId, plan.ProcessId, plan.ToVersion)
		}
		if to.Type != from.Type {
			return newInvalidInputErrorf("migration cannot map %s (%s) to %s (%s), activity types differ",
				instr.FromDefinitionId, from.Type, instr.ToDefinitionId, to.Type)
		}
	}
	return nil
}
