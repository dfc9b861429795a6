// Package storage defines the persistence contract the engine executes
// against. Implementations must make single-row state transitions atomic
// (the engine never tolerates last-writer-wins on the same Activity or
// Process row) and must hand out batch claims exclusively, so concurrent
// batch workers never process the same instance twice.
package storage

import (
	"context"
	"time"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

// Storage is the full persistence surface consumed by the engine.
type Storage interface {
	ProcessDefinitionStorage
	ProcessStorage
	ActivityStorage
	VariableStorage
	JobStorage

	// NewBatch opens a write batch; writes become visible on Flush.
	NewBatch() Batch
}

type ProcessDefinitionStorage interface {
	// SaveProcessDefinition persists a definition version. Deployments
	// are idempotent on the structural checksum: callers only allocate a
	// new version when FindLatestProcessDefinitionById reports a
	// different checksum.
	SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error

	FindProcessDefinitionByKey(ctx context.Context, key int64) (runtime.ProcessDefinition, error)

	// FindLatestProcessDefinitionById returns the highest deployed
	// version for a logical process id.
	FindLatestProcessDefinitionById(ctx context.Context, processId string) (runtime.ProcessDefinition, error)

	FindProcessDefinition(ctx context.Context, processId string, version int32) (runtime.ProcessDefinition, error)

	FindProcessDefinitionsById(ctx context.Context, processId string) ([]runtime.ProcessDefinition, error)
}

type ProcessStorage interface {
	SaveProcess(ctx context.Context, process runtime.Process) error

	FindProcessByKey(ctx context.Context, key int64) (runtime.Process, error)

	// FindProcessesByDefinitionKey pages through instances of one
	// definition version, ordered by key, starting after afterKey.
	FindProcessesByDefinitionKey(ctx context.Context, definitionKey int64, afterKey int64, limit int32) ([]runtime.Process, error)

	// FindProcessForUpdate is a row-locking read used by migration and
	// suspend/resume batches.
	FindProcessForUpdate(ctx context.Context, key int64) (runtime.Process, error)

	// FindProcessByParentActivityKey returns the child instance spawned
	// by one call-activity instance, or a NotFound error.
	FindProcessByParentActivityKey(ctx context.Context, parentActivityKey int64) (runtime.Process, error)

	// FindChildProcesses returns the instances spawned by call
	// activities of the given parent instance.
	FindChildProcesses(ctx context.Context, parentProcessKey int64) ([]runtime.Process, error)

	DeleteProcess(ctx context.Context, key int64) error
}

type ActivityStorage interface {
	SaveActivity(ctx context.Context, activity runtime.Activity) error

	FindActivityByKey(ctx context.Context, key int64) (runtime.Activity, error)

	FindActivitiesByProcessKey(ctx context.Context, processKey int64) ([]runtime.Activity, error)

	// FindActivityByDefinitionId returns the newest activity instance of
	// one definition node within a process, or a NotFound error.
	FindActivityByDefinitionId(ctx context.Context, processKey int64, definitionId string) (runtime.Activity, error)

	FindFailedActivities(ctx context.Context, processKey int64) ([]runtime.Activity, error)

	// FindScheduledExternalActivities returns scheduled external-task
	// activities for a worker topic, bounded by limit. The topic lives
	// on the definition node; implementations resolve it through the
	// definition graph.
	FindScheduledExternalActivities(ctx context.Context, topic string, limit int32) ([]runtime.Activity, error)

	// FindTimedOutActivities returns scheduled activities whose absolute
	// deadline passed before now, bounded by limit. Consumed by the
	// timeout sweep.
	FindTimedOutActivities(ctx context.Context, now time.Time, limit int32) ([]runtime.Activity, error)

	DeleteActivity(ctx context.Context, key int64) error
}

type VariableStorage interface {
	// SaveVariable upserts one variable row keyed by
	// (processKey, scopeKey, key). Concurrent writes to different keys
	// of the same scope must merge, not overwrite.
	SaveVariable(ctx context.Context, variable runtime.Variable) error

	// FindVariables returns the variables of a process visible from the
	// given scope chain (scope definition ids, innermost first).
	FindVariables(ctx context.Context, processKey int64, scopeIds []string) ([]runtime.Variable, error)

	DeleteVariables(ctx context.Context, processKey int64) error
}

type JobStorage interface {
	SaveJob(ctx context.Context, job runtime.Job) error

	FindJobByKey(ctx context.Context, key int64) (runtime.Job, error)

	FindJobsByState(ctx context.Context, state runtime.JobState) ([]runtime.Job, error)
}

// Batch collects writes that are flushed atomically. Implementations
// back it with a transaction; the in-memory implementation applies the
// buffered writes under one lock.
type Batch interface {
	SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error
	SaveProcess(ctx context.Context, process runtime.Process) error
	SaveActivity(ctx context.Context, activity runtime.Activity) error
	SaveVariable(ctx context.Context, variable runtime.Variable) error
	SaveJob(ctx context.Context, job runtime.Job) error
	DeleteActivity(ctx context.Context, key int64) error
	DeleteProcess(ctx context.Context, key int64) error

	Flush(ctx context.Context) error
}
