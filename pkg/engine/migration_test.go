package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

func migrate(t *testing.T, e *Engine, plan runtime.MigrationPlan) runtime.Job {
	t.Helper()
	job, err := e.MigrateProcesses(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, runtime.JobStateCompleted, job.State)
	return job
}

func keepWork() []runtime.MigrationInstruction {
	return []runtime.MigrationInstruction{{FromDefinitionId: "work", ToDefinitionId: "work"}}
}

func TestMigrationMovesRunningInstances(t *testing.T) {
	e := newTestEngine(t)
	deploy(t, e, serviceTaskDef("billing", "bill-v1"))
	first := startProcess(t, e, "billing", map[string]any{"invoice": "A-1"})
	second := startProcess(t, e, "billing", map[string]any{"invoice": "A-2"})

	v2 := deploy(t, e, serviceTaskDef("billing", "bill-v2"))
	require.Equal(t, int32(2), v2.Version)

	job := migrate(t, e, runtime.MigrationPlan{
		ProcessId: "billing", FromVersion: 1, ToVersion: 2, Instructions: keepWork(),
	})
	assert.Equal(t, int64(2), job.Output["migrated"])

	for _, key := range []int64{first.Key, second.Key} {
		assert.Equal(t, v2.Key, fetchProcess(t, e, key).DefinitionKey)
	}

	// the re-run work waits on the new topic now
	tasks, err := e.ActivateExternalTasks(context.Background(), "bill-v1", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	tasks, err = e.ActivateExternalTasks(context.Background(), "bill-v2", 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestMigrationRerunsMappedActivities(t *testing.T) {
	e := newTestEngine(t)
	deploy(t, e, serviceTaskDef("payout", "pay-v1"))
	process := startProcess(t, e, "payout", nil)
	before := activityInstance(t, e, process.Key, "work")

	v2 := deploy(t, e, serviceTaskDef("payout", "pay-v2"))
	job := migrate(t, e, runtime.MigrationPlan{
		ProcessId: "payout", FromVersion: 1, ToVersion: 2, Instructions: keepWork(),
	})
	assert.Equal(t, int64(1), job.Output["migrated"])
	assert.Equal(t, int64(0), job.Output["skipped"])

	assert.Equal(t, v2.Key, fetchProcess(t, e, process.Key).DefinitionKey)
	// a fresh instance of the mapped target, not the old row
	work := activityInstance(t, e, process.Key, "work")
	assert.Equal(t, runtime.ActivityStateScheduled, work.State)
	assert.Equal(t, v2.Key, work.DefinitionKey)
	assert.NotEqual(t, before.Key, work.Key)

	workTask(t, e, "pay-v2", nil)
	assert.Equal(t, runtime.ProcessStateCompleted, fetchProcess(t, e, process.Key).State)
}

func TestMigrationIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	deploy(t, e, serviceTaskDef("rerun", "rerun-v1"))
	startProcess(t, e, "rerun", nil)
	deploy(t, e, serviceTaskDef("rerun", "rerun-v2"))

	plan := runtime.MigrationPlan{ProcessId: "rerun", FromVersion: 1, ToVersion: 2, Instructions: keepWork()}
	first := migrate(t, e, plan)
	assert.Equal(t, int64(1), first.Output["migrated"])

	// the instance sits on the target version already, nothing to do
	second := migrate(t, e, plan)
	assert.Equal(t, int64(0), second.Output["migrated"])
	assert.Equal(t, int64(0), second.Output["skipped"])
}

func TestMigrationInstructionRenamesActivity(t *testing.T) {
	e := newTestEngine(t)
	deploy(t, e, serviceTaskDef("renamed", "work-topic"))
	process := startProcess(t, e, "renamed", nil)

	v2 := deploy(t, e, runtime.ProcessDefinition{
		ProcessId: "renamed",
		Activities: []runtime.ActivityDefinition{
			{Id: "start", Type: runtime.ActivityTypeStartEvent, EventKind: runtime.EventKindNone, Outgoing: []string{"charge"}},
			{Id: "charge", Type: runtime.ActivityTypeServiceTask, Topic: "charge-topic", Incoming: []string{"start"}, Outgoing: []string{"end"}},
			{Id: "end", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone, Incoming: []string{"charge"}},
		},
	})

	migrate(t, e, runtime.MigrationPlan{
		ProcessId:   "renamed",
		FromVersion: 1,
		ToVersion:   2,
		Instructions: []runtime.MigrationInstruction{
			{FromDefinitionId: "work", ToDefinitionId: "charge"},
		},
	})

	charge := activityInstance(t, e, process.Key, "charge")
	assert.Equal(t, runtime.ActivityStateScheduled, charge.State)
	assert.Equal(t, v2.Key, charge.DefinitionKey)
	assert.False(t, hasActivityInstance(t, e, process.Key, "work"))

	workTask(t, e, "charge-topic", nil)
	assert.Equal(t, runtime.ProcessStateCompleted, fetchProcess(t, e, process.Key).State)
}

func TestMigrationDeletesUnmappedActivities(t *testing.T) {
	// no instruction maps the running activity, so it goes away with
	// the old version instead of being re-run
	e := newTestEngine(t)
	deploy(t, e, serviceTaskDef("drop-node", "drop-v1"))
	process := startProcess(t, e, "drop-node", nil)
	deploy(t, e, serviceTaskDef("drop-node", "drop-v2"))

	migrate(t, e, runtime.MigrationPlan{ProcessId: "drop-node", FromVersion: 1, ToVersion: 2})
	assert.False(t, hasActivityInstance(t, e, process.Key, "work"))

	tasks, err := e.ActivateExternalTasks(context.Background(), "drop-v2", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestMigrationInstructionWithEmptyTargetDeletes(t *testing.T) {
	e := newTestEngine(t)
	deploy(t, e, serviceTaskDef("explicit-drop", "drop-topic"))
	process := startProcess(t, e, "explicit-drop", nil)
	deploy(t, e, serviceTaskDef("explicit-drop", "drop-topic-v2"))

	migrate(t, e, runtime.MigrationPlan{
		ProcessId:   "explicit-drop",
		FromVersion: 1,
		ToVersion:   2,
		Instructions: []runtime.MigrationInstruction{
			{FromDefinitionId: "work", ToDefinitionId: ""},
		},
	})
	assert.False(t, hasActivityInstance(t, e, process.Key, "work"))
}

func TestMigrationDropsSourceVersionHistory(t *testing.T) {
	// settled activity rows belong to the old version and are deleted
	// with it
	e := newTestEngine(t)
	deploy(t, e, serviceTaskDef("history", "hist-v1"))
	process := startProcess(t, e, "history", nil)
	require.True(t, hasActivityInstance(t, e, process.Key, "start"))
	deploy(t, e, serviceTaskDef("history", "hist-v2"))

	migrate(t, e, runtime.MigrationPlan{ProcessId: "history", FromVersion: 1, ToVersion: 2, Instructions: keepWork()})

	assert.False(t, hasActivityInstance(t, e, process.Key, "start"))
	assert.True(t, hasActivityInstance(t, e, process.Key, "work"))
}

func TestMigrationPlanValidation(t *testing.T) {
	e := newTestEngine(t)
	deploy(t, e, serviceTaskDef("checked", "chk-v1"))
	deploy(t, e, runtime.ProcessDefinition{
		ProcessId: "checked",
		Activities: []runtime.ActivityDefinition{
			{Id: "start", Type: runtime.ActivityTypeStartEvent, EventKind: runtime.EventKindNone, Outgoing: []string{"decide"}},
			{Id: "decide", Type: runtime.ActivityTypeUserTask, Incoming: []string{"start"}, Outgoing: []string{"end"}},
			{Id: "end", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone, Incoming: []string{"decide"}},
		},
	})

	tests := map[string]runtime.MigrationPlan{
		"same version": {ProcessId: "checked", FromVersion: 1, ToVersion: 1},
		"unknown source activity": {ProcessId: "checked", FromVersion: 1, ToVersion: 2,
			Instructions: []runtime.MigrationInstruction{{FromDefinitionId: "ghost", ToDefinitionId: "decide"}}},
		"unknown target activity": {ProcessId: "checked", FromVersion: 1, ToVersion: 2,
			Instructions: []runtime.MigrationInstruction{{FromDefinitionId: "work", ToDefinitionId: "ghost"}}},
		"activity type mismatch": {ProcessId: "checked", FromVersion: 1, ToVersion: 2,
			Instructions: []runtime.MigrationInstruction{{FromDefinitionId: "work", ToDefinitionId: "decide"}}},
	}
	for name, plan := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := e.MigrateProcesses(context.Background(), plan)
			var invalid *InvalidInputError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}
