package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
	"github.com/flowmill/flowmill/pkg/storage"
)

func TestFindProcessDefinitionLookups(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()

	require.NoError(t, mem.SaveProcessDefinition(ctx, runtime.ProcessDefinition{Key: 1, ProcessId: "order", Version: 1}))
	require.NoError(t, mem.SaveProcessDefinition(ctx, runtime.ProcessDefinition{Key: 2, ProcessId: "order", Version: 2}))
	require.NoError(t, mem.SaveProcessDefinition(ctx, runtime.ProcessDefinition{Key: 3, ProcessId: "billing", Version: 1}))

	latest, err := mem.FindLatestProcessDefinitionById(ctx, "order")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Key)

	v1, err := mem.FindProcessDefinition(ctx, "order", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Key)

	defs, err := mem.FindProcessDefinitionsById(ctx, "order")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, int32(1), defs[0].Version)
	assert.Equal(t, int32(2), defs[1].Version)

	_, err = mem.FindLatestProcessDefinitionById(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveProcessDropsWritesAfterTerminalState(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()

	p := runtime.Process{Key: 10, ProcessId: "order", State: runtime.ProcessStateCompleted}
	require.NoError(t, mem.SaveProcess(ctx, p))

	// a racing terminate loses against the earlier terminal write
	p.State = runtime.ProcessStateTerminated
	require.NoError(t, mem.SaveProcess(ctx, p))

	got, err := mem.FindProcessByKey(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessStateCompleted, got.State)
}

func TestSaveActivityDropsWritesAfterTerminalState(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()

	a := runtime.Activity{Key: 20, ProcessKey: 10, State: runtime.ActivityStateCanceled}
	require.NoError(t, mem.SaveActivity(ctx, a))

	a.State = runtime.ActivityStateCompleted
	require.NoError(t, mem.SaveActivity(ctx, a))

	got, err := mem.FindActivityByKey(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCanceled, got.State)
}

func TestFindProcessesByDefinitionKeyPages(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()
	for key := int64(1); key <= 5; key++ {
		require.NoError(t, mem.SaveProcess(ctx, runtime.Process{Key: key, DefinitionKey: 100, State: runtime.ProcessStateActive}))
	}
	require.NoError(t, mem.SaveProcess(ctx, runtime.Process{Key: 6, DefinitionKey: 200, State: runtime.ProcessStateActive}))

	page, err := mem.FindProcessesByDefinitionKey(ctx, 100, 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(3), page[2].Key)

	rest, err := mem.FindProcessesByDefinitionKey(ctx, 100, page[2].Key, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(4), rest[0].Key)
}

func TestFindScheduledExternalActivitiesJoinsTopic(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()

	def := runtime.ProcessDefinition{Key: 1, ProcessId: "order", Activities: []runtime.ActivityDefinition{
		{Id: "pay", Type: runtime.ActivityTypeServiceTask, Topic: "payments"},
		{Id: "ship", Type: runtime.ActivityTypeServiceTask, Topic: "shipping"},
	}}
	require.NoError(t, mem.SaveProcessDefinition(ctx, def))

	require.NoError(t, mem.SaveActivity(ctx, runtime.Activity{Key: 1, DefinitionId: "pay", DefinitionKey: 1, State: runtime.ActivityStateScheduled}))
	require.NoError(t, mem.SaveActivity(ctx, runtime.Activity{Key: 2, DefinitionId: "ship", DefinitionKey: 1, State: runtime.ActivityStateScheduled}))
	require.NoError(t, mem.SaveActivity(ctx, runtime.Activity{Key: 3, DefinitionId: "pay", DefinitionKey: 1, State: runtime.ActivityStateActive}))

	res, err := mem.FindScheduledExternalActivities(ctx, "payments", 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(1), res[0].Key)
}

func TestFindTimedOutActivities(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	require.NoError(t, mem.SaveActivity(ctx, runtime.Activity{Key: 1, State: runtime.ActivityStateScheduled, Timeout: &past}))
	require.NoError(t, mem.SaveActivity(ctx, runtime.Activity{Key: 2, State: runtime.ActivityStateScheduled, Timeout: &future}))
	require.NoError(t, mem.SaveActivity(ctx, runtime.Activity{Key: 3, State: runtime.ActivityStateScheduled}))
	require.NoError(t, mem.SaveActivity(ctx, runtime.Activity{Key: 4, State: runtime.ActivityStateActive, Timeout: &past}))

	res, err := mem.FindTimedOutActivities(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(1), res[0].Key)
}

func TestVariableScopeFilter(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()

	require.NoError(t, mem.SaveVariable(ctx, runtime.Variable{Key: "a", ProcessKey: 1, ScopeKey: 1, ScopeDefinitionId: ""}))
	require.NoError(t, mem.SaveVariable(ctx, runtime.Variable{Key: "a", ProcessKey: 1, ScopeKey: 5, ScopeDefinitionId: "scope"}))
	require.NoError(t, mem.SaveVariable(ctx, runtime.Variable{Key: "b", ProcessKey: 2, ScopeKey: 2, ScopeDefinitionId: ""}))

	vars, err := mem.FindVariables(ctx, 1, []string{"scope", ""})
	require.NoError(t, err)
	assert.Len(t, vars, 2)

	onlyRoot, err := mem.FindVariables(ctx, 1, []string{""})
	require.NoError(t, err)
	require.Len(t, onlyRoot, 1)
	assert.Equal(t, int64(1), onlyRoot[0].ScopeKey)

	require.NoError(t, mem.DeleteVariables(ctx, 1))
	vars, err = mem.FindVariables(ctx, 1, []string{"scope", ""})
	require.NoError(t, err)
	assert.Empty(t, vars)
}

func TestBatchAppliesOnFlushOnly(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()

	batch := mem.NewBatch()
	require.NoError(t, batch.SaveProcess(ctx, runtime.Process{Key: 1, State: runtime.ProcessStateActive}))
	require.NoError(t, batch.SaveActivity(ctx, runtime.Activity{Key: 2, ProcessKey: 1, State: runtime.ActivityStateScheduled}))

	_, err := mem.FindProcessByKey(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, batch.Flush(ctx))
	_, err = mem.FindProcessByKey(ctx, 1)
	require.NoError(t, err)

	// a flushed batch starts empty again
	require.NoError(t, batch.DeleteProcess(ctx, 1))
	require.NoError(t, batch.Flush(ctx))
	_, err = mem.FindProcessByKey(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, batch.Flush(ctx))
	_, err = mem.FindActivityByKey(ctx, 2)
	require.NoError(t, err)
}

func TestFindJobsByState(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()

	require.NoError(t, mem.SaveJob(ctx, runtime.Job{Key: 1, State: runtime.JobStateRunning}))
	require.NoError(t, mem.SaveJob(ctx, runtime.Job{Key: 2, State: runtime.JobStateCompleted}))

	running, err := mem.FindJobsByState(ctx, runtime.JobStateRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, int64(1), running[0].Key)

	job, err := mem.FindJobByKey(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, runtime.JobStateCompleted, job.State)
}
