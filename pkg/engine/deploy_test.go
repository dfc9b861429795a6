package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

func TestDeployIsIdempotentOnChecksum(t *testing.T) {
	e := newTestEngine(t)
	first := deploy(t, e, serviceTaskDef("checkout", "charge"))
	assert.Equal(t, int32(1), first.Version)
	assert.NotEmpty(t, first.Checksum)

	// structurally identical, nothing new deployed
	again := deploy(t, e, serviceTaskDef("checkout", "charge"))
	assert.Equal(t, first.Key, again.Key)
	assert.Equal(t, int32(1), again.Version)

	changed := deploy(t, e, serviceTaskDef("checkout", "charge-eu"))
	assert.NotEqual(t, first.Key, changed.Key)
	assert.Equal(t, int32(2), changed.Version)

	defs, err := e.FindDefinitions(context.Background(), "checkout")
	require.NoError(t, err)
	assert.Len(t, defs, 2)
}

func TestDeployRejectsBrokenDefinitions(t *testing.T) {
	e := newTestEngine(t)

	tests := map[string]runtime.ProcessDefinition{
		"no process id": {
			Activities: serviceTaskDef("x", "x").Activities,
		},
		"no activities": {
			ProcessId: "empty",
		},
		"duplicate activity id": {
			ProcessId: "dup",
			Activities: []runtime.ActivityDefinition{
				{Id: "start", Type: runtime.ActivityTypeStartEvent, EventKind: runtime.EventKindNone, Outgoing: []string{"end"}},
				{Id: "end", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone},
				{Id: "end", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone},
			},
		},
		"dangling sequence flow": {
			ProcessId: "dangling",
			Activities: []runtime.ActivityDefinition{
				{Id: "start", Type: runtime.ActivityTypeStartEvent, EventKind: runtime.EventKindNone, Outgoing: []string{"nowhere"}},
			},
		},
		"unknown parent": {
			ProcessId: "orphan",
			Activities: []runtime.ActivityDefinition{
				{Id: "start", Type: runtime.ActivityTypeStartEvent, EventKind: runtime.EventKindNone, Outgoing: []string{"end"}},
				{Id: "end", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone, ParentId: "ghost"},
			},
		},
		"boundary on unknown host": {
			ProcessId: "loose-boundary",
			Activities: []runtime.ActivityDefinition{
				{Id: "start", Type: runtime.ActivityTypeStartEvent, EventKind: runtime.EventKindNone, Outgoing: []string{"end"}},
				{Id: "end", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone},
				{Id: "watch", Type: runtime.ActivityTypeBoundaryEvent, EventKind: runtime.EventKindTimer, AttachedToId: "ghost"},
			},
		},
		"no start event": {
			ProcessId: "headless",
			Activities: []runtime.ActivityDefinition{
				{Id: "end", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone},
			},
		},
	}
	for name, def := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := e.DeployDefinition(context.Background(), def)
			var invalid *InvalidInputError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestSuspendedDefinitionBlocksNewInstances(t *testing.T) {
	e := newTestEngine(t)
	deploy(t, e, serviceTaskDef("seasonal", "season"))
	require.NoError(t, e.SuspendDefinition(context.Background(), "seasonal"))

	_, err := e.CreateProcess(context.Background(), "seasonal", "", nil)
	var invalid *InvalidInputError
	require.ErrorAs(t, err, &invalid)

	require.NoError(t, e.ResumeDefinition(context.Background(), "seasonal"))
	_, err = e.CreateProcess(context.Background(), "seasonal", "", nil)
	require.NoError(t, err)
}

func TestSuspendDefinitionSparesRunningInstances(t *testing.T) {
	e := newTestEngine(t)
	deploy(t, e, serviceTaskDef("long-haul", "haul"))
	process := startProcess(t, e, "long-haul", nil)
	require.NoError(t, e.SuspendDefinition(context.Background(), "long-haul"))

	workTask(t, e, "haul", nil)
	assert.Equal(t, runtime.ProcessStateCompleted, fetchProcess(t, e, process.Key).State)
}

func TestSuspendDefinitionRequiresDeployment(t *testing.T) {
	e := newTestEngine(t)
	err := e.SuspendDefinition(context.Background(), "never-deployed")
	var invalid *InvalidInputError
	assert.ErrorAs(t, err, &invalid)
}

func TestCreateProcessByKeyPinsTheVersion(t *testing.T) {
	e := newTestEngine(t)
	v1 := deploy(t, e, serviceTaskDef("pinned", "pin-v1"))
	deploy(t, e, serviceTaskDef("pinned", "pin-v2"))

	process, err := e.CreateProcessByKey(context.Background(), v1.Key, "", nil)
	require.NoError(t, err)
	require.NoError(t, e.RunProcess(context.Background(), process.Key))
	e.WaitForIdle()

	assert.Equal(t, v1.Key, fetchProcess(t, e, process.Key).DefinitionKey)
	workTask(t, e, "pin-v1", nil)
}
