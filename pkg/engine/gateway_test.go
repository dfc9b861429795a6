package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

func exclusiveRoutingDef(processId string) runtime.ProcessDefinition {
	return runtime.ProcessDefinition{
		ProcessId: processId,
		Activities: []runtime.ActivityDefinition{
			{Id: "start", Type: runtime.ActivityTypeStartEvent, EventKind: runtime.EventKindNone, Outgoing: []string{"route"}},
			{Id: "route", Type: runtime.ActivityTypeExclusiveGateway,
				Incoming:    []string{"start"},
				Outgoing:    []string{"approve", "autoAccept"},
				Conditions:  map[string]string{"approve": "amount > 1000"},
				DefaultFlow: "autoAccept"},
			{Id: "approve", Type: runtime.ActivityTypeServiceTask, Topic: processId + "-approve", Incoming: []string{"route"}, Outgoing: []string{"end"}},
			{Id: "autoAccept", Type: runtime.ActivityTypeServiceTask, Topic: processId + "-auto", Incoming: []string{"route"}, Outgoing: []string{"end"}},
			{Id: "end", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone, Incoming: []string{"approve", "autoAccept"}},
		},
	}
}

func TestExclusiveGatewayRoutesOnCondition(t *testing.T) {
	e := newTestEngine(t)
	deploy(t, e, exclusiveRoutingDef("claims"))

	high := startProcess(t, e, "claims", map[string]any{"amount": 2500})
	assert.True(t, hasActivityInstance(t, e, high.Key, "approve"))
	assert.False(t, hasActivityInstance(t, e, high.Key, "autoAccept"))

	low := startProcess(t, e, "claims", map[string]any{"amount": 200})
	assert.True(t, hasActivityInstance(t, e, low.Key, "autoAccept"))
	assert.False(t, hasActivityInstance(t, e, low.Key, "approve"))
}

func TestExclusiveGatewayWithoutMatchRaisesIncident(t *testing.T) {
	e := newTestEngine(t)
	def := exclusiveRoutingDef("strict-claims")
	def.Activities[1].DefaultFlow = ""
	def.Activities[1].Outgoing = []string{"approve"}
	deploy(t, e, def)

	process := startProcess(t, e, "strict-claims", map[string]any{"amount": 1})

	assert.Equal(t, runtime.ProcessStateIncident, fetchProcess(t, e, process.Key).State)
	route := activityInstance(t, e, process.Key, "route")
	assert.Equal(t, runtime.ActivityStateFailed, route.State)
}

func TestParallelGatewayJoinWaitsForAllBranches(t *testing.T) {
	e := newTestEngine(t)
	deploy(t, e, runtime.ProcessDefinition{
		ProcessId: "two-lane",
		Activities: []runtime.ActivityDefinition{
			{Id: "start", Type: runtime.ActivityTypeStartEvent, EventKind: runtime.EventKindNone, Outgoing: []string{"fork"}},
			{Id: "fork", Type: runtime.ActivityTypeParallelGateway, Incoming: []string{"start"}, Outgoing: []string{"left", "right"}},
			{Id: "left", Type: runtime.ActivityTypeServiceTask, Topic: "lane-left", Incoming: []string{"fork"}, Outgoing: []string{"join"}},
			{Id: "right", Type: runtime.ActivityTypeServiceTask, Topic: "lane-right", Incoming: []string{"fork"}, Outgoing: []string{"join"}},
			{Id: "join", Type: runtime.ActivityTypeParallelGateway, Incoming: []string{"left", "right"}, Outgoing: []string{"end"}},
			{Id: "end", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone, Incoming: []string{"join"}},
		},
	})

	process := startProcess(t, e, "two-lane", nil)
	require.True(t, hasActivityInstance(t, e, process.Key, "left"))
	require.True(t, hasActivityInstance(t, e, process.Key, "right"))

	workTask(t, e, "lane-left", nil)
	// one branch arrived, the join keeps waiting
	assert.Equal(t, runtime.ActivityStateScheduled, activityInstance(t, e, process.Key, "join").State)
	assert.Equal(t, runtime.ProcessStateActive, fetchProcess(t, e, process.Key).State)

	workTask(t, e, "lane-right", nil)
	assert.Equal(t, runtime.ActivityStateCompleted, activityInstance(t, e, process.Key, "join").State)
	assert.Equal(t, runtime.ProcessStateCompleted, fetchProcess(t, e, process.Key).State)
}

func TestInclusiveGatewayJoinsOnlyTakenBranches(t *testing.T) {
	e := newTestEngine(t)
	deploy(t, e, runtime.ProcessDefinition{
		ProcessId: "selective",
		Activities: []runtime.ActivityDefinition{
			{Id: "start", Type: runtime.ActivityTypeStartEvent, EventKind: runtime.EventKindNone, Outgoing: []string{"fork"}},
			{Id: "fork", Type: runtime.ActivityTypeInclusiveGateway,
				Incoming: []string{"start"},
				Outgoing: []string{"mail", "sms"},
				Conditions: map[string]string{
					"mail": "channels >= 1",
					"sms":  "channels >= 2",
				}},
			{Id: "mail", Type: runtime.ActivityTypeServiceTask, Topic: "send-mail", Incoming: []string{"fork"}, Outgoing: []string{"join"}},
			{Id: "sms", Type: runtime.ActivityTypeServiceTask, Topic: "send-sms", Incoming: []string{"fork"}, Outgoing: []string{"join"}},
			{Id: "join", Type: runtime.ActivityTypeInclusiveGateway, Incoming: []string{"mail", "sms"}, Outgoing: []string{"end"}},
			{Id: "end", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone, Incoming: []string{"join"}},
		},
	})

	// only the mail branch matches, the join must not wait for sms
	process := startProcess(t, e, "selective", map[string]any{"channels": 1})
	require.True(t, hasActivityInstance(t, e, process.Key, "mail"))
	require.False(t, hasActivityInstance(t, e, process.Key, "sms"))

	workTask(t, e, "send-mail", nil)
	assert.Equal(t, runtime.ProcessStateCompleted, fetchProcess(t, e, process.Key).State)
}

func TestEventBasedGatewayRace(t *testing.T) {
	e := newTestEngine(t)
	deploy(t, e, runtime.ProcessDefinition{
		ProcessId: "await-reply",
		Activities: []runtime.ActivityDefinition{
			{Id: "start", Type: runtime.ActivityTypeStartEvent, EventKind: runtime.EventKindNone, Outgoing: []string{"race"}},
			{Id: "race", Type: runtime.ActivityTypeEventBasedGateway, Incoming: []string{"start"}, Outgoing: []string{"accepted", "rejected"}},
			{Id: "accepted", Type: runtime.ActivityTypeIntermediateCatchEvent, EventKind: runtime.EventKindMessage, MessageRef: "msg-accept",
				Incoming: []string{"race"}, Outgoing: []string{"endOk"}},
			{Id: "rejected", Type: runtime.ActivityTypeIntermediateCatchEvent, EventKind: runtime.EventKindMessage, MessageRef: "msg-reject",
				Incoming: []string{"race"}, Outgoing: []string{"endNo"}},
			{Id: "endOk", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone, Incoming: []string{"accepted"}},
			{Id: "endNo", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone, Incoming: []string{"rejected"}},
		},
		Messages: []runtime.Message{{Id: "msg-accept"}, {Id: "msg-reject"}},
	})

	process := startProcess(t, e, "await-reply", nil)
	// the gateway armed both events
	require.Equal(t, runtime.ActivityStateScheduled, activityInstance(t, e, process.Key, "accepted").State)
	require.Equal(t, runtime.ActivityStateScheduled, activityInstance(t, e, process.Key, "rejected").State)

	require.NoError(t, e.CorrelateMessage(context.Background(), process.Key, "msg-accept", map[string]any{"reply": "yes"}))
	e.WaitForIdle()

	// the winner continued, the loser left no trace
	assert.Equal(t, runtime.ProcessStateCompleted, fetchProcess(t, e, process.Key).State)
	assert.Equal(t, runtime.ActivityStateCompleted, activityInstance(t, e, process.Key, "accepted").State)
	assert.False(t, hasActivityInstance(t, e, process.Key, "rejected"))
	assert.False(t, hasActivityInstance(t, e, process.Key, "endNo"))

	vars, err := e.FindProcessVariables(context.Background(), process.Key)
	require.NoError(t, err)
	assert.Equal(t, "yes", vars["reply"])
}
