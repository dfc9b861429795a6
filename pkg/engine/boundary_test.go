package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

func timerBoundaryDef(processId string, interrupting bool) runtime.ProcessDefinition {
	return runtime.ProcessDefinition{
		ProcessId: processId,
		Activities: []runtime.ActivityDefinition{
			{Id: "start", Type: runtime.ActivityTypeStartEvent, EventKind: runtime.EventKindNone, Outgoing: []string{"slow"}},
			{Id: "slow", Type: runtime.ActivityTypeServiceTask, Topic: processId + "-slow", Incoming: []string{"start"}, Outgoing: []string{"end"}},
			{Id: "timeout", Type: runtime.ActivityTypeBoundaryEvent, EventKind: runtime.EventKindTimer,
				AttachedToId: "slow", CancelActivity: interrupting, TimerExpression: "PT5M", Outgoing: []string{"lateEnd"}},
			{Id: "end", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone, Incoming: []string{"slow"}},
			{Id: "lateEnd", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone, Incoming: []string{"timeout"}},
		},
	}
}

func TestInterruptingTimerBoundaryCancelsHost(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	pinTime(t, base)

	e := newTestEngine(t)
	deploy(t, e, timerBoundaryDef("deadline-work", true))
	process := startProcess(t, e, "deadline-work", nil)

	watcher := activityInstance(t, e, process.Key, "timeout")
	require.Equal(t, runtime.ActivityStateScheduled, watcher.State)
	require.NotNil(t, watcher.Timeout)
	assert.Equal(t, base.Add(5*time.Minute), *watcher.Timeout)

	// nothing expires before the deadline
	require.NoError(t, e.sweeper.sweep(context.Background()))
	e.WaitForIdle()
	assert.Equal(t, runtime.ActivityStateScheduled, activityInstance(t, e, process.Key, "timeout").State)

	pinTime(t, base.Add(10*time.Minute))
	require.NoError(t, e.sweeper.sweep(context.Background()))
	e.WaitForIdle()

	assert.Equal(t, runtime.ActivityStateTerminated, activityInstance(t, e, process.Key, "slow").State)
	assert.Equal(t, runtime.ActivityStateCompleted, activityInstance(t, e, process.Key, "timeout").State)
	assert.Equal(t, runtime.ProcessStateCompleted, fetchProcess(t, e, process.Key).State)
}

func TestNonInterruptingBoundaryLeavesHostRunning(t *testing.T) {
	e := newTestEngine(t)
	def := runtime.ProcessDefinition{
		ProcessId: "notify-while-working",
		Activities: []runtime.ActivityDefinition{
			{Id: "start", Type: runtime.ActivityTypeStartEvent, EventKind: runtime.EventKindNone, Outgoing: []string{"slow"}},
			{Id: "slow", Type: runtime.ActivityTypeServiceTask, Topic: "nww-slow", Incoming: []string{"start"}, Outgoing: []string{"end"}},
			{Id: "reminder", Type: runtime.ActivityTypeBoundaryEvent, EventKind: runtime.EventKindMessage,
				MessageRef: "msg-remind", AttachedToId: "slow", CancelActivity: false, Outgoing: []string{"notified"}},
			{Id: "end", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone, Incoming: []string{"slow"}},
			{Id: "notified", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone, Incoming: []string{"reminder"}},
		},
		Messages: []runtime.Message{{Id: "msg-remind"}},
	}
	deploy(t, e, def)
	process := startProcess(t, e, "notify-while-working", nil)

	require.NoError(t, e.CorrelateMessage(context.Background(), process.Key, "msg-remind", nil))
	e.WaitForIdle()

	// the boundary fired but the observed task keeps waiting
	assert.Equal(t, runtime.ActivityStateCompleted, activityInstance(t, e, process.Key, "reminder").State)
	assert.Equal(t, runtime.ActivityStateScheduled, activityInstance(t, e, process.Key, "slow").State)
	assert.Equal(t, runtime.ProcessStateActive, fetchProcess(t, e, process.Key).State)

	workTask(t, e, "nww-slow", nil)
	assert.Equal(t, runtime.ProcessStateCompleted, fetchProcess(t, e, process.Key).State)
}

func TestHostCompletionCancelsBoundaryWatcher(t *testing.T) {
	e := newTestEngine(t)
	deploy(t, e, timerBoundaryDef("fast-enough", true))
	process := startProcess(t, e, "fast-enough", nil)

	workTask(t, e, "fast-enough-slow", nil)

	// the watcher can no longer fire once the host settled
	assert.Equal(t, runtime.ActivityStateCanceled, activityInstance(t, e, process.Key, "timeout").State)
	assert.Equal(t, runtime.ProcessStateCompleted, fetchProcess(t, e, process.Key).State)
}

func TestIntermediateTimerCatchEventFires(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	pinTime(t, base)

	e := newTestEngine(t)
	deploy(t, e, runtime.ProcessDefinition{
		ProcessId: "cooldown",
		Activities: []runtime.ActivityDefinition{
			{Id: "start", Type: runtime.ActivityTypeStartEvent, EventKind: runtime.EventKindNone, Outgoing: []string{"wait"}},
			{Id: "wait", Type: runtime.ActivityTypeIntermediateCatchEvent, EventKind: runtime.EventKindTimer,
				TimerExpression: "PT1H", Incoming: []string{"start"}, Outgoing: []string{"end"}},
			{Id: "end", Type: runtime.ActivityTypeEndEvent, EventKind: runtime.EventKindNone, Incoming: []string{"wait"}},
		},
	})
	process := startProcess(t, e, "cooldown", nil)
	require.Equal(t, runtime.ActivityStateScheduled, activityInstance(t, e, process.Key, "wait").State)

	pinTime(t, base.Add(2*time.Hour))
	require.NoError(t, e.sweeper.sweep(context.Background()))
	e.WaitForIdle()

	assert.Equal(t, runtime.ProcessStateCompleted, fetchProcess(t, e, process.Key).State)
}

func TestExpiredExternalTaskFailsIntoRetryLadder(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	pinTime(t, base)

	e := newTestEngine(t)
	def := serviceTaskDef("sluggish-worker", "sw")
	def.Activities[1].Timeout = "PT10M"
	deploy(t, e, def)
	process := startProcess(t, e, "sluggish-worker", nil)

	pinTime(t, base.Add(time.Hour))
	require.NoError(t, e.sweeper.sweep(context.Background()))
	e.WaitForIdle()

	// no retry budget configured, the expiry is terminal
	assert.Equal(t, runtime.ProcessStateIncident, fetchProcess(t, e, process.Key).State)
	work := activityInstance(t, e, process.Key, "work")
	assert.Equal(t, runtime.ActivityStateFailed, work.State)
	require.NotNil(t, work.Failure)
	assert.Contains(t, work.Failure.Reason, "deadline expired")
}
