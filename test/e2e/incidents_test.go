package e2e

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

func TestRestApiIncidentLifecycle(t *testing.T) {
	deployDefinition(t, serviceTaskDefinition("flaky-import", "import"))
	instance := createProcessInstance(t, "flaky-import", nil)
	app.engine.WaitForIdle()

	// no retry budget configured, the first failure raises an incident
	tasks := activateTasks(t, "import")
	assert.Len(t, tasks, 1)
	failTask(t, tasks[0], "upstream unavailable")
	app.engine.WaitForIdle()

	fetched := getProcessInstance(t, instance.Key)
	assert.Equal(t, runtime.ProcessStateIncident, fetched.State)

	// incident instances do not hand out tasks
	assert.Empty(t, activateTasks(t, "import"))

	// resolving is absorbed while the failed task is unsettled
	app.NewRequest(t).WithMethod(http.MethodPost).
		WithPath("/v1/process-instances/" + itoa(instance.Key) + "/incident/resolve").Do(nil)
	app.engine.WaitForIdle()
	fetched = getProcessInstance(t, instance.Key)
	assert.Equal(t, runtime.ProcessStateIncident, fetched.State)

	// retrying the failed task unblocks the resolution
	app.NewRequest(t).WithMethod(http.MethodPost).
		WithPath("/v1/tasks/" + itoa(tasks[0].ProcessKey) + "/" + itoa(tasks[0].ActivityKey) + "/retry").Do(nil)
	app.NewRequest(t).WithMethod(http.MethodPost).
		WithPath("/v1/process-instances/" + itoa(instance.Key) + "/incident/resolve").Do(nil)
	app.engine.WaitForIdle()

	fetched = getProcessInstance(t, instance.Key)
	assert.Equal(t, runtime.ProcessStateActive, fetched.State)

	tasks = activateTasks(t, "import")
	assert.Len(t, tasks, 1)
	completeTask(t, tasks[0], nil)
	app.engine.WaitForIdle()

	fetched = getProcessInstance(t, instance.Key)
	assert.Equal(t, runtime.ProcessStateCompleted, fetched.State)
}
