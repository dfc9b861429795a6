package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"testing"

	"github.com/flowmill/flowmill/pkg/engine"
	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

func itoa(key int64) string {
	return strconv.FormatInt(key, 10)
}

type Application struct {
	httpAddr string
	engine   *engine.Engine
}

type request struct {
	t           testing.TB
	method      string
	path        string
	addr        string
	requestBody any
}

func (app *Application) NewRequest(t testing.TB) *request {
	return &request{
		t:      t,
		method: http.MethodGet,
		addr:   app.httpAddr,
	}
}

func (r *request) WithMethod(method string) *request {
	r.method = method
	return r
}

func (r *request) WithPath(path string) *request {
	r.path = path
	return r
}

func (r *request) WithBody(body any) *request {
	r.requestBody = body
	return r
}

// Do runs the request and decodes the JSON response into out (when
// out is non-nil). Non-2xx responses fail the test.
func (r *request) Do(out any) {
	r.t.Helper()
	var body io.Reader
	if r.requestBody != nil {
		encoded, err := json.Marshal(r.requestBody)
		if err != nil {
			r.t.Fatalf("failed to encode request body: %s", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(r.method, r.addr+r.path, body)
	if err != nil {
		r.t.Fatalf("failed to build request: %s", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		r.t.Fatalf("request %s %s failed: %s", r.method, r.path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.t.Fatalf("request %s %s returned %d: %s", r.method, r.path, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			r.t.Fatalf("failed to decode response of %s %s: %s", r.method, r.path, err)
		}
	}
}

func deployDefinition(t testing.TB, def runtime.ProcessDefinition) runtime.ProcessDefinition {
	t.Helper()
	var deployed runtime.ProcessDefinition
	app.NewRequest(t).WithMethod(http.MethodPost).WithPath("/v1/process-definitions").WithBody(def).Do(&deployed)
	return deployed
}

func createProcessInstance(t testing.TB, processId string, variables map[string]any) runtime.Process {
	t.Helper()
	var instance runtime.Process
	app.NewRequest(t).WithMethod(http.MethodPost).WithPath("/v1/process-instances").WithBody(map[string]any{
		"processId": processId,
		"variables": variables,
	}).Do(&instance)
	return instance
}

func getProcessInstance(t testing.TB, processKey int64) runtime.Process {
	t.Helper()
	var instance runtime.Process
	app.NewRequest(t).WithPath(fmt.Sprintf("/v1/process-instances/%d", processKey)).Do(&instance)
	return instance
}

func activateTasks(t testing.TB, topic string) []engine.ActivatedTask {
	t.Helper()
	var tasks []engine.ActivatedTask
	app.NewRequest(t).WithMethod(http.MethodPost).WithPath("/v1/tasks/activate").WithBody(map[string]any{
		"topic": topic,
		"limit": 10,
	}).Do(&tasks)
	return tasks
}

func completeTask(t testing.TB, task engine.ActivatedTask, variables map[string]any) {
	t.Helper()
	app.NewRequest(t).WithMethod(http.MethodPost).
		WithPath(fmt.Sprintf("/v1/tasks/%d/%d/complete", task.ProcessKey, task.ActivityKey)).
		WithBody(map[string]any{"variables": variables}).Do(nil)
}

func failTask(t testing.TB, task engine.ActivatedTask, reason string) {
	t.Helper()
	app.NewRequest(t).WithMethod(http.MethodPost).
		WithPath(fmt.Sprintf("/v1/tasks/%d/%d/fail", task.ProcessKey, task.ActivityKey)).
		WithBody(map[string]any{"reason": reason}).Do(nil)
}
