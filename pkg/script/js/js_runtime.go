// Package js backs script tasks with a pooled goja JavaScript runtime.
package js

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/flowmill/flowmill/pkg/script"
)

type JsRunnerFactory struct{}

func (JsRunnerFactory) NewRunner() script.Runner {
	return newJsRunner()
}

type JsRuntime struct {
	pool *script.RunnerPool
}

var _ script.Runtime = &JsRuntime{}

func NewJsRuntime(ctx context.Context, maxPoolSize int, minPoolSize int) *JsRuntime {
	return &JsRuntime{
		pool: script.NewRunnerPool(ctx, JsRunnerFactory{}, maxPoolSize, minPoolSize),
	}
}

func (r *JsRuntime) RunScript(source string, scope map[string]any) (any, error) {
	runner := r.pool.Get()
	defer r.pool.Put(runner)

	return runner.(*JsRunner).runScript(source, scope)
}

type JsRunner struct {
	vm *goja.Runtime
}

func (r *JsRunner) Runner() {}

func newJsRunner() *JsRunner {
	return &JsRunner{vm: goja.New()}
}

func (r *JsRunner) runScript(source string, scope map[string]any) (any, error) {
	for k, v := range scope {
		if err := r.vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("failed to bind variable %q: %w", k, err)
		}
	}
	defer func() {
		// unbind the scope so the next script can't observe it
		for k := range scope {
			_ = r.vm.GlobalObject().Delete(k)
		}
	}()
	resp, err := r.vm.RunString(source)
	if err != nil {
		return nil, fmt.Errorf("error running script: %w", err)
	}
	if resp == nil {
		return nil, nil
	}
	return resp.Export(), nil
}
