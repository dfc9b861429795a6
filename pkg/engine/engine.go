// Package engine executes persistent process instances: it routes
// commands through a typed bus, advances activities through per-type
// behaviors, resolves escalations across call-activity scopes and drives
// the process lifecycle and instance migration.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowmill/flowmill/pkg/engine/exporter"
	"github.com/flowmill/flowmill/pkg/engine/runtime"
	"github.com/flowmill/flowmill/pkg/flake"
	"github.com/flowmill/flowmill/pkg/script"
	"github.com/flowmill/flowmill/pkg/storage"
)

const (
	definitionCacheSize = 128
	definitionCacheTTL  = 10 * time.Minute
)

type Engine struct {
	name        string
	persistence storage.Storage
	bus         *commandBus
	behaviors   *behaviorRegistry
	policies    PolicyConfig
	scripts     script.Runtime
	exporters   []exporter.EventExporter
	snowflake   *snowflake.Node
	logger      hclog.Logger
	tracer      trace.Tracer
	definitions *expirable.LRU[int64, *runtime.ProcessDefinition]
	instances   *runningInstances
	sweeper     *timeoutSweeper

	sweepInterval time.Duration
	sweepLimit    int32
}

type EngineOption = func(*Engine)

// NewEngine creates a new engine instance. A storage implementation is
// required; everything else falls back to defaults.
func NewEngine(options ...EngineOption) *Engine {
	node := flake.NewSeededNode()
	engine := Engine{
		name:      fmt.Sprintf("flowmill-engine-%d", node.Generate().Int64()),
		snowflake: node,
		logger:    hclog.Default().Named("engine"),
		tracer:    otel.Tracer("flowmill-engine"),
		exporters: []exporter.EventExporter{},
		policies:  DefaultPolicyConfig(),

		sweepInterval: time.Minute,
		sweepLimit:    100,
	}

	for _, option := range options {
		option(&engine)
	}
	if engine.persistence == nil {
		panic("engine requires a storage, use EngineWithStorage")
	}
	if engine.bus == nil {
		engine.bus = newCommandBus(4, 256, engine.logger.Named("bus"))
	}
	engine.definitions = expirable.NewLRU[int64, *runtime.ProcessDefinition](definitionCacheSize, nil, definitionCacheTTL)
	engine.instances = newRunningInstances()
	engine.behaviors = newBehaviorRegistry(&engine)
	engine.sweeper = newTimeoutSweeper(&engine, engine.sweepInterval, engine.sweepLimit)
	engine.registerHandlers()
	engine.bus.asyncExec = engine.execLocked

	return &engine
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func EngineWithExporter(exp exporter.EventExporter) EngineOption {
	return func(engine *Engine) {
		engine.exporters = append(engine.exporters, exp)
	}
}

func EngineWithScriptRuntime(rt script.Runtime) EngineOption {
	return func(engine *Engine) {
		engine.scripts = rt
	}
}

func EngineWithPolicies(policies PolicyConfig) EngineOption {
	return func(engine *Engine) {
		engine.policies = policies
	}
}

// EngineWithWorkers bounds the async worker pool of the command bus.
func EngineWithWorkers(workers int, queueSize int) EngineOption {
	return func(engine *Engine) {
		engine.bus = newCommandBus(workers, queueSize, hclog.Default().Named("bus"))
	}
}

// EngineWithTimeoutSweep tunes the deadline sweep loop.
func EngineWithTimeoutSweep(interval time.Duration, limit int32) EngineOption {
	return func(engine *Engine) {
		engine.sweepInterval = interval
		engine.sweepLimit = limit
	}
}

func EngineWithSnowflakeNode(node *snowflake.Node) EngineOption {
	return func(engine *Engine) {
		engine.snowflake = node
	}
}

// Name returns the name of the engine, only useful in case you control
// multiple ones.
func (engine *Engine) Name() string {
	return engine.name
}

// Start launches the async command workers and the timeout sweep.
func (engine *Engine) Start() {
	engine.bus.start()
	engine.sweeper.start()
}

// Stop drains in-flight async commands and stops the background loops.
func (engine *Engine) Stop() {
	engine.sweeper.stopAndWait()
	engine.bus.drain()
	engine.bus.stop()
}

// WaitForIdle blocks until all async commands dispatched so far have
// finished, including ones enqueued transitively. Intended for tests.
func (engine *Engine) WaitForIdle() {
	engine.bus.drain()
}

func (engine *Engine) generateKey() int64 {
	return engine.snowflake.Generate().Int64()
}

// definition loads a process definition by key through the cache. The
// graph is immutable once deployed, so sharing the pointer is safe.
func (engine *Engine) definition(ctx context.Context, key int64) (*runtime.ProcessDefinition, error) {
	if def, ok := engine.definitions.Get(key); ok {
		return def, nil
	}
	def, err := engine.persistence.FindProcessDefinitionByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load process definition %d: %w", key, err)
	}
	engine.definitions.Add(key, &def)
	return &def, nil
}

func (engine *Engine) registerHandlers() {
	engine.bus.register(CommandCreateProcess, engine.handleCreateProcess)
	engine.bus.register(CommandRunProcess, engine.handleRunProcess)
	engine.bus.register(CommandCompleteProcess, engine.handleCompleteProcess)
	engine.bus.register(CommandCancelProcess, engine.handleCancelProcess)
	engine.bus.register(CommandTerminateProcess, engine.handleTerminateProcess)
	engine.bus.register(CommandSuspendProcess, engine.handleSuspendProcess)
	engine.bus.register(CommandResumeProcess, engine.handleResumeProcess)
	engine.bus.register(CommandProcessIncident, engine.handleProcessIncident)
	engine.bus.register(CommandResolveIncident, engine.handleResolveIncident)
	engine.bus.register(CommandDeleteProcess, engine.handleDeleteProcess)
	engine.bus.register(CommandRunActivity, engine.handleRunActivity)
	engine.bus.register(CommandCompleteActivity, engine.handleCompleteActivity)
	engine.bus.register(CommandFailActivity, engine.handleFailActivity)
	engine.bus.register(CommandRetryActivity, engine.handleRetryActivity)
	engine.bus.register(CommandTerminateActivity, engine.handleTerminateActivity)
	engine.bus.register(CommandTriggerActivity, engine.handleTriggerActivity)
	engine.bus.register(CommandMigrateProcesses, engine.handleMigrateProcesses)
}

func (engine *Engine) exportProcessEvent(process runtime.Process) {
	for _, exp := range engine.exporters {
		exp.ProcessEvent(process)
	}
}

func (engine *Engine) exportActivityEvent(process runtime.Process, activity runtime.Activity) {
	for _, exp := range engine.exporters {
		exp.ActivityEvent(process, activity)
	}
}

func (engine *Engine) exportVariableEvent(processKey int64, variable runtime.Variable) {
	for _, exp := range engine.exporters {
		exp.VariableEvent(processKey, variable)
	}
}
