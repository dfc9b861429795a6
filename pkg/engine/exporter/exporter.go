// Package exporter lets observers follow engine state changes without
// coupling the engine to any sink. Exporters must be fast and must not
// block; the engine calls them inline after persisting a transition.
package exporter

import (
	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

// EventExporter receives engine lifecycle events.
type EventExporter interface {
	ProcessEvent(process runtime.Process)
	ActivityEvent(process runtime.Process, activity runtime.Activity)
	// VariableEvent is the correlation signal published on every
	// variable write.
	VariableEvent(processKey int64, variable runtime.Variable)
}

// NoopExporter discards all events.
type NoopExporter struct{}

var _ EventExporter = NoopExporter{}

func (NoopExporter) ProcessEvent(runtime.Process)                    {}
func (NoopExporter) ActivityEvent(runtime.Process, runtime.Activity) {}
func (NoopExporter) VariableEvent(int64, runtime.Variable)           {}
