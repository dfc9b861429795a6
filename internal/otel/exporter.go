package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	metrics "go.opentelemetry.io/otel/metric"

	"github.com/flowmill/flowmill/pkg/engine/exporter"
	"github.com/flowmill/flowmill/pkg/engine/runtime"
)

// MetricsExporter feeds engine lifecycle events into the engine meters.
type MetricsExporter struct{}

var _ exporter.EventExporter = MetricsExporter{}

func (MetricsExporter) ProcessEvent(process runtime.Process) {
	ProcessStateTotal.Add(context.Background(), 1, metrics.WithAttributes(
		attribute.String("process_id", process.ProcessId),
		attribute.String("state", string(process.State)),
	))
}

func (MetricsExporter) ActivityEvent(process runtime.Process, activity runtime.Activity) {
	ActivityStateTotal.Add(context.Background(), 1, metrics.WithAttributes(
		attribute.String("process_id", process.ProcessId),
		attribute.String("activity_id", activity.DefinitionId),
		attribute.String("state", string(activity.State)),
	))
}

func (MetricsExporter) VariableEvent(processKey int64, variable runtime.Variable) {
	VariableWriteTotal.Add(context.Background(), 1, metrics.WithAttributes(
		attribute.String("name", variable.Key),
	))
}
