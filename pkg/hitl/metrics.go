package hitl

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts coordinator transitions. RED-style: requests by operation,
// errors by kind, executions by outcome.
type Metrics struct {
	operations metric.Int64Counter
	executions metric.Int64Counter
}

// NewMetrics registers the coordinator instruments.
func NewMetrics() *Metrics {
	meter := otel.Meter("saihai/hitl")
	operations, _ := meter.Int64Counter("hitl_operations_total",
		metric.WithDescription("Coordinator operations by type and outcome"))
	executions, _ := meter.Int64Counter("hitl_executions_total",
		metric.WithDescription("Execution jobs by terminal status"))
	return &Metrics{operations: operations, executions: executions}
}

func (m *Metrics) recordOp(ctx context.Context, op string, err error) {
	if m == nil || m.operations == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) recordExecution(ctx context.Context, status string) {
	if m == nil || m.executions == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
