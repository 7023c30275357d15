// Package telemetry defines the observability seams used across the flow
// runtime: structured logging, counters and timers, and trace spans. The
// interfaces are intentionally small so tests can provide lightweight stubs;
// production deployments typically wire the Clue/OTEL implementations from
// clue.go. All runtime components accept these interfaces through functional
// options and default to the no-op implementations in noop.go.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging used throughout the runtime.
	// Key-value pairs follow the (k1, v1, k2, v2, ...) convention; keys must
	// be strings.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter, timer and gauge helpers for runtime
	// instrumentation. Tags follow the (k1, v1, k2, v2, ...) convention.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so runtime code remains agnostic of the
	// underlying OpenTelemetry provider. OTEL option types are used directly
	// for type safety.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span represents an in-flight tracing span.
	//
	//	ctx, span := tracer.Start(ctx, "workflow.execute")
	//	defer span.End()
	//	span.SetStatus(codes.Ok, "completed")
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric and span names emitted by the runtime. Embedders that aggregate
// dashboards across services can rely on these being stable.
const (
	MetricNodeDuration     = "flow.node.duration"
	MetricNodeFailures     = "flow.node.failures"
	MetricWorkflowDuration = "flow.workflow.duration"
	MetricToolAttempts     = "flow.tool.attempts"
	MetricToolDuration     = "flow.tool.duration"
	MetricToolFailures     = "flow.tool.failures"
	MetricBreakerOpens     = "flow.tool.breaker_opens"
	MetricIdempotencyHits  = "flow.tool.idempotency_hits"
)
