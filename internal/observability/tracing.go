package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type TraceManager struct {
	tracer trace.Tracer
}

func NewTraceManager(serviceName string) *TraceManager {
	return &TraceManager{
		tracer: otel.Tracer(serviceName),
	}
}

func (tm *TraceManager) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

func (tm *TraceManager) InjectTraceContext(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

func (tm *TraceManager) ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

func (tm *TraceManager) StartEventProcessingSpan(ctx context.Context, eventID, eventType, source, subject string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "process_event", trace.WithAttributes(
		attribute.String("event.id", eventID),
		attribute.String("event.type", eventType),
		attribute.String("event.source", source),
		attribute.String("event.subject", subject),
	))
}

func (tm *TraceManager) StartPublishSpan(ctx context.Context, destination, eventType string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "publish_event", trace.WithAttributes(
		attribute.String("messaging.system", "grpc"),
		attribute.String("messaging.destination", destination),
		attribute.String("messaging.operation", "publish"),
		attribute.String("event.type", eventType),
	))
}

func (tm *TraceManager) StartConsumeSpan(ctx context.Context, source, eventType string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "consume_event", trace.WithAttributes(
		attribute.String("messaging.system", "grpc"),
		attribute.String("messaging.source", source),
		attribute.String("messaging.operation", "receive"),
		attribute.String("event.type", eventType),
	))
}

func (tm *TraceManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(1, err.Error()) // Error status
	}
}

func (tm *TraceManager) SetSpanSuccess(span trace.Span) {
	span.SetStatus(2, "") // OK status
}

// AddRequestAttributes adds the opaque request payload fields to a span.
// The framework never interprets payload semantics, but span attributes are
// diagnostic metadata, not protocol, so recording the top-level keys is safe.
func (tm *TraceManager) AddRequestAttributes(span trace.Span, action, correlationID string, payload map[string]interface{}) {
	span.SetAttributes(
		attribute.String("fabric.action", action),
		attribute.String("fabric.correlation_id", correlationID),
	)

	for key, value := range payload {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String("fabric.payload."+key, v))
		case float64:
			span.SetAttributes(attribute.Float64("fabric.payload."+key, v))
		case int:
			span.SetAttributes(attribute.Int("fabric.payload."+key, v))
		case bool:
			span.SetAttributes(attribute.Bool("fabric.payload."+key, v))
		default:
			span.SetAttributes(attribute.String("fabric.payload."+key, fmt.Sprintf("%v", v)))
		}
	}
}

// AddResponseAttributes adds response status/result information to a span.
func (tm *TraceManager) AddResponseAttributes(span trace.Span, status, errorMessage string, context map[string]interface{}) {
	span.SetAttributes(attribute.String("fabric.response_status", status))

	if errorMessage != "" {
		span.SetAttributes(attribute.String("fabric.error_message", errorMessage))
	}

	for key, value := range context {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String("fabric.context."+key, v))
		case float64:
			span.SetAttributes(attribute.Float64("fabric.context."+key, v))
		case int:
			span.SetAttributes(attribute.Int("fabric.context."+key, v))
		case bool:
			span.SetAttributes(attribute.Bool("fabric.context."+key, v))
		default:
			span.SetAttributes(attribute.String("fabric.context."+key, fmt.Sprintf("%v", v)))
		}
	}
}

// AddSpanEvent adds a timestamped event to a span for tracking processing steps
func (tm *TraceManager) AddSpanEvent(span trace.Span, eventName string, attributes ...attribute.KeyValue) {
	span.AddEvent(eventName, trace.WithAttributes(attributes...))
}

// AddComponentAttribute adds a component identifier to a span
func (tm *TraceManager) AddComponentAttribute(span trace.Span, component string) {
	span.SetAttributes(attribute.String("fabric.component", component))
}
