package observability

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsManager holds the fabric's Prometheus-exported instruments: one
// set for internal/runtime.Agent request handling, one for process-level
// gauges, and one for the internal/errorbus.Bus relay.
type MetricsManager struct {
	meter metric.Meter

	// Agent request metrics (internal/runtime.requestServer.Invoke)
	requestsProcessedTotal metric.Int64Counter
	requestDuration        metric.Float64Histogram
	requestErrorsTotal     metric.Int64Counter
	eventsPublishedTotal   metric.Int64Counter

	// Process metrics (sampled alongside internal/syshealth)
	processCPUSecondsTotal     metric.Float64Counter
	processResidentMemoryBytes metric.Int64UpDownCounter
	goGoroutines               metric.Int64UpDownCounter
	goMemstatsAllocBytes       metric.Int64UpDownCounter

	// Error Bus relay metrics (internal/errorbus.Bus)
	errorBusPublishDuration  metric.Float64Histogram
	errorBusConsumeDuration  metric.Float64Histogram
	errorBusConnectionErrors metric.Int64Counter
}

func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	var err error

	// Agent request metrics
	mm.requestsProcessedTotal, err = meter.Int64Counter(
		"fabric_requests_processed_total",
		metric.WithDescription("Total number of agent requests handled by internal/runtime.Agent"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.requestDuration, err = meter.Float64Histogram(
		"fabric_request_duration_seconds",
		metric.WithDescription("Agent request handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.requestErrorsTotal, err = meter.Int64Counter(
		"fabric_request_errors_total",
		metric.WithDescription("Total number of agent request handling errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.eventsPublishedTotal, err = meter.Int64Counter(
		"fabric_error_events_published_total",
		metric.WithDescription("Total number of ErrorEvents accepted for publication on the Error Bus"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	// Process metrics
	mm.processCPUSecondsTotal, err = meter.Float64Counter(
		"process_cpu_seconds_total",
		metric.WithDescription("Total user and system CPU time spent in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.processResidentMemoryBytes, err = meter.Int64UpDownCounter(
		"process_resident_memory_bytes",
		metric.WithDescription("Resident memory size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	mm.goGoroutines, err = meter.Int64UpDownCounter(
		"go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goMemstatsAllocBytes, err = meter.Int64UpDownCounter(
		"go_memstats_alloc_bytes",
		metric.WithDescription("Number of bytes allocated and still in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	// Error Bus relay metrics
	mm.errorBusPublishDuration, err = meter.Float64Histogram(
		"fabric_errorbus_publish_duration_seconds",
		metric.WithDescription("Error Bus publish-to-subscribers fan-out duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.errorBusConsumeDuration, err = meter.Float64Histogram(
		"fabric_errorbus_consume_duration_seconds",
		metric.WithDescription("Error Bus subscriber stream-send duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.errorBusConnectionErrors, err = meter.Int64Counter(
		"fabric_errorbus_connection_errors_total",
		metric.WithDescription("Total number of Error Bus subscriber stream encode/send failures"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

// Agent request metrics methods

// IncrementRequestsProcessed records one internal/runtime.Agent request,
// keyed by the request's Action and the handling agent's Name.
func (mm *MetricsManager) IncrementRequestsProcessed(ctx context.Context, action, agent string, success bool) {
	mm.requestsProcessedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("agent", agent),
		attribute.Bool("success", success),
	))
}

// RecordRequestDuration records the handling latency of a single request.
func (mm *MetricsManager) RecordRequestDuration(ctx context.Context, action, agent string, duration time.Duration) {
	mm.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("agent", agent),
	))
}

// IncrementRequestErrors records a HandlerError returned from on_request.
func (mm *MetricsManager) IncrementRequestErrors(ctx context.Context, action, agent, errorKind string) {
	mm.requestErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("agent", agent),
		attribute.String("error", errorKind),
	))
}

// IncrementEventsPublished records an ErrorEvent accepted by relay (e.g.
// "errorbus"), keyed by its topic (err.<severity>.<machine>.<agent>).
func (mm *MetricsManager) IncrementEventsPublished(ctx context.Context, topic, relay string) {
	mm.eventsPublishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("relay", relay),
	))
}

// System metrics methods

// UpdateSystemMetrics samples process-level gauges; called on the same
// cadence as the internal/syshealth sampler.
func (mm *MetricsManager) UpdateSystemMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mm.goGoroutines.Add(ctx, int64(runtime.NumGoroutine()))
	mm.goMemstatsAllocBytes.Add(ctx, int64(m.Alloc))
	mm.processResidentMemoryBytes.Add(ctx, int64(m.Sys))
}

// Error Bus relay metrics methods

// RecordErrorBusPublishDuration records how long Bus.publish took to fan an
// event out to its matching subscribers.
func (mm *MetricsManager) RecordErrorBusPublishDuration(ctx context.Context, topic string, duration time.Duration) {
	mm.errorBusPublishDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

// RecordErrorBusConsumeDuration records how long a single subscriber stream
// send took.
func (mm *MetricsManager) RecordErrorBusConsumeDuration(ctx context.Context, topic string, duration time.Duration) {
	mm.errorBusConsumeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

// IncrementErrorBusConnectionErrors records a subscriber stream encode or
// send failure.
func (mm *MetricsManager) IncrementErrorBusConnectionErrors(ctx context.Context) {
	mm.errorBusConnectionErrors.Add(ctx, 1)
}
