// Package observability provides comprehensive observability infrastructure including
// distributed tracing, metrics collection, structured logging, and health checks.
//
// # Overview
//
// The observability package implements OpenTelemetry-based observability with:
//   - Distributed tracing (OpenTelemetry/OTLP)
//   - Metrics collection (Prometheus)
//   - Structured logging (log/slog)
//   - Automatic instrumentation for request/reply and publish/subscribe spans
//   - Graceful shutdown with trace flushing
//
// This package is the foundation for observability across the fabric,
// providing consistent tracing, metrics, and logging for the Registry, the
// Supervisor, the Error Bus, the Digital Twin, and every agent built on
// internal/runtime.
//
// # Quick Start
//
// Initialize observability for your service:
//
//	cfg := observability.DefaultConfig("my_service", loadedConfig)
//	obs, err := observability.NewObservability(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer obs.Shutdown(context.Background())
//
//	// Use the components
//	logger := obs.Logger
//	tracer := obs.Tracer
//	meter := obs.Meter
//
// This automatically sets up:
//   - OTLP trace exporter
//   - Prometheus metrics exporter
//   - Structured logger with trace context
//   - Proper resource attributes (service name, version, environment)
//
// # Architecture
//
// The package provides layered observability:
//
//	┌─────────────────────────────────────────────┐
//	│         Application Code                    │
//	│   (Agents, Registry, Supervisor, Twin)      │
//	├─────────────────────────────────────────────┤
//	│         TraceManager                        │
//	│   - Span creation & management              │
//	│   - Request/response span attributes        │
//	│   - Context propagation                     │
//	├─────────────────────────────────────────────┤
//	│         MetricsManager                      │
//	│   - Counter metrics (events, errors)        │
//	│   - Histogram metrics (durations)           │
//	│   - Gauge metrics (goroutines, memory)      │
//	├─────────────────────────────────────────────┤
//	│         Logger (slog)                       │
//	│   - Structured logging                      │
//	│   - Trace context injection                 │
//	│   - Configurable log levels                 │
//	├─────────────────────────────────────────────┤
//	│         OpenTelemetry SDK                   │
//	│   - OTLP trace exporter                     │
//	│   - Prometheus metrics exporter              │
//	│   - Resource detection                      │
//	└─────────────────────────────────────────────┘
//
// # Configuration
//
// **Config** specifies observability settings:
//
//	cfg := observability.Config{
//	    ServiceName:    "my_service",
//	    ServiceVersion: "1.0.0",
//	    JaegerEndpoint: "localhost:4317",    // OTLP gRPC endpoint
//	    PrometheusPort: "9090",
//	    Environment:    "production",
//	    LogLevel:       "INFO",              // DEBUG, INFO, WARN, ERROR
//	}
//
// **DefaultConfig** reads from a loaded internal/config.Config snapshot:
//
//	cfg := observability.DefaultConfig("my_service", loadedConfig)
//
// # Distributed Tracing
//
// Use TraceManager for creating and managing spans:
//
//	traceManager := observability.NewTraceManager("my_service")
//
//	// Start a span
//	ctx, span := traceManager.StartSpan(ctx, "process_request")
//	defer span.End()
//
//	// Add attributes
//	span.SetAttributes(
//	    attribute.String("user_id", "user123"),
//	    attribute.Int("items_count", 5),
//	)
//
//	// Record errors
//	if err != nil {
//	    traceManager.RecordError(span, err)
//	} else {
//	    traceManager.SetSpanSuccess(span)
//	}
//
// ## Request/Response Tracing
//
// TraceManager provides helpers for the fabric's opaque request/response
// envelopes (internal/wire):
//
//	traceManager.AddRequestAttributes(span, action, correlationID, payload)
//	traceManager.AddResponseAttributes(span, string(resp.Status), resp.Message, wire.Map(resp.Context))
//
// ## Context Propagation
//
// Propagate trace context across service boundaries:
//
//	// Inject into headers (for gRPC metadata)
//	headers := make(map[string]string)
//	traceManager.InjectTraceContext(ctx, headers)
//
//	// Extract from headers
//	ctx = traceManager.ExtractTraceContext(ctx, headers)
//
// # Metrics Collection
//
// Use MetricsManager for recording metrics:
//
//	metricsManager, err := observability.NewMetricsManager(meter)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// ## Agent Request Metrics
//
//	metricsManager.IncrementRequestsProcessed(ctx, "register", "registry", true)
//	metricsManager.IncrementRequestErrors(ctx, "register", "registry", "conflict")
//	metricsManager.IncrementEventsPublished(ctx, "err.error.m1.echo_agent", "errorbus")
//
// ## System Metrics
//
//	metricsManager.UpdateSystemMetrics(ctx)
//
// This records:
//   - go_goroutines: Current goroutine count
//   - go_memstats_alloc_bytes: Allocated memory
//   - process_resident_memory_bytes: Resident memory size
//
// ## Available Metrics
//
// **Agent Request Metrics** (internal/runtime.Agent):
//   - fabric_requests_processed_total: Counter with labels (action, agent, success)
//   - fabric_request_duration_seconds: Histogram with labels (action, agent)
//   - fabric_request_errors_total: Counter with labels (action, agent, error)
//   - fabric_error_events_published_total: Counter with labels (topic, relay)
//
// **System Metrics**:
//   - process_cpu_seconds_total: CPU time counter
//   - process_resident_memory_bytes: Memory gauge
//   - go_goroutines: Goroutine count gauge
//   - go_memstats_alloc_bytes: Allocated memory gauge
//
// **Error Bus Relay Metrics** (internal/errorbus.Bus):
//   - fabric_errorbus_publish_duration_seconds: Histogram with label (topic)
//   - fabric_errorbus_consume_duration_seconds: Histogram with label (topic)
//   - fabric_errorbus_connection_errors_total: Counter
//
// All metrics are registered with the OpenTelemetry Prometheus exporter.
// This package starts no HTTP listener, so nothing serves /metrics unless
// the process mounts a handler itself.
//
// # Structured Logging
//
// The package provides slog-based structured logging with trace context:
//
//	logger := obs.Logger
//	logger.InfoContext(ctx, "processing request",
//	    "action", req.Action,
//	    "agent", agentName,
//	)
//
// ## Log Levels
//
// Configure via LogLevel in config:
//   - DEBUG: Verbose logging + stdout output
//   - INFO: Standard operation logging
//   - WARN: Warning conditions
//   - ERROR: Error conditions
//
// DEBUG mode enables dual output (observability handler + stdout) through
// CombinedHandler.
//
// # Health Checks
//
// There is no separate HTTP health server in this package: every fabric
// process already serves health over its own gRPC health endpoint
// (internal/runtime.Agent, and the Supervisor's per-agent prober), so a
// second plain-HTTP /health surface would just be a redundant listener
// with nothing new to report. No HTTP listener for Prometheus scraping is
// started here either.
//
// # Graceful Shutdown
//
// Always shut down observability to flush traces and metrics:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	if err := obs.Shutdown(ctx); err != nil {
//	    log.Printf("observability shutdown error: %v", err)
//	}
//
// Without shutdown, recent traces may be lost.
//
// # Integration with the fabric
//
// **In internal/runtime.Agent**: wraps on_request with automatic span
// enrichment, metric recording (when Options.Metrics is set), and
// structured logging.
//
// **In internal/registry, internal/supervisor, internal/errorbus,
// internal/twin**: each process calls NewObservability once at startup and
// threads Tracer/Meter/Logger through its gRPC server and background loops.
//
// # Thread Safety
//
// All components are thread-safe: TraceManager, MetricsManager, and Logger
// may be used concurrently from multiple goroutines; Shutdown is safe to
// call once.
package observability
