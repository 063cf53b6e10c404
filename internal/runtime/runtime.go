package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentfabric/fabric/internal/endpointpool"
	"github.com/agentfabric/fabric/internal/ratelimit"
	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/syshealth"
	"github.com/agentfabric/fabric/internal/wire"
)

// ErrAlreadyRunning is returned by Run if called more than once on the same Agent.
var ErrAlreadyRunning = errors.New("runtime: agent already running")

// ErrNoRequestHandler is returned by Run when OnRequest was never set.
var ErrNoRequestHandler = errors.New("runtime: no request handler registered")

// RequestHandler answers one call on the request endpoint.
type RequestHandler func(ctx context.Context, req *wire.Request) (*wire.Response, error)

// StartFunc runs once, after endpoints are acquired and before the agent is
// advertised as serving. A non-nil return aborts startup.
type StartFunc func(ctx context.Context) error

// StopFunc runs once, before background tasks are cancelled and endpoints
// are released.
type StopFunc func(ctx context.Context) error

// BackgroundTask is a long-running function tracked by the runtime and
// joined (bounded by shutdown_grace) at shutdown.
type BackgroundTask func(ctx context.Context)

// Agent is the per-process base every concrete fabric agent embeds or
// wraps. Zero value is not usable; construct with New.
type Agent struct {
	opts Options

	onStart   StartFunc
	onRequest RequestHandler
	onStop    StopFunc

	// reqMu serializes on_request unless Options.Reentrant is set.
	reqMu sync.Mutex

	healthMu     sync.RWMutex
	healthChecks map[string]HealthComponentFunc

	pendingMu sync.Mutex
	pending   []namedTask

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWg     sync.WaitGroup
	bgActive atomic.Int64

	errorBucket *ratelimit.KeyedBucket
	errorSink   ErrorSink
	eventSeq    uint64

	droppedErrors int64

	sampler              *syshealth.Sampler
	lastRegistrySuccess  atomic.Value // time.Time

	requestHandle *endpointpool.Handle
	healthHandle  *endpointpool.Handle

	startedAt time.Time
	running   atomic.Bool
}

type namedTask struct {
	name string
	task BackgroundTask
}

// New constructs an Agent from opts, applying documented defaults.
func New(opts Options) (*Agent, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("runtime: Name is required")
	}
	if opts.RequestPort <= 0 {
		return nil, fmt.Errorf("runtime: RequestPort is required")
	}
	opts = opts.withDefaults()
	if opts.Machine == "" {
		if h, err := os.Hostname(); err == nil {
			opts.Machine = h
		} else {
			opts.Machine = "unknown"
		}
	}

	a := &Agent{
		opts:         opts,
		healthChecks: make(map[string]HealthComponentFunc),
		errorBucket:  ratelimit.NewKeyedBucket(errorBucketCapacity, errorBucketWindow),
		sampler:      syshealth.NewSampler(defaultHealthInterval),
	}
	a.registerBaseHealthChecks()

	if opts.Discovery != nil {
		a.errorSink = &discoveryErrorSink{disc: opts.Discovery, pool: opts.Pool, name: opts.ErrorBusName}
	}

	return a, nil
}

// OnStart sets the startup hook.
func (a *Agent) OnStart(fn StartFunc) { a.onStart = fn }

// OnRequest sets the request handler. Required before Run.
func (a *Agent) OnRequest(fn RequestHandler) { a.onRequest = fn }

// OnStop sets the shutdown hook.
func (a *Agent) OnStop(fn StopFunc) { a.onStop = fn }

// Logger returns the agent's structured logger.
func (a *Agent) Logger() *slog.Logger { return a.opts.Logger }

func (a *Agent) logger() *slog.Logger {
	if a.opts.Logger != nil {
		return a.opts.Logger
	}
	return slog.Default()
}

// RegisterBackground registers a long-running task. If called before Run,
// it is started once Run begins; if called while already running, it is
// started immediately. Every registered task is joined at shutdown, bounded
// by shutdown_grace.
func (a *Agent) RegisterBackground(name string, task BackgroundTask) {
	if a.running.Load() {
		a.spawnBackground(name, task)
		return
	}
	a.pendingMu.Lock()
	a.pending = append(a.pending, namedTask{name: name, task: task})
	a.pendingMu.Unlock()
}

func (a *Agent) spawnBackground(name string, task BackgroundTask) {
	a.bgWg.Add(1)
	a.bgActive.Add(1)
	go func() {
		defer a.bgWg.Done()
		defer a.bgActive.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				a.PublishError(rpcapi.SeverityError, "background_task",
					fmt.Sprintf("task %s panicked: %v", name, r), nil)
			}
		}()
		task(a.bgCtx)
	}()
}

// Run blocks until ctx is cancelled or SIGINT/SIGTERM is received, running
// the full lifecycle: endpoint acquisition, on_start, request/health
// serving, background task start, and on graceful shutdown on_stop,
// bounded background-task join, and reverse-order endpoint release.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if a.onRequest == nil {
		a.running.Store(false)
		return ErrNoRequestHandler
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.bgCtx, a.bgCancel = context.WithCancel(context.Background())
	defer a.bgCancel()

	if err := a.acquireEndpoints(); err != nil {
		a.running.Store(false)
		a.PublishError(rpcapi.SeverityCritical, "startup", err.Error(), nil)
		return err
	}

	if a.onStart != nil {
		if err := a.onStart(ctx); err != nil {
			a.PublishError(rpcapi.SeverityCritical, "startup", fmt.Sprintf("on_start: %v", err), nil)
			a.releaseEndpoints(context.Background())
			a.running.Store(false)
			return fmt.Errorf("runtime: on_start: %w", err)
		}
	}

	a.startedAt = time.Now()
	a.serveRequests()
	a.serveHealth()

	a.spawnBackground("syshealth_sampler", a.sampler.Run)
	if a.opts.Metrics != nil {
		a.spawnBackground("metrics_sampler", a.runMetricsSampler)
	}

	a.pendingMu.Lock()
	pending := a.pending
	a.pending = nil
	a.pendingMu.Unlock()
	for _, t := range pending {
		a.spawnBackground(t.name, t.task)
	}

	if err := a.registerSelf(ctx); err != nil {
		a.logger().WarnContext(ctx, "registry self-registration failed", "error", err)
	}

	a.logger().InfoContext(ctx, "agent started",
		"name", a.opts.Name, "request_port", a.opts.RequestPort, "health_port", a.opts.HealthPort)

	<-ctx.Done()

	a.logger().InfoContext(context.Background(), "agent shutting down", "name", a.opts.Name)
	return a.shutdown()
}

// runMetricsSampler periodically records process-level metrics (goroutine
// count, memory) until ctx is cancelled, at the same cadence as the
// syshealth sampler.
func (a *Agent) runMetricsSampler(ctx context.Context) {
	ticker := time.NewTicker(defaultHealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.opts.Metrics.UpdateSystemMetrics(ctx)
		}
	}
}

func (a *Agent) acquireEndpoints() error {
	reqAddr := fmt.Sprintf("%s:%d", a.opts.BindHost, a.opts.RequestPort)
	healthAddr := fmt.Sprintf("%s:%d", a.opts.BindHost, a.opts.HealthPort)

	reqHandle, err := a.opts.Pool.Acquire(endpointpool.KindReply, reqAddr, endpointpool.Options{})
	if err != nil {
		return fmt.Errorf("runtime: bind request endpoint: %w", err)
	}
	a.requestHandle = reqHandle

	healthHandle, err := a.opts.Pool.Acquire(endpointpool.KindReply, healthAddr, endpointpool.Options{})
	if err != nil {
		a.opts.Pool.Release(reqHandle)
		a.requestHandle = nil
		return fmt.Errorf("runtime: bind health endpoint: %w", err)
	}
	a.healthHandle = healthHandle
	return nil
}

func (a *Agent) serveRequests() {
	rpcapi.RegisterRequesterServer(a.requestHandle.Server, &requestServer{a: a})
	go func() {
		if err := a.requestHandle.Server.Serve(a.requestHandle.Lis); err != nil {
			a.logger().DebugContext(context.Background(), "request server stopped", "error", err)
		}
	}()
}

func (a *Agent) serveHealth() {
	rpcapi.RegisterRequesterServer(a.healthHandle.Server, &healthServer{a: a})
	go func() {
		if err := a.healthHandle.Server.Serve(a.healthHandle.Lis); err != nil {
			a.logger().DebugContext(context.Background(), "health server stopped", "error", err)
		}
	}()
}

// registerSelf self-registers with the Registry, if configured, and
// starts the heartbeat loop via the Discovery Client.
func (a *Agent) registerSelf(ctx context.Context) error {
	if a.opts.Discovery == nil || a.opts.RegistryAddr == "" {
		return nil
	}
	entry := rpcapi.ServiceEntry{
		Name:            a.opts.Name,
		RequestEndpoint: rpcapi.Endpoint{Transport: "tcp", Host: a.opts.BindHost, Port: a.opts.RequestPort},
		HealthEndpoint:  rpcapi.Endpoint{Transport: "tcp", Host: a.opts.BindHost, Port: a.opts.HealthPort},
		CapabilityTags:  a.opts.CapabilityTags,
	}
	if err := a.opts.Discovery.RegisterSelf(ctx, entry, a.opts.RefreshInterval); err != nil {
		return err
	}
	a.lastRegistrySuccess.Store(time.Now())
	return nil
}

// shutdown runs on_stop, joins background tasks bounded by shutdown_grace,
// and releases endpoints in reverse acquisition order.
func (a *Agent) shutdown() error {
	defer a.running.Store(false)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.opts.ShutdownGrace)
	defer stopCancel()
	if a.onStop != nil {
		if err := a.onStop(stopCtx); err != nil {
			a.logger().ErrorContext(stopCtx, "on_stop failed", "error", err)
		}
	}

	a.bgCancel()
	done := make(chan struct{})
	go func() {
		a.bgWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.opts.ShutdownGrace):
		remaining := a.bgActive.Load()
		a.PublishError(rpcapi.SeverityWarning, "shutdown",
			fmt.Sprintf("%d background task(s) still running after shutdown_grace", remaining), nil)
	}

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), a.opts.ShutdownGrace)
	defer releaseCancel()
	a.releaseEndpoints(releaseCtx)

	return nil
}

func (a *Agent) releaseEndpoints(ctx context.Context) {
	// Reverse acquisition order: health was acquired after request.
	if a.healthHandle != nil {
		if err := a.opts.Pool.Release(a.healthHandle); err != nil {
			a.logger().WarnContext(ctx, "release health endpoint", "error", err)
		}
		a.healthHandle = nil
	}
	if a.requestHandle != nil {
		if err := a.opts.Pool.Release(a.requestHandle); err != nil {
			a.logger().WarnContext(ctx, "release request endpoint", "error", err)
		}
		a.requestHandle = nil
	}
}

// requestServer adapts the agent's request handler (serialized unless
// Reentrant) to rpcapi.RequesterServer.
type requestServer struct {
	a *Agent
}

func (r *requestServer) Invoke(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("fabric.component", r.a.opts.Name),
		attribute.String("fabric.action", req.Action),
	)

	started := time.Now()
	if !r.a.opts.Reentrant {
		r.a.reqMu.Lock()
		defer r.a.reqMu.Unlock()
	}

	resp, err := r.a.onRequest(ctx, req)
	if metrics := r.a.opts.Metrics; metrics != nil {
		metrics.RecordRequestDuration(ctx, req.Action, r.a.opts.Name, time.Since(started))
	}
	if err != nil {
		span.RecordError(err)
		if metrics := r.a.opts.Metrics; metrics != nil {
			metrics.IncrementRequestsProcessed(ctx, req.Action, r.a.opts.Name, false)
			metrics.IncrementRequestErrors(ctx, req.Action, r.a.opts.Name, "handler_error")
		}
		r.a.PublishError(rpcapi.SeverityError, "request_handler", err.Error(), map[string]string{"action": req.Action})
		return wire.Errorf("HandlerError", "%v", err), nil
	}
	if resp == nil {
		resp = wire.OK(nil)
	}
	span.SetAttributes(attribute.String("fabric.response_status", string(resp.Status)))
	if metrics := r.a.opts.Metrics; metrics != nil {
		metrics.IncrementRequestsProcessed(ctx, req.Action, r.a.opts.Name, resp.Status == wire.StatusOK)
	}
	if resp.Status == wire.StatusError {
		span.SetAttributes(attribute.String("fabric.error_kind", resp.Kind))
		r.a.PublishError(rpcapi.SeverityError, "request_handler", resp.Message, map[string]string{"action": req.Action, "kind": resp.Kind})
	}
	return resp, nil
}
