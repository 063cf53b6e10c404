package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/agentfabric/fabric/internal/endpointpool"
	"github.com/agentfabric/fabric/internal/ratelimit"
	"github.com/agentfabric/fabric/internal/rpcapi"
)

const (
	defaultHealthProbeInterval  = 1 * time.Second
	defaultStartTimeout         = 120 * time.Second
	defaultShutdownGrace        = 10 * time.Second
	defaultSpawnConcurrency     = 8
	defaultMaxRestartsPerWindow = 5
	restartWindow               = 10 * time.Minute
	backoffBase                 = 1 * time.Second
	backoffFactor                = 2
	backoffCap                   = 30 * time.Second
	degradeAfterFailures         = 1
	crashAfterFailures           = 3
	readyAfterSuccesses          = 2
)

// ErrorSink optionally delivers Supervisor-level ErrorEvents to the Error
// Bus, the same contract internal/runtime.ErrorSink exposes. A nil sink
// drops events, matching the Agent Runtime's own bus-unreachable handling.
type ErrorSink interface {
	Publish(ctx context.Context, ev rpcapi.ErrorEvent) error
}

// Options configures a Supervisor.
type Options struct {
	Machine  string
	BindHost string // host agents' health endpoints are reachable on; default 127.0.0.1
	LogDir   string // per-agent stdout/stderr log files; default os.TempDir()

	Launcher  Launcher
	Prober    Prober
	ErrorSink ErrorSink
	Pool      *endpointpool.Pool
	Logger    *slog.Logger

	SpawnConcurrency     int
	MaxRestartsPerWindow int
	ShutdownGrace        time.Duration
}

func (o Options) withDefaults() Options {
	if o.BindHost == "" {
		o.BindHost = "127.0.0.1"
	}
	if o.LogDir == "" {
		o.LogDir = os.TempDir()
	}
	if o.Pool == nil {
		o.Pool = endpointpool.New(nil)
	}
	if o.Launcher == nil {
		o.Launcher = execLauncher{}
	}
	if o.Prober == nil {
		o.Prober = NewProber(o.Pool)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SpawnConcurrency <= 0 {
		o.SpawnConcurrency = defaultSpawnConcurrency
	}
	if o.MaxRestartsPerWindow <= 0 {
		o.MaxRestartsPerWindow = defaultMaxRestartsPerWindow
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = defaultShutdownGrace
	}
	return o
}

type probeResult struct {
	name   string
	status rpcapi.HealthStatus
	err    error
}

type exitEvent struct {
	name string
	err  error
}

type queryRequest struct {
	resp chan []AgentRecord
}

// Supervisor brings a manifest's agents up in dependency order, keeps them
// at Ready, and tears them down in reverse order. All mutable state (records,
// processes, probe/restart bookkeeping) is owned exclusively by the
// goroutine running Run — every other caller (Snapshot) reaches it by
// sending a message over queryCh rather than reading fields directly,
// mirroring the single-owner event loop SnapdragonPartners-maestro's
// Supervisor.Start/handleStateChange uses for its own state.
type Supervisor struct {
	opts     Options
	manifest Manifest
	order    []NamedAgent

	records      map[string]*AgentRecord
	processes    map[string]Process
	probeStopCh  map[string]chan struct{}
	expectedExit map[string]bool
	respawnAfter map[string]time.Duration
	dependents   map[string][]string

	restartBuckets *ratelimit.KeyedBucket
	spawnSem       *ratelimit.Semaphore

	probeResultCh chan probeResult
	exitCh        chan exitEvent
	restartCh     chan string
	queryCh       chan queryRequest

	logger *slog.Logger
}

// New validates manifest, computes its dependency order, and returns a
// Supervisor ready for Run. No process is spawned until Run is called.
func New(manifest Manifest, opts Options) (*Supervisor, error) {
	if err := Validate(manifest); err != nil {
		return nil, err
	}
	order, err := TopoOrder(manifest)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	s := &Supervisor{
		opts:           opts,
		manifest:       manifest,
		order:          order,
		records:        make(map[string]*AgentRecord, len(order)),
		processes:      make(map[string]Process, len(order)),
		probeStopCh:    make(map[string]chan struct{}, len(order)),
		expectedExit:   make(map[string]bool),
		respawnAfter:   make(map[string]time.Duration),
		dependents:     make(map[string][]string),
		restartBuckets: ratelimit.NewKeyedBucket(opts.MaxRestartsPerWindow, restartWindow),
		spawnSem:       ratelimit.NewSemaphore(opts.SpawnConcurrency),
		probeResultCh:  make(chan probeResult, 64),
		exitCh:         make(chan exitEvent, 64),
		restartCh:      make(chan string, 64),
		queryCh:        make(chan queryRequest),
		logger:         opts.Logger,
	}
	for _, na := range order {
		s.records[na.Name] = newAgentRecord(na.Descriptor)
		for _, dep := range na.Descriptor.Dependencies {
			s.dependents[dep] = append(s.dependents[dep], na.Name)
		}
	}
	return s, nil
}

// Run starts every agent in dependency order, then supervises until ctx is
// cancelled, at which point it shuts everything down in reverse order and
// returns. A required agent that fails to reach Ready during startup aborts
// the whole run; a non-required one is left Failed and startup continues.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, na := range s.order {
		if err := s.startOne(ctx, na); err != nil {
			if na.Descriptor.Required {
				s.publishError(ctx, rpcapi.SeverityCritical, "supervisor",
					fmt.Sprintf("required agent %s failed to start: %v", na.Name, err))
				s.shutdownAll()
				return fmt.Errorf("supervisor: %w", err)
			}
			rec := s.records[na.Name]
			rec.transition(rpcapi.StateFailed)
			rec.LastError = err.Error()
			s.publishError(ctx, rpcapi.SeverityWarning, "supervisor",
				fmt.Sprintf("optional agent %s failed to start: %v", na.Name, err))
		}
	}

	s.runSteadyState(ctx)
	return nil
}

// startOne spawns na and blocks until it reaches Ready, fails, or exceeds
// its start_timeout. It keeps servicing exit/probe/restart/query events for
// every other already-running agent meanwhile, since this goroutine is the
// only consumer of those channels for the whole Supervisor's lifetime.
func (s *Supervisor) startOne(ctx context.Context, na NamedAgent) error {
	desc := na.Descriptor
	if err := s.spawnAndMonitor(desc.Name); err != nil {
		return err
	}

	timeout := desc.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		rec := s.records[desc.Name]
		if rec.State == rpcapi.StateReady {
			return nil
		}
		if rec.State == rpcapi.StateFailed {
			return fmt.Errorf("supervisor: %s exited during startup: %s", desc.Name, rec.LastError)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			reason := fmt.Sprintf("did not become ready within %s", timeout)
			s.abortStartup(desc.Name, reason)
			return fmt.Errorf("supervisor: %s %s", desc.Name, reason)
		case name := <-s.restartCh:
			s.spawnAndMonitor(name)
		case ev := <-s.exitCh:
			s.handleExit(ctx, ev)
		case pr := <-s.probeResultCh:
			s.handleProbeResult(ctx, pr)
		case q := <-s.queryCh:
			q.resp <- s.snapshotLocked()
		}
	}
}

// abortStartup stops name without scheduling a restart, used when a
// required agent's own startup window expires.
func (s *Supervisor) abortStartup(name, reason string) {
	rec := s.records[name]
	rec.LastError = reason
	if _, ok := s.processes[name]; ok {
		s.stopProbeLoop(name)
		s.expectedExit[name] = true
		rec.transition(rpcapi.StateStopping)
		s.stopAgent(name)
	}
}

// runSteadyState is the Supervisor's main loop once every agent in the
// manifest has either reached Ready or been marked Failed during startup.
func (s *Supervisor) runSteadyState(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.shutdownAll()
			return
		case ev := <-s.exitCh:
			s.handleExit(ctx, ev)
		case pr := <-s.probeResultCh:
			s.handleProbeResult(ctx, pr)
		case name := <-s.restartCh:
			s.spawnAndMonitor(name)
		case q := <-s.queryCh:
			q.resp <- s.snapshotLocked()
		}
	}
}

// spawnAndMonitor launches name's process and starts both its exit watcher
// and its recurring health-probe loop. Promotion to Ready, demotion to
// Degraded, and crash detection are all driven uniformly by probe results
// flowing through handleProbeResult, whether this call happened during
// initial startup or a later restart.
func (s *Supervisor) spawnAndMonitor(name string) error {
	rec, ok := s.records[name]
	if !ok {
		return fmt.Errorf("supervisor: unknown agent %q", name)
	}
	desc := rec.Descriptor

	s.spawnSem.Acquire()
	proc, err := s.opts.Launcher.Launch(desc, s.opts.LogDir)
	s.spawnSem.Release()
	if err != nil {
		return err
	}

	rec.PID = proc.PID()
	rec.StartedAt = time.Now()
	rec.ConsecutiveSuccesses = 0
	rec.ConsecutiveFailures = 0
	rec.transition(rpcapi.StateStarting)
	s.processes[name] = proc

	s.watchExit(name, proc)
	s.startProbeLoop(name)
	return nil
}

func (s *Supervisor) watchExit(name string, proc Process) {
	go func() {
		err := proc.Wait()
		select {
		case s.exitCh <- exitEvent{name: name, err: err}:
		case <-time.After(5 * time.Second):
		}
	}()
}

func (s *Supervisor) startProbeLoop(name string) {
	desc := s.records[name].Descriptor
	healthPort := desc.ResolvedHealthPort()
	stop := make(chan struct{})
	s.probeStopCh[name] = stop
	go func() {
		ticker := time.NewTicker(defaultHealthProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				status, err := s.opts.Prober.Probe(context.Background(), s.opts.BindHost, healthPort)
				select {
				case s.probeResultCh <- probeResult{name: name, status: status, err: err}:
				case <-stop:
					return
				}
			}
		}
	}()
}

func (s *Supervisor) stopProbeLoop(name string) {
	if ch, ok := s.probeStopCh[name]; ok {
		close(ch)
		delete(s.probeStopCh, name)
	}
}

// stopAgent sends SIGTERM and schedules a forced SIGKILL after
// shutdown_grace if the process hasn't exited by then. Both signals are
// safe to send after the process has already exited.
func (s *Supervisor) stopAgent(name string) {
	proc, ok := s.processes[name]
	if !ok {
		return
	}
	proc.Terminate()
	grace := s.opts.ShutdownGrace
	go func(p Process) {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		<-timer.C
		p.Kill()
	}(proc)
}

func (s *Supervisor) handleProbeResult(ctx context.Context, pr probeResult) {
	rec, ok := s.records[pr.name]
	if !ok {
		return
	}
	if pr.err != nil || pr.status != rpcapi.HealthOk {
		rec.ConsecutiveFailures++
		rec.ConsecutiveSuccesses = 0
		switch {
		case rec.ConsecutiveFailures >= crashAfterFailures:
			s.crash(ctx, pr.name, fmt.Sprintf("health probe failed %d consecutive times", rec.ConsecutiveFailures))
		case rec.ConsecutiveFailures >= degradeAfterFailures:
			if rec.State == rpcapi.StateReady {
				rec.transition(rpcapi.StateDegraded)
				s.notifyDependents(ctx, pr.name)
			}
		}
		return
	}
	rec.ConsecutiveSuccesses++
	rec.ConsecutiveFailures = 0
	if rec.ConsecutiveSuccesses >= readyAfterSuccesses && rec.State != rpcapi.StateReady {
		rec.transition(rpcapi.StateReady)
	}
}

// crash stops an agent that has failed K consecutive health probes and
// schedules a restart if its restart policy and rate limit both allow it.
func (s *Supervisor) crash(ctx context.Context, name, reason string) {
	rec := s.records[name]
	rec.LastError = reason
	s.publishError(ctx, rpcapi.SeverityError, "supervisor", fmt.Sprintf("%s crashed: %s", name, reason))

	s.stopProbeLoop(name)
	s.expectedExit[name] = true
	rec.transition(rpcapi.StateStopping)
	if s.restartAllowed(ctx, name, rec) {
		s.respawnAfter[name] = backoffFor(rec.RestartCount)
		rec.RestartCount++
	}
	s.stopAgent(name)
	s.notifyDependents(ctx, name)
}

// handleExit processes one process exit. An expected exit (stopAgent was
// already called for it) only updates bookkeeping and fires a scheduled
// respawn if one was set; an unexpected one marks the agent Failed and
// independently decides whether to restart it.
func (s *Supervisor) handleExit(ctx context.Context, ev exitEvent) {
	rec, ok := s.records[ev.name]
	if !ok {
		return
	}
	delete(s.processes, ev.name)
	s.stopProbeLoop(ev.name)

	if s.expectedExit[ev.name] {
		delete(s.expectedExit, ev.name)
		rec.transition(rpcapi.StateStopped)
		if delay, ok := s.respawnAfter[ev.name]; ok {
			delete(s.respawnAfter, ev.name)
			s.scheduleSpawn(ev.name, delay)
		}
		return
	}

	reason := "process exited unexpectedly"
	if ev.err != nil {
		reason = ev.err.Error()
	}
	rec.LastError = reason
	s.publishError(ctx, rpcapi.SeverityError, "supervisor", fmt.Sprintf("%s exited: %s", ev.name, reason))
	rec.transition(rpcapi.StateFailed)
	s.notifyDependents(ctx, ev.name)
	if s.restartAllowed(ctx, ev.name, rec) {
		delay := backoffFor(rec.RestartCount)
		rec.RestartCount++
		s.scheduleSpawn(ev.name, delay)
	}
}

// notifyDependents restarts every dependent that opted into
// RestartOnDependencyChange when name leaves Ready. Dependents that did not
// opt in are left running untouched, per spec: the default is to stay up.
func (s *Supervisor) notifyDependents(ctx context.Context, name string) {
	for _, dependentName := range s.dependents[name] {
		rec := s.records[dependentName]
		if rec == nil || !rec.Descriptor.RestartOnDependencyChange {
			continue
		}
		if rec.State != rpcapi.StateReady && rec.State != rpcapi.StateDegraded && rec.State != rpcapi.StateStarting {
			continue
		}
		if !s.restartBuckets.Allow(dependentName) {
			s.publishError(ctx, rpcapi.SeverityWarning, "supervisor",
				fmt.Sprintf("%s exceeded restart rate limit after dependency %s left Ready", dependentName, name))
			continue
		}
		s.publishError(ctx, rpcapi.SeverityInfo, "supervisor",
			fmt.Sprintf("restarting %s because dependency %s left Ready", dependentName, name))

		s.expectedExit[dependentName] = true
		s.respawnAfter[dependentName] = 0
		rec.RestartCount++
		rec.transition(rpcapi.StateStopping)
		s.stopProbeLoop(dependentName)
		s.stopAgent(dependentName)
	}
}

func (s *Supervisor) restartAllowed(ctx context.Context, name string, rec *AgentRecord) bool {
	policy := rec.Descriptor.RestartPolicy
	if policy == "" {
		policy = rpcapi.RestartOnFailure
	}
	if policy == rpcapi.RestartNever {
		return false
	}
	if !s.restartBuckets.Allow(name) {
		s.publishError(ctx, rpcapi.SeverityWarning, "supervisor",
			fmt.Sprintf("%s exceeded restart rate limit, leaving it Failed", name))
		return false
	}
	return true
}

func (s *Supervisor) scheduleSpawn(name string, delay time.Duration) {
	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			<-timer.C
		}
		select {
		case s.restartCh <- name:
		case <-time.After(5 * time.Second):
		}
	}()
}

func backoffFor(restartCount int) time.Duration {
	d := backoffBase
	for i := 0; i < restartCount; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// shutdownAll stops every running agent in reverse dependency order and
// waits up to ShutdownGrace for all of them to exit.
func (s *Supervisor) shutdownAll() {
	for _, na := range ReverseOrder(s.order) {
		rec := s.records[na.Name]
		if rec.State == rpcapi.StatePending || rec.State == rpcapi.StateFailed || rec.State == rpcapi.StateStopped {
			continue
		}
		s.stopProbeLoop(na.Name)
		s.expectedExit[na.Name] = true
		rec.transition(rpcapi.StateStopping)
		s.stopAgent(na.Name)
	}

	remaining := len(s.processes)
	deadline := time.After(s.opts.ShutdownGrace)
	for remaining > 0 {
		select {
		case ev := <-s.exitCh:
			delete(s.processes, ev.name)
			delete(s.expectedExit, ev.name)
			if rec, ok := s.records[ev.name]; ok {
				rec.transition(rpcapi.StateStopped)
			}
			remaining--
		case <-deadline:
			s.logger.Warn("shutdown_grace elapsed with agents still running", "remaining", remaining)
			return
		}
	}
}

// Snapshot returns a point-in-time copy of every agent's record, in
// manifest dependency order. It is the only way to read Supervisor state
// from outside the goroutine running Run.
func (s *Supervisor) Snapshot(ctx context.Context) ([]AgentRecord, error) {
	resp := make(chan []AgentRecord, 1)
	select {
	case s.queryCh <- queryRequest{resp: resp}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-resp:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Supervisor) snapshotLocked() []AgentRecord {
	out := make([]AgentRecord, 0, len(s.order))
	for _, na := range s.order {
		out = append(out, s.records[na.Name].clone())
	}
	return out
}

func (s *Supervisor) publishError(ctx context.Context, severity rpcapi.Severity, category, message string) {
	s.logger.Warn(message, "category", category, "severity", severity)
	if s.opts.ErrorSink == nil {
		return
	}
	ev := rpcapi.ErrorEvent{
		Agent:    "supervisor",
		Machine:  s.opts.Machine,
		Severity: severity,
		Category: category,
		Message:  message,
		EpochMs:  time.Now().UnixMilli(),
	}
	pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.opts.ErrorSink.Publish(pctx, ev); err != nil {
		s.logger.Warn("supervisor error bus publish failed", "error", err)
	}
}
