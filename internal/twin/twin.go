// Package twin implements the Digital Twin: the aggregator that maintains a
// live, read-only view of every agent's health and recent errors across both
// machines. It subscribes to the Error Bus and independently issues its own
// periodic full health probes against every agent it learns of from the
// Registry.
package twin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentfabric/fabric/internal/endpointpool"
	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/wire"
)

const (
	defaultProbeInterval   = 5 * time.Second
	defaultMaxRecentErrors = 100
	defaultGraceWindow     = 30 * time.Second
	defaultRetention       = 1 * time.Hour
	probeTimeout           = 3 * time.Second
)

// RegistryLister is the subset of registry.Backend the Twin needs to learn
// which agents exist. Satisfied directly by registry.Backend.
type RegistryLister interface {
	List(ctx context.Context, capabilityTag string) ([]rpcapi.ServiceEntry, error)
}

// HealthTransition is emitted on Twin's own Subscribe stream whenever an
// entry's derived status changes.
type HealthTransition struct {
	Machine string             `json:"machine"`
	Name    string             `json:"name"`
	From    rpcapi.HealthStatus `json:"from"`
	To      rpcapi.HealthStatus `json:"to"`
	EpochMs int64               `json:"epoch_ms"`
}

type entryState struct {
	machine         string
	name            string
	lastSnapshot    *rpcapi.HealthSnapshot
	lastUpdated     time.Time
	recentErrors    []rpcapi.ErrorEvent
	derivedStatus   rpcapi.HealthStatus
	unknown         bool
	unknownSince    time.Time
	lastSeenInRegistry time.Time
}

func entryKey(machine, name string) string { return machine + "/" + name }

// Twin owns the TwinView: a (machine, name)-keyed map of per-agent state,
// built from HealthSnapshots it probes itself and ErrorEvents it observes
// from the Error Bus.
type Twin struct {
	mu      sync.Mutex
	entries map[string]*entryState

	maxRecentErrors int
	graceWindow     time.Duration
	retention       time.Duration
	probeInterval   time.Duration

	pool     *endpointpool.Pool
	registry RegistryLister
	logger   *slog.Logger

	subMu     sync.Mutex
	subs      map[uint64]chan any
	nextSubID uint64
}

// Options configures a Twin; zero values fall back to documented defaults.
type Options struct {
	MaxRecentErrors int
	GraceWindow     time.Duration
	Retention       time.Duration
	ProbeInterval   time.Duration
	Pool            *endpointpool.Pool
	Registry        RegistryLister
	Logger          *slog.Logger
}

// New creates a Twin. Pool and Registry must be set for Run's probe loop to
// do anything; a Twin with neither can still serve Invoke/Subscribe fed
// purely by ObserveError.
func New(opts Options) *Twin {
	if opts.MaxRecentErrors <= 0 {
		opts.MaxRecentErrors = defaultMaxRecentErrors
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = defaultGraceWindow
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Twin{
		entries:         make(map[string]*entryState),
		maxRecentErrors: opts.MaxRecentErrors,
		graceWindow:     opts.GraceWindow,
		retention:       opts.Retention,
		probeInterval:   opts.ProbeInterval,
		pool:            opts.Pool,
		registry:        opts.Registry,
		logger:          opts.Logger,
		subs:            make(map[uint64]chan any),
	}
}

// Run drives the periodic full-probe loop and the grace-window sweep until
// ctx is canceled. It is safe to run concurrently with ObserveError and
// Invoke/Subscribe, all of which only touch Twin state under its own lock.
func (t *Twin) Run(ctx context.Context) {
	ticker := time.NewTicker(t.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.probeRound(ctx)
			t.sweepGraceWindow()
		}
	}
}

// ConsumeErrorBus opens one Subscribe stream against the Error Bus reachable
// at addr and feeds every event it receives into ObserveError, reconnecting
// with a short backoff on any stream error until ctx is canceled. filter
// narrows the subscription (e.g. "err." for everything).
func (t *Twin) ConsumeErrorBus(ctx context.Context, addr, filter string) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := t.consumeOnce(ctx, addr, filter); err != nil {
			t.logger.WarnContext(ctx, "twin: error bus subscription dropped, retrying", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (t *Twin) consumeOnce(ctx context.Context, addr, filter string) error {
	handle, err := t.pool.Acquire(endpointpool.KindSubscribe, addr, endpointpool.Options{})
	if err != nil {
		return err
	}
	defer t.pool.Release(handle)

	payload, err := wire.StructOf(map[string]any{"filter": filter})
	if err != nil {
		return err
	}
	client := rpcapi.NewStreamerClient(handle.Conn)
	stream, err := client.Subscribe(ctx, wire.NewRequest("subscribe", payload))
	if err != nil {
		return err
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		if resp.Status != wire.StatusOK {
			continue
		}
		b, err := json.Marshal(wire.Map(resp.Payload))
		if err != nil {
			continue
		}
		var ev rpcapi.ErrorEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			continue
		}
		t.ObserveError(ev)
	}
}

func (t *Twin) probeRound(ctx context.Context) {
	if t.registry == nil || t.pool == nil {
		return
	}
	entries, err := t.registry.List(ctx, "")
	if err != nil {
		t.logger.WarnContext(ctx, "twin: registry list failed", "error", err)
		return
	}
	now := time.Now()
	for _, se := range entries {
		snap, err := t.probeOne(ctx, se.HealthEndpoint)
		machine := machineFromMetadata(se)
		if err != nil {
			t.logger.DebugContext(ctx, "twin: full probe failed", "name", se.Name, "error", err)
			t.markSeen(machine, se.Name, now)
			continue
		}
		t.updateSnapshot(machine, se.Name, snap, now)
	}
}

func machineFromMetadata(se rpcapi.ServiceEntry) string {
	if se.Metadata != nil {
		if m, ok := se.Metadata["machine"]; ok {
			return m
		}
	}
	return se.HealthEndpoint.Host
}

func (t *Twin) probeOne(ctx context.Context, ep rpcapi.Endpoint) (*rpcapi.HealthSnapshot, error) {
	addr := fmt.Sprintf("%s:%d", ep.Host, ep.Port)
	handle, err := t.pool.Acquire(endpointpool.KindRequest, addr, endpointpool.Options{})
	if err != nil {
		return nil, err
	}
	defer t.pool.Release(handle)

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	client := rpcapi.NewRequesterClient(handle.Conn)
	resp, err := client.Invoke(ctx, wire.NewRequest("full", nil))
	if err != nil {
		return nil, err
	}
	if resp.Status != wire.StatusOK {
		return nil, fmt.Errorf("twin: full probe: %s %s", resp.Kind, resp.Message)
	}
	b, err := json.Marshal(wire.Map(resp.Payload))
	if err != nil {
		return nil, err
	}
	var snap rpcapi.HealthSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (t *Twin) updateSnapshot(machine, name string, snap *rpcapi.HealthSnapshot, now time.Time) {
	t.mu.Lock()
	key := entryKey(machine, name)
	e, ok := t.entries[key]
	if !ok {
		e = &entryState{machine: machine, name: name}
		t.entries[key] = e
	}
	e.lastSnapshot = snap
	e.lastUpdated = now
	e.lastSeenInRegistry = now
	e.unknown = false
	prev := e.derivedStatus
	e.derivedStatus = deriveStatus(e.lastSnapshot, e.lastUpdated, e.recentErrors, now)
	changed := prev != e.derivedStatus
	next := e.derivedStatus
	t.mu.Unlock()

	if changed {
		t.broadcast(HealthTransition{Machine: machine, Name: name, From: prev, To: next, EpochMs: now.UnixMilli()})
	}
}

// markSeen records that name is still listed by the Registry even though
// this round's probe failed, so a transient probe error doesn't by itself
// start the grace-window clock toward Unknown.
func (t *Twin) markSeen(machine, name string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := entryKey(machine, name)
	e, ok := t.entries[key]
	if !ok {
		e = &entryState{machine: machine, name: name}
		t.entries[key] = e
	}
	e.lastSeenInRegistry = now
}

func (t *Twin) sweepGraceWindow() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		age := now.Sub(e.lastSeenInRegistry)
		switch {
		case e.unknown && now.Sub(e.unknownSince) > t.retention:
			delete(t.entries, key)
		case !e.unknown && age > t.graceWindow:
			e.unknown = true
			e.unknownSince = now
		}
	}
}

// ObserveError feeds one ErrorEvent into the Twin's view of its publisher,
// called by whatever subscribes to the Error Bus on the Twin's behalf.
func (t *Twin) ObserveError(ev rpcapi.ErrorEvent) {
	now := time.Now()
	t.mu.Lock()
	key := entryKey(ev.Machine, ev.Agent)
	e, ok := t.entries[key]
	if !ok {
		e = &entryState{machine: ev.Machine, name: ev.Agent}
		t.entries[key] = e
	}
	e.recentErrors = append(e.recentErrors, ev)
	if len(e.recentErrors) > t.maxRecentErrors {
		e.recentErrors = e.recentErrors[len(e.recentErrors)-t.maxRecentErrors:]
	}
	prev := e.derivedStatus
	e.derivedStatus = deriveStatus(e.lastSnapshot, e.lastUpdated, e.recentErrors, now)
	changed := prev != e.derivedStatus
	next := e.derivedStatus
	t.mu.Unlock()

	t.broadcast(ev)
	if changed {
		t.broadcast(HealthTransition{Machine: ev.Machine, Name: ev.Agent, From: prev, To: next, EpochMs: now.UnixMilli()})
	}
}

// Status returns one entry's TwinEntry view.
func (t *Twin) Status(machine, name string) (rpcapi.TwinEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[entryKey(machine, name)]
	if !ok {
		return rpcapi.TwinEntry{}, false
	}
	return toTwinEntry(e), true
}

// StatusAll returns every known entry's TwinEntry view.
func (t *Twin) StatusAll() []rpcapi.TwinEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]rpcapi.TwinEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, toTwinEntry(e))
	}
	return out
}

// RecentErrors returns events for name (all agents if name is empty),
// optionally filtered by a minimum severity and a since epoch-ms.
func (t *Twin) RecentErrors(name string, sinceMs int64, minSeverity rpcapi.Severity) []rpcapi.ErrorEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []rpcapi.ErrorEvent
	for _, e := range t.entries {
		if name != "" && e.name != name {
			continue
		}
		for _, ev := range e.recentErrors {
			if ev.EpochMs < sinceMs {
				continue
			}
			if minSeverity != "" && severityRank(ev.Severity) < severityRank(minSeverity) {
				continue
			}
			out = append(out, ev)
		}
	}
	return out
}

func severityRank(s rpcapi.Severity) int {
	switch s {
	case rpcapi.SeverityInfo:
		return 0
	case rpcapi.SeverityWarning:
		return 1
	case rpcapi.SeverityError:
		return 2
	case rpcapi.SeverityCritical:
		return 3
	default:
		return -1
	}
}

func toTwinEntry(e *entryState) rpcapi.TwinEntry {
	status := e.derivedStatus
	if e.unknown {
		// Absent from the Registry past the grace window: distinct from
		// HealthUnhealthy, which means the agent is still reachable and
		// actively failing its checks.
		status = rpcapi.HealthUnknown
	}
	errs := make([]rpcapi.ErrorEvent, len(e.recentErrors))
	copy(errs, e.recentErrors)
	return rpcapi.TwinEntry{
		Machine:       e.machine,
		Name:          e.name,
		LastSnapshot:  e.lastSnapshot,
		RecentErrors:  errs,
		DerivedStatus: status,
		LastUpdatedMs: e.lastUpdated.UnixMilli(),
	}
}
