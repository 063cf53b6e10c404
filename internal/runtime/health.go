package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/wire"
)

// HealthComponentFunc contributes one named check to a full health probe.
// It must not block on anything the request handler might be holding —
// health is served on its own concurrency unit specifically so a blocked
// on_request never starves it.
type HealthComponentFunc func(ctx context.Context) rpcapi.ComponentCheck

// HealthComponent registers an additional named health check, alongside the
// base "self"/"endpoints"/"registry"/"host" checks the runtime provides
// automatically.
func (a *Agent) HealthComponent(name string, fn HealthComponentFunc) {
	a.healthMu.Lock()
	defer a.healthMu.Unlock()
	a.healthChecks[name] = fn
}

func (a *Agent) registerBaseHealthChecks() {
	a.healthChecks["self"] = a.checkSelf
	a.healthChecks["endpoints"] = a.checkEndpoints
	a.healthChecks["registry"] = a.checkRegistry
	a.healthChecks["host"] = a.checkHost
}

func (a *Agent) checkSelf(ctx context.Context) rpcapi.ComponentCheck {
	return rpcapi.ComponentCheck{Status: rpcapi.HealthOk, Detail: "running"}
}

func (a *Agent) checkEndpoints(ctx context.Context) rpcapi.ComponentCheck {
	if a.requestHandle == nil || a.healthHandle == nil {
		return rpcapi.ComponentCheck{Status: rpcapi.HealthUnhealthy, Detail: "endpoints not bound"}
	}
	return rpcapi.ComponentCheck{Status: rpcapi.HealthOk, Detail: "request and health endpoints bound"}
}

func (a *Agent) checkRegistry(ctx context.Context) rpcapi.ComponentCheck {
	if a.opts.RegistryAddr == "" {
		return rpcapi.ComponentCheck{Status: rpcapi.HealthOk, Detail: "registry not configured"}
	}
	last := a.lastRegistrySuccess.Load()
	if last == nil {
		return rpcapi.ComponentCheck{Status: rpcapi.HealthDegraded, Detail: "never registered"}
	}
	age := time.Since(last.(time.Time))
	if age > 2*a.registryRefreshInterval() {
		return rpcapi.ComponentCheck{Status: rpcapi.HealthDegraded, Detail: fmt.Sprintf("last register/heartbeat %s ago", age)}
	}
	return rpcapi.ComponentCheck{Status: rpcapi.HealthOk, Detail: fmt.Sprintf("last register/heartbeat %s ago", age)}
}

func (a *Agent) registryRefreshInterval() time.Duration {
	if a.opts.RefreshInterval > 0 {
		return a.opts.RefreshInterval
	}
	return 30 * time.Second
}

func (a *Agent) checkHost(ctx context.Context) rpcapi.ComponentCheck {
	if a.sampler == nil {
		return rpcapi.ComponentCheck{Status: rpcapi.HealthOk, Detail: "sampler not started"}
	}
	s := a.sampler.Last()
	if s.SampledAt.IsZero() {
		return rpcapi.ComponentCheck{Status: rpcapi.HealthOk, Detail: "no sample yet"}
	}
	detail := fmt.Sprintf("cpu=%.1f%% rss=%dB mem=%.1f%%", s.CPUPercent, s.RSSBytes, s.SystemMemUsed)
	if s.SystemMemUsed > 95 {
		return rpcapi.ComponentCheck{Status: rpcapi.HealthDegraded, Detail: detail}
	}
	return rpcapi.ComponentCheck{Status: rpcapi.HealthOk, Detail: detail}
}

// snapshot builds a full HealthSnapshot by running every registered check.
// Checks run on the health concurrency unit, never the request one.
func (a *Agent) snapshot(ctx context.Context) rpcapi.HealthSnapshot {
	a.healthMu.RLock()
	checks := make(map[string]HealthComponentFunc, len(a.healthChecks))
	for k, v := range a.healthChecks {
		checks[k] = v
	}
	a.healthMu.RUnlock()

	components := make(map[string]rpcapi.ComponentCheck, len(checks))
	overall := rpcapi.HealthOk
	for name, fn := range checks {
		c := fn(ctx)
		components[name] = c
		overall = worstOf(overall, c.Status)
	}

	return rpcapi.HealthSnapshot{
		Status:     overall,
		UptimeSecs: time.Since(a.startedAt).Seconds(),
		Components: components,
		EpochMs:    time.Now().UnixMilli(),
	}
}

func worstOf(a, b rpcapi.HealthStatus) rpcapi.HealthStatus {
	rank := map[rpcapi.HealthStatus]int{
		rpcapi.HealthOk:        0,
		rpcapi.HealthDegraded:  1,
		rpcapi.HealthUnhealthy: 2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// healthServer answers probes on the agent's health endpoint, independent
// of whatever concurrency unit serves on_request.
type healthServer struct {
	a *Agent
}

func (h *healthServer) Invoke(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	switch req.Action {
	case "ping":
		payload, _ := wire.StructOf(map[string]any{
			"status": string(rpcapi.HealthOk),
			"uptime": time.Since(h.a.startedAt).Seconds(),
		})
		return wire.OK(payload), nil
	case "full":
		snap := h.a.snapshot(ctx)
		payload, err := wire.StructOfValue(snap)
		if err != nil {
			return wire.Errorf("BackendError", "runtime: %v", err), nil
		}
		return wire.OK(payload), nil
	default:
		return wire.Errorf("InvalidEntry", "runtime: unknown probe %q", req.Action), nil
	}
}

