// Command echo_agent is a minimal fabric agent built on internal/runtime: it
// answers an "echo" action by returning its input payload unchanged, and
// exists mainly as a worked example for anyone writing a new agent.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/agentfabric/fabric/internal/config"
	"github.com/agentfabric/fabric/internal/discovery"
	"github.com/agentfabric/fabric/internal/endpointpool"
	"github.com/agentfabric/fabric/internal/observability"
	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/runtime"
	"github.com/agentfabric/fabric/internal/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.LoadOptions{AgentName: "echo_agent", Args: os.Args[1:]})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	obs, err := observability.NewObservability(observability.DefaultConfig("echo-agent", cfg))
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer obs.Shutdown(context.Background())
	slog.SetDefault(obs.Logger)

	pool := endpointpool.New(nil)
	defer pool.CloseAll(context.Background())

	opts := runtime.Options{
		Name:           "echo_agent",
		BindHost:       cfg.AsString("bind_host", "0.0.0.0"),
		RequestPort:    cfg.AsInt("request_port", 9700),
		HealthPort:     cfg.AsInt("health_port", 0),
		CapabilityTags: []string{"echo", "testing"},
		Pool:           pool,
		Logger:         obs.Logger,
		Metrics:        obs.Metrics,
	}

	if registryAddr := cfg.AsString("registry_addr", ""); registryAddr != "" {
		disc, err := discovery.New(registryAddr, pool, obs.Logger)
		if err != nil {
			return fmt.Errorf("discovery client: %w", err)
		}
		defer disc.Close()
		opts.Discovery = disc
		opts.RegistryAddr = registryAddr
		opts.RefreshInterval = cfg.AsDuration("refresh_interval", 0)
	}

	agent, err := runtime.New(opts)
	if err != nil {
		return fmt.Errorf("new agent: %w", err)
	}

	agent.OnRequest(func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		if req.Action != "echo" {
			return wire.Errorf("InvalidEntry", "echo_agent: unknown action %q", req.Action), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return wire.Errorf("InvalidEntry", "echo_agent: %v", err), nil
		}
		payload, err := wire.StructOfValue(map[string]any{"text": text})
		if err != nil {
			return wire.Errorf("InternalError", "echo_agent: %v", err), nil
		}
		return wire.OK(payload), nil
	})

	agent.HealthComponent("always_ready", func(ctx context.Context) rpcapi.ComponentCheck {
		return rpcapi.ComponentCheck{Status: rpcapi.HealthOk}
	})

	return agent.Run(context.Background())
}
