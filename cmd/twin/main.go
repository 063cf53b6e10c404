// Command fabric-twin serves the Digital Twin: the aggregator that exposes
// a live view of every agent's health and recent errors across both
// machines.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/agentfabric/fabric/internal/config"
	"github.com/agentfabric/fabric/internal/endpointpool"
	"github.com/agentfabric/fabric/internal/observability"
	"github.com/agentfabric/fabric/internal/registry"
	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/twin"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.LoadOptions{AgentName: "twin", Args: os.Args[1:]})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	obs, err := observability.NewObservability(observability.DefaultConfig("fabric-twin", cfg))
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer obs.Shutdown(context.Background())
	slog.SetDefault(obs.Logger)

	pool := endpointpool.New(nil)
	defer pool.CloseAll(context.Background())

	var backend registry.Backend
	if redisAddr := cfg.AsString("redis_addr", ""); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		backend = registry.NewRedisBackend(client, cfg.AsDuration("registry_ttl", 0))
	} else {
		registryAddr := cfg.AsString("registry_addr", "")
		if registryAddr == "" {
			return fmt.Errorf("twin: one of redis_addr or registry_addr must be configured")
		}
		backend = registry.NewRemoteBackend(pool, registryAddr)
	}

	tw := twin.New(twin.Options{
		Pool:          pool,
		Registry:      backend,
		ProbeInterval: cfg.AsDuration("probe_interval", 0),
		GraceWindow:   cfg.AsDuration("grace_window", 0),
		Retention:     cfg.AsDuration("retention", 0),
		Logger:        obs.Logger,
	})

	bindHost := cfg.AsString("bind_host", "0.0.0.0")
	requestPort := cfg.AsInt("request_port", 9600)
	publishPort := cfg.AsInt("publish_port", 9601)

	requestAddr := fmt.Sprintf("%s:%d", bindHost, requestPort)
	publishAddr := fmt.Sprintf("%s:%d", bindHost, publishPort)

	requestHandle, err := pool.Acquire(endpointpool.KindReply, requestAddr, endpointpool.Options{})
	if err != nil {
		return fmt.Errorf("bind %s: %w", requestAddr, err)
	}
	publishHandle, err := pool.Acquire(endpointpool.KindReply, publishAddr, endpointpool.Options{})
	if err != nil {
		return fmt.Errorf("bind %s: %w", publishAddr, err)
	}

	rpcapi.RegisterRequesterServer(requestHandle.Server, tw)
	rpcapi.RegisterStreamerServer(publishHandle.Server, tw)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if errBusAddr := cfg.AsString("error_bus_addr", ""); errBusAddr != "" {
		go tw.ConsumeErrorBus(ctx, errBusAddr, "err.")
	}
	go tw.Run(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- requestHandle.Server.Serve(requestHandle.Lis) }()
	go func() { errCh <- publishHandle.Server.Serve(publishHandle.Lis) }()

	slog.Info("digital twin listening", "request_addr", requestAddr, "publish_addr", publishAddr)

	select {
	case <-ctx.Done():
		requestHandle.Server.GracefulStop()
		publishHandle.Server.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
