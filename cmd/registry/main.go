// Command fabric-registry serves the Service Registry: a name-to-endpoint
// directory backed by either an in-memory store or Redis.
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
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.LoadOptions{AgentName: "registry", Args: os.Args[1:]})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	obs, err := observability.NewObservability(observability.DefaultConfig("fabric-registry", cfg))
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer obs.Shutdown(context.Background())
	slog.SetDefault(obs.Logger)

	var backend registry.Backend
	if redisAddr := cfg.AsString("redis_addr", ""); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		backend = registry.NewRedisBackend(client, cfg.AsDuration("registry_ttl", 0))
	} else {
		backend = registry.NewMemoryBackend()
	}

	pool := endpointpool.New(nil)
	defer pool.CloseAll(context.Background())

	bindHost := cfg.AsString("bind_host", "0.0.0.0")
	port := cfg.AsInt("request_port", 9400)
	addr := fmt.Sprintf("%s:%d", bindHost, port)

	handle, err := pool.Acquire(endpointpool.KindReply, addr, endpointpool.Options{})
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	svc := registry.NewService(backend, obs.Logger)
	rpcapi.RegisterRequesterServer(handle.Server, svc)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- handle.Server.Serve(handle.Lis) }()

	slog.Info("registry listening", "addr", addr)

	select {
	case <-ctx.Done():
		handle.Server.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
