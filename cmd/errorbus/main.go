// Command fabric-errorbus serves the cross-machine Error Bus: a best-effort
// publish/subscribe relay for ErrorEvents.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentfabric/fabric/internal/config"
	"github.com/agentfabric/fabric/internal/endpointpool"
	"github.com/agentfabric/fabric/internal/errorbus"
	"github.com/agentfabric/fabric/internal/observability"
	"github.com/agentfabric/fabric/internal/rpcapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.LoadOptions{AgentName: "error_bus", Args: os.Args[1:]})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	obs, err := observability.NewObservability(observability.DefaultConfig("fabric-errorbus", cfg))
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer obs.Shutdown(context.Background())
	slog.SetDefault(obs.Logger)

	pool := endpointpool.New(nil)
	defer pool.CloseAll(context.Background())

	bindHost := cfg.AsString("bind_host", "0.0.0.0")
	requestPort := cfg.AsInt("request_port", 9500)
	publishPort := cfg.AsInt("publish_port", 9501)

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

	bus := errorbus.New(obs.Logger, obs.Metrics)
	defer bus.Close()

	rpcapi.RegisterRequesterServer(requestHandle.Server, bus)
	rpcapi.RegisterStreamerServer(publishHandle.Server, bus)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- requestHandle.Server.Serve(requestHandle.Lis) }()
	go func() { errCh <- publishHandle.Server.Serve(publishHandle.Lis) }()

	slog.Info("error bus listening", "publish_addr", requestAddr, "subscribe_addr", publishAddr)

	select {
	case <-ctx.Done():
		requestHandle.Server.GracefulStop()
		publishHandle.Server.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
