package discovery

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/agentfabric/fabric/internal/endpointpool"
	"github.com/agentfabric/fabric/internal/registry"
	"github.com/agentfabric/fabric/internal/rpcapi"
	"google.golang.org/grpc"
)

func startTestRegistry(t *testing.T) (addr string, stop func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	rpcapi.RegisterRequesterServer(srv, registry.NewService(registry.NewMemoryBackend(), slog.Default()))
	go srv.Serve(lis)
	return lis.Addr().String(), srv.Stop
}

func TestClient_LookupAndResolve(t *testing.T) {
	addr, stop := startTestRegistry(t)
	defer stop()

	pool := endpointpool.New(nil)
	defer pool.CloseAll(context.Background())

	c, err := New(addr, pool, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := rpcapi.ServiceEntry{
		Name:            "echo_agent",
		RequestEndpoint: rpcapi.Endpoint{Transport: "tcp", Host: "127.0.0.1", Port: 9100},
		HealthEndpoint:  rpcapi.Endpoint{Transport: "tcp", Host: "127.0.0.1", Port: 9101},
	}
	if err := c.RegisterSelf(ctx, entry, 0); err != nil {
		t.Fatalf("register self: %v", err)
	}

	got, err := c.Lookup(ctx, "echo_agent")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.RequestEndpoint.Port != 9100 {
		t.Fatalf("expected port 9100, got %d", got.RequestEndpoint.Port)
	}

	handle, err := c.Resolve(ctx, "echo_agent")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if handle.Address != "127.0.0.1:9100" {
		t.Fatalf("expected resolved address 127.0.0.1:9100, got %s", handle.Address)
	}
	pool.Release(handle)
}

func TestClient_LookupNotFoundNoRetry(t *testing.T) {
	addr, stop := startTestRegistry(t)
	defer stop()

	pool := endpointpool.New(nil)
	defer pool.CloseAll(context.Background())

	c, err := New(addr, pool, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err = c.Lookup(ctx, "ghost")
	if err == nil {
		t.Fatal("expected an error for an unregistered name")
	}
	// A NotFound must not retry; this must come back fast, well under the
	// exponential backoff schedule a transport failure would incur.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected no retry on NotFound, took %v", elapsed)
	}
}

func TestClient_InvalidateDropsCache(t *testing.T) {
	addr, stop := startTestRegistry(t)
	defer stop()

	pool := endpointpool.New(nil)
	defer pool.CloseAll(context.Background())

	c, err := New(addr, pool, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	entry := rpcapi.ServiceEntry{
		Name:            "echo_agent",
		RequestEndpoint: rpcapi.Endpoint{Transport: "tcp", Host: "127.0.0.1", Port: 9100},
	}
	c.RegisterSelf(ctx, entry, 0)
	if _, err := c.Lookup(ctx, "echo_agent"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	c.Invalidate("echo_agent")
	if _, ok := c.cache.Get("echo_agent"); ok {
		t.Fatal("expected cache entry to be gone after invalidate")
	}
}
