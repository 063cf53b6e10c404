package registry

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/agentfabric/fabric/internal/endpointpool"
	"github.com/agentfabric/fabric/internal/rpcapi"
)

func startTestRegistry(t *testing.T) (addr string, pool *endpointpool.Pool) {
	t.Helper()
	pool = endpointpool.New(nil)
	t.Cleanup(func() { pool.CloseAll(context.Background()) })

	handle, err := pool.Acquire(endpointpool.KindReply, "127.0.0.1:0", endpointpool.Options{})
	if err != nil {
		t.Fatalf("acquire reply handle: %v", err)
	}
	svc := NewService(NewMemoryBackend(), slog.Default())
	rpcapi.RegisterRequesterServer(handle.Server, svc)
	go handle.Server.Serve(handle.Lis)
	t.Cleanup(handle.Server.GracefulStop)

	return handle.Lis.Addr().String(), pool
}

func TestRemoteBackend_RegisterThenLookup(t *testing.T) {
	addr, pool := startTestRegistry(t)
	rb := NewRemoteBackend(pool, addr)
	ctx := context.Background()

	if err := rb.Register(ctx, echoEntry("echo", 9100)); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := rb.Lookup(ctx, "echo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.RequestEndpoint.Port != 9100 {
		t.Fatalf("expected port 9100, got %d", got.RequestEndpoint.Port)
	}
}

func TestRemoteBackend_LookupNotFound(t *testing.T) {
	addr, pool := startTestRegistry(t)
	rb := NewRemoteBackend(pool, addr)

	_, err := rb.Lookup(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoteBackend_ListAndHeartbeat(t *testing.T) {
	addr, pool := startTestRegistry(t)
	rb := NewRemoteBackend(pool, addr)
	ctx := context.Background()

	if err := rb.Register(ctx, echoEntry("echo", 9100)); err != nil {
		t.Fatalf("register: %v", err)
	}
	entries, err := rb.List(ctx, "")
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d, err %v", len(entries), err)
	}
	if err := rb.Heartbeat(ctx, "echo"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := rb.Deregister(ctx, "echo"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if _, err := rb.Lookup(ctx, "echo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after deregister, got %v", err)
	}
}
