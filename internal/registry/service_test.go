package registry

import (
	"context"
	"log/slog"
	"testing"

	"github.com/agentfabric/fabric/internal/wire"
)

func TestService_RegisterThenLookup(t *testing.T) {
	svc := NewService(NewMemoryBackend(), slog.Default())
	ctx := context.Background()

	payload, err := wire.StructOfValue(echoEntry("echo", 9100))
	if err != nil {
		t.Fatalf("struct of entry: %v", err)
	}
	resp, err := svc.Invoke(ctx, &wire.Request{Action: ActionRegister, Payload: payload})
	if err != nil {
		t.Fatalf("register invoke: %v", err)
	}
	if resp.Status != wire.StatusOK {
		t.Fatalf("expected ok, got %+v", resp)
	}

	lookupPayload, _ := wire.StructOf(map[string]any{"name": "echo"})
	resp, err = svc.Invoke(ctx, &wire.Request{Action: ActionLookup, Payload: lookupPayload})
	if err != nil {
		t.Fatalf("lookup invoke: %v", err)
	}
	if resp.Status != wire.StatusOK {
		t.Fatalf("expected ok, got %+v", resp)
	}
	m := wire.Map(resp.Payload)
	if m["name"] != "echo" {
		t.Fatalf("expected looked-up name 'echo', got %v", m["name"])
	}
}

func TestService_LookupNotFound(t *testing.T) {
	svc := NewService(NewMemoryBackend(), slog.Default())
	ctx := context.Background()

	payload, _ := wire.StructOf(map[string]any{"name": "ghost"})
	resp, err := svc.Invoke(ctx, &wire.Request{Action: ActionLookup, Payload: payload})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Status != wire.StatusError || resp.Kind != "NotFound" {
		t.Fatalf("expected NotFound error, got %+v", resp)
	}
}

func TestService_UnknownAction(t *testing.T) {
	svc := NewService(NewMemoryBackend(), slog.Default())
	resp, err := svc.Invoke(context.Background(), &wire.Request{Action: "bogus"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Status != wire.StatusError {
		t.Fatalf("expected an error response for an unknown action, got %+v", resp)
	}
}
