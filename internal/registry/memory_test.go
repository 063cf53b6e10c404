package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/agentfabric/fabric/internal/rpcapi"
)

func echoEntry(name string, port int) rpcapi.ServiceEntry {
	return rpcapi.ServiceEntry{
		Name:            name,
		RequestEndpoint: rpcapi.Endpoint{Transport: "tcp", Host: "127.0.0.1", Port: port},
		HealthEndpoint:  rpcapi.Endpoint{Transport: "tcp", Host: "127.0.0.1", Port: port + 1},
		CapabilityTags:  []string{"echo"},
	}
}

func TestMemoryBackend_RegisterIsUpsert(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	if err := b.Register(ctx, echoEntry("echo", 9100)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	updated := echoEntry("echo", 9101)
	updated.Metadata = map[string]string{"version": "2"}
	if err := b.Register(ctx, updated); err != nil {
		t.Fatalf("second register: %v", err)
	}

	got, err := b.Lookup(ctx, "echo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.RequestEndpoint.Port != 9101 {
		t.Fatalf("expected the later register to fully replace the earlier one, got port %d", got.RequestEndpoint.Port)
	}
}

func TestMemoryBackend_ConflictOnSharedPort(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	if err := b.Register(ctx, echoEntry("echo", 9100)); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	err := b.Register(ctx, echoEntry("other", 9100))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for a second owner of the same port, got %v", err)
	}
}

func TestMemoryBackend_DeregisterIdempotent(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	if err := b.Deregister(ctx, "never-registered"); err != nil {
		t.Fatalf("expected deregister of an absent name to be a no-op, got %v", err)
	}

	if err := b.Register(ctx, echoEntry("echo", 9100)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.Deregister(ctx, "echo"); err != nil {
		t.Fatalf("first deregister: %v", err)
	}
	if err := b.Deregister(ctx, "echo"); err != nil {
		t.Fatalf("second deregister should also be a no-op, got %v", err)
	}
	if _, err := b.Lookup(ctx, "echo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after deregister, got %v", err)
	}
}

func TestMemoryBackend_ListFiltersByTag(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	echo := echoEntry("echo", 9100)
	other := echoEntry("other", 9200)
	other.CapabilityTags = []string{"translate"}
	b.Register(ctx, echo)
	b.Register(ctx, other)

	all, err := b.List(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 entries unfiltered, got %d, err %v", len(all), err)
	}

	filtered, err := b.List(ctx, "translate")
	if err != nil || len(filtered) != 1 || filtered[0].Name != "other" {
		t.Fatalf("expected exactly 'other' filtered by tag, got %v, err %v", filtered, err)
	}
}
