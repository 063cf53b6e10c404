package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentfabric/fabric/internal/rpcapi"
)

// MemoryBackend is a sync.RWMutex-guarded map, single-writer/many-reader,
// with no TTL — entries live until an explicit Deregister. It is the
// backend for single-process tests and single-machine deployments.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]rpcapi.ServiceEntry
	// claims indexes (host,port) -> owning name, to enforce the request
	// endpoint uniqueness invariant.
	claims map[string]string
}

// NewMemoryBackend returns an empty in-memory registry.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]rpcapi.ServiceEntry),
		claims:  make(map[string]string),
	}
}

func claimKey(ep rpcapi.Endpoint) string {
	return fmt.Sprintf("%s:%d", ep.Host, ep.Port)
}

// Register upserts by name. register is monotonic within the backend's
// lifetime: a later successful call fully replaces an earlier one.
func (b *MemoryBackend) Register(ctx context.Context, entry rpcapi.ServiceEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("registry: entry name required")
	}

	key := claimKey(entry.RequestEndpoint)

	b.mu.Lock()
	defer b.mu.Unlock()

	if owner, claimed := b.claims[key]; claimed && owner != entry.Name {
		return ErrConflict
	}

	// Release this name's previous claim if its request endpoint changed.
	if prev, existed := b.entries[entry.Name]; existed {
		prevKey := claimKey(prev.RequestEndpoint)
		if prevKey != key {
			delete(b.claims, prevKey)
		}
	}

	b.entries[entry.Name] = entry
	b.claims[key] = entry.Name
	return nil
}

// Deregister removes by name; idempotent.
func (b *MemoryBackend) Deregister(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry, ok := b.entries[name]; ok {
		delete(b.claims, claimKey(entry.RequestEndpoint))
		delete(b.entries, name)
	}
	return nil
}

// Lookup returns the entry for name, or ErrNotFound.
func (b *MemoryBackend) Lookup(ctx context.Context, name string) (rpcapi.ServiceEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[name]
	if !ok {
		return rpcapi.ServiceEntry{}, ErrNotFound
	}
	return entry, nil
}

// List returns a consistent snapshot at call time, optionally filtered by
// capability tag.
func (b *MemoryBackend) List(ctx context.Context, capabilityTag string) ([]rpcapi.ServiceEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]rpcapi.ServiceEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		if capabilityTag == "" || hasTag(entry.CapabilityTags, capabilityTag) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Heartbeat has nothing to refresh on the in-memory backend, since entries
// have no TTL; it returns nil for a registered name and ErrNotFound
// otherwise.
func (b *MemoryBackend) Heartbeat(ctx context.Context, name string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.entries[name]; !ok {
		return ErrNotFound
	}
	return nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
