package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/redis/go-redis/v9"
)

const (
	entryKeyPrefix = "fabric:registry:entry:"
	claimKeyPrefix = "fabric:registry:claim:"
)

// casScript performs the compare-and-set upsert: it refuses to overwrite a
// (host,port) claim held by a different name, then writes both the entry
// and the claim with the same TTL so they expire together. This is the
// external backend's entire consistency mechanism — the fabric does not
// attempt cross-machine strong consistency.
const casScript = `
local owner = redis.call('GET', KEYS[2])
if owner and owner ~= ARGV[1] then
  return 'conflict'
end
redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[1], 'EX', ARGV[3])
return 'ok'
`

// RedisBackend is the external-store backend. Entries carry a TTL and rely
// entirely on Redis's own key expiry — the registry never runs a
// proactive reaper. heartbeat simply refreshes the TTL, favoring lazy
// expiry over a background sweep.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBackend wraps an existing client. ttl defaults to 30s when <= 0.
func NewRedisBackend(client *redis.Client, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisBackend{client: client, ttl: ttl}
}

func entryKey(name string) string { return entryKeyPrefix + name }
func claimKey(ep rpcapi.Endpoint) string {
	return fmt.Sprintf("%s%s:%d", claimKeyPrefix, ep.Host, ep.Port)
}

// Register upserts entry, refusing the write if another name currently
// holds entry.RequestEndpoint's (host, port) claim.
func (b *RedisBackend) Register(ctx context.Context, entry rpcapi.ServiceEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("registry: entry name required")
	}

	prev, err := b.Lookup(ctx, entry.Name)
	if err == nil && claimKey(prev.RequestEndpoint) != claimKey(entry.RequestEndpoint) {
		// Best-effort release of the old claim; a race here only risks a
		// stale claim outliving its TTL, which lazy expiry clears anyway.
		b.client.Del(ctx, claimKey(prev.RequestEndpoint))
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	res, err := b.client.Eval(ctx, casScript,
		[]string{entryKey(entry.Name), claimKey(entry.RequestEndpoint)},
		entry.Name, string(data), int(b.ttl.Seconds()),
	).Result()
	if err != nil {
		return fmt.Errorf("registry: redis eval: %w", err)
	}
	if res == "conflict" {
		return ErrConflict
	}
	return nil
}

// Deregister removes by name; idempotent.
func (b *RedisBackend) Deregister(ctx context.Context, name string) error {
	entry, err := b.Lookup(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return b.client.Del(ctx, entryKey(name), claimKey(entry.RequestEndpoint)).Err()
}

// Lookup returns the entry for name, or ErrNotFound if it has expired or
// was never registered.
func (b *RedisBackend) Lookup(ctx context.Context, name string) (rpcapi.ServiceEntry, error) {
	data, err := b.client.Get(ctx, entryKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rpcapi.ServiceEntry{}, ErrNotFound
	}
	if err != nil {
		return rpcapi.ServiceEntry{}, fmt.Errorf("registry: redis get: %w", err)
	}
	var entry rpcapi.ServiceEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return rpcapi.ServiceEntry{}, err
	}
	return entry, nil
}

// List scans all live entries, optionally filtered by capability tag. The
// result is a best-effort snapshot: SCAN does not guarantee a consistent
// point-in-time view under concurrent writes.
func (b *RedisBackend) List(ctx context.Context, capabilityTag string) ([]rpcapi.ServiceEntry, error) {
	var out []rpcapi.ServiceEntry
	iter := b.client.Scan(ctx, 0, entryKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := b.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("registry: redis get during scan: %w", err)
		}
		var entry rpcapi.ServiceEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, err
		}
		if capabilityTag == "" || hasTag(entry.CapabilityTags, capabilityTag) {
			out = append(out, entry)
		}
	}
	return out, iter.Err()
}

// Heartbeat refreshes TTL on both the entry and its claim. It does not scan
// for expired rows — Redis's own eviction is the expiry mechanism.
func (b *RedisBackend) Heartbeat(ctx context.Context, name string) error {
	entry, err := b.Lookup(ctx, name)
	if err != nil {
		return err
	}
	pipe := b.client.Pipeline()
	pipe.Expire(ctx, entryKey(name), b.ttl)
	pipe.Expire(ctx, claimKey(entry.RequestEndpoint), b.ttl)
	_, err = pipe.Exec(ctx)
	return err
}
