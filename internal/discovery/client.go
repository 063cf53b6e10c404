// Package discovery implements the Discovery Client: the library every
// agent links against to reach the Service Registry and resolve peers.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentfabric/fabric/internal/endpointpool"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentfabric/fabric/internal/registry"
	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	defaultCacheSize   = 4096
	defaultPositiveTTL = 30 * time.Second
	defaultNegativeTTL = 2 * time.Second

	retryBase   = 100 * time.Millisecond
	retryFactor = 2
	retryCap    = 2 * time.Second
	retryMax    = 5
)

// DiscoveryError is returned once retries are exhausted against a
// transport-level failure.
type DiscoveryError struct {
	Kind string
	Name string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery: %s %s: %v", e.Kind, e.Name, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

type cacheEntry struct {
	entry    rpcapi.ServiceEntry
	negative bool
	expires  time.Time
}

// Client is safe to call from any goroutine; the lookup cache is guarded by
// a read-biased lock (cache hits take only the read lock).
type Client struct {
	registryAddr string
	conn         *grpc.ClientConn
	requester    *rpcapi.RequesterClient
	pool         *endpointpool.Pool
	logger       *slog.Logger

	mu    sync.RWMutex
	cache *lru.Cache[string, cacheEntry]

	heartbeats sync.Map // name -> context.CancelFunc
}

// New dials the Registry at registryAddr and returns a ready Client.
func New(registryAddr string, pool *endpointpool.Pool, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := grpc.NewClient(registryAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("discovery: dial registry %s: %w", registryAddr, err)
	}
	cache, err := lru.New[string, cacheEntry](defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{
		registryAddr: registryAddr,
		conn:         conn,
		requester:    rpcapi.NewRequesterClient(conn),
		pool:         pool,
		logger:       logger,
		cache:        cache,
	}, nil
}

// Close releases the connection to the Registry and stops any active
// heartbeats started by RegisterSelf.
func (c *Client) Close() error {
	c.heartbeats.Range(func(_, v any) bool {
		v.(context.CancelFunc)()
		return true
	})
	return c.conn.Close()
}

// RegisterSelf registers entry with the Registry and, if refreshInterval is
// set, starts a background heartbeat loop that runs until the Client is
// closed.
func (c *Client) RegisterSelf(ctx context.Context, entry rpcapi.ServiceEntry, refreshInterval time.Duration) error {
	payload, err := wire.StructOfValue(entry)
	if err != nil {
		return err
	}
	resp, err := c.call(ctx, registry.ActionRegister, payload)
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusOK {
		return fmt.Errorf("discovery: register %s: %s %s", entry.Name, resp.Kind, resp.Message)
	}

	if refreshInterval > 0 {
		hbCtx, cancel := context.WithCancel(context.Background())
		c.heartbeats.Store(entry.Name, cancel)
		go c.heartbeatLoop(hbCtx, entry.Name, refreshInterval)
	}
	return nil
}

func (c *Client) heartbeatLoop(ctx context.Context, name string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, _ := wire.StructOf(map[string]any{"name": name})
			if _, err := c.call(ctx, registry.ActionHeartbeat, payload); err != nil {
				c.logger.WarnContext(ctx, "heartbeat failed", "name", name, "error", err)
			}
		}
	}
}

// Lookup resolves name to its registered entry, using a local cache with a
// positive TTL on success (default 30s) and a short negative TTL on
// NotFound (default 2s).
func (c *Client) Lookup(ctx context.Context, name string) (rpcapi.ServiceEntry, error) {
	c.mu.RLock()
	if ce, ok := c.cache.Get(name); ok && time.Now().Before(ce.expires) {
		c.mu.RUnlock()
		if ce.negative {
			return rpcapi.ServiceEntry{}, registry.ErrNotFound
		}
		return ce.entry, nil
	}
	c.mu.RUnlock()

	entry, err := c.lookupWithRetry(ctx, name)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.cache.Add(name, cacheEntry{negative: true, expires: time.Now().Add(defaultNegativeTTL)})
	case err == nil:
		c.cache.Add(name, cacheEntry{entry: entry, expires: time.Now().Add(defaultPositiveTTL)})
	}
	return entry, err
}

func (c *Client) lookupWithRetry(ctx context.Context, name string) (rpcapi.ServiceEntry, error) {
	payload, _ := wire.StructOf(map[string]any{"name": name})

	backoff := retryBase
	var lastErr error
	for attempt := 0; attempt < retryMax; attempt++ {
		resp, err := c.call(ctx, registry.ActionLookup, payload)
		if err == nil {
			switch resp.Status {
			case wire.StatusOK:
				var entry rpcapi.ServiceEntry
				if derr := decodeResponse(resp, &entry); derr != nil {
					return rpcapi.ServiceEntry{}, derr
				}
				return entry, nil
			case wire.StatusError:
				if resp.Kind == "NotFound" {
					// No retry on a definitive NotFound.
					return rpcapi.ServiceEntry{}, registry.ErrNotFound
				}
				lastErr = fmt.Errorf("%s: %s", resp.Kind, resp.Message)
			}
		} else {
			lastErr = err
		}

		if attempt == retryMax-1 {
			break
		}
		select {
		case <-ctx.Done():
			return rpcapi.ServiceEntry{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= retryFactor
		if backoff > retryCap {
			backoff = retryCap
		}
	}
	return rpcapi.ServiceEntry{}, &DiscoveryError{Kind: "Unavailable", Name: name, Err: lastErr}
}

// Resolve returns a request-kind endpoint ready to send to.
func (c *Client) Resolve(ctx context.Context, name string) (*endpointpool.Handle, error) {
	entry, err := c.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", entry.RequestEndpoint.Host, entry.RequestEndpoint.Port)
	return c.pool.Acquire(endpointpool.KindRequest, addr, endpointpool.Options{})
}

// SubscribeTo returns a subscribe-kind endpoint connected to name's
// registered request endpoint. topic is not applied here; the caller passes
// its filter when it opens the Subscribe stream.
func (c *Client) SubscribeTo(ctx context.Context, name, topic string) (*endpointpool.Handle, error) {
	entry, err := c.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", entry.RequestEndpoint.Host, entry.RequestEndpoint.Port)
	return c.pool.Acquire(endpointpool.KindSubscribe, addr, endpointpool.Options{})
}

// Invalidate drops the cached lookup for name.
func (c *Client) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(name)
}

func (c *Client) call(ctx context.Context, action string, payload *structpb.Struct) (*wire.Response, error) {
	return c.requester.Invoke(ctx, wire.NewRequest(action, payload))
}

func decodeResponse(resp *wire.Response, v any) error {
	req := &wire.Request{Payload: resp.Payload}
	return req.Decode(v)
}
