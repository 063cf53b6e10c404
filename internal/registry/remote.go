package registry

import (
	"context"
	"errors"

	"github.com/agentfabric/fabric/internal/endpointpool"
	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/wire"
)

// RemoteBackend is a Backend implementation that forwards every call to a
// Registry reachable at a fixed address, for processes (like the Digital
// Twin) that need read access to registrations without running their own
// storage. Unlike the Discovery Client it has no lookup cache: callers that
// need caching and retry/backoff should use internal/discovery instead.
type RemoteBackend struct {
	pool *endpointpool.Pool
	addr string
}

// NewRemoteBackend wraps a fixed Registry address as a Backend.
func NewRemoteBackend(pool *endpointpool.Pool, addr string) *RemoteBackend {
	return &RemoteBackend{pool: pool, addr: addr}
}

func (r *RemoteBackend) call(ctx context.Context, action string, payload map[string]any) (*wire.Response, error) {
	handle, err := r.pool.Acquire(endpointpool.KindRequest, r.addr, endpointpool.Options{})
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(handle)

	p, err := wire.StructOf(payload)
	if err != nil {
		return nil, err
	}
	client := rpcapi.NewRequesterClient(handle.Conn)
	return client.Invoke(ctx, wire.NewRequest(action, p))
}

func (r *RemoteBackend) Register(ctx context.Context, entry rpcapi.ServiceEntry) error {
	payload, err := wire.StructOfValue(entry)
	if err != nil {
		return err
	}
	resp, err := r.call(ctx, ActionRegister, wire.Map(payload))
	if err != nil {
		return err
	}
	return remoteErr(resp)
}

func (r *RemoteBackend) Deregister(ctx context.Context, name string) error {
	resp, err := r.call(ctx, ActionDeregister, map[string]any{"name": name})
	if err != nil {
		return err
	}
	return remoteErr(resp)
}

func (r *RemoteBackend) Lookup(ctx context.Context, name string) (rpcapi.ServiceEntry, error) {
	resp, err := r.call(ctx, ActionLookup, map[string]any{"name": name})
	if err != nil {
		return rpcapi.ServiceEntry{}, err
	}
	if resp.Status != wire.StatusOK {
		if resp.Kind == "NotFound" {
			return rpcapi.ServiceEntry{}, ErrNotFound
		}
		return rpcapi.ServiceEntry{}, remoteErr(resp)
	}
	var entry rpcapi.ServiceEntry
	if err := decodeInto(resp, &entry); err != nil {
		return rpcapi.ServiceEntry{}, err
	}
	return entry, nil
}

func (r *RemoteBackend) List(ctx context.Context, capabilityTag string) ([]rpcapi.ServiceEntry, error) {
	resp, err := r.call(ctx, ActionList, map[string]any{"group": capabilityTag})
	if err != nil {
		return nil, err
	}
	if resp.Status != wire.StatusOK {
		return nil, remoteErr(resp)
	}
	var out struct {
		Entries []rpcapi.ServiceEntry `json:"entries"`
	}
	if err := decodeInto(resp, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (r *RemoteBackend) Heartbeat(ctx context.Context, name string) error {
	resp, err := r.call(ctx, ActionHeartbeat, map[string]any{"name": name})
	if err != nil {
		return err
	}
	return remoteErr(resp)
}

func remoteErr(resp *wire.Response) error {
	if resp.Status == wire.StatusOK {
		return nil
	}
	return errors.New(resp.Kind + ": " + resp.Message)
}

func decodeInto(resp *wire.Response, v any) error {
	req := &wire.Request{Payload: resp.Payload}
	return req.Decode(v)
}
