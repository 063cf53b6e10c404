// Package registry implements the Service Registry: a name to endpoint
// directory with two interchangeable backends, served on its own request
// endpoint via internal/rpcapi.RequesterServer.
package registry

import (
	"context"
	"errors"

	"github.com/agentfabric/fabric/internal/rpcapi"
)

// ErrNotFound is returned by Backend.Lookup when name has no entry.
var ErrNotFound = errors.New("registry: not found")

// ErrConflict is returned by Backend.Register when a different owner
// already holds the (host, port) pair for a request endpoint.
var ErrConflict = errors.New("registry: request endpoint already claimed")

// Backend is implemented by the in-memory and Redis-backed stores.
type Backend interface {
	Register(ctx context.Context, entry rpcapi.ServiceEntry) error
	Deregister(ctx context.Context, name string) error
	Lookup(ctx context.Context, name string) (rpcapi.ServiceEntry, error)
	List(ctx context.Context, capabilityTag string) ([]rpcapi.ServiceEntry, error)
	// Heartbeat refreshes TTL on backends that support it; backends
	// without a TTL (like in-memory) refresh nothing. The in-memory and
	// Redis backends return ErrNotFound for a name with no entry.
	Heartbeat(ctx context.Context, name string) error
}
