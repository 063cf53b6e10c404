package supervisor

import (
	"context"
	"fmt"

	"github.com/agentfabric/fabric/internal/endpointpool"
	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/wire"
)

// Prober answers whether an agent's health endpoint reports Ok, the
// readiness signal the startup loop and steady-state supervision both poll
// for. It shares the Endpoint Pool so repeated probes of the same agent
// reuse one connection instead of dialing fresh every tick.
type Prober interface {
	Probe(ctx context.Context, host string, port int) (rpcapi.HealthStatus, error)
}

type grpcProber struct {
	pool *endpointpool.Pool
}

// NewProber builds a Prober that dials agents' health endpoints over the
// shared Endpoint Pool, using the same RequesterClient surface every
// request/reply endpoint in the fabric answers on.
func NewProber(pool *endpointpool.Pool) Prober {
	return &grpcProber{pool: pool}
}

func (g *grpcProber) Probe(ctx context.Context, host string, port int) (rpcapi.HealthStatus, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	handle, err := g.pool.Acquire(endpointpool.KindRequest, addr, endpointpool.Options{})
	if err != nil {
		return "", err
	}
	defer g.pool.Release(handle)

	client := rpcapi.NewRequesterClient(handle.Conn)
	resp, err := client.Invoke(ctx, wire.NewRequest("ping", nil))
	if err != nil {
		return "", err
	}
	if resp.Status != wire.StatusOK {
		return "", fmt.Errorf("supervisor: health ping: %s %s", resp.Kind, resp.Message)
	}
	m := wire.Map(resp.Payload)
	status, _ := m["status"].(string)
	if status == "" {
		status = string(rpcapi.HealthOk)
	}
	return rpcapi.HealthStatus(status), nil
}
