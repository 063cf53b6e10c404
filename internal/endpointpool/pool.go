// Package endpointpool implements the Endpoint Pool: reusable messaging
// endpoints cached by (kind, address) so an agent doesn't re-establish
// transport state on every call. It generalizes a one-broker-connection
// client/server wiring (one *grpc.Server per reply-kind bind, one
// *grpc.ClientConn per request/publish/subscribe-kind peer) into a
// reference-counted cache spanning all four endpoint kinds.
package endpointpool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/agentfabric/fabric/internal/security"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Kind enumerates the four endpoint roles an agent can acquire.
type Kind string

const (
	KindRequest   Kind = "request"   // client side of request/reply
	KindReply     Kind = "reply"     // server side of request/reply
	KindPublish   Kind = "publish"   // client side pushing to a subscriber
	KindSubscribe Kind = "subscribe" // client side reading a publish stream
)

// FailureKind classifies why acquiring an endpoint failed.
type FailureKind string

const (
	FailureBind    FailureKind = "Bind"
	FailureConnect FailureKind = "Connect"
	FailureAuth    FailureKind = "Auth"
)

// EndpointError is returned when acquire cannot produce a handle.
type EndpointError struct {
	Kind    FailureKind
	Address string
	Cause   error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("endpointpool: %s %s: %v", e.Kind, e.Address, e.Cause)
}

func (e *EndpointError) Unwrap() error { return e.Cause }

// Options configures an acquire call.
type Options struct {
	Linger       time.Duration
	SendTimeout  time.Duration
	RecvTimeout  time.Duration
	HighWaterMark int
	// AuthToken, if set, is attached as a "authorization: bearer <token>"
	// gRPC metadata entry on every outgoing call for this handle.
	AuthToken string
}

// Handle is a cached, reference-counted endpoint. Exactly one of Conn/Server
// is populated, depending on Kind.
type Handle struct {
	Kind    Kind
	Address string

	Conn   *grpc.ClientConn // KindRequest, KindPublish, KindSubscribe
	Server *grpc.Server     // KindReply
	Lis    net.Listener     // KindReply

	pool *Pool
	key  string
}

type entry struct {
	handle   *Handle
	refCount int
}

// Pool caches endpoint handles by (kind, address).
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string // acquisition order, for close_all
	issuer  *security.TokenIssuer
}

// New creates an empty pool. issuer may be nil when authentication material
// is not configured — it is optional, not required.
func New(issuer *security.TokenIssuer) *Pool {
	return &Pool{entries: make(map[string]*entry), issuer: issuer}
}

func keyFor(kind Kind, address string) string {
	return string(kind) + "|" + address
}

// Acquire returns a cached handle for (kind, address) or creates one.
// Concurrent Acquire calls for the same key return the same underlying
// handle, with its reference count incremented once per call.
func (p *Pool) Acquire(kind Kind, address string, opts Options) (*Handle, error) {
	key := keyFor(kind, address)

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.refCount++
		p.mu.Unlock()
		return e.handle, nil
	}
	p.mu.Unlock()

	h, err := p.create(kind, address, opts)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another goroutine may have created the same key meanwhile; keep the
	// loser's handle alive only long enough to release it and defer to the
	// winner, so concurrent acquires still converge on one handle.
	if e, ok := p.entries[key]; ok {
		e.refCount++
		winner := e.handle
		p.releaseCreated(h)
		return winner, nil
	}
	p.entries[key] = &entry{handle: h, refCount: 1}
	p.order = append(p.order, key)
	return h, nil
}

func (p *Pool) create(kind Kind, address string, opts Options) (*Handle, error) {
	switch kind {
	case KindReply:
		lis, err := net.Listen("tcp", address)
		if err != nil {
			return nil, &EndpointError{Kind: FailureBind, Address: address, Cause: err}
		}
		srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		return &Handle{Kind: kind, Address: address, Server: srv, Lis: lis}, nil

	case KindRequest, KindPublish, KindSubscribe:
		dialOpts := []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		}
		if opts.AuthToken != "" {
			dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearerCreds(opts.AuthToken)))
		}
		conn, err := grpc.NewClient(address, dialOpts...)
		if err != nil {
			return nil, &EndpointError{Kind: FailureConnect, Address: address, Cause: err}
		}
		return &Handle{Kind: kind, Address: address, Conn: conn}, nil

	default:
		return nil, &EndpointError{Kind: FailureConnect, Address: address, Cause: fmt.Errorf("unknown kind %q", kind)}
	}
}

// Release decrements the handle's reference count, closing it when it
// reaches zero. A double release is a programming error and is reported,
// never silently ignored.
func (p *Pool) Release(h *Handle) error {
	key := keyFor(h.Kind, h.Address)

	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("endpointpool: double release of %s %s", h.Kind, h.Address)
	}
	e.refCount--
	if e.refCount > 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.entries, key)
	p.mu.Unlock()

	return p.releaseCreated(h)
}

func (p *Pool) releaseCreated(h *Handle) error {
	switch h.Kind {
	case KindReply:
		h.Server.GracefulStop()
		return h.Lis.Close()
	default:
		return h.Conn.Close()
	}
}

// CloseAll releases every still-open handle in reverse acquisition order,
// called at process shutdown.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	order := append([]string(nil), p.order...)
	p.order = nil
	p.mu.Unlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		key := order[i]
		p.mu.Lock()
		e, ok := p.entries[key]
		if ok {
			delete(p.entries, key)
		}
		p.mu.Unlock()
		if !ok {
			continue
		}
		if err := p.releaseCreated(e.handle); err != nil && firstErr == nil {
			firstErr = err
		}
		select {
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			return firstErr
		default:
		}
	}
	return firstErr
}
