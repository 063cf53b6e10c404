package registry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/wire"
)

// Actions served on the Registry's request endpoint.
const (
	ActionRegister   = "register"
	ActionDeregister = "deregister"
	ActionLookup     = "lookup"
	ActionList       = "list"
	ActionHeartbeat  = "heartbeat"
)

// Service implements rpcapi.RequesterServer, dispatching by Request.Action.
type Service struct {
	backend Backend
	logger  *slog.Logger
}

// NewService wires a backend (MemoryBackend or RedisBackend) behind the
// generic request/reply surface.
func NewService(backend Backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, logger: logger}
}

// Invoke implements rpcapi.RequesterServer.
func (s *Service) Invoke(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	switch req.Action {
	case ActionRegister:
		return s.register(ctx, req)
	case ActionDeregister:
		return s.deregister(ctx, req)
	case ActionLookup:
		return s.lookup(ctx, req)
	case ActionList:
		return s.list(ctx, req)
	case ActionHeartbeat:
		return s.heartbeat(ctx, req)
	default:
		return wire.Errorf("InvalidEntry", "registry: unknown action %q", req.Action), nil
	}
}

func (s *Service) register(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	var entry rpcapi.ServiceEntry
	if err := req.Decode(&entry); err != nil {
		return wire.Errorf("InvalidEntry", "registry: %v", err), nil
	}
	if entry.Name == "" || entry.RequestEndpoint.Host == "" {
		return wire.Errorf("InvalidEntry", "registry: name and request_endpoint.host are required"), nil
	}

	if err := s.backend.Register(ctx, entry); err != nil {
		if errors.Is(err, ErrConflict) {
			return wire.Errorf("Conflict", "registry: %s already claims %s:%d", entry.Name, entry.RequestEndpoint.Host, entry.RequestEndpoint.Port), nil
		}
		s.logger.ErrorContext(ctx, "register failed", "name", entry.Name, "error", err)
		return wire.Errorf("BackendError", "registry: %v", err), nil
	}
	return wire.OK(nil), nil
}

func (s *Service) deregister(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return wire.Errorf("InvalidEntry", "registry: %v", err), nil
	}
	if err := s.backend.Deregister(ctx, name); err != nil {
		return wire.Errorf("BackendError", "registry: %v", err), nil
	}
	return wire.OK(nil), nil
}

func (s *Service) lookup(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return wire.Errorf("InvalidEntry", "registry: %v", err), nil
	}
	entry, err := s.backend.Lookup(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return wire.Errorf("NotFound", "registry: %s not registered", name), nil
	}
	if err != nil {
		return wire.Errorf("BackendError", "registry: %v", err), nil
	}
	payload, err := wire.StructOfValue(entry)
	if err != nil {
		return wire.Errorf("BackendError", "registry: %v", err), nil
	}
	return wire.OK(payload), nil
}

func (s *Service) list(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	tag, _ := req.RequireString("group")
	entries, err := s.backend.List(ctx, tag)
	if err != nil {
		return wire.Errorf("BackendError", "registry: %v", err), nil
	}
	payload, err := wire.StructOfValue(map[string]any{"entries": entries})
	if err != nil {
		return wire.Errorf("BackendError", "registry: %v", err), nil
	}
	return wire.OK(payload), nil
}

func (s *Service) heartbeat(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return wire.Errorf("InvalidEntry", "registry: %v", err), nil
	}
	if err := s.backend.Heartbeat(ctx, name); err != nil {
		if errors.Is(err, ErrNotFound) {
			return wire.Errorf("NotFound", "registry: %s not registered", name), nil
		}
		return wire.Errorf("BackendError", "registry: %v", err), nil
	}
	return wire.OK(nil), nil
}
