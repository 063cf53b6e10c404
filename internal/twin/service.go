package twin

import (
	"context"

	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/wire"
)

// broadcast fans one event (rpcapi.ErrorEvent or HealthTransition) out to
// every live Subscribe stream, dropping it for a subscriber whose channel is
// full rather than blocking the caller — the same best-effort contract the
// Error Bus itself offers.
func (t *Twin) broadcast(ev any) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (t *Twin) addSub() (uint64, chan any) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.nextSubID++
	id := t.nextSubID
	ch := make(chan any, 256)
	t.subs[id] = ch
	return id, ch
}

func (t *Twin) removeSub(id uint64) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	delete(t.subs, id)
}

// Invoke implements rpcapi.RequesterServer: "status", "status_all", and
// "recent_errors".
func (t *Twin) Invoke(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	switch req.Action {
	case "status":
		name, err := req.RequireString("name")
		if err != nil {
			return wire.Errorf("InvalidEntry", "twin: %v", err), nil
		}
		machine, _ := wire.Map(req.Payload)["machine"].(string)
		entry, ok := t.Status(machine, name)
		if !ok {
			return wire.Errorf("InvalidEntry", "twin: no view for %q", name), nil
		}
		payload, err := wire.StructOfValue(entry)
		if err != nil {
			return wire.Errorf("BackendError", "twin: %v", err), nil
		}
		return wire.OK(payload), nil

	case "status_all":
		payload, err := wire.StructOfValue(map[string]any{"entries": t.StatusAll()})
		if err != nil {
			return wire.Errorf("BackendError", "twin: %v", err), nil
		}
		return wire.OK(payload), nil

	case "recent_errors":
		m := wire.Map(req.Payload)
		name, _ := m["name"].(string)
		since, _ := m["since"].(float64)
		severity, _ := m["severity"].(string)
		events := t.RecentErrors(name, int64(since), rpcapi.Severity(severity))
		payload, err := wire.StructOfValue(map[string]any{"events": events})
		if err != nil {
			return wire.Errorf("BackendError", "twin: %v", err), nil
		}
		return wire.OK(payload), nil

	default:
		return wire.Errorf("InvalidEntry", "twin: unknown action %q", req.Action), nil
	}
}

// Subscribe implements rpcapi.StreamerServer, streaming ErrorEvents and
// HealthTransitions as they occur. The initiating Request's payload may
// carry {"name": "...", "machine": "..."} to filter to one agent.
func (t *Twin) Subscribe(req *wire.Request, stream rpcapi.Streamer_SubscribeServer) error {
	m := wire.Map(req.Payload)
	wantName, _ := m["name"].(string)
	wantMachine, _ := m["machine"].(string)

	id, ch := t.addSub()
	defer t.removeSub(id)

	ctx := stream.Context()
	for {
		select {
		case ev := <-ch:
			if !matchesFilter(ev, wantMachine, wantName) {
				continue
			}
			payload, err := wire.StructOfValue(ev)
			if err != nil {
				continue
			}
			if err := stream.Send(wire.OK(payload)); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func matchesFilter(ev any, machine, name string) bool {
	var evMachine, evName string
	switch v := ev.(type) {
	case rpcapi.ErrorEvent:
		evMachine, evName = v.Machine, v.Agent
	case HealthTransition:
		evMachine, evName = v.Machine, v.Name
	default:
		return false
	}
	if machine != "" && machine != evMachine {
		return false
	}
	if name != "" && name != evName {
		return false
	}
	return true
}
