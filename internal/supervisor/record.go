package supervisor

import (
	"time"

	"github.com/agentfabric/fabric/internal/rpcapi"
)

// AgentRecord is the Supervisor's exclusively-owned view of one managed
// agent. External readers never touch this struct directly — they call
// Supervisor.Snapshot, which copies it off the owning goroutine.
type AgentRecord struct {
	Descriptor rpcapi.AgentDescriptor
	State      rpcapi.AgentState

	PID int

	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	RestartCount         int

	LastError        string
	LastTransitionAt time.Time
	StartedAt        time.Time
}

func newAgentRecord(desc rpcapi.AgentDescriptor) *AgentRecord {
	return &AgentRecord{Descriptor: desc, State: rpcapi.StatePending}
}

func (r *AgentRecord) transition(to rpcapi.AgentState) {
	r.State = to
	r.LastTransitionAt = time.Now()
}

// clone returns a value copy safe to hand to a caller outside the owning
// goroutine.
func (r *AgentRecord) clone() AgentRecord {
	return *r
}
