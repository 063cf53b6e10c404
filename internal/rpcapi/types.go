package rpcapi

import "time"

// AgentDescriptor is the declarative unit a Supervisor manifest lists.
type AgentDescriptor struct {
	Name                 string            `json:"name"`
	Group                string            `json:"group"`
	Executable           string            `json:"executable"`
	RequestPort          int               `json:"request_port"`
	HealthPort           int               `json:"health_port,omitempty"`
	Required             bool              `json:"required"`
	Dependencies         []string          `json:"dependencies,omitempty"`
	Env                  map[string]string `json:"env,omitempty"`
	Args                 []string          `json:"args,omitempty"`
	RestartPolicy        RestartPolicy     `json:"restart_policy,omitempty"`
	StartTimeout         time.Duration     `json:"start_timeout,omitempty"`
	HealthTimeout        time.Duration     `json:"health_timeout,omitempty"`
	MaxRestartsPerWindow int               `json:"max_restarts_per_window,omitempty"`
	// RestartOnDependencyChange opts a descriptor into being restarted when
	// a dependency leaves Ready; the default is to stay up.
	RestartOnDependencyChange bool `json:"restart_on_dependency_change,omitempty"`
	// Reentrant marks an agent whose on_request handler may run
	// concurrently within one process; the Supervisor passes it through to the spawned process as
	// FABRIC_REENTRANT=1 rather than interpreting it itself.
	Reentrant bool `json:"reentrant,omitempty"`
}

// ResolvedHealthPort returns HealthPort if set, otherwise the documented
// default of RequestPort+1. Every consumer of a descriptor's health port —
// manifest validation and the Supervisor's prober — must go through this method rather than reading HealthPort
// directly, so the default is applied exactly once and consistently.
func (d AgentDescriptor) ResolvedHealthPort() int {
	if d.HealthPort != 0 {
		return d.HealthPort
	}
	return d.RequestPort + 1
}

// RestartPolicy enumerates the Supervisor's restart behaviors.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// AgentState is the Supervisor's per-agent state machine.
type AgentState string

const (
	StatePending   AgentState = "Pending"
	StateStarting  AgentState = "Starting"
	StateReady     AgentState = "Ready"
	StateDegraded  AgentState = "Degraded"
	StateStopping  AgentState = "Stopping"
	StateStopped   AgentState = "Stopped"
	StateFailed    AgentState = "Failed"
)

// ServiceEntry is the Registry's unit of storage.
type ServiceEntry struct {
	Name              string            `json:"name"`
	RequestEndpoint   Endpoint          `json:"request_endpoint"`
	HealthEndpoint    Endpoint          `json:"health_endpoint"`
	CapabilityTags    []string          `json:"capability_tags,omitempty"`
	LastRegisteredAt  int64             `json:"last_registered_at"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Endpoint identifies a reachable transport address.
type Endpoint struct {
	Transport string `json:"transport"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
}

// Health status values for HealthSnapshot and its component checks.
type HealthStatus string

const (
	HealthOk        HealthStatus = "Ok"
	HealthDegraded  HealthStatus = "Degraded"
	HealthUnhealthy HealthStatus = "Unhealthy"
	// HealthUnknown marks a Digital Twin entry for an agent that has
	// dropped out of the Registry past its grace window. It is distinct
	// from HealthUnhealthy: Unhealthy means the agent is reachable and
	// actively failing its health checks, Unknown means the Twin has lost
	// track of it entirely and has nothing current to report.
	HealthUnknown HealthStatus = "Unknown"
)

// ComponentCheck is one named health component's result.
type ComponentCheck struct {
	Status HealthStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// HealthSnapshot is what an agent's health endpoint returns for a "full" probe.
type HealthSnapshot struct {
	Status     HealthStatus              `json:"status"`
	UptimeSecs float64                   `json:"uptime_seconds"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Metrics    map[string]float64        `json:"metrics,omitempty"`
	EpochMs    int64                     `json:"epoch_ms"`
}

// Severity enumerates ErrorEvent severities, also used as the Error Bus
// topic's second segment (err.<severity>.<machine>.<agent>).
type Severity string

const (
	SeverityInfo     Severity = "Info"
	SeverityWarning  Severity = "Warning"
	SeverityError    Severity = "Error"
	SeverityCritical Severity = "Critical"
)

// ErrorEvent is published to the Error Bus by any agent.
type ErrorEvent struct {
	Agent     string            `json:"agent"`
	Machine   string            `json:"machine"`
	Severity  Severity          `json:"severity"`
	Category  string            `json:"category"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	EventID   uint64            `json:"event_id"`
	EpochMs   int64             `json:"epoch_ms"`
}

// Topic builds the err.<severity>.<machine>.<agent> grammar string.
func (e ErrorEvent) Topic() string {
	return "err." + string(e.Severity) + "." + e.Machine + "." + e.Agent
}

// TwinEntry is the Digital Twin's per-(machine, name) view.
type TwinEntry struct {
	Machine        string       `json:"machine"`
	Name           string       `json:"name"`
	LastSnapshot   *HealthSnapshot `json:"last_snapshot,omitempty"`
	RecentErrors   []ErrorEvent `json:"recent_errors,omitempty"`
	DerivedStatus  HealthStatus `json:"derived_status"`
	LastUpdatedMs  int64        `json:"last_updated_ms"`
}
