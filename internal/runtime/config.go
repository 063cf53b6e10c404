// Package runtime implements the Agent Runtime: the per-process base every
// concrete fabric agent is built on. It owns configuration, endpoint
// acquisition, the request/health concurrency split, background task
// tracking, rate-limited error publication, and the shutdown sequence. A
// concrete agent only supplies on_start/on_request/on_stop hooks and,
// optionally, extra health components or background tasks.
package runtime

import (
	"log/slog"
	"time"

	"github.com/agentfabric/fabric/internal/discovery"
	"github.com/agentfabric/fabric/internal/endpointpool"
	"github.com/agentfabric/fabric/internal/observability"
)

const (
	defaultShutdownGrace  = 10 * time.Second
	defaultErrorBusName   = "error_bus"
	defaultBindHost       = "0.0.0.0"
	defaultHealthInterval = 5 * time.Second
	publishTimeout        = 2 * time.Second
	errorBucketCapacity   = 20
	errorBucketWindow     = 5 * time.Second
)

// Options configures a new Agent. Name and RequestPort are required; every
// other field has a documented default applied by New.
type Options struct {
	Name           string
	Machine        string
	BindHost       string
	RequestPort    int
	HealthPort     int
	CapabilityTags []string

	// Reentrant opts the agent into concurrent on_request calls. The
	// default (false) serializes requests on a single concurrency unit.
	Reentrant bool

	ShutdownGrace time.Duration

	// RegistryAddr, if set, causes the runtime to self-register with the
	// Registry at this address and heartbeat at RefreshInterval.
	RegistryAddr    string
	RefreshInterval time.Duration

	// ErrorBusName is the Discovery Client name looked up to publish
	// ErrorEvents. Defaults to "error_bus".
	ErrorBusName string

	Pool      *endpointpool.Pool
	Discovery *discovery.Client
	Logger    *slog.Logger

	// Metrics, if set, records per-request counters/duration and periodic
	// process metrics. A nil Metrics leaves the corresponding calls as
	// no-ops, the same nil-tolerant convention ErrorSink uses.
	Metrics *observability.MetricsManager
}

func (o Options) withDefaults() Options {
	if o.BindHost == "" {
		o.BindHost = defaultBindHost
	}
	if o.HealthPort == 0 {
		o.HealthPort = o.RequestPort + 1
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = defaultShutdownGrace
	}
	if o.ErrorBusName == "" {
		o.ErrorBusName = defaultErrorBusName
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Pool == nil {
		o.Pool = endpointpool.New(nil)
	}
	return o
}

// ratelimitKeyFor builds the (category, severity) key the error bucket is
// keyed on.
func ratelimitKeyFor(category, severity string) string {
	return category + "|" + severity
}
