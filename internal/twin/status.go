package twin

import (
	"time"

	"github.com/agentfabric/fabric/internal/rpcapi"
)

// staleAfter is how long a HealthSnapshot is trusted before the derived
// status degrades regardless of what it last reported.
const staleAfter = 15 * time.Second

// recentErrorWindow bounds how far back recentErrors counts toward the
// derived status.
const recentErrorWindow = 30 * time.Second

// errorThreshold is the number of Error/Critical events inside
// recentErrorWindow that forces a derived status of at least Degraded even
// when the last HealthSnapshot reported Ok.
const errorThreshold = 3

// deriveStatus is a pure function of the last known HealthSnapshot, how long
// ago it was taken, and a window of recent errors — independently testable
// and with no dependency on wall-clock "now" baked in, so callers control
// what "now" means.
func deriveStatus(last *rpcapi.HealthSnapshot, lastUpdated time.Time, recentErrors []rpcapi.ErrorEvent, now time.Time) rpcapi.HealthStatus {
	if last == nil {
		return rpcapi.HealthUnhealthy
	}
	status := last.Status
	if now.Sub(lastUpdated) > staleAfter {
		status = worseOf(status, rpcapi.HealthDegraded)
	}

	var severe int
	cutoff := now.Add(-recentErrorWindow)
	for _, ev := range recentErrors {
		if time.UnixMilli(ev.EpochMs).Before(cutoff) {
			continue
		}
		if ev.Severity == rpcapi.SeverityError || ev.Severity == rpcapi.SeverityCritical {
			severe++
		}
	}
	if severe >= errorThreshold {
		status = worseOf(status, rpcapi.HealthDegraded)
	}
	return status
}

func worseOf(a, b rpcapi.HealthStatus) rpcapi.HealthStatus {
	rank := map[rpcapi.HealthStatus]int{
		rpcapi.HealthOk:        0,
		rpcapi.HealthDegraded:  1,
		rpcapi.HealthUnhealthy: 2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
