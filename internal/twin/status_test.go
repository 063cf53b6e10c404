package twin

import (
	"testing"
	"time"

	"github.com/agentfabric/fabric/internal/rpcapi"
)

func TestDeriveStatus_NilSnapshotIsUnhealthy(t *testing.T) {
	got := deriveStatus(nil, time.Time{}, nil, time.Now())
	if got != rpcapi.HealthUnhealthy {
		t.Fatalf("got %s, want Unhealthy", got)
	}
}

func TestDeriveStatus_FreshOkSnapshotStaysOk(t *testing.T) {
	now := time.Now()
	snap := &rpcapi.HealthSnapshot{Status: rpcapi.HealthOk}
	got := deriveStatus(snap, now, nil, now)
	if got != rpcapi.HealthOk {
		t.Fatalf("got %s, want Ok", got)
	}
}

func TestDeriveStatus_StaleSnapshotDegrades(t *testing.T) {
	now := time.Now()
	snap := &rpcapi.HealthSnapshot{Status: rpcapi.HealthOk}
	got := deriveStatus(snap, now.Add(-staleAfter-time.Second), nil, now)
	if got != rpcapi.HealthDegraded {
		t.Fatalf("got %s, want Degraded", got)
	}
}

func TestDeriveStatus_BurstOfErrorsDegradesEvenWhenSnapshotOk(t *testing.T) {
	now := time.Now()
	snap := &rpcapi.HealthSnapshot{Status: rpcapi.HealthOk}
	var errs []rpcapi.ErrorEvent
	for i := 0; i < errorThreshold; i++ {
		errs = append(errs, rpcapi.ErrorEvent{Severity: rpcapi.SeverityError, EpochMs: now.UnixMilli()})
	}
	got := deriveStatus(snap, now, errs, now)
	if got != rpcapi.HealthDegraded {
		t.Fatalf("got %s, want Degraded", got)
	}
}

func TestDeriveStatus_OldErrorsOutsideWindowDoNotCount(t *testing.T) {
	now := time.Now()
	snap := &rpcapi.HealthSnapshot{Status: rpcapi.HealthOk}
	var errs []rpcapi.ErrorEvent
	old := now.Add(-recentErrorWindow - time.Minute)
	for i := 0; i < errorThreshold+2; i++ {
		errs = append(errs, rpcapi.ErrorEvent{Severity: rpcapi.SeverityError, EpochMs: old.UnixMilli()})
	}
	got := deriveStatus(snap, now, errs, now)
	if got != rpcapi.HealthOk {
		t.Fatalf("got %s, want Ok since all errors are outside the window", got)
	}
}

func TestDeriveStatus_UnhealthySnapshotNeverImproves(t *testing.T) {
	now := time.Now()
	snap := &rpcapi.HealthSnapshot{Status: rpcapi.HealthUnhealthy}
	got := deriveStatus(snap, now, nil, now)
	if got != rpcapi.HealthUnhealthy {
		t.Fatalf("got %s, want Unhealthy", got)
	}
}
