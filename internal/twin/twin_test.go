package twin

import (
	"testing"
	"time"

	"github.com/agentfabric/fabric/internal/rpcapi"
)

func TestTwin_ObserveErrorCreatesAndUpdatesEntry(t *testing.T) {
	tw := New(Options{})

	tw.ObserveError(rpcapi.ErrorEvent{Agent: "agent-a", Machine: "m1", Severity: rpcapi.SeverityWarning, Message: "slow"})

	entry, ok := tw.Status("m1", "agent-a")
	if !ok {
		t.Fatal("expected a view to exist after observing an error")
	}
	if len(entry.RecentErrors) != 1 {
		t.Fatalf("expected 1 recent error, got %d", len(entry.RecentErrors))
	}
}

func TestTwin_RecentErrorsFiltersBySeverity(t *testing.T) {
	tw := New(Options{})
	tw.ObserveError(rpcapi.ErrorEvent{Agent: "a", Machine: "m1", Severity: rpcapi.SeverityInfo, EpochMs: 1})
	tw.ObserveError(rpcapi.ErrorEvent{Agent: "a", Machine: "m1", Severity: rpcapi.SeverityCritical, EpochMs: 2})

	got := tw.RecentErrors("a", 0, rpcapi.SeverityError)
	if len(got) != 1 || got[0].Severity != rpcapi.SeverityCritical {
		t.Fatalf("expected only the Critical event, got %+v", got)
	}
}

func TestTwin_MaxRecentErrorsCapsPerEntry(t *testing.T) {
	tw := New(Options{MaxRecentErrors: 3})
	for i := 0; i < 10; i++ {
		tw.ObserveError(rpcapi.ErrorEvent{Agent: "a", Machine: "m1", Severity: rpcapi.SeverityInfo, EventID: uint64(i)})
	}
	entry, _ := tw.Status("m1", "a")
	if len(entry.RecentErrors) != 3 {
		t.Fatalf("expected 3 recent errors retained, got %d", len(entry.RecentErrors))
	}
	if entry.RecentErrors[len(entry.RecentErrors)-1].EventID != 9 {
		t.Fatalf("expected the most recent event to survive capping")
	}
}

func TestTwin_SweepMarksUnknownAfterGraceWindow(t *testing.T) {
	tw := New(Options{GraceWindow: 10 * time.Millisecond, Retention: time.Hour})
	tw.markSeen("m1", "ghost", time.Now().Add(-time.Second))

	tw.sweepGraceWindow()

	entry, ok := tw.Status("m1", "ghost")
	if !ok {
		t.Fatal("expected the entry to still be retained")
	}
	if entry.DerivedStatus != rpcapi.HealthUnknown {
		t.Fatalf("expected the entry to surface as Unknown, got %s", entry.DerivedStatus)
	}
}

func TestTwin_SubscribeReceivesBroadcastErrors(t *testing.T) {
	tw := New(Options{})
	id, ch := tw.addSub()
	defer tw.removeSub(id)

	tw.ObserveError(rpcapi.ErrorEvent{Agent: "a", Machine: "m1", Severity: rpcapi.SeverityWarning})

	select {
	case ev := <-ch:
		if _, ok := ev.(rpcapi.ErrorEvent); !ok {
			t.Fatalf("expected an ErrorEvent, got %T", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the broadcast event")
	}
}
