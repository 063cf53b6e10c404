package errorbus

import (
	"context"
	"testing"
	"time"

	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/wire"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestBus_PublishDeliversToMatchingFilter(t *testing.T) {
	bus := New(nil, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := bus.addSubscriber("err.Warning.")
	defer bus.removeSubscriber(sub)

	ev := rpcapi.ErrorEvent{Agent: "a", Machine: "m1", Severity: rpcapi.SeverityWarning, Category: "network", Message: "timeout"}
	resp, err := bus.Invoke(ctx, &wire.Request{Action: "publish", Payload: mustStruct(t, ev)})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Status != wire.StatusOK {
		t.Fatalf("expected ok status, got %s: %s", resp.Status, resp.Message)
	}

	select {
	case got := <-sub.queue:
		if got.Agent != "a" || got.Severity != rpcapi.SeverityWarning {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestBus_NonMatchingFilterIsNotDelivered(t *testing.T) {
	bus := New(nil, nil)
	defer bus.Close()

	sub := bus.addSubscriber("err.Critical.")
	defer bus.removeSubscriber(sub)

	ev := rpcapi.ErrorEvent{Agent: "a", Machine: "m1", Severity: rpcapi.SeverityInfo, Category: "network", Message: "ok"}
	bus.publish(ev)

	select {
	case got := <-sub.queue:
		t.Fatalf("did not expect delivery for a non-matching filter, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_FullQueueDropsOldestRatherThanBlocking(t *testing.T) {
	bus := New(nil, nil)
	defer bus.Close()
	bus.queueCap = 2

	sub := bus.addSubscriber("")
	defer bus.removeSubscriber(sub)

	for i := 0; i < 5; i++ {
		bus.publish(rpcapi.ErrorEvent{Agent: "a", Machine: "m1", Severity: rpcapi.SeverityInfo, EventID: uint64(i)})
	}

	if bus.dropped.Load() == 0 {
		t.Fatal("expected at least one drop once the queue filled up")
	}
	if len(sub.queue) != 2 {
		t.Fatalf("expected the queue to stay at capacity 2, got %d", len(sub.queue))
	}
}

func mustStruct(t *testing.T, v any) *structpb.Struct {
	t.Helper()
	s, err := wire.StructOfValue(v)
	if err != nil {
		t.Fatalf("struct of value: %v", err)
	}
	return s
}
