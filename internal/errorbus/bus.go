// Package errorbus implements the cross-machine Error Bus: a best-effort
// pub/sub relay for ErrorEvents, reachable by both machines over a single
// publish/subscribe endpoint. Publishers never block on a slow subscriber —
// a full per-subscriber queue drops its oldest entry to make room for the
// newest, and the drop is counted rather than silently lost.
package errorbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentfabric/fabric/internal/observability"
	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/wire"
)

const (
	defaultQueueCapacity = 1000
	summaryInterval      = 10 * time.Second
)

// Bus relays published ErrorEvents to every subscriber whose filter
// prefix-matches the event's topic (err.<severity>.<machine>.<agent>).
type Bus struct {
	mu       sync.Mutex
	subs     map[uint64]*subscription
	nextID   uint64
	queueCap int
	logger   *slog.Logger
	metrics  *observability.MetricsManager

	published atomic.Uint64
	dropped   atomic.Uint64

	stopSummary chan struct{}
}

type subscription struct {
	filter string
	queue  chan rpcapi.ErrorEvent
}

// New creates a Bus with the default per-subscriber queue capacity (1000)
// and starts its periodic Warning summary loop. metrics may be nil.
func New(logger *slog.Logger, metrics *observability.MetricsManager) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subs:        make(map[uint64]*subscription),
		queueCap:    defaultQueueCapacity,
		logger:      logger,
		metrics:     metrics,
		stopSummary: make(chan struct{}),
	}
	go b.summaryLoop()
	return b
}

// Close stops the background summary loop.
func (b *Bus) Close() {
	close(b.stopSummary)
}

// Invoke implements rpcapi.RequesterServer; the only action is "publish".
func (b *Bus) Invoke(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if req.Action != "publish" {
		return wire.Errorf("InvalidEntry", "errorbus: unknown action %q", req.Action), nil
	}
	var ev rpcapi.ErrorEvent
	if err := req.Decode(&ev); err != nil {
		return wire.Errorf("InvalidEntry", "errorbus: malformed event: %v", err), nil
	}
	b.publish(ev)
	if b.metrics != nil {
		b.metrics.IncrementEventsPublished(ctx, ev.Topic(), "errorbus")
	}
	return wire.OK(nil), nil
}

func (b *Bus) publish(ev rpcapi.ErrorEvent) {
	started := time.Now()
	b.published.Add(1)
	topic := ev.Topic()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.metrics != nil {
		defer func() {
			b.metrics.RecordErrorBusPublishDuration(context.Background(), topic, time.Since(started))
		}()
	}
	for _, sub := range b.subs {
		if !strings.HasPrefix(topic, sub.filter) {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			// queue full: drop the oldest to make room for the newest.
			select {
			case <-sub.queue:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.queue <- ev:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Subscribe implements rpcapi.StreamerServer. The initiating Request's
// payload carries {"filter": "err.Warning."} (empty filter matches
// everything); events matching the filter stream until the client
// disconnects or the stream's context is canceled.
func (b *Bus) Subscribe(req *wire.Request, stream rpcapi.Streamer_SubscribeServer) error {
	// An absent or empty filter matches every event.
	var filter string
	if f, ok := wire.Map(req.Payload)["filter"].(string); ok {
		filter = f
	}

	sub := b.addSubscriber(filter)
	defer b.removeSubscriber(sub)

	ctx := stream.Context()
	for {
		select {
		case ev, ok := <-sub.queue:
			if !ok {
				return nil
			}
			consumeStart := time.Now()
			payload, err := wire.StructOfValue(ev)
			if err != nil {
				b.logger.ErrorContext(ctx, "errorbus: failed to encode event for subscriber", "error", err)
				if b.metrics != nil {
					b.metrics.IncrementErrorBusConnectionErrors(ctx)
				}
				continue
			}
			if err := stream.Send(wire.OK(payload)); err != nil {
				if b.metrics != nil {
					b.metrics.IncrementErrorBusConnectionErrors(ctx)
				}
				return err
			}
			if b.metrics != nil {
				b.metrics.RecordErrorBusConsumeDuration(ctx, ev.Topic(), time.Since(consumeStart))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bus) addSubscriber(filter string) *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{filter: filter, queue: make(chan rpcapi.ErrorEvent, b.queueCap)}
	b.subs[b.nextID] = sub
	return sub
}

func (b *Bus) removeSubscriber(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if sub == target {
			delete(b.subs, id)
			return
		}
	}
}

// subscriberCount reports the current subscriber count, for tests and the
// periodic summary.
func (b *Bus) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) summaryLoop() {
	ticker := time.NewTicker(summaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			published := b.published.Swap(0)
			dropped := b.dropped.Swap(0)
			if published == 0 && dropped == 0 {
				continue
			}
			b.logger.Warn("errorbus summary",
				"published", published, "dropped", dropped, "subscribers", b.subscriberCount())
			if dropped > 0 {
				b.publish(rpcapi.ErrorEvent{
					Agent:    "errorbus",
					Severity: rpcapi.SeverityWarning,
					Category: "resource",
					Message:  fmt.Sprintf("dropped %d event(s) in the last %s", dropped, summaryInterval),
					EpochMs:  time.Now().UnixMilli(),
				})
			}
		case <-b.stopSummary:
			return
		}
	}
}
