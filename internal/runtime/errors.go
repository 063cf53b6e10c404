package runtime

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentfabric/fabric/internal/discovery"
	"github.com/agentfabric/fabric/internal/endpointpool"
	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/wire"
)

// ErrorSink delivers an ErrorEvent to the Error Bus. The zero value (a nil
// ErrorSink) is valid: PublishError drops events and counts them instead of
// failing the caller, matching the "bus unreachable" failure semantics.
type ErrorSink interface {
	Publish(ctx context.Context, ev rpcapi.ErrorEvent) error
}

// discoveryErrorSink resolves the Error Bus by name through the Discovery
// Client on every publish, so a bus restart at a new address is picked up
// without the agent needing to watch anything.
type discoveryErrorSink struct {
	disc *discovery.Client
	pool *endpointpool.Pool
	name string
}

func (s *discoveryErrorSink) Publish(ctx context.Context, ev rpcapi.ErrorEvent) error {
	handle, err := s.disc.Resolve(ctx, s.name)
	if err != nil {
		return err
	}
	defer s.pool.Release(handle)

	payload, err := wire.StructOfValue(ev)
	if err != nil {
		return err
	}
	client := rpcapi.NewRequesterClient(handle.Conn)
	resp, err := client.Invoke(ctx, wire.NewRequest("publish", payload))
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusOK {
		return &publishError{kind: resp.Kind, message: resp.Message}
	}
	return nil
}

type publishError struct {
	kind    string
	message string
}

func (e *publishError) Error() string { return e.kind + ": " + e.message }

// PublishError enqueues an ErrorEvent to the Error Bus. It never blocks the
// caller for longer than publishTimeout; when the per-(category,severity)
// token bucket is exhausted or the bus is unreachable, the event is dropped
// and counted locally rather than propagated as a caller-visible failure.
func (a *Agent) PublishError(severity rpcapi.Severity, category, message string, ctxFields map[string]string) {
	key := ratelimitKeyFor(category, string(severity))
	if !a.errorBucket.Allow(key) {
		a.countDropped()
		return
	}

	ev := rpcapi.ErrorEvent{
		Agent:    a.opts.Name,
		Machine:  a.opts.Machine,
		Severity: severity,
		Category: category,
		Message:  message,
		Context:  ctxFields,
		EventID:  a.nextEventID(),
		EpochMs:  time.Now().UnixMilli(),
	}

	if a.errorSink == nil {
		a.countDropped()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := a.errorSink.Publish(ctx, ev); err != nil {
		a.logger().WarnContext(ctx, "error bus publish failed, dropping event",
			"category", category, "severity", severity, "error", err)
		a.countDropped()
	}
}

func (a *Agent) nextEventID() uint64 {
	return atomic.AddUint64(&a.eventSeq, 1)
}

func (a *Agent) countDropped() {
	atomic.AddInt64(&a.droppedErrors, 1)
}

// DroppedErrorCount returns the number of ErrorEvents dropped so far, either
// to the local rate limiter or to a bus publish failure.
func (a *Agent) DroppedErrorCount() int64 {
	return atomic.LoadInt64(&a.droppedErrors)
}
