package runtime

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/agentfabric/fabric/internal/rpcapi"
	"github.com/agentfabric/fabric/internal/wire"
)

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()
	return port
}

func newTestAgent(t *testing.T) (*Agent, Options) {
	t.Helper()
	opts := Options{
		Name:        "test_agent",
		BindHost:    "127.0.0.1",
		RequestPort: freePort(t),
	}
	opts.HealthPort = freePort(t)
	a, err := New(opts)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a, opts
}

func dial(t *testing.T, addr string) *rpcapi.RequesterClient {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return rpcapi.NewRequesterClient(conn)
}

func waitForServe(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("nothing listening on %s", addr)
}

func TestAgent_RunServesRequestsAndHealth(t *testing.T) {
	a, opts := newTestAgent(t)

	var handled atomic.Bool
	a.OnRequest(func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		handled.Store(true)
		payload, _ := wire.StructOf(map[string]any{"echoed": req.Action})
		return wire.OK(payload), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	reqAddr := "127.0.0.1:" + strconv.Itoa(opts.RequestPort)
	healthAddr := "127.0.0.1:" + strconv.Itoa(opts.HealthPort)
	waitForServe(t, reqAddr)
	waitForServe(t, healthAddr)

	reqClient := dial(t, reqAddr)
	resp, err := reqClient.Invoke(context.Background(), &wire.Request{Action: "ping"})
	if err != nil {
		t.Fatalf("invoke request endpoint: %v", err)
	}
	if resp.Status != wire.StatusOK {
		t.Fatalf("expected ok, got %+v", resp)
	}
	if !handled.Load() {
		t.Fatal("expected on_request to have been called")
	}

	healthClient := dial(t, healthAddr)
	hresp, err := healthClient.Invoke(context.Background(), &wire.Request{Action: "full"})
	if err != nil {
		t.Fatalf("invoke health endpoint: %v", err)
	}
	if hresp.Status != wire.StatusOK {
		t.Fatalf("expected ok health response, got %+v", hresp)
	}
	m := wire.Map(hresp.Payload)
	if m["status"] != string(rpcapi.HealthOk) {
		t.Fatalf("expected overall status Ok, got %v", m["status"])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not shut down in time")
	}
}

func TestAgent_HealthServedWhileRequestBlocked(t *testing.T) {
	a, opts := newTestAgent(t)

	block := make(chan struct{})
	a.OnRequest(func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		<-block
		return wire.OK(nil), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	reqAddr := "127.0.0.1:" + strconv.Itoa(opts.RequestPort)
	healthAddr := "127.0.0.1:" + strconv.Itoa(opts.HealthPort)
	waitForServe(t, reqAddr)
	waitForServe(t, healthAddr)

	reqClient := dial(t, reqAddr)
	go reqClient.Invoke(context.Background(), &wire.Request{Action: "slow"})
	time.Sleep(100 * time.Millisecond) // let the blocking request land first

	healthClient := dial(t, healthAddr)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer pingCancel()
	resp, err := healthClient.Invoke(pingCtx, &wire.Request{Action: "ping"})
	if err != nil {
		t.Fatalf("health ping should not be blocked by a stuck request handler: %v", err)
	}
	if resp.Status != wire.StatusOK {
		t.Fatalf("expected ok, got %+v", resp)
	}

	close(block)
}

func TestAgent_RegisterBackgroundJoinedAtShutdown(t *testing.T) {
	a, opts := newTestAgent(t)
	a.OnRequest(func(ctx context.Context, req *wire.Request) (*wire.Response, error) {
		return wire.OK(nil), nil
	})

	var finished atomic.Bool
	a.RegisterBackground("worker", func(ctx context.Context) {
		<-ctx.Done()
		finished.Store(true)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitForServe(t, "127.0.0.1:"+strconv.Itoa(opts.RequestPort))
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not shut down in time")
	}
	if !finished.Load() {
		t.Fatal("expected background task to observe cancellation before shutdown completed")
	}
}

func TestAgent_PublishErrorRateLimited(t *testing.T) {
	a, _ := newTestAgent(t)
	for i := 0; i < errorBucketCapacity+5; i++ {
		a.PublishError(rpcapi.SeverityError, "test_category", "boom", nil)
	}
	if a.DroppedErrorCount() == 0 {
		t.Fatal("expected some events to be dropped once the bucket is exhausted")
	}
}

