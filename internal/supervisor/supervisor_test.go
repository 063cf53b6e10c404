package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentfabric/fabric/internal/rpcapi"
)

// fakeProcess is a controllable stand-in for an os/exec process: Kill and
// Terminate both eventually unblock Wait, exactly like a real signaled
// process would, without spawning anything.
type fakeProcess struct {
	pid        int
	exitCh     chan error
	terminated atomic.Bool
	killed     atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exitCh: make(chan error, 1)}
}

func (p *fakeProcess) PID() int { return p.pid }
func (p *fakeProcess) Wait() error { return <-p.exitCh }

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	return nil
}

func (p *fakeProcess) Kill() error {
	if !p.killed.CompareAndSwap(false, true) {
		return nil
	}
	select {
	case p.exitCh <- nil:
	default:
	}
	return nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	nextPID int
	procs   map[string][]*fakeProcess
}

func (l *fakeLauncher) Launch(desc rpcapi.AgentDescriptor, logDir string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPID++
	p := newFakeProcess(l.nextPID)
	if l.procs == nil {
		l.procs = make(map[string][]*fakeProcess)
	}
	l.procs[desc.Name] = append(l.procs[desc.Name], p)
	return p, nil
}

func (l *fakeLauncher) launchCount(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs[name])
}

func (l *fakeLauncher) latest(name string) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	procs := l.procs[name]
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

// fakeProber reports a fixed HealthStatus per health port, defaulting to Ok
// so an agent only fails a probe when a test explicitly flips its status.
type fakeProber struct {
	mu     sync.Mutex
	status map[int]rpcapi.HealthStatus
}

func (f *fakeProber) set(port int, status rpcapi.HealthStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		f.status = make(map[int]rpcapi.HealthStatus)
	}
	f.status[port] = status
}

func (f *fakeProber) Probe(ctx context.Context, host string, port int) (rpcapi.HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.status[port]; ok {
		return st, nil
	}
	return rpcapi.HealthOk, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func snapshotByName(t *testing.T, s *Supervisor) map[string]AgentRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	recs, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	out := make(map[string]AgentRecord, len(recs))
	for _, r := range recs {
		out[r.Descriptor.Name] = r
	}
	return out
}

func TestSupervisor_StartupReachesReadyThenShutsDown(t *testing.T) {
	launcher := &fakeLauncher{}
	prober := &fakeProber{}

	m := Manifest{Groups: []Group{{Name: "g", Agents: []NamedAgent{
		{Name: "solo", Descriptor: rpcapi.AgentDescriptor{
			Name: "solo", Executable: "/bin/solo", RequestPort: 10000, HealthPort: 10001, Required: true,
		}},
	}}}}

	sup, err := New(m, Options{Launcher: launcher, Prober: prober, ShutdownGrace: time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, 6*time.Second, func() bool {
		return snapshotByName(t, sup)["solo"].State == rpcapi.StateReady
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not shut down in time")
	}

	if !launcher.latest("solo").terminated.Load() {
		t.Fatal("expected the agent process to have been sent a graceful terminate")
	}
}

func TestSupervisor_CrashTriggersRestart(t *testing.T) {
	launcher := &fakeLauncher{}
	prober := &fakeProber{}

	desc := rpcapi.AgentDescriptor{
		Name: "flaky", Executable: "/bin/flaky", RequestPort: 10100, HealthPort: 10101,
		RestartPolicy: rpcapi.RestartOnFailure,
	}
	m := Manifest{Groups: []Group{{Name: "g", Agents: []NamedAgent{{Name: "flaky", Descriptor: desc}}}}}

	sup, err := New(m, Options{Launcher: launcher, Prober: prober, ShutdownGrace: time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, 6*time.Second, func() bool {
		return snapshotByName(t, sup)["flaky"].State == rpcapi.StateReady
	})

	prober.set(desc.HealthPort, rpcapi.HealthUnhealthy)

	waitFor(t, 10*time.Second, func() bool {
		return launcher.launchCount("flaky") >= 2
	})

	rec := snapshotByName(t, sup)["flaky"]
	if rec.RestartCount < 1 {
		t.Fatalf("expected RestartCount >= 1, got %d", rec.RestartCount)
	}
}

func TestSupervisor_RequiredAgentStartupFailureAbortsRun(t *testing.T) {
	launcher := &fakeLauncher{}
	prober := &fakeProber{}

	desc := rpcapi.AgentDescriptor{
		Name: "never_ready", Executable: "/bin/never", RequestPort: 10200, HealthPort: 10201,
		Required: true, StartTimeout: 2 * time.Second,
	}
	prober.set(desc.HealthPort, rpcapi.HealthUnhealthy)
	m := Manifest{Groups: []Group{{Name: "g", Agents: []NamedAgent{{Name: "never_ready", Descriptor: desc}}}}}

	sup, err := New(m, Options{Launcher: launcher, Prober: prober, ShutdownGrace: time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Run to return an error when a required agent never becomes ready")
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Run did not abort after the required agent's start_timeout elapsed")
	}
}

func TestSupervisor_DependentNotRestartedByDefault(t *testing.T) {
	launcher := &fakeLauncher{}
	prober := &fakeProber{}

	base := rpcapi.AgentDescriptor{Name: "base", Executable: "/bin/base", RequestPort: 10300, HealthPort: 10301}
	dependent := rpcapi.AgentDescriptor{
		Name: "dependent", Executable: "/bin/dependent", RequestPort: 10302, HealthPort: 10303,
		Dependencies: []string{"base"},
	}
	m := Manifest{Groups: []Group{{Name: "g", Agents: []NamedAgent{
		{Name: "base", Descriptor: base},
		{Name: "dependent", Descriptor: dependent},
	}}}}

	sup, err := New(m, Options{Launcher: launcher, Prober: prober, ShutdownGrace: time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, 6*time.Second, func() bool {
		snap := snapshotByName(t, sup)
		return snap["base"].State == rpcapi.StateReady && snap["dependent"].State == rpcapi.StateReady
	})

	prober.set(base.HealthPort, rpcapi.HealthUnhealthy)
	waitFor(t, 6*time.Second, func() bool {
		return snapshotByName(t, sup)["base"].State != rpcapi.StateReady
	})

	// dependent has no RestartOnDependencyChange, so it must never be relaunched.
	time.Sleep(2 * time.Second)
	if n := launcher.launchCount("dependent"); n != 1 {
		t.Fatalf("expected dependent to have launched exactly once, got %d", n)
	}
}

func TestBackoffFor_GrowsExponentiallyAndCaps(t *testing.T) {
	cases := []struct {
		count int
		want  time.Duration
	}{
		{0, backoffBase},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{10, backoffCap},
	}
	for _, c := range cases {
		got := backoffFor(c.count)
		if got != c.want {
			t.Fatalf("backoffFor(%d) = %s, want %s", c.count, got, c.want)
		}
	}
}
