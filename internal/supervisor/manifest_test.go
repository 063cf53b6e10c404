package supervisor

import (
	"encoding/json"
	"testing"

	"github.com/agentfabric/fabric/internal/rpcapi"
)

func TestManifest_UnmarshalPreservesDeclarationOrder(t *testing.T) {
	raw := []byte(`{
		"core": {
			"zeta": {"executable": "/bin/zeta", "request_port": 9001},
			"alpha": {"executable": "/bin/alpha", "request_port": 9002}
		},
		"extras": {
			"beta": {"executable": "/bin/beta", "request_port": 9003}
		}
	}`)

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	flat := m.Flatten()
	var names []string
	for _, na := range flat {
		names = append(names, na.Name)
	}
	want := []string{"zeta", "alpha", "beta"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("position %d: got %q, want %q (names=%v)", i, names[i], want[i], names)
		}
	}
	if flat[0].Descriptor.Group != "core" || flat[2].Descriptor.Group != "extras" {
		t.Fatalf("group not stamped onto descriptor: %+v", flat)
	}
}

func agentNames(order []NamedAgent) []string {
	names := make([]string, len(order))
	for i, na := range order {
		names[i] = na.Name
	}
	return names
}

func TestTopoOrder_BreaksTiesByDeclarationThenName(t *testing.T) {
	m := Manifest{Groups: []Group{{Name: "g", Agents: []NamedAgent{
		{Name: "charlie", Descriptor: rpcapi.AgentDescriptor{Name: "charlie"}},
		{Name: "alpha", Descriptor: rpcapi.AgentDescriptor{Name: "alpha"}},
		{Name: "bravo", Descriptor: rpcapi.AgentDescriptor{Name: "bravo", Dependencies: []string{"alpha"}}},
	}}}}

	order, err := TopoOrder(m)
	if err != nil {
		t.Fatalf("topo order: %v", err)
	}
	// charlie and alpha are both immediately ready (no deps); charlie was
	// declared first so it goes first. bravo only becomes ready once alpha
	// has been placed.
	got := agentNames(order)
	want := []string{"charlie", "alpha", "bravo"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTopoOrder_DetectsCycle(t *testing.T) {
	m := Manifest{Groups: []Group{{Name: "g", Agents: []NamedAgent{
		{Name: "a", Descriptor: rpcapi.AgentDescriptor{Name: "a", Dependencies: []string{"b"}}},
		{Name: "b", Descriptor: rpcapi.AgentDescriptor{Name: "b", Dependencies: []string{"a"}}},
	}}}}

	_, err := TopoOrder(m)
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	var cycleErr *CycleError
	if !asCycleError(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}
}

func asCycleError(err error, target **CycleError) bool {
	ce, ok := err.(*CycleError)
	if ok {
		*target = ce
	}
	return ok
}

func TestValidate_RejectsUnknownDependency(t *testing.T) {
	m := Manifest{Groups: []Group{{Name: "g", Agents: []NamedAgent{
		{Name: "a", Descriptor: rpcapi.AgentDescriptor{Name: "a", Dependencies: []string{"missing"}}},
	}}}}
	if err := Validate(m); err == nil {
		t.Fatal("expected an error for a dependency on an unknown agent")
	}
}

func TestValidate_RejectsDuplicatePort(t *testing.T) {
	m := Manifest{Groups: []Group{{Name: "g", Agents: []NamedAgent{
		{Name: "a", Descriptor: rpcapi.AgentDescriptor{Name: "a", RequestPort: 9000}},
		{Name: "b", Descriptor: rpcapi.AgentDescriptor{Name: "b", RequestPort: 9000}},
	}}}}
	if err := Validate(m); err == nil {
		t.Fatal("expected an error for two agents claiming the same port")
	}
}

func TestValidate_RejectsDefaultHealthPortCollision(t *testing.T) {
	// a omits health_port, so it defaults to request_port+1 = 9001; b
	// claims 9001 directly as its own request_port. Validate must resolve
	// a's default before checking port uniqueness, not just compare the
	// literal (unset) HealthPort field.
	m := Manifest{Groups: []Group{{Name: "g", Agents: []NamedAgent{
		{Name: "a", Descriptor: rpcapi.AgentDescriptor{Name: "a", RequestPort: 9000}},
		{Name: "b", Descriptor: rpcapi.AgentDescriptor{Name: "b", RequestPort: 9001}},
	}}}}
	if err := Validate(m); err == nil {
		t.Fatal("expected an error for a's defaulted health_port colliding with b's request_port")
	}
}

func TestValidate_AcceptsWellFormedManifest(t *testing.T) {
	m := Manifest{Groups: []Group{{Name: "g", Agents: []NamedAgent{
		{Name: "a", Descriptor: rpcapi.AgentDescriptor{Name: "a", RequestPort: 9000, HealthPort: 9001}},
		{Name: "b", Descriptor: rpcapi.AgentDescriptor{Name: "b", RequestPort: 9002, HealthPort: 9003, Dependencies: []string{"a"}}},
	}}}}
	if err := Validate(m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
