// Package supervisor implements the Supervisor: on one machine, brings a
// declared set of agents to Ready, keeps them there, and shuts them down
// cleanly, following declared dependency order.
package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/agentfabric/fabric/internal/rpcapi"
)

// NamedAgent pairs a descriptor with the group it was declared in.
type NamedAgent struct {
	Name       string
	Descriptor rpcapi.AgentDescriptor
}

// Group is one named section of the manifest.
type Group struct {
	Name   string
	Agents []NamedAgent
}

// Manifest is the declarative input to the Supervisor: a mapping of named
// groups, each a mapping of agent name to AgentDescriptor. Declaration
// order is preserved through a custom UnmarshalJSON (plain map decoding
// would lose it), because topological tie-breaking depends on it.
type Manifest struct {
	Groups []Group
}

// UnmarshalJSON walks the token stream instead of decoding into a map, so
// group and agent key order in the source document is preserved exactly —
// Go map iteration order is intentionally randomized and would silently
// break the "ties broken by declaration order" rule otherwise.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '{'); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	for dec.More() {
		groupTok, err := dec.Token()
		if err != nil {
			return err
		}
		groupName, ok := groupTok.(string)
		if !ok {
			return fmt.Errorf("manifest: expected group name, got %v", groupTok)
		}

		if err := expectDelim(dec, '{'); err != nil {
			return fmt.Errorf("manifest: group %q: %w", groupName, err)
		}
		group := Group{Name: groupName}
		for dec.More() {
			agentTok, err := dec.Token()
			if err != nil {
				return err
			}
			agentName, ok := agentTok.(string)
			if !ok {
				return fmt.Errorf("manifest: group %q: expected agent name, got %v", groupName, agentTok)
			}
			var desc rpcapi.AgentDescriptor
			if err := dec.Decode(&desc); err != nil {
				return fmt.Errorf("manifest: agent %q: %w", agentName, err)
			}
			desc.Name = agentName
			desc.Group = groupName
			group.Agents = append(group.Agents, NamedAgent{Name: agentName, Descriptor: desc})
		}
		if _, err := dec.Token(); err != nil { // closing '}' of the group object
			return err
		}
		m.Groups = append(m.Groups, group)
	}
	if _, err := dec.Token(); err != nil { // closing '}' of the top-level object
		return err
	}
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// Flatten returns every descriptor across all groups in declaration order.
func (m Manifest) Flatten() []NamedAgent {
	var out []NamedAgent
	for _, g := range m.Groups {
		out = append(out, g.Agents...)
	}
	return out
}

// CycleError names one cycle found during topological ordering.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("supervisor: dependency cycle among %v", e.Remaining)
}

// Validate checks name uniqueness, dependency references, and port
// uniqueness across request_port/health_port for every descriptor. A port
// reused by a second agent (declared later) is reported against that later
// agent, so re-running Validate on a manifest is deterministic.
func Validate(m Manifest) error {
	flat := m.Flatten()
	seenNames := make(map[string]bool, len(flat))
	for _, na := range flat {
		if seenNames[na.Name] {
			return fmt.Errorf("supervisor: duplicate agent name %q", na.Name)
		}
		seenNames[na.Name] = true
	}
	for _, na := range flat {
		for _, dep := range na.Descriptor.Dependencies {
			if !seenNames[dep] {
				return fmt.Errorf("supervisor: %s depends on unknown agent %q", na.Name, dep)
			}
		}
	}

	// Port uniqueness is checked against the resolved health port (falling
	// back to request_port+1 when health_port is omitted), not the literal
	// descriptor field — otherwise an omitted health_port that collides
	// with another agent's request_port would only surface as a bind
	// failure at spawn time instead of a ConfigError here.
	ports := make(map[int]string)
	for _, na := range flat {
		for _, p := range []int{na.Descriptor.RequestPort, na.Descriptor.ResolvedHealthPort()} {
			if p == 0 {
				continue
			}
			if owner, ok := ports[p]; ok && owner != na.Name {
				return fmt.Errorf("supervisor: port %d claimed by both %q and %q", p, owner, na.Name)
			}
			ports[p] = na.Name
		}
	}

	if _, err := TopoOrder(m); err != nil {
		return err
	}
	return nil
}

// TopoOrder computes a dependency order over every descriptor in m. Ties
// (agents simultaneously ready to start) are broken by declaration order,
// then by name. A cycle is reported as *CycleError before any process
// would be spawned.
func TopoOrder(m Manifest) ([]NamedAgent, error) {
	flat := m.Flatten()
	byName := make(map[string]NamedAgent, len(flat))
	declOrder := make(map[string]int, len(flat))
	for i, na := range flat {
		byName[na.Name] = na
		declOrder[na.Name] = i
	}

	inDegree := make(map[string]int, len(flat))
	dependents := make(map[string][]string, len(flat))
	for _, na := range flat {
		inDegree[na.Name] = 0
	}
	for _, na := range flat {
		for _, dep := range na.Descriptor.Dependencies {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("supervisor: %s depends on unknown agent %q", na.Name, dep)
			}
			inDegree[na.Name]++
			dependents[dep] = append(dependents[dep], na.Name)
		}
	}

	var ready []string
	for _, na := range flat {
		if inDegree[na.Name] == 0 {
			ready = append(ready, na.Name)
		}
	}

	byDeclThenName := func(names []string) {
		sort.Slice(names, func(i, j int) bool {
			if declOrder[names[i]] != declOrder[names[j]] {
				return declOrder[names[i]] < declOrder[names[j]]
			}
			return names[i] < names[j]
		})
	}
	byDeclThenName(ready)

	var order []NamedAgent
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, byName[next])
		var newlyReady []string
		for _, dependent := range dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				newlyReady = append(newlyReady, dependent)
			}
		}
		if len(newlyReady) > 0 {
			ready = append(ready, newlyReady...)
			byDeclThenName(ready)
		}
	}

	if len(order) != len(flat) {
		var remaining []string
		for name, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Remaining: remaining}
	}
	return order, nil
}

// ReverseOrder returns order reversed, used for shutdown.
func ReverseOrder(order []NamedAgent) []NamedAgent {
	out := make([]NamedAgent, len(order))
	for i, na := range order {
		out[len(order)-1-i] = na
	}
	return out
}
