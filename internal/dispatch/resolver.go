// Package dispatch implements the TaskDispatcher described in spec §4.8: a
// read-only subagent resolver, an ordered allow/deny policy, and a
// dispatcher that runs a child AgentLoop per delegated task, persisting its
// own JSONL session alongside the parent's. Grounded on the teacher's
// internal/multiagent/subagent_registry.go (registry/builder shape),
// router.go (ordered-rule-evaluation idiom), and internal/tools/subagent/
// spawn.go (child-run tracking), reconciled against
// original_source/crates/pixy-coding-agent/src/multi_agent/task_tool.rs for
// the exact dispatch contract and <task_result> wrapping.
package dispatch

import "fmt"

// SubAgentMode distinguishes the primary agent from delegated subagents.
type SubAgentMode string

const (
	ModePrimary  SubAgentMode = "primary"
	ModeSubAgent SubAgentMode = "subagent"
)

// SubAgentSpec describes one registered subagent type.
type SubAgentSpec struct {
	Name        string
	Description string
	Mode        SubAgentMode
}

// Resolver looks up a subagent by name. Implementations are read-only once
// built.
type Resolver interface {
	Resolve(name string) (SubAgentSpec, bool)
}

// Registry is a fixed, read-only Resolver built from a set of specs.
// Duplicate names are rejected at construction, never at lookup time.
type Registry struct {
	specs map[string]SubAgentSpec
}

// NewRegistry builds a Registry from specs, failing if any name repeats.
func NewRegistry(specs ...SubAgentSpec) (*Registry, error) {
	m := make(map[string]SubAgentSpec, len(specs))
	for _, s := range specs {
		if _, dup := m[s.Name]; dup {
			return nil, fmt.Errorf("dispatch: duplicate subagent name %q", s.Name)
		}
		m[s.Name] = s
	}
	return &Registry{specs: m}, nil
}

func (r *Registry) Resolve(name string) (SubAgentSpec, bool) {
	s, ok := r.specs[name]
	return s, ok
}
