// Package approval models the multi-role approval workflow as a DAG of
// stages. Each stage groups roles; a role may approve only once every role
// in every stage its stage (transitively) depends on has approved.
package approval

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Role is a domain approval role, e.g. security or legal.
type Role string

// Status of a single role within a proposal's approval state.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusApproved Status = "Approved"
)

// StageID names a stage in the workflow graph.
type StageID string

// Stage groups roles and declares which stages must complete first.
type Stage struct {
	ID        StageID
	Roles     []Role
	DependsOn []StageID
}

// ErrInvalidStageGraph is returned when a workflow configuration cannot
// form a DAG (cycle, duplicate stage, dangling dependency, duplicate role).
var ErrInvalidStageGraph = errors.New("invalid stage graph")

// OrderBlockedError reports an approve attempt rejected by unmet stage
// dependencies. BlockingRoles enumerates exactly which roles still stand in
// the way so the caller can render actionable guidance.
type OrderBlockedError struct {
	Role          Role
	BlockingRoles []Role
}

func (e *OrderBlockedError) Error() string {
	return fmt.Sprintf("approval for %s blocked by %v", e.Role, e.BlockingRoles)
}

// Graph is an immutable, validated stage DAG. Build it once at startup;
// sharing it across proposals is safe.
type Graph struct {
	stages      []Stage
	stageByRole map[Role]StageID
	stageByID   map[StageID]Stage
	topo        []StageID
	// prerequisites caches, per role, every role in every transitively
	// depended-on stage.
	prerequisites map[Role][]Role
}

// NewGraph validates the stage configuration and precomputes the dependency
// closure. A cyclic, duplicated or dangling configuration fails with
// ErrInvalidStageGraph.
func NewGraph(stages []Stage) (*Graph, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: no stages configured", ErrInvalidStageGraph)
	}
	stageByID := make(map[StageID]Stage, len(stages))
	stageByRole := make(map[Role]StageID)
	for _, stage := range stages {
		if stage.ID == "" {
			return nil, fmt.Errorf("%w: stage with empty id", ErrInvalidStageGraph)
		}
		if _, exists := stageByID[stage.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate stage %s", ErrInvalidStageGraph, stage.ID)
		}
		if len(stage.Roles) == 0 {
			return nil, fmt.Errorf("%w: stage %s has no roles", ErrInvalidStageGraph, stage.ID)
		}
		stageByID[stage.ID] = stage
		for _, role := range stage.Roles {
			if _, exists := stageByRole[role]; exists {
				return nil, fmt.Errorf("%w: role %s appears in more than one stage", ErrInvalidStageGraph, role)
			}
			stageByRole[role] = stage.ID
		}
	}
	for _, stage := range stages {
		for _, dep := range stage.DependsOn {
			if _, exists := stageByID[dep]; !exists {
				return nil, fmt.Errorf("%w: stage %s depends on unknown stage %s", ErrInvalidStageGraph, stage.ID, dep)
			}
		}
	}

	topo, err := topologicalOrder(stages, stageByID)
	if err != nil {
		return nil, err
	}

	graph := &Graph{
		stages:        stages,
		stageByRole:   stageByRole,
		stageByID:     stageByID,
		topo:          topo,
		prerequisites: make(map[Role][]Role),
	}
	for role, stageID := range stageByRole {
		graph.prerequisites[role] = graph.closureRoles(stageID)
	}
	return graph, nil
}

// topologicalOrder runs Kahn's algorithm; a remainder means a cycle.
func topologicalOrder(stages []Stage, stageByID map[StageID]Stage) ([]StageID, error) {
	indegree := make(map[StageID]int, len(stages))
	dependents := make(map[StageID][]StageID, len(stages))
	for _, stage := range stages {
		indegree[stage.ID] += 0
		for _, dep := range stage.DependsOn {
			indegree[stage.ID]++
			dependents[dep] = append(dependents[dep], stage.ID)
		}
	}
	ready := make([]StageID, 0, len(stages))
	for _, stage := range stages {
		if indegree[stage.ID] == 0 {
			ready = append(ready, stage.ID)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	order := make([]StageID, 0, len(stages))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		released := dependents[next]
		sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
		for _, dependent := range released {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(order) != len(stages) {
		return nil, fmt.Errorf("%w: dependency cycle", ErrInvalidStageGraph)
	}
	return order, nil
}

// closureRoles collects every role in every stage transitively depended on.
func (g *Graph) closureRoles(stageID StageID) []Role {
	seen := make(map[StageID]bool)
	var roles []Role
	var visit func(id StageID)
	visit = func(id StageID) {
		for _, dep := range g.stageByID[id].DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			roles = append(roles, g.stageByID[dep].Roles...)
			visit(dep)
		}
	}
	visit(stageID)
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Roles lists every role in the graph, ordered by stage topology then
// declaration order within a stage.
func (g *Graph) Roles() []Role {
	roles := make([]Role, 0, len(g.stageByRole))
	for _, stageID := range g.topo {
		roles = append(roles, g.stageByID[stageID].Roles...)
	}
	return roles
}

// HasRole reports whether the graph knows the role.
func (g *Graph) HasRole(role Role) bool {
	_, ok := g.stageByRole[role]
	return ok
}

// Sequential builds a total-order workflow: every stage depends on the one
// before it.
func Sequential(stages ...Stage) (*Graph, error) {
	linked := make([]Stage, len(stages))
	copy(linked, stages)
	for i := 1; i < len(linked); i++ {
		linked[i].DependsOn = []StageID{linked[i-1].ID}
	}
	if len(linked) > 0 {
		linked[0].DependsOn = nil
	}
	return NewGraph(linked)
}

// Parallel builds a workflow with no ordering between stages.
func Parallel(stages ...Stage) (*Graph, error) {
	unlinked := make([]Stage, len(stages))
	copy(unlinked, stages)
	for i := range unlinked {
		unlinked[i].DependsOn = nil
	}
	return NewGraph(unlinked)
}

// State tracks the Pending/Approved status of every role in one proposal's
// workflow. Mutations are atomic: an approve reads current state, checks the
// dependency guard and writes under one lock, so two racing approvals cannot
// both pass an ordering check only one should satisfy.
type State struct {
	graph *Graph

	mu     sync.Mutex
	status map[Role]Status
}

// NewState starts every role of the graph at Pending.
func NewState(graph *Graph) *State {
	status := make(map[Role]Status, len(graph.stageByRole))
	for role := range graph.stageByRole {
		status[role] = StatusPending
	}
	return &State{graph: graph, status: status}
}

// Load seeds the state from persisted statuses; unknown roles are ignored
// and missing roles stay Pending.
func (s *State) Load(statuses map[Role]Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for role, status := range statuses {
		if _, known := s.status[role]; known && status == StatusApproved {
			s.status[role] = StatusApproved
		}
	}
}

// Approve transitions role to Approved. It fails with *OrderBlockedError,
// leaving the state untouched, when a transitively required role is still
// pending. Approving an already-approved role is a no-op.
func (s *State) Approve(role Role) error {
	if !s.graph.HasRole(role) {
		return fmt.Errorf("unknown approval role %q", role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	blocking := make([]Role, 0)
	for _, required := range s.graph.prerequisites[role] {
		if s.status[required] != StatusApproved {
			blocking = append(blocking, required)
		}
	}
	if len(blocking) > 0 {
		return &OrderBlockedError{Role: role, BlockingRoles: blocking}
	}
	s.status[role] = StatusApproved
	return nil
}

// Statuses returns a copy of the per-role statuses.
func (s *State) Statuses() map[Role]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[Role]Status, len(s.status))
	for role, status := range s.status {
		snapshot[role] = status
	}
	return snapshot
}

// AllApproved reports whether every role in every stage has approved.
func (s *State) AllApproved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, status := range s.status {
		if status != StatusApproved {
			return false
		}
	}
	return true
}

// PendingRoles lists still-pending roles in stage topology order.
func (s *State) PendingRoles() []Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]Role, 0)
	for _, role := range s.graph.Roles() {
		if s.status[role] != StatusApproved {
			pending = append(pending, role)
		}
	}
	return pending
}

// RemainingStages lists stages with at least one pending role, in
// topological order, for progress display.
func (s *State) RemainingStages() []StageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := make([]StageID, 0)
	for _, stageID := range s.graph.topo {
		for _, role := range s.graph.stageByID[stageID].Roles {
			if s.status[role] != StatusApproved {
				remaining = append(remaining, stageID)
				break
			}
		}
	}
	return remaining
}
