package approval

import (
	"errors"
	"reflect"
	"testing"
)

func defaultStages() []Stage {
	return []Stage{
		{ID: "security", Roles: []Role{"security"}},
		{ID: "architecture", Roles: []Role{"architectureCommittee"}},
		{ID: "legal", Roles: []Role{"legal"}, DependsOn: []StageID{"security", "architecture"}},
	}
}

func TestNewGraphRejectsInvalidConfigurations(t *testing.T) {
	cases := []struct {
		name   string
		stages []Stage
	}{
		{"empty", nil},
		{"duplicate stage", []Stage{
			{ID: "a", Roles: []Role{"r1"}},
			{ID: "a", Roles: []Role{"r2"}},
		}},
		{"duplicate role", []Stage{
			{ID: "a", Roles: []Role{"r1"}},
			{ID: "b", Roles: []Role{"r1"}},
		}},
		{"dangling dependency", []Stage{
			{ID: "a", Roles: []Role{"r1"}, DependsOn: []StageID{"missing"}},
		}},
		{"stage without roles", []Stage{
			{ID: "a", Roles: nil},
		}},
		{"two-stage cycle", []Stage{
			{ID: "a", Roles: []Role{"r1"}, DependsOn: []StageID{"b"}},
			{ID: "b", Roles: []Role{"r2"}, DependsOn: []StageID{"a"}},
		}},
		{"self cycle", []Stage{
			{ID: "a", Roles: []Role{"r1"}, DependsOn: []StageID{"a"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewGraph(tc.stages); !errors.Is(err, ErrInvalidStageGraph) {
				t.Fatalf("expected ErrInvalidStageGraph, got %v", err)
			}
		})
	}
}

func TestGraphRolesFollowTopology(t *testing.T) {
	graph, err := NewGraph(defaultStages())
	if err != nil {
		t.Fatalf("NewGraph() error = %v", err)
	}
	roles := graph.Roles()
	want := []Role{"architectureCommittee", "security", "legal"}
	if !reflect.DeepEqual(roles, want) {
		t.Fatalf("expected roles %v, got %v", want, roles)
	}
	if !graph.HasRole("legal") || graph.HasRole("finance") {
		t.Fatal("HasRole() misreports graph membership")
	}
}

func TestApproveBlockedByPendingPrerequisites(t *testing.T) {
	graph, err := NewGraph(defaultStages())
	if err != nil {
		t.Fatalf("NewGraph() error = %v", err)
	}
	state := NewState(graph)

	err = state.Approve("legal")
	var blocked *OrderBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected OrderBlockedError, got %v", err)
	}
	if blocked.Role != "legal" {
		t.Fatalf("expected blocked role legal, got %s", blocked.Role)
	}
	want := []Role{"architectureCommittee", "security"}
	if !reflect.DeepEqual(blocked.BlockingRoles, want) {
		t.Fatalf("expected blocking roles %v, got %v", want, blocked.BlockingRoles)
	}
	if state.Statuses()["legal"] != StatusPending {
		t.Fatal("blocked approve must not mutate state")
	}

	if err := state.Approve("security"); err != nil {
		t.Fatalf("Approve(security) error = %v", err)
	}
	err = state.Approve("legal")
	if !errors.As(err, &blocked) {
		t.Fatalf("expected OrderBlockedError with one prerequisite left, got %v", err)
	}
	if !reflect.DeepEqual(blocked.BlockingRoles, []Role{"architectureCommittee"}) {
		t.Fatalf("expected only architectureCommittee blocking, got %v", blocked.BlockingRoles)
	}

	if err := state.Approve("architectureCommittee"); err != nil {
		t.Fatalf("Approve(architectureCommittee) error = %v", err)
	}
	if err := state.Approve("legal"); err != nil {
		t.Fatalf("Approve(legal) after prerequisites error = %v", err)
	}
	if !state.AllApproved() {
		t.Fatal("expected all roles approved")
	}
}

func TestApproveIdempotentAndUnknownRole(t *testing.T) {
	graph, err := NewGraph(defaultStages())
	if err != nil {
		t.Fatalf("NewGraph() error = %v", err)
	}
	state := NewState(graph)

	if err := state.Approve("security"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if err := state.Approve("security"); err != nil {
		t.Fatalf("repeat Approve() error = %v", err)
	}
	if err := state.Approve("finance"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestTransitivePrerequisites(t *testing.T) {
	graph, err := NewGraph([]Stage{
		{ID: "draft", Roles: []Role{"author"}},
		{ID: "review", Roles: []Role{"reviewer"}, DependsOn: []StageID{"draft"}},
		{ID: "signoff", Roles: []Role{"approver"}, DependsOn: []StageID{"review"}},
	})
	if err != nil {
		t.Fatalf("NewGraph() error = %v", err)
	}
	state := NewState(graph)

	err = state.Approve("approver")
	var blocked *OrderBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected OrderBlockedError, got %v", err)
	}
	// Both the direct and the transitive prerequisite are enumerated.
	want := []Role{"author", "reviewer"}
	if !reflect.DeepEqual(blocked.BlockingRoles, want) {
		t.Fatalf("expected transitive blockers %v, got %v", want, blocked.BlockingRoles)
	}
}

func TestSequentialAndParallelPresets(t *testing.T) {
	stages := defaultStages()

	sequential, err := Sequential(stages...)
	if err != nil {
		t.Fatalf("Sequential() error = %v", err)
	}
	state := NewState(sequential)
	if err := state.Approve("architectureCommittee"); err == nil {
		t.Fatal("sequential preset should block the second stage first")
	}
	if err := state.Approve("security"); err != nil {
		t.Fatalf("Approve(security) error = %v", err)
	}
	if err := state.Approve("architectureCommittee"); err != nil {
		t.Fatalf("Approve(architectureCommittee) error = %v", err)
	}

	parallel, err := Parallel(stages...)
	if err != nil {
		t.Fatalf("Parallel() error = %v", err)
	}
	state = NewState(parallel)
	for _, role := range []Role{"legal", "security", "architectureCommittee"} {
		if err := state.Approve(role); err != nil {
			t.Fatalf("parallel Approve(%s) error = %v", role, err)
		}
	}
}

func TestLoadAndPendingRoles(t *testing.T) {
	graph, err := NewGraph(defaultStages())
	if err != nil {
		t.Fatalf("NewGraph() error = %v", err)
	}
	state := NewState(graph)
	state.Load(map[Role]Status{
		"security": StatusApproved,
		"unknown":  StatusApproved,
	})

	pending := state.PendingRoles()
	want := []Role{"architectureCommittee", "legal"}
	if !reflect.DeepEqual(pending, want) {
		t.Fatalf("expected pending %v, got %v", want, pending)
	}

	remaining := state.RemainingStages()
	if !reflect.DeepEqual(remaining, []StageID{"architecture", "legal"}) {
		t.Fatalf("unexpected remaining stages %v", remaining)
	}
}
