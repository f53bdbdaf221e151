package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/inputs"
	"github.com/matflow/matflow/pkg/structure"
	"github.com/matflow/matflow/pkg/templates"
)

func testStructure() *structure.Structure {
	return &structure.Structure{
		Lattice: structure.Lattice{
			{5.0, 0, 0},
			{0, 5.0, 0},
			{0, 0, 5.0},
		},
		Species: []string{"Si", "Si"},
		FracCoords: [][3]float64{
			{0, 0, 0},
			{0.25, 0.25, 0.25},
		},
	}
}

func spec(label string) inputs.JobSpec {
	return inputs.JobSpec{
		Label:    label,
		Mode:     inputs.ModeTemplate,
		Template: templates.Static,
	}
}

func mustAdd(t *testing.T, g *WorkflowGraph, s inputs.JobSpec, parents ...string) string {
	t.Helper()
	id, err := g.AddNode(s, parents...)
	if err != nil {
		t.Fatalf("AddNode(%s) failed: %v", s.Label, err)
	}
	return id
}

func TestWorkflowGraph_AddNode_AssignsIDs(t *testing.T) {
	g := NewWorkflowGraph("test", nil)

	id := mustAdd(t, g, spec("a"))
	if id == "" {
		t.Fatal("Expected generated id")
	}

	s := spec("b")
	s.ID = "fixed"
	if got := mustAdd(t, g, s, id); got != "fixed" {
		t.Errorf("Expected id fixed, got %s", got)
	}

	n, ok := g.Node("fixed")
	if !ok {
		t.Fatal("Expected node fixed")
	}
	if n.Spec.ID != "fixed" {
		t.Errorf("Expected spec id to be set, got %q", n.Spec.ID)
	}
	if n.State != NodeStatePending {
		t.Errorf("Expected PENDING, got %s", n.State)
	}
	if len(n.Parents) != 1 || n.Parents[0] != id {
		t.Errorf("Expected parent %s, got %v", id, n.Parents)
	}
}

func TestWorkflowGraph_AddNode_UnknownParent(t *testing.T) {
	g := NewWorkflowGraph("test", nil)
	mustAdd(t, g, spec("a"))

	_, err := g.AddNode(spec("b"), "missing")
	if !HasCode(err, ErrCodeUnknownParent) {
		t.Fatalf("Expected UNKNOWN_PARENT, got %v", err)
	}
	if g.Len() != 1 {
		t.Errorf("Expected graph to be unchanged, got %d nodes", g.Len())
	}
}

func TestWorkflowGraph_AddNode_Duplicate(t *testing.T) {
	g := NewWorkflowGraph("test", nil)
	s := spec("a")
	s.ID = "a"
	mustAdd(t, g, s)

	_, err := g.AddNode(s)
	if !HasCode(err, ErrCodeDuplicateNode) {
		t.Fatalf("Expected DUPLICATE_NODE, got %v", err)
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Family() != FamilyGraphBuild {
		t.Errorf("Expected GraphBuild family, got %v", err)
	}
}

func TestWorkflowGraph_AddNodeWithID_SelfParent(t *testing.T) {
	g := NewWorkflowGraph("test", nil)
	err := g.AddNodeWithID("a", spec("a"), "a")
	if !HasCode(err, ErrCodeCycleDetected) {
		t.Fatalf("Expected CYCLE_DETECTED, got %v", err)
	}
}

func TestWorkflowGraph_AddEdge_Cycle(t *testing.T) {
	g := NewWorkflowGraph("test", nil)
	a := mustAdd(t, g, spec("a"))
	b := mustAdd(t, g, spec("b"), a)
	c := mustAdd(t, g, spec("c"), b)

	edgesBefore := g.Edges()

	err := g.AddEdge(c, a)
	if !HasCode(err, ErrCodeCycleDetected) {
		t.Fatalf("Expected CYCLE_DETECTED, got %v", err)
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("Expected cycle path in message, got %v", err)
	}

	edgesAfter := g.Edges()
	if len(edgesAfter) != len(edgesBefore) {
		t.Errorf("Expected edges to be unchanged: before %v, after %v", edgesBefore, edgesAfter)
	}
	if err := g.Validate(); err != nil {
		t.Errorf("Expected graph to stay valid, got %v", err)
	}
}

func TestWorkflowGraph_AddEdge(t *testing.T) {
	g := NewWorkflowGraph("test", nil)
	a := mustAdd(t, g, spec("a"))
	b := mustAdd(t, g, spec("b"))

	if err := g.AddEdge(a, b); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	// Adding the same edge twice is a no-op.
	if err := g.AddEdge(a, b); err != nil {
		t.Fatalf("AddEdge failed: %v", err)
	}
	if len(g.Edges()) != 1 {
		t.Errorf("Expected 1 edge, got %d", len(g.Edges()))
	}
	if err := g.AddEdge("missing", b); !HasCode(err, ErrCodeUnknownParent) {
		t.Errorf("Expected UNKNOWN_PARENT, got %v", err)
	}
}

// TestWorkflowGraph_RandomCycles adds random edges to random graphs and
// checks that every rejected edge would have closed a cycle and that the
// graph always stays acyclic.
func TestWorkflowGraph_RandomCycles(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		g := NewWorkflowGraph("random", nil)
		var ids []string
		for i := 0; i < 8; i++ {
			ids = append(ids, mustAdd(t, g, spec(fmt.Sprintf("n%d", i))))
		}

		for i := 0; i < 30; i++ {
			from := ids[rng.Intn(len(ids))]
			to := ids[rng.Intn(len(ids))]
			if from == to {
				continue
			}
			err := g.AddEdge(from, to)
			if err != nil && !HasCode(err, ErrCodeCycleDetected) {
				t.Fatalf("Unexpected error: %v", err)
			}
			if err != nil {
				reach := false
				for _, d := range g.Descendants(to) {
					if d == from {
						reach = true
					}
				}
				if !reach {
					t.Fatalf("Edge %s -> %s rejected but %s does not reach %s", from, to, to, from)
				}
			}
			if _, err := g.TopologicalOrder(); err != nil {
				t.Fatalf("Graph became cyclic: %v", err)
			}
		}
	}
}

func TestWorkflowGraph_TopologicalOrder_StableTieBreak(t *testing.T) {
	g := NewWorkflowGraph("test", nil)
	a := mustAdd(t, g, spec("a"))
	b := mustAdd(t, g, spec("b"))
	c := mustAdd(t, g, spec("c"), b)
	d := mustAdd(t, g, spec("d"), a)
	e := mustAdd(t, g, spec("e"))

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder failed: %v", err)
	}

	want := []string{a, b, c, d, e}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("Expected order %v, got %v", want, order)
	}

	again, _ := g.TopologicalOrder()
	if strings.Join(order, ",") != strings.Join(again, ",") {
		t.Errorf("Expected deterministic order, got %v then %v", order, again)
	}
}

func TestWorkflowGraph_TopologicalOrder_ParentsFirst(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g := NewWorkflowGraph("random", nil)
	var ids []string
	for i := 0; i < 20; i++ {
		var parents []string
		for _, id := range ids {
			if rng.Intn(4) == 0 {
				parents = append(parents, id)
			}
		}
		ids = append(ids, mustAdd(t, g, spec(fmt.Sprintf("n%d", i)), parents...))
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder failed: %v", err)
	}
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, e := range g.Edges() {
		if pos[e.From] >= pos[e.To] {
			t.Errorf("Parent %s placed after child %s", e.From, e.To)
		}
	}
}

func TestWorkflowGraph_Levels(t *testing.T) {
	g := NewWorkflowGraph("test", nil)
	a := mustAdd(t, g, spec("a"))
	b := mustAdd(t, g, spec("b"), a)
	c := mustAdd(t, g, spec("c"), a)
	d := mustAdd(t, g, spec("d"), b, c)

	levels, err := g.Levels()
	if err != nil {
		t.Fatalf("Levels failed: %v", err)
	}
	if len(levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(levels))
	}
	if len(levels[1]) != 2 || levels[1][0] != b || levels[1][1] != c {
		t.Errorf("Expected level 1 [%s %s], got %v", b, c, levels[1])
	}
	if levels[2][0] != d {
		t.Errorf("Expected level 2 [%s], got %v", d, levels[2])
	}
}

func TestWorkflowGraph_Validate(t *testing.T) {
	empty := NewWorkflowGraph("empty", nil)
	if err := empty.Validate(); !HasCode(err, ErrCodeNoRoot) {
		t.Errorf("Expected NO_ROOT for empty graph, got %v", err)
	}

	g := NewWorkflowGraph("two roots", nil)
	mustAdd(t, g, spec("a"))
	mustAdd(t, g, spec("b"))
	if err := g.Validate(); err != nil {
		t.Errorf("Expected valid graph, got %v", err)
	}
	if err := g.ValidateSingleRoot(); !HasCode(err, ErrCodeNoRoot) {
		t.Errorf("Expected NO_ROOT for two roots, got %v", err)
	}
}

func TestWorkflowGraph_Transition(t *testing.T) {
	g := NewWorkflowGraph("test", nil)
	a := mustAdd(t, g, spec("a"))
	b := mustAdd(t, g, spec("b"), a)

	if g.AllParentsCompleted(b) {
		t.Error("Expected b to wait for a")
	}
	if err := g.Start(b); !HasCode(err, ErrCodeInvalidTransition) {
		t.Fatalf("Expected INVALID_TRANSITION starting b early, got %v", err)
	}
	if !IsConflict(g.Start(b)) {
		t.Error("Expected conflict class")
	}

	if ready := g.ReadyNodes(); len(ready) != 1 || ready[0] != a {
		t.Errorf("Expected only a ready, got %v", ready)
	}

	if err := g.Start(a); err != nil {
		t.Fatalf("Start(a) failed: %v", err)
	}
	if err := g.Complete(b, nil); !HasCode(err, ErrCodeInvalidTransition) {
		t.Errorf("Expected INVALID_TRANSITION completing pending b, got %v", err)
	}
	if _, err := g.Transition(a, NodeStateRunning, NodeStatePending); !HasCode(err, ErrCodeInvalidTransition) {
		t.Errorf("Expected INVALID_TRANSITION running -> pending, got %v", err)
	}
	if err := g.Complete(a, &ResultDocument{Label: "a", State: DocumentSuccessful}); err != nil {
		t.Fatalf("Complete(a) failed: %v", err)
	}
	if !g.AllParentsCompleted(b) {
		t.Error("Expected b to be ready")
	}
	if err := g.Start(b); err != nil {
		t.Fatalf("Start(b) failed: %v", err)
	}

	n, _ := g.Node(a)
	if n.Document == nil || n.StartedAt == nil || n.CompletedAt == nil {
		t.Errorf("Expected document and timestamps on a, got %+v", n)
	}
	if g.Status() != RunStatusRunning {
		t.Errorf("Expected RUNNING, got %s", g.Status())
	}
}

func TestWorkflowGraph_FailCascades(t *testing.T) {
	g := NewWorkflowGraph("test", nil)
	a := mustAdd(t, g, spec("a"))
	b := mustAdd(t, g, spec("b"), a)
	c := mustAdd(t, g, spec("c"), b)
	d := mustAdd(t, g, spec("d"))

	if err := g.Start(a); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancelled, err := g.Fail(a, NewTransientError("boom", nil).WithCode(ErrCodeRunnerFailed))
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if len(cancelled) != 2 {
		t.Fatalf("Expected 2 cancelled descendants, got %v", cancelled)
	}

	for _, id := range []string{b, c} {
		n, _ := g.Node(id)
		if n.State != NodeStateCancelled || n.Reason != ReasonParentFailed {
			t.Errorf("Expected %s CANCELLED/ParentFailed, got %s/%s", id, n.State, n.Reason)
		}
		if err := g.Start(id); err == nil {
			t.Errorf("Expected %s to never start", id)
		}
	}

	n, _ := g.Node(d)
	if n.State != NodeStatePending {
		t.Errorf("Expected unrelated node to stay pending, got %s", n.State)
	}

	fa, _ := g.Node(a)
	if fa.Error == nil || fa.Error.Code != ErrCodeRunnerFailed {
		t.Errorf("Expected error on failed node, got %+v", fa.Error)
	}
}

func TestWorkflowGraph_Cancel(t *testing.T) {
	g := NewWorkflowGraph("test", nil)
	a := mustAdd(t, g, spec("a"))
	b := mustAdd(t, g, spec("b"), a)
	c := mustAdd(t, g, spec("c"), b)

	cancelled, err := g.Cancel(b)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if len(cancelled) != 2 || cancelled[0] != b || cancelled[1] != c {
		t.Errorf("Expected [%s %s] cancelled, got %v", b, c, cancelled)
	}
	n, _ := g.Node(c)
	if n.Reason != ReasonCancelled {
		t.Errorf("Expected reason Cancelled, got %s", n.Reason)
	}

	// Terminal nodes are left alone.
	again, err := g.Cancel(b)
	if err != nil || len(again) != 0 {
		t.Errorf("Expected no-op, got %v %v", again, err)
	}

	if _, err := g.Cancel("missing"); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}

	if err := g.Start(a); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := g.Complete(a, nil); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if g.Status() != RunStatusCancelled {
		t.Errorf("Expected CANCELLED, got %s", g.Status())
	}
}

func TestWorkflowGraph_CancelDuringCommit(t *testing.T) {
	g := NewWorkflowGraph("test", nil)
	a := mustAdd(t, g, spec("a"))
	b := mustAdd(t, g, spec("b"), a)

	if err := g.BeginCommit(a); !HasCode(err, ErrCodeInvalidTransition) {
		t.Errorf("Expected INVALID_TRANSITION for a pending node, got %v", err)
	}
	if err := g.Start(a); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := g.BeginCommit(a); err != nil {
		t.Fatalf("BeginCommit failed: %v", err)
	}
	if _, err := g.Cancel(a); !HasCode(err, ErrCodeInvalidTransition) {
		t.Errorf("Expected INVALID_TRANSITION while committing, got %v", err)
	}
	if n, _ := g.Node(a); n.State != NodeStateRunning {
		t.Errorf("Expected node to stay RUNNING, got %s", n.State)
	}

	// An abandoned commit makes the node cancellable again.
	g.EndCommit(a)
	cancelled, err := g.Cancel(a)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if len(cancelled) != 2 || cancelled[0] != a || cancelled[1] != b {
		t.Errorf("Expected [%s %s] cancelled, got %v", a, b, cancelled)
	}
	if err := g.BeginCommit(a); !HasCode(err, ErrCodeInvalidTransition) {
		t.Errorf("Expected INVALID_TRANSITION for a cancelled node, got %v", err)
	}
}

func TestWorkflowGraph_Summary(t *testing.T) {
	g := NewWorkflowGraph("test", nil)
	a := mustAdd(t, g, spec("same"))
	mustAdd(t, g, spec("same"), a)

	s := g.Summary()
	if s.Total != 2 || s.Pending != 2 {
		t.Errorf("Expected 2 pending, got %+v", s)
	}
	if len(s.NodeStates) != 2 {
		t.Errorf("Expected duplicate labels to be kept apart, got %v", s.NodeStates)
	}
}

func TestWorkflowGraph_JSONRoundTrip(t *testing.T) {
	g, err := NMRWorkflow(testStructure(), nil)
	if err != nil {
		t.Fatalf("NMRWorkflow failed: %v", err)
	}
	root := g.Roots()[0]
	if err := g.Start(root); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	g.SetInputs(root, map[string]*config.Configuration{
		"INCAR": config.NewConfiguration().MustSet("ENCUT", 520).MustSet("EDIFF", 1e-6),
	})
	doc := &ResultDocument{
		ID:    "doc",
		Label: LabelStructureOptimization,
		State: DocumentSuccessful,
		Data:  config.NewConfiguration().MustSet("FORMULA_PRETTY", "Si"),
	}
	if err := g.Complete(root, doc); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	data, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	reloaded, err := UnmarshalGraph(data)
	if err != nil {
		t.Fatalf("UnmarshalGraph failed: %v", err)
	}

	if reloaded.Name != g.Name || reloaded.Len() != 3 || len(reloaded.Edges()) != 2 {
		t.Fatalf("Expected same shape, got %s with %d nodes", reloaded.Name, reloaded.Len())
	}
	n, _ := reloaded.Node(root)
	if n.State != NodeStateCompleted {
		t.Errorf("Expected COMPLETED root, got %s", n.State)
	}
	encut, ok := n.Inputs["INCAR"].GetInt("ENCUT")
	if !ok || encut != 520 {
		t.Errorf("Expected ENCUT 520 as integer, got %v", n.Inputs["INCAR"])
	}
	if v, _ := n.Document.Data.GetString("FORMULA_PRETTY"); v != "Si" {
		t.Errorf("Expected document to survive, got %v", n.Document.Data)
	}
	if got := len(reloaded.ReadyNodes()); got != 2 {
		t.Errorf("Expected both children ready after reload, got %d", got)
	}
	cs, _ := reloaded.NodeByLabel(LabelCSTensor)
	if !cs.Spec.PreserveBaseConfig || cs.Spec.Mode != inputs.ModeFromPrevious {
		t.Errorf("Expected spec to survive, got %+v", cs.Spec)
	}
}

func TestUnmarshalGraph_UnknownParent(t *testing.T) {
	data := []byte(`{"name":"bad","nodes":[{"id":"a","spec":{"label":"a","mode":"template","template":"Static"},"parents":["ghost"],"state":"PENDING"}]}`)
	if _, err := UnmarshalGraph(data); !HasCode(err, ErrCodeUnknownParent) {
		t.Errorf("Expected UNKNOWN_PARENT, got %v", err)
	}
}

func TestWorkflowGraph_ToDOT(t *testing.T) {
	g, err := NMRWorkflow(testStructure(), nil)
	if err != nil {
		t.Fatalf("NMRWorkflow failed: %v", err)
	}
	dot := g.ToDOT()

	for _, want := range []string{"digraph Workflow", "cluster_level_0", "cluster_level_1", "structure optimization", "cs tensor", "->"} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q:\n%s", want, dot)
		}
	}
}

func TestFormatCycle(t *testing.T) {
	if got := formatCycle([]string{"a", "b", "a"}); got != "a -> b -> a" {
		t.Errorf("Unexpected cycle format: %s", got)
	}
	if formatCycle(nil) != "" {
		t.Error("Expected empty string")
	}
}
