package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/inputs"
	"github.com/matflow/matflow/pkg/structure"
)

// WorkflowGraph is a DAG of job nodes. It owns its nodes; callers receive
// copies. Node state changes only through Transition and the helpers built
// on it, and all methods are safe for concurrent use.
type WorkflowGraph struct {
	// Name identifies the workflow, e.g. "nmr LiAlSiO4".
	Name string

	// Structure is the structure the workflow was built for.
	Structure *structure.Structure

	mu       sync.RWMutex
	nodes    map[string]*JobNode
	order    []string
	index    map[string]int
	children map[string][]string

	// committing holds running nodes whose result is being recorded.
	committing map[string]bool
}

// NewWorkflowGraph creates an empty graph.
func NewWorkflowGraph(name string, s *structure.Structure) *WorkflowGraph {
	return &WorkflowGraph{
		Name:       name,
		Structure:  s,
		nodes:      make(map[string]*JobNode),
		index:      make(map[string]int),
		children:   make(map[string][]string),
		committing: make(map[string]bool),
	}
}

// AddNode adds a pending node with the given parents and returns its id.
// The id is spec.ID when set, otherwise a new UUID.
func (g *WorkflowGraph) AddNode(spec inputs.JobSpec, parentIDs ...string) (string, error) {
	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	return id, g.AddNodeWithID(id, spec, parentIDs...)
}

// AddNodeWithID adds a node under an explicit id. Parents must already
// exist; a node listing itself as parent is a cycle.
func (g *WorkflowGraph) AddNodeWithID(id string, spec inputs.JobSpec, parentIDs ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id == "" {
		return NewPermanentError("node id must not be empty", nil).WithCode(ErrCodeValidation)
	}
	if _, exists := g.nodes[id]; exists {
		return NewPermanentError(fmt.Sprintf("duplicate node id: %s", id), nil).
			WithCode(ErrCodeDuplicateNode).WithNode(spec.Label)
	}

	seen := make(map[string]bool, len(parentIDs))
	parents := make([]string, 0, len(parentIDs))
	for _, pid := range parentIDs {
		if pid == id {
			return NewPermanentError(fmt.Sprintf("circular dependency detected: %s", formatCycle([]string{id, id})), nil).
				WithCode(ErrCodeCycleDetected).WithNode(spec.Label)
		}
		if _, exists := g.nodes[pid]; !exists {
			return NewPermanentError(fmt.Sprintf("node %s references unknown parent %s", id, pid), nil).
				WithCode(ErrCodeUnknownParent).WithNode(spec.Label)
		}
		if seen[pid] {
			continue
		}
		seen[pid] = true
		parents = append(parents, pid)
	}

	spec = spec.Clone()
	spec.ID = id
	g.nodes[id] = &JobNode{
		ID:      id,
		Spec:    spec,
		Parents: parents,
		State:   NodeStatePending,
	}
	g.index[id] = len(g.order)
	g.order = append(g.order, id)
	for _, pid := range parents {
		g.children[pid] = append(g.children[pid], id)
	}
	return nil
}

// AddEdge makes parentID a parent of childID. It fails with CYCLE_DETECTED
// when childID already reaches parentID; the graph is left unchanged.
func (g *WorkflowGraph) AddEdge(parentID, childID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	child, ok := g.nodes[childID]
	if !ok {
		return NewPermanentError(fmt.Sprintf("unknown node %s", childID), nil).WithCode(ErrCodeUnknownParent)
	}
	if _, ok := g.nodes[parentID]; !ok {
		return NewPermanentError(fmt.Sprintf("node %s references unknown parent %s", childID, parentID), nil).
			WithCode(ErrCodeUnknownParent).WithNode(child.Label())
	}
	if path := g.pathLocked(childID, parentID); path != nil {
		return NewPermanentError(fmt.Sprintf("circular dependency detected: %s", formatCycle(append(path, childID))), nil).
			WithCode(ErrCodeCycleDetected).WithNode(child.Label())
	}
	for _, p := range child.Parents {
		if p == parentID {
			return nil
		}
	}
	child.Parents = append(child.Parents, parentID)
	g.children[parentID] = append(g.children[parentID], childID)
	return nil
}

// pathLocked returns a path from -> ... -> to along child edges, or nil.
func (g *WorkflowGraph) pathLocked(from, to string) []string {
	visited := make(map[string]bool)
	var walk func(id string, path []string) []string
	walk = func(id string, path []string) []string {
		path = append(path, id)
		if id == to {
			return path
		}
		visited[id] = true
		for _, c := range g.children[id] {
			if !visited[c] {
				if p := walk(c, path); p != nil {
					return p
				}
			}
		}
		return nil
	}
	return walk(from, nil)
}

// Len returns the number of nodes.
func (g *WorkflowGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Node returns a copy of the node with the given id.
func (g *WorkflowGraph) Node(id string) (*JobNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// NodeByLabel returns the first node, in insertion order, with label.
func (g *WorkflowGraph) NodeByLabel(label string) (*JobNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range g.order {
		if g.nodes[id].Label() == label {
			return g.nodes[id].clone(), true
		}
	}
	return nil, false
}

// Nodes returns copies of all nodes in insertion order.
func (g *WorkflowGraph) Nodes() []*JobNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*JobNode, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id].clone()
	}
	return out
}

// Edge is a parent -> child relation.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Edges returns all edges ordered by child insertion, then parent order.
func (g *WorkflowGraph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var edges []Edge
	for _, id := range g.order {
		for _, p := range g.nodes[id].Parents {
			edges = append(edges, Edge{From: p, To: id})
		}
	}
	return edges
}

// Roots returns the ids of nodes without parents, in insertion order.
func (g *WorkflowGraph) Roots() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var roots []string
	for _, id := range g.order {
		if g.nodes[id].IsRoot() {
			roots = append(roots, id)
		}
	}
	return roots
}

// Children returns the direct children of id.
func (g *WorkflowGraph) Children(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.children[id]...)
}

// Descendants returns every node reachable from id, in insertion order.
func (g *WorkflowGraph) Descendants(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.descendantsLocked(id)
}

func (g *WorkflowGraph) descendantsLocked(id string) []string {
	reached := make(map[string]bool)
	stack := append([]string(nil), g.children[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[n] {
			continue
		}
		reached[n] = true
		stack = append(stack, g.children[n]...)
	}
	out := make([]string, 0, len(reached))
	for _, nid := range g.order {
		if reached[nid] {
			out = append(out, nid)
		}
	}
	return out
}

// TopologicalOrder returns node ids so that every parent precedes its
// children. Among nodes whose parents are all placed, the earliest
// inserted comes first.
func (g *WorkflowGraph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.nodes[id].Parents)
	}

	placed := make(map[string]bool, len(g.order))
	out := make([]string, 0, len(g.order))
	for len(out) < len(g.order) {
		next := ""
		for _, id := range g.order {
			if !placed[id] && inDegree[id] == 0 {
				next = id
				break
			}
		}
		if next == "" {
			return nil, NewPermanentError("failed to order all nodes - graph has a cycle", nil).
				WithCode(ErrCodeCycleDetected)
		}
		placed[next] = true
		out = append(out, next)
		for _, c := range g.children[next] {
			inDegree[c]--
		}
	}
	return out, nil
}

// Levels groups nodes by depth: level 0 holds the roots, level n the nodes
// whose deepest parent is at level n-1.
func (g *WorkflowGraph) Levels() ([][]string, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	level := make(map[string]int, len(order))
	var levels [][]string
	for _, id := range order {
		l := 0
		for _, p := range g.nodes[id].Parents {
			if level[p]+1 > l {
				l = level[p] + 1
			}
		}
		level[id] = l
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], id)
	}
	return levels, nil
}

// Validate checks that the graph is non-empty, every parent exists, there
// is at least one root, and there are no cycles.
func (g *WorkflowGraph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.order) == 0 {
		return NewPermanentError("workflow has no nodes", nil).WithCode(ErrCodeNoRoot)
	}

	roots := 0
	for _, id := range g.order {
		n := g.nodes[id]
		if n.IsRoot() {
			roots++
		}
		for _, p := range n.Parents {
			if _, ok := g.nodes[p]; !ok {
				return NewPermanentError(fmt.Sprintf("node %s references unknown parent %s", id, p), nil).
					WithCode(ErrCodeUnknownParent).WithNode(n.Label())
			}
		}
	}
	if roots == 0 {
		return NewPermanentError("no root nodes found - all nodes have parents", nil).WithCode(ErrCodeNoRoot)
	}

	return g.detectCyclesLocked()
}

// ValidateSingleRoot is Validate plus a check for exactly one root.
func (g *WorkflowGraph) ValidateSingleRoot() error {
	if err := g.Validate(); err != nil {
		return err
	}
	if roots := g.Roots(); len(roots) != 1 {
		return NewPermanentError(fmt.Sprintf("expected exactly one root, found %d", len(roots)), nil).
			WithCode(ErrCodeNoRoot)
	}
	return nil
}

// detectCyclesLocked uses depth-first search over child edges.
func (g *WorkflowGraph) detectCyclesLocked() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, c := range g.children[id] {
			if !visited[c] {
				if cycle := visit(c, path); cycle != nil {
					return cycle
				}
			} else if recStack[c] {
				for i, p := range path {
					if p == c {
						return append(append([]string(nil), path[i:]...), c)
					}
				}
			}
		}

		recStack[id] = false
		return nil
	}

	for _, id := range g.order {
		if !visited[id] {
			if cycle := visit(id, nil); cycle != nil {
				return NewPermanentError(fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil).
					WithCode(ErrCodeCycleDetected)
			}
		}
	}
	return nil
}

// AllParentsCompleted reports whether every parent of id is Completed.
func (g *WorkflowGraph) AllParentsCompleted(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.allParentsCompletedLocked(id)
}

func (g *WorkflowGraph) allParentsCompletedLocked(id string) bool {
	n, ok := g.nodes[id]
	if !ok {
		return false
	}
	for _, p := range n.Parents {
		if g.nodes[p].State != NodeStateCompleted {
			return false
		}
	}
	return true
}

// ReadyNodes returns pending nodes whose parents all completed, in
// insertion order.
func (g *WorkflowGraph) ReadyNodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ready []string
	for _, id := range g.order {
		if g.nodes[id].State == NodeStatePending && g.allParentsCompletedLocked(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

// Transition moves node id from one state to another. Pending -> Running
// requires all parents to be Completed. A transition to Failed cancels
// every pending descendant with reason ParentFailed. It returns the ids of
// nodes cancelled as a consequence.
func (g *WorkflowGraph) Transition(id string, from, to NodeState) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transitionLocked(id, from, to)
}

func (g *WorkflowGraph) transitionLocked(id string, from, to NodeState) ([]string, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown node %s", id), nil).WithCode(ErrCodeNotFound)
	}
	if n.State != from {
		return nil, NewConflictError(fmt.Sprintf("node %s is %s, not %s", id, n.State, from), nil).
			WithCode(ErrCodeInvalidTransition).WithNode(n.Label())
	}
	if !CanTransition(from, to) {
		return nil, NewConflictError(fmt.Sprintf("transition %s -> %s is not allowed", from, to), nil).
			WithCode(ErrCodeInvalidTransition).WithNode(n.Label())
	}
	if to == NodeStateRunning && !g.allParentsCompletedLocked(id) {
		return nil, NewConflictError(fmt.Sprintf("node %s has parents that have not completed", id), nil).
			WithCode(ErrCodeInvalidTransition).WithNode(n.Label())
	}

	now := time.Now()
	n.State = to
	switch to {
	case NodeStateRunning:
		n.StartedAt = &now
	case NodeStateCompleted, NodeStateFailed, NodeStateCancelled:
		n.CompletedAt = &now
	}

	if to == NodeStateFailed {
		return g.cancelPendingLocked(g.descendantsLocked(id), ReasonParentFailed), nil
	}
	return nil, nil
}

func (g *WorkflowGraph) cancelPendingLocked(ids []string, reason string) []string {
	var cancelled []string
	now := time.Now()
	for _, d := range ids {
		dn := g.nodes[d]
		if dn.State != NodeStatePending {
			continue
		}
		dn.State = NodeStateCancelled
		dn.Reason = reason
		dn.CompletedAt = &now
		cancelled = append(cancelled, d)
	}
	return cancelled
}

// Start moves a pending node to Running.
func (g *WorkflowGraph) Start(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.transitionLocked(id, NodeStatePending, NodeStateRunning); err != nil {
		return err
	}
	g.nodes[id].Attempts = 0
	return nil
}

// RecordAttempt increments the attempt counter of a running node.
func (g *WorkflowGraph) RecordAttempt(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return 0
	}
	n.Attempts++
	return n.Attempts
}

// SetInputs records the blocks a running node was synthesized with.
func (g *WorkflowGraph) SetInputs(id string, blocks map[string]*config.Configuration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		n.Inputs = cloneBlocks(blocks)
	}
}

// Complete moves a running node to Completed and attaches its document.
func (g *WorkflowGraph) Complete(id string, doc *ResultDocument) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.transitionLocked(id, NodeStateRunning, NodeStateCompleted); err != nil {
		return err
	}
	delete(g.committing, id)
	g.nodes[id].Document = doc
	return nil
}

// BeginCommit marks a running node as recording its result. Until the
// node completes, fails or EndCommit is called, Cancel refuses it.
func (g *WorkflowGraph) BeginCommit(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return NewPermanentError(fmt.Sprintf("unknown node %s", id), nil).WithCode(ErrCodeNotFound)
	}
	if n.State != NodeStateRunning {
		return NewConflictError(fmt.Sprintf("node %s is %s, not %s", id, n.State, NodeStateRunning), nil).
			WithCode(ErrCodeInvalidTransition).WithNode(n.Label())
	}
	g.committing[id] = true
	return nil
}

// EndCommit clears the mark set by BeginCommit.
func (g *WorkflowGraph) EndCommit(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.committing, id)
}

// Fail moves a running node to Failed and cancels its pending descendants.
func (g *WorkflowGraph) Fail(id string, cause *EngineError) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cancelled, err := g.transitionLocked(id, NodeStateRunning, NodeStateFailed)
	if err != nil {
		return nil, err
	}
	delete(g.committing, id)
	g.nodes[id].Error = cause
	return cancelled, nil
}

// Cancel cancels a pending or running node and all its pending
// descendants. Terminal nodes are left alone. A node that is committing
// its result cannot be cancelled. It returns every node that was
// cancelled.
func (g *WorkflowGraph) Cancel(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown node %s", id), nil).WithCode(ErrCodeNotFound)
	}
	if n.State.IsTerminal() {
		return nil, nil
	}
	if g.committing[id] {
		return nil, NewConflictError(fmt.Sprintf("node %s is committing its result", id), nil).
			WithCode(ErrCodeInvalidTransition).WithNode(n.Label())
	}
	if _, err := g.transitionLocked(id, n.State, NodeStateCancelled); err != nil {
		return nil, err
	}
	n.Reason = ReasonCancelled
	cancelled := []string{id}
	return append(cancelled, g.cancelPendingLocked(g.descendantsLocked(id), ReasonCancelled)...), nil
}

// CancelPending cancels every pending node.
func (g *WorkflowGraph) CancelPending(reason string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelPendingLocked(append([]string(nil), g.order...), reason)
}

// States returns the state of every node keyed by id.
func (g *WorkflowGraph) States() map[string]NodeState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]NodeState, len(g.nodes))
	for id, n := range g.nodes {
		out[id] = n.State
	}
	return out
}

// Status derives the workflow status from the node states.
func (g *WorkflowGraph) Status() RunStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	states := make([]NodeState, 0, len(g.order))
	for _, id := range g.order {
		states = append(states, g.nodes[id].State)
	}
	return StatusFromStates(states)
}

// Summary counts node states. NodeStates is keyed by label.
func (g *WorkflowGraph) Summary() RunSummary {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := RunSummary{
		Total:      len(g.order),
		NodeStates: make(map[string]NodeState, len(g.order)),
	}
	for _, id := range g.order {
		n := g.nodes[id]
		switch n.State {
		case NodeStatePending:
			s.Pending++
		case NodeStateRunning:
			s.Running++
		case NodeStateCompleted:
			s.Completed++
		case NodeStateFailed:
			s.Failed++
		case NodeStateCancelled:
			s.Cancelled++
		}
		key := n.Label()
		if _, dup := s.NodeStates[key]; dup {
			key = fmt.Sprintf("%s (%s)", key, id)
		}
		s.NodeStates[key] = n.State
	}
	return s
}

// Reset returns every node to Pending and clears run results.
func (g *WorkflowGraph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		n.State = NodeStatePending
		n.Reason = ""
		n.Error = nil
		n.Inputs = nil
		n.Document = nil
		n.Attempts = 0
		n.StartedAt = nil
		n.CompletedAt = nil
	}
}

// ToDOT generates a DOT format representation of the graph for
// visualization. The output can be rendered with Graphviz tools.
func (g *WorkflowGraph) ToDOT() string {
	levels, err := g.Levels()
	if err != nil {
		levels = [][]string{g.orderSnapshot()}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("digraph Workflow {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			n := g.nodes[id]
			label := fmt.Sprintf("%s\\n%s", n.Label(), n.Spec.Mode)
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, stateColor(n.State)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.order {
		for _, p := range g.nodes[id].Parents {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", p, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (g *WorkflowGraph) orderSnapshot() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

func stateColor(s NodeState) string {
	switch s {
	case NodeStateCompleted:
		return "lightgreen"
	case NodeStateRunning:
		return "lightblue"
	case NodeStateFailed:
		return "lightcoral"
	case NodeStateCancelled:
		return "lightgray"
	default:
		return "white"
	}
}

func cloneBlocks(blocks map[string]*config.Configuration) map[string]*config.Configuration {
	if blocks == nil {
		return nil
	}
	out := make(map[string]*config.Configuration, len(blocks))
	for k, v := range blocks {
		out[k] = v.Clone()
	}
	return out
}

// graphJSON is the persisted form of a workflow graph.
type graphJSON struct {
	Name      string               `json:"name"`
	Structure *structure.Structure `json:"structure,omitempty"`
	Nodes     []*JobNode           `json:"nodes"`
}

// MarshalJSON writes the graph with nodes in insertion order, including
// each node's spec and materialized inputs.
func (g *WorkflowGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(graphJSON{
		Name:      g.Name,
		Structure: g.Structure,
		Nodes:     g.Nodes(),
	})
}

// UnmarshalGraph rebuilds a graph written by MarshalJSON. Node states,
// inputs and documents are restored; edges are validated as they are added.
func UnmarshalGraph(data []byte) (*WorkflowGraph, error) {
	var raw graphJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode workflow graph: %w", err)
	}

	g := NewWorkflowGraph(raw.Name, raw.Structure)
	pending := raw.Nodes
	for len(pending) > 0 {
		var deferred []*JobNode
		for _, n := range pending {
			if !g.hasAll(n.Parents) {
				deferred = append(deferred, n)
				continue
			}
			if err := g.AddNodeWithID(n.ID, n.Spec, n.Parents...); err != nil {
				return nil, err
			}
			g.restore(n)
		}
		if len(deferred) == len(pending) {
			n := deferred[0]
			return nil, NewPermanentError(fmt.Sprintf("node %s references unknown or cyclic parents", n.ID), nil).
				WithCode(ErrCodeUnknownParent).WithNode(n.Label())
		}
		pending = deferred
	}
	return g, nil
}

func (g *WorkflowGraph) hasAll(ids []string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range ids {
		if _, ok := g.nodes[id]; !ok {
			return false
		}
	}
	return true
}

func (g *WorkflowGraph) restore(src *JobNode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.nodes[src.ID]
	if src.State != "" {
		n.State = src.State
	}
	n.Reason = src.Reason
	n.Error = src.Error
	n.Inputs = src.Inputs
	n.Document = src.Document
	n.Attempts = src.Attempts
	n.StartedAt = src.StartedAt
	n.CompletedAt = src.CompletedAt
}
