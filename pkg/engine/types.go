package engine

import (
	"time"

	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/inputs"
)

// JobNode is a unit of work in a workflow graph.
type JobNode struct {
	// ID is the unique identifier of the node within its graph.
	ID string `json:"id"`

	// Spec describes how the node's inputs are synthesized.
	Spec inputs.JobSpec `json:"spec"`

	// Parents lists the ids of nodes that must complete first.
	Parents []string `json:"parents,omitempty"`

	// State is the current execution state.
	State NodeState `json:"state"`

	// Reason explains a cancellation (ParentFailed or Cancelled).
	Reason string `json:"reason,omitempty"`

	// Error is set when the node failed.
	Error *EngineError `json:"error,omitempty"`

	// Inputs are the blocks the node ran with, kept so downstream
	// from_previous synthesis and replays do not need the job directory.
	Inputs map[string]*config.Configuration `json:"inputs,omitempty"`

	// Document is the result document once the node completed.
	Document *ResultDocument `json:"document,omitempty"`

	// Attempts counts runner invocations, including retries.
	Attempts int `json:"attempts,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Label returns the human-readable task label.
func (n *JobNode) Label() string {
	return n.Spec.Label
}

// IsRoot returns true if the node has no parents.
func (n *JobNode) IsRoot() bool {
	return len(n.Parents) == 0
}

// clone returns a copy that shares no mutable state with n.
func (n *JobNode) clone() *JobNode {
	out := *n
	out.Spec = n.Spec.Clone()
	out.Parents = append([]string(nil), n.Parents...)
	if n.Inputs != nil {
		out.Inputs = make(map[string]*config.Configuration, len(n.Inputs))
		for k, v := range n.Inputs {
			out.Inputs[k] = v.Clone()
		}
	}
	if n.Document != nil {
		doc := *n.Document
		doc.Data = n.Document.Data.Clone()
		out.Document = &doc
	}
	if n.Error != nil {
		e := *n.Error
		out.Error = &e
	}
	return &out
}

// DocumentState is the state field of a result document.
type DocumentState string

const (
	DocumentSuccessful DocumentState = "successful"
	DocumentFailed     DocumentState = "failed"
)

// ResultDocument is the record stored for one executed job. It is
// immutable once stored.
type ResultDocument struct {
	// ID is the unique identifier of the document.
	ID string `json:"id"`

	// RunID is the workflow run the job belonged to.
	RunID string `json:"run_id"`

	// NodeID is the job node that produced the document.
	NodeID string `json:"node_id"`

	// Label is the task label, e.g. "cs tensor".
	Label string `json:"task_label"`

	// State is successful or failed.
	State DocumentState `json:"state"`

	// Dir is the job directory the runner used.
	Dir string `json:"dir,omitempty"`

	// Data holds the parsed results and metadata such as FORMULA_PRETTY.
	Data *config.Configuration `json:"data"`

	// CreatedAt is when the document was produced.
	CreatedAt time.Time `json:"created_at"`
}

// DocumentQuery selects result documents. Empty fields match anything.
type DocumentQuery struct {
	Label string
	RunID string
	State DocumentState
}

// Matches reports whether doc satisfies the query.
func (q DocumentQuery) Matches(doc *ResultDocument) bool {
	if q.Label != "" && doc.Label != q.Label {
		return false
	}
	if q.RunID != "" && doc.RunID != q.RunID {
		return false
	}
	if q.State != "" && doc.State != q.State {
		return false
	}
	return true
}

// Run represents one execution of a workflow graph.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Workflow is the name of the executed graph.
	Workflow string `json:"workflow"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration"`

	// Summary provides per-node statistics.
	Summary RunSummary `json:"summary"`
}

// RunSummary provides statistics about a run.
type RunSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	// NodeStates maps node labels to their states. Duplicate labels are
	// suffixed with the node id.
	NodeStates map[string]NodeState `json:"node_states"`
}

// NodeRecord is the persisted form of a node's progress within a run.
type NodeRecord struct {
	RunID       string                           `json:"run_id"`
	NodeID      string                           `json:"node_id"`
	Label       string                           `json:"label"`
	State       NodeState                        `json:"state"`
	Reason      string                           `json:"reason,omitempty"`
	Parents     []string                         `json:"parents,omitempty"`
	Spec        inputs.JobSpec                   `json:"spec"`
	Inputs      map[string]*config.Configuration `json:"inputs,omitempty"`
	Error       *EngineError                     `json:"error,omitempty"`
	Attempts    int                              `json:"attempts"`
	UpdatedAt   time.Time                        `json:"updated_at"`
	StartedAt   *time.Time                       `json:"started_at,omitempty"`
	CompletedAt *time.Time                       `json:"completed_at,omitempty"`
}

// Event represents an event in the run timeline.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// NodeID is the node this event relates to, if any.
	NodeID string `json:"node_id,omitempty"`

	// Label is the node label, if any.
	Label string `json:"label,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the severity level (info, warning, error).
	Level string `json:"level"`
}
