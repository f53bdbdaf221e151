package engine

import (
	"encoding/json"
	"fmt"
)

// NodeState is the execution state of a job node.
type NodeState string

const (
	// NodeStatePending indicates the node is waiting for its parents.
	NodeStatePending NodeState = "PENDING"

	// NodeStateRunning indicates the node is being synthesized or executed.
	NodeStateRunning NodeState = "RUNNING"

	// NodeStateCompleted indicates the node finished and its document is stored.
	NodeStateCompleted NodeState = "COMPLETED"

	// NodeStateFailed indicates the node failed.
	NodeStateFailed NodeState = "FAILED"

	// NodeStateCancelled indicates the node will never run, either because
	// it was cancelled or because an ancestor failed.
	NodeStateCancelled NodeState = "CANCELLED"
)

// IsTerminal returns true if the state is final.
func (s NodeState) IsTerminal() bool {
	return s == NodeStateCompleted || s == NodeStateFailed || s == NodeStateCancelled
}

// Validate checks if the node state is valid.
func (s NodeState) Validate() error {
	switch s {
	case NodeStatePending, NodeStateRunning, NodeStateCompleted, NodeStateFailed, NodeStateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid node state: %s", s)
	}
}

// CanTransition reports whether from -> to is allowed. Running nodes may be
// cancelled when their run is aborted.
func CanTransition(from, to NodeState) bool {
	switch from {
	case NodeStatePending:
		return to == NodeStateRunning || to == NodeStateCancelled
	case NodeStateRunning:
		return to == NodeStateCompleted || to == NodeStateFailed || to == NodeStateCancelled
	default:
		return false
	}
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *NodeState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = NodeState(str)
	return s.Validate()
}

// Cancellation reasons recorded on cancelled nodes.
const (
	ReasonParentFailed = "ParentFailed"
	ReasonCancelled    = "Cancelled"
)

// RunStatus represents the overall status of a workflow run.
type RunStatus string

const (
	// RunStatusPending indicates no node has started yet.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning indicates the run has started and is not finished.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusCompleted indicates every node completed.
	RunStatusCompleted RunStatus = "COMPLETED"

	// RunStatusFailed indicates at least one node failed.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusCancelled indicates the run was cancelled without a failure.
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// StatusFromStates derives the workflow status from node states.
func StatusFromStates(states []NodeState) RunStatus {
	var pending, running, completed, failed, cancelled int
	for _, s := range states {
		switch s {
		case NodeStatePending:
			pending++
		case NodeStateRunning:
			running++
		case NodeStateCompleted:
			completed++
		case NodeStateFailed:
			failed++
		case NodeStateCancelled:
			cancelled++
		}
	}

	switch {
	case len(states) > 0 && completed == len(states):
		return RunStatusCompleted
	case running > 0:
		return RunStatusRunning
	case pending > 0 && completed+failed+cancelled == 0:
		return RunStatusPending
	case pending > 0:
		return RunStatusRunning
	case failed > 0:
		return RunStatusFailed
	case cancelled > 0:
		return RunStatusCancelled
	default:
		return RunStatusPending
	}
}

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	EventTypeRunStarted      EventType = "run.started"
	EventTypeRunCompleted    EventType = "run.completed"
	EventTypeRunFailed       EventType = "run.failed"
	EventTypeRunCancelled    EventType = "run.cancelled"
	EventTypeNodeStarted     EventType = "node.started"
	EventTypeNodeCompleted   EventType = "node.completed"
	EventTypeNodeFailed      EventType = "node.failed"
	EventTypeNodeCancelled   EventType = "node.cancelled"
	EventTypeNodeRetry       EventType = "node.retry"
	EventTypePolicyViolation EventType = "policy.violation"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeNodeFailed, EventTypePolicyViolation:
		return "error"
	case EventTypeNodeRetry, EventTypeRunCancelled, EventTypeNodeCancelled:
		return "warning"
	default:
		return "info"
	}
}
