package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matflow/matflow/pkg/engine"
)

// Event is a lifecycle notification for a run or one of its nodes.
type Event struct {
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	Type      engine.EventType `json:"type"`
	Source    string           `json:"source"`
	RunID     string           `json:"run_id,omitempty"`
	NodeID    string           `json:"node_id,omitempty"`
	Label     string           `json:"label,omitempty"`
	Message   string           `json:"message"`

	// Level defaults to the severity of Type.
	Level string         `json:"level"`
	Data  map[string]any `json:"data,omitempty"`
}

// Event types published by the recorder. They are the scheduler's event
// types so a subscriber can match either stream.
const (
	EventTypeRunStarted      = engine.EventTypeRunStarted
	EventTypeRunCompleted    = engine.EventTypeRunCompleted
	EventTypeRunFailed       = engine.EventTypeRunFailed
	EventTypeRunCancelled    = engine.EventTypeRunCancelled
	EventTypeNodeStarted     = engine.EventTypeNodeStarted
	EventTypeNodeCompleted   = engine.EventTypeNodeCompleted
	EventTypeNodeFailed      = engine.EventTypeNodeFailed
	EventTypeNodeCancelled   = engine.EventTypeNodeCancelled
	EventTypePolicyViolation = engine.EventTypePolicyViolation
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var levelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

func (s subscription) deliver(event Event) {
	if s.filter == nil || s.filter(event) {
		s.fn(event)
	}
}

// EventPublisher fans events out to subscribers. Synchronous publishers
// deliver on the caller's goroutine. Asynchronous ones queue events for a
// single delivery goroutine, so every subscriber sees publish order.
type EventPublisher struct {
	cfg EventsConfig

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter
	stopped bool

	queue chan Event
	done  chan struct{}
}

// NewEventPublisher creates a publisher. A disabled publisher accepts and
// drops every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize < 0 {
		return nil, fmt.Errorf("invalid event buffer size %d", cfg.BufferSize)
	}
	if ep.cfg.MaxBatchSize <= 0 {
		ep.cfg.MaxBatchSize = 1
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.done = make(chan struct{})
	go ep.loop()
	return ep, nil
}

// Publish fills in the event ID, timestamp and level, applies the global
// filters and delivers or queues the event. A full queue drops the event
// with an error.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.cfg.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.stopped {
		return ErrPublisherStopped
	}
	for _, keep := range ep.filters {
		if !keep(event) {
			return nil
		}
	}

	if ep.queue == nil {
		for _, s := range ep.subs {
			s.deliver(event)
		}
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s", event.Type)
	}
}

func (ep *EventPublisher) loop() {
	defer close(ep.done)

	batch := make([]Event, 0, ep.cfg.MaxBatchSize)
	for event := range ep.queue {
		batch = append(batch[:0], event)
	drain:
		for len(batch) < ep.cfg.MaxBatchSize {
			select {
			case next, ok := <-ep.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		ep.mu.RLock()
		subs := ep.subs
		ep.mu.RUnlock()
		for _, event := range batch {
			for _, s := range subs {
				s.deliver(event)
			}
		}
	}
}

// Subscribe registers fn for the events accepted by filter. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter adds a filter applied to every event before delivery.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

// Shutdown stops accepting events and waits until queued events have been
// delivered or ctx is done.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.mu.Lock()
	if ep.stopped || !ep.cfg.Enabled {
		ep.mu.Unlock()
		return nil
	}
	ep.stopped = true
	if ep.queue != nil {
		close(ep.queue)
	}
	ep.mu.Unlock()

	if ep.done == nil {
		return nil
	}
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func (ep *EventPublisher) PublishRunStarted(runID, workflow string, nodes int) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "scheduler",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s of %s started with %d nodes", runID, workflow, nodes),
		Data:    map[string]any{"workflow": workflow, "nodes": nodes},
	})
}

// PublishRunFinished publishes the terminal event of a run. The event type
// follows status.
func (ep *EventPublisher) PublishRunFinished(runID, status string, duration time.Duration) error {
	eventType := EventTypeRunCompleted
	switch engine.RunStatus(status) {
	case engine.RunStatusFailed:
		eventType = EventTypeRunFailed
	case engine.RunStatusCancelled:
		eventType = EventTypeRunCancelled
	}
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "scheduler",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s finished with status: %s", runID, status),
		Data:    map[string]any{"status": status, "duration": duration.Seconds()},
	})
}

func (ep *EventPublisher) PublishNodeStarted(runID, nodeID, label string) error {
	return ep.Publish(Event{
		Type:    EventTypeNodeStarted,
		Source:  "scheduler",
		RunID:   runID,
		NodeID:  nodeID,
		Label:   label,
		Message: fmt.Sprintf("Node %s (%s) started", nodeID, label),
	})
}

// PublishNodeFinished publishes the terminal event of a node. reason is
// the error or cancellation reason and may be empty.
func (ep *EventPublisher) PublishNodeFinished(runID, nodeID, label, state, reason string, duration time.Duration) error {
	eventType, verb := EventTypeNodeCompleted, "completed"
	switch engine.NodeState(state) {
	case engine.NodeStateFailed:
		eventType, verb = EventTypeNodeFailed, "failed"
	case engine.NodeStateCancelled:
		eventType, verb = EventTypeNodeCancelled, "cancelled"
	}

	msg := fmt.Sprintf("Node %s (%s) %s", nodeID, label, verb)
	data := map[string]any{"state": state, "duration": duration.Seconds()}
	if reason != "" {
		msg += ": " + reason
		data["reason"] = reason
	}
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "scheduler",
		RunID:   runID,
		NodeID:  nodeID,
		Label:   label,
		Message: msg,
		Data:    data,
	})
}

func (ep *EventPublisher) PublishPolicyViolation(runID, nodeID, label, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		RunID:   runID,
		NodeID:  nodeID,
		Label:   label,
		Message: fmt.Sprintf("Policy violation on %s: %s", label, reason),
		Data:    map[string]any{"reason": reason},
	})
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(e Event) bool { return levelRank[e.Level] >= floor }
}

// FilterByType accepts events of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

func FilterByRunID(runID string) EventFilter {
	return func(e Event) bool { return e.RunID == runID }
}

func FilterByLabel(label string) EventFilter {
	return func(e Event) bool { return e.Label == label }
}
