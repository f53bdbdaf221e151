package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/matflow/matflow/pkg/engine"
)

// MemoryStore is an engine.Store kept in process memory. Values are copied
// through JSON on the way in and out so callers never share state with the
// store.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string][]byte
	order  []string
	nodes  map[string][]string
	recs   map[string][]byte
	docs   [][]byte
	docIDs map[string]struct{}
	events map[string][]*engine.Event
}

var _ engine.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string][]byte),
		nodes:  make(map[string][]string),
		recs:   make(map[string][]byte),
		docIDs: make(map[string]struct{}),
		events: make(map[string][]*engine.Event),
	}
}

// SaveRun creates or updates a run.
func (m *MemoryStore) SaveRun(_ context.Context, run *engine.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		m.order = append(m.order, run.ID)
	}
	m.runs[run.ID] = data
	return nil
}

// GetRun retrieves a run by ID.
func (m *MemoryStore) GetRun(_ context.Context, runID string) (*engine.Run, error) {
	m.mu.RLock()
	data, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	run := &engine.Run{}
	if err := json.Unmarshal(data, run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs, most recent first.
func (m *MemoryStore) ListRuns(ctx context.Context, limit int) ([]*engine.Run, error) {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	runs := make([]*engine.Run, 0, len(ids))
	for _, id := range ids {
		run, err := m.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// SaveNode creates or updates a node record.
func (m *MemoryStore) SaveNode(_ context.Context, rec *engine.NodeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode node: %w", err)
	}

	key := rec.RunID + "/" + rec.NodeID
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[key]; !ok {
		m.nodes[rec.RunID] = append(m.nodes[rec.RunID], key)
	}
	m.recs[key] = data
	return nil
}

// ListNodes returns the node records of a run in insertion order.
func (m *MemoryStore) ListNodes(_ context.Context, runID string) ([]*engine.NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*engine.NodeRecord, 0, len(m.nodes[runID]))
	for _, key := range m.nodes[runID] {
		rec := &engine.NodeRecord{}
		if err := json.Unmarshal(m.recs[key], rec); err != nil {
			return nil, fmt.Errorf("failed to decode node: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveDocument stores a document. Saving an id twice fails.
func (m *MemoryStore) SaveDocument(_ context.Context, doc *engine.ResultDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docIDs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	m.docIDs[doc.ID] = struct{}{}
	m.docs = append(m.docs, data)
	return nil
}

// FindDocument returns the most recently stored document matching q.
func (m *MemoryStore) FindDocument(ctx context.Context, q engine.DocumentQuery) (*engine.ResultDocument, error) {
	docs, err := m.ListDocuments(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("document %s: %w", describeQuery(q), ErrNotFound)
	}
	return docs[len(docs)-1], nil
}

// ListDocuments returns every document matching q, oldest first.
func (m *MemoryStore) ListDocuments(_ context.Context, q engine.DocumentQuery) ([]*engine.ResultDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*engine.ResultDocument{}
	for _, data := range m.docs {
		doc := &engine.ResultDocument{}
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		if q.Matches(doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// AppendEvent adds an event to the run timeline.
func (m *MemoryStore) AppendEvent(_ context.Context, event *engine.Event) error {
	cp := *event
	m.mu.Lock()
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	m.mu.Unlock()
	return nil
}

// GetEvents returns the events of a run in order.
func (m *MemoryStore) GetEvents(_ context.Context, runID string) ([]*engine.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*engine.Event, 0, len(m.events[runID]))
	for _, e := range m.events[runID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
