package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/engine"
	"github.com/matflow/matflow/pkg/inputs"
	"github.com/matflow/matflow/pkg/templates"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

// eachStore runs fn against every engine.Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, s engine.Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func testRun(id string, started time.Time) *engine.Run {
	return &engine.Run{
		ID:        id,
		Workflow:  "nmr Si",
		Status:    engine.RunStatusRunning,
		StartedAt: started,
	}
}

func testDocument(id, runID, label string) *engine.ResultDocument {
	data := config.NewConfiguration().
		MustSet("TASK_LABEL", label).
		MustSet("NELEMENTS", 1).
		MustSet("ENERGY", -10.84)
	return &engine.ResultDocument{
		ID:        id,
		RunID:     runID,
		NodeID:    "node-" + id,
		Label:     label,
		State:     engine.DocumentSuccessful,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected migrate before init to fail")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate should be a no-op: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected empty path to be rejected")
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)

	for _, table := range []string{"runs", "nodes", "documents", "events"} {
		var count int
		if err := store.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRuns(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		for i := 0; i < 3; i++ {
			if err := s.SaveRun(ctx, testRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
				t.Fatalf("failed to save run: %v", err)
			}
		}

		// Update
		done := base.Add(time.Hour)
		run := testRun("run-1", base.Add(time.Minute))
		run.Status = engine.RunStatusCompleted
		run.CompletedAt = &done
		run.Summary = engine.RunSummary{Total: 3, Completed: 3, NodeStates: map[string]engine.NodeState{"cs tensor": engine.NodeStateCompleted}}
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatalf("failed to update run: %v", err)
		}

		got, err := s.GetRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("failed to get run: %v", err)
		}
		if got.Status != engine.RunStatusCompleted || got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
			t.Errorf("unexpected run %+v", got)
		}
		if got.Summary.NodeStates["cs tensor"] != engine.NodeStateCompleted {
			t.Errorf("expected summary to round trip, got %+v", got.Summary)
		}

		runs, err := s.ListRuns(ctx, 2)
		if err != nil {
			t.Fatalf("failed to list runs: %v", err)
		}
		if len(runs) != 2 || runs[0].ID != "run-2" || runs[1].ID != "run-1" {
			t.Errorf("expected most recent runs first, got %d runs", len(runs))
		}

		all, _ := s.ListRuns(ctx, 0)
		if len(all) != 3 {
			t.Errorf("expected 3 runs, got %d", len(all))
		}

		if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestNodes(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		if err := s.SaveRun(ctx, testRun("run-1", time.Now())); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}

		spec := inputs.JobSpec{ID: "cs", Label: "cs tensor", Mode: inputs.ModeFromPrevious, Template: templates.NMRChemicalShielding}
		rec := &engine.NodeRecord{
			RunID:     "run-1",
			NodeID:    "cs",
			Label:     "cs tensor",
			State:     engine.NodeStatePending,
			Parents:   []string{"opt"},
			Spec:      spec,
			UpdatedAt: time.Now(),
		}
		if err := s.SaveNode(ctx, &engine.NodeRecord{RunID: "run-1", NodeID: "opt", Label: "structure optimization", State: engine.NodeStateCompleted, UpdatedAt: time.Now()}); err != nil {
			t.Fatalf("failed to save node: %v", err)
		}
		if err := s.SaveNode(ctx, rec); err != nil {
			t.Fatalf("failed to save node: %v", err)
		}

		rec.State = engine.NodeStateFailed
		rec.Attempts = 3
		rec.Error = engine.NewPermanentError("configuration merge failed", nil).WithCode(engine.ErrCodeKeyNotFound)
		rec.Inputs = map[string]*config.Configuration{
			"INCAR": config.NewConfiguration().MustSet("LCHIMAG", true),
		}
		if err := s.SaveNode(ctx, rec); err != nil {
			t.Fatalf("failed to update node: %v", err)
		}

		nodes, err := s.ListNodes(ctx, "run-1")
		if err != nil {
			t.Fatalf("failed to list nodes: %v", err)
		}
		if len(nodes) != 2 || nodes[0].NodeID != "opt" || nodes[1].NodeID != "cs" {
			t.Fatalf("expected nodes in insertion order, got %d", len(nodes))
		}

		cs := nodes[1]
		if cs.State != engine.NodeStateFailed || cs.Attempts != 3 {
			t.Errorf("unexpected node %+v", cs)
		}
		if cs.Error == nil || cs.Error.Code != engine.ErrCodeKeyNotFound {
			t.Errorf("expected error to round trip, got %+v", cs.Error)
		}
		if v, _ := cs.Inputs["INCAR"].GetBool("LCHIMAG"); !v {
			t.Errorf("expected inputs to round trip, got %v", cs.Inputs)
		}
		if cs.Spec.Template != templates.NMRChemicalShielding || cs.Spec.Mode != inputs.ModeFromPrevious {
			t.Errorf("expected spec to round trip, got %+v", cs.Spec)
		}

		empty, err := s.ListNodes(ctx, "run-unknown")
		if err != nil || len(empty) != 0 {
			t.Errorf("expected no nodes, got %d (%v)", len(empty), err)
		}
	})
}

func TestDocuments(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()

		for _, doc := range []*engine.ResultDocument{
			testDocument("d1", "run-1", "structure optimization"),
			testDocument("d2", "run-1", "cs tensor"),
			testDocument("d3", "run-2", "cs tensor"),
		} {
			if err := s.SaveDocument(ctx, doc); err != nil {
				t.Fatalf("failed to save document: %v", err)
			}
		}

		if err := s.SaveDocument(ctx, testDocument("d1", "run-1", "again")); err == nil {
			t.Error("expected duplicate document id to be rejected")
		}

		latest, err := s.FindDocument(ctx, engine.DocumentQuery{Label: "cs tensor"})
		if err != nil {
			t.Fatalf("failed to find document: %v", err)
		}
		if latest.ID != "d3" {
			t.Errorf("expected most recent document d3, got %s", latest.ID)
		}
		if n, _ := latest.Data.GetInt("NELEMENTS"); n != 1 {
			t.Errorf("expected integer data to stay integral, got %v", latest.Data)
		}
		if e, _ := latest.Data.GetFloat("ENERGY"); e != -10.84 {
			t.Errorf("expected ENERGY -10.84, got %v", e)
		}

		scoped, err := s.FindDocument(ctx, engine.DocumentQuery{Label: "cs tensor", RunID: "run-1"})
		if err != nil || scoped.ID != "d2" {
			t.Errorf("expected d2, got %v (%v)", scoped, err)
		}

		list, err := s.ListDocuments(ctx, engine.DocumentQuery{RunID: "run-1"})
		if err != nil {
			t.Fatalf("failed to list documents: %v", err)
		}
		if len(list) != 2 || list[0].ID != "d1" || list[1].ID != "d2" {
			t.Errorf("expected [d1 d2], got %d documents", len(list))
		}

		failed, _ := s.ListDocuments(ctx, engine.DocumentQuery{State: engine.DocumentFailed})
		if len(failed) != 0 {
			t.Errorf("expected no failed documents, got %d", len(failed))
		}

		if _, err := s.FindDocument(ctx, engine.DocumentQuery{Label: "efg tensor"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestEvents(t *testing.T) {
	eachStore(t, func(t *testing.T, s engine.Store) {
		ctx := context.Background()
		now := time.Now()

		types := []engine.EventType{engine.EventTypeRunStarted, engine.EventTypeNodeStarted, engine.EventTypeNodeRetry}
		for i, typ := range types {
			event := &engine.Event{
				ID:        fmt.Sprintf("e%d", i),
				Type:      typ,
				Timestamp: now.Add(time.Duration(i) * time.Millisecond),
				RunID:     "run-1",
				Message:   string(typ),
				Level:     typ.Severity(),
			}
			if typ != engine.EventTypeRunStarted {
				event.NodeID = "cs"
				event.Label = "cs tensor"
			}
			if err := s.AppendEvent(ctx, event); err != nil {
				t.Fatalf("failed to append event: %v", err)
			}
		}

		events, err := s.GetEvents(ctx, "run-1")
		if err != nil {
			t.Fatalf("failed to get events: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		for i, typ := range types {
			if events[i].Type != typ {
				t.Errorf("event %d: expected %s, got %s", i, typ, events[i].Type)
			}
		}
		if events[0].NodeID != "" || events[2].Label != "cs tensor" || events[2].Level != "warning" {
			t.Errorf("unexpected events %+v %+v", events[0], events[2])
		}
		if !events[1].Timestamp.Equal(now.Add(time.Millisecond)) {
			t.Errorf("expected timestamp to round trip, got %s", events[1].Timestamp)
		}
	})
}

func TestDeleteRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_ = store.SaveRun(ctx, testRun("run-1", time.Now()))
	_ = store.SaveNode(ctx, &engine.NodeRecord{RunID: "run-1", NodeID: "a", Label: "a", State: engine.NodeStatePending})
	_ = store.SaveDocument(ctx, testDocument("d1", "run-1", "a"))
	_ = store.AppendEvent(ctx, &engine.Event{ID: "e1", RunID: "run-1", Type: engine.EventTypeRunStarted, Level: "info", Timestamp: time.Now()})

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	if _, err := store.GetRun(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected run to be gone, got %v", err)
	}
	nodes, _ := store.ListNodes(ctx, "run-1")
	docs, _ := store.ListDocuments(ctx, engine.DocumentQuery{RunID: "run-1"})
	events, _ := store.GetEvents(ctx, "run-1")
	if len(nodes)+len(docs)+len(events) != 0 {
		t.Errorf("expected cascade delete, got %d nodes, %d documents, %d events", len(nodes), len(docs), len(events))
	}

	if err := store.DeleteRun(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNodeRequiresRun(t *testing.T) {
	store := setupTestStore(t)
	err := store.SaveNode(context.Background(), &engine.NodeRecord{RunID: "nope", NodeID: "a", Label: "a", State: engine.NodeStatePending})
	if err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

func TestFileStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "matflow.db")

	store, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.SaveDocument(ctx, testDocument("d1", "run-1", "cs tensor")); err != nil {
		t.Fatalf("failed to save document: %v", err)
	}
	_ = store.Close()

	reopened, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	doc, err := reopened.FindDocument(ctx, engine.DocumentQuery{Label: "cs tensor"})
	if err != nil || doc.ID != "d1" {
		t.Errorf("expected persisted document, got %v (%v)", doc, err)
	}
}
