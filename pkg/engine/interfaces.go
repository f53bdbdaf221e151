package engine

import (
	"context"
	"errors"
	"time"

	"github.com/matflow/matflow/pkg/artifacts"
	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/inputs"
	"github.com/matflow/matflow/pkg/structure"
)

// ErrNotFound is returned by stores when a run, node or document does not exist.
var ErrNotFound = errors.New("not found")

// RunJob is everything a Runner needs to execute one node.
type RunJob struct {
	// RunID is the workflow run the job belongs to.
	RunID string

	// Node is a snapshot of the node being executed.
	Node *JobNode

	// Handle locates the staged input files.
	Handle artifacts.Handle

	// Inputs are the synthesized blocks that were staged.
	Inputs map[string]*config.Configuration

	// Structure is the workflow structure.
	Structure *structure.Structure
}

// Runner executes the external simulation for a staged job and returns the
// parsed result document. Errors are classified with Classify: unknown
// errors are transient and retried.
type Runner interface {
	Run(ctx context.Context, job RunJob) (*ResultDocument, error)
}

// ResultStore persists one document per completed node.
type ResultStore interface {
	// SaveDocument stores a document. Documents are never updated.
	SaveDocument(ctx context.Context, doc *ResultDocument) error

	// FindDocument returns the most recent document matching q, or an
	// error wrapping ErrNotFound.
	FindDocument(ctx context.Context, q DocumentQuery) (*ResultDocument, error)

	// ListDocuments returns every document matching q, oldest first.
	ListDocuments(ctx context.Context, q DocumentQuery) ([]*ResultDocument, error)
}

// StateStore persists run progress.
type StateStore interface {
	// SaveRun creates or updates a run.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by id.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns returns runs, most recent first.
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	// SaveNode creates or updates the record of a node within a run.
	SaveNode(ctx context.Context, rec *NodeRecord) error

	// ListNodes returns the node records of a run.
	ListNodes(ctx context.Context, runID string) ([]*NodeRecord, error)

	// AppendEvent adds an event to the run timeline.
	AppendEvent(ctx context.Context, event *Event) error

	// GetEvents returns the events of a run in order.
	GetEvents(ctx context.Context, runID string) ([]*Event, error)
}

// Store combines result and state persistence.
type Store interface {
	ResultStore
	StateStore
}

// PolicyGate inspects synthesized inputs before they are staged. A
// non-nil error denies the job.
type PolicyGate interface {
	Check(ctx context.Context, nodeID string, spec inputs.JobSpec, blocks map[string]*config.Configuration) error
}

// Observer receives scheduler lifecycle callbacks for metrics, tracing and
// event publishing. Start callbacks may return a derived context that is
// handed back to the matching finish callback.
type Observer interface {
	RunStarted(ctx context.Context, run *Run) context.Context
	RunFinished(ctx context.Context, run *Run)
	NodeStarted(ctx context.Context, runID string, node *JobNode) context.Context
	NodeFinished(ctx context.Context, runID string, node *JobNode, duration time.Duration)
	Synthesized(ctx context.Context, spec inputs.JobSpec, err error)
	PolicyViolation(ctx context.Context, runID string, node *JobNode, err error)
	ReadyNodes(runID string, n int)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) RunStarted(ctx context.Context, _ *Run) context.Context { return ctx }

func (NopObserver) RunFinished(context.Context, *Run) {}

func (NopObserver) NodeStarted(ctx context.Context, _ string, _ *JobNode) context.Context {
	return ctx
}

func (NopObserver) NodeFinished(context.Context, string, *JobNode, time.Duration) {}

func (NopObserver) Synthesized(context.Context, inputs.JobSpec, error) {}

func (NopObserver) PolicyViolation(context.Context, string, *JobNode, error) {}

func (NopObserver) ReadyNodes(string, int) {}
