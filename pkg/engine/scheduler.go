package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matflow/matflow/pkg/artifacts"
	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/inputs"
)

// Synthesizer produces the input blocks of a job.
type Synthesizer interface {
	Synthesize(ctx context.Context, spec inputs.JobSpec, sc inputs.Context) (map[string]*config.Configuration, error)
}

// Scheduler executes workflow graphs. Nodes start as soon as all their
// parents completed; independent nodes run in parallel up to MaxParallel.
// Per node it synthesizes inputs, checks policies, stages the input files,
// runs the job, stores the result document and transitions the node.
type Scheduler struct {
	synth    Synthesizer
	runner   Runner
	writer   artifacts.Writer
	results  ResultStore
	state    StateStore
	policy   PolicyGate
	observer Observer
	logger   zerolog.Logger

	maxParallel int
	maxRetries  int
	backoff     time.Duration
	nodeTimeout time.Duration

	mu   sync.RWMutex
	runs map[string]*runState
}

// runState tracks one submitted run.
type runState struct {
	graph  *WorkflowGraph
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	run         Run
	nodeCancels map[string]context.CancelFunc
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithArtifactWriter sets where synthesized inputs are staged.
func WithArtifactWriter(w artifacts.Writer) SchedulerOption {
	return func(s *Scheduler) { s.writer = w }
}

// WithResultStore sets the store result documents are saved to.
func WithResultStore(rs ResultStore) SchedulerOption {
	return func(s *Scheduler) { s.results = rs }
}

// WithStateStore sets the store run progress is persisted to.
func WithStateStore(ss StateStore) SchedulerOption {
	return func(s *Scheduler) { s.state = ss }
}

// WithStore sets both the result and the state store.
func WithStore(st Store) SchedulerOption {
	return func(s *Scheduler) {
		s.results = st
		s.state = st
	}
}

// WithPolicyGate sets the policy gate applied to synthesized inputs.
func WithPolicyGate(p PolicyGate) SchedulerOption {
	return func(s *Scheduler) { s.policy = p }
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) SchedulerOption {
	return func(s *Scheduler) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithMaxParallel sets the maximum number of concurrently running nodes.
func WithMaxParallel(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxParallel = n
		}
	}
}

// WithRetry sets how often a transient runner or store failure is retried
// and the base backoff between attempts.
func WithRetry(maxRetries int, backoff time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if maxRetries >= 0 {
			s.maxRetries = maxRetries
		}
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// WithNodeTimeout bounds each runner invocation.
func WithNodeTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.nodeTimeout = d }
}

// NewScheduler creates a scheduler.
func NewScheduler(synth Synthesizer, runner Runner, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		synth:       synth,
		runner:      runner,
		observer:    NopObserver{},
		logger:      zerolog.Nop(),
		maxParallel: 4,
		maxRetries:  2,
		backoff:     time.Second,
		runs:        make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "scheduler").Logger()
	return s
}

// Submit validates the graph and starts executing it in the background.
// Completed nodes of a reloaded graph are not run again. The returned run
// id is used with Status, WaitUntilDone and Cancel.
func (s *Scheduler) Submit(ctx context.Context, graph *WorkflowGraph) (string, error) {
	if graph == nil {
		return "", NewPermanentError("graph is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := graph.Validate(); err != nil {
		return "", err
	}
	for id, st := range graph.States() {
		if st != NodeStatePending && st != NodeStateCompleted {
			return "", NewConflictError(fmt.Sprintf("node %s is %s; only pending graphs can be submitted", id, st), nil).
				WithCode(ErrCodeInvalidTransition)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rs := &runState{
		graph:       graph,
		cancel:      cancel,
		done:        make(chan struct{}),
		nodeCancels: make(map[string]context.CancelFunc),
		run: Run{
			ID:        uuid.New().String(),
			Workflow:  graph.Name,
			Status:    RunStatusPending,
			StartedAt: time.Now(),
			Summary:   graph.Summary(),
		},
	}
	runID := rs.run.ID

	if s.state != nil {
		run := rs.snapshot()
		if err := s.state.SaveRun(ctx, &run); err != nil {
			cancel()
			return "", NewTransientError("failed to save run", err).WithCode(ErrCodeStoreUnavailable)
		}
		for _, n := range graph.Nodes() {
			s.saveNode(ctx, runID, n)
		}
	}

	s.mu.Lock()
	s.runs[runID] = rs
	s.mu.Unlock()

	run := rs.snapshot()
	runCtx = s.observer.RunStarted(runCtx, &run)
	s.publishEvent(runCtx, runID, nil, EventTypeRunStarted, fmt.Sprintf("Run of %s started", graph.Name))
	s.logger.Info().Str("run_id", runID).Str("workflow", graph.Name).Int("nodes", graph.Len()).Msg("Run submitted")

	go s.executeRun(runCtx, rs)

	return runID, nil
}

// executeRun drives the run until no node is running or ready.
func (s *Scheduler) executeRun(ctx context.Context, rs *runState) {
	defer rs.cancel()
	runID := rs.run.ID

	rs.mu.Lock()
	rs.run.Status = RunStatusRunning
	rs.mu.Unlock()

	done := make(chan string, rs.graph.Len())
	running := 0
	for {
		if ctx.Err() == nil {
			ready := rs.graph.ReadyNodes()
			s.observer.ReadyNodes(runID, len(ready))
			for _, id := range ready {
				if running >= s.maxParallel {
					break
				}
				if err := rs.graph.Start(id); err != nil {
					s.logger.Warn().Err(err).Str("run_id", runID).Str("node_id", id).Msg("Failed to start node")
					continue
				}
				running++
				go func(id string) {
					s.executeNode(ctx, rs, id)
					done <- id
				}(id)
			}
		}
		if running == 0 {
			break
		}
		<-done
		running--
	}

	for _, id := range rs.graph.CancelPending(ReasonCancelled) {
		s.nodeCancelled(ctx, runID, id)
	}

	s.finishRun(ctx, rs)
}

// executeNode runs one started node to a terminal state.
func (s *Scheduler) executeNode(ctx context.Context, rs *runState, id string) {
	runID := rs.run.ID
	node, _ := rs.graph.Node(id)

	nodeCtx, cancel := context.WithCancel(ctx)
	rs.setNodeCancel(id, cancel)
	defer func() {
		rs.setNodeCancel(id, nil)
		cancel()
	}()

	nodeCtx = s.observer.NodeStarted(nodeCtx, runID, node)
	s.saveNode(ctx, runID, node)
	s.publishEvent(ctx, runID, node, EventTypeNodeStarted, fmt.Sprintf("Started %s", node.Label()))
	logger := s.logger.With().Str("run_id", runID).Str("node_id", id).Str("label", node.Label()).Logger()
	logger.Debug().Msg("Node started")

	start := time.Now()
	doc, err := s.processNode(nodeCtx, rs, node)
	if err == nil {
		err = rs.graph.Complete(id, doc)
		if err == nil {
			s.publishEvent(ctx, runID, node, EventTypeNodeCompleted, fmt.Sprintf("Completed %s", node.Label()))
			logger.Info().Dur("duration", time.Since(start)).Msg("Node completed")
		}
	}
	if err != nil {
		ee := Classify(err)
		if nodeCtx.Err() != nil && ee.Code != ErrCodeCancelled {
			ee = NewPermanentError("node cancelled", err).WithCode(ErrCodeCancelled)
		}
		s.handleNodeError(ctx, rs, node, ee.WithNode(node.Label()))
	}

	final, _ := rs.graph.Node(id)
	s.saveNode(ctx, runID, final)
	s.observer.NodeFinished(nodeCtx, runID, final, time.Since(start))
}

// processNode synthesizes, gates, stages, runs and stores one node.
func (s *Scheduler) processNode(ctx context.Context, rs *runState, node *JobNode) (*ResultDocument, error) {
	runID := rs.run.ID

	sc := inputs.Context{Structure: rs.graph.Structure}
	if node.Spec.Mode == inputs.ModeFromPrevious {
		switch len(node.Parents) {
		case 0:
		case 1:
			parent, _ := rs.graph.Node(node.Parents[0])
			sc.Parent = nodeParent{node: parent}
		default:
			return nil, NewPermanentError(fmt.Sprintf("from_previous requires exactly one parent, found %d", len(node.Parents)), nil).
				WithCode(ErrCodeInvalidSpec).WithOperation("synthesize")
		}
	}

	blocks, err := s.synth.Synthesize(ctx, node.Spec, sc)
	s.observer.Synthesized(ctx, node.Spec, err)
	if err != nil {
		return nil, err
	}
	rs.graph.SetInputs(node.ID, blocks)

	if s.policy != nil {
		if err := s.policy.Check(ctx, node.ID, node.Spec, blocks); err != nil {
			s.observer.PolicyViolation(ctx, runID, node, err)
			s.publishEvent(ctx, runID, node, EventTypePolicyViolation, err.Error())
			return nil, NewPermanentError("inputs denied by policy", err).
				WithCode(ErrCodePolicyDenied).WithOperation("policy check")
		}
	}

	handle := artifacts.Handle{JobID: jobID(runID, node)}
	if s.writer != nil {
		handle, err = s.writer.Write(ctx, handle.JobID, blocks)
		if err != nil {
			return nil, NewTransientError("failed to stage inputs", err).
				WithCode(ErrCodeRunnerFailed).WithOperation("stage")
		}
	}

	job := RunJob{
		RunID:     runID,
		Node:      node,
		Handle:    handle,
		Inputs:    blocks,
		Structure: rs.graph.Structure,
	}

	var doc *ResultDocument
	err = s.retry(ctx, runID, node, "run", func(ctx context.Context) error {
		rs.graph.RecordAttempt(node.ID)
		if s.nodeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.nodeTimeout)
			defer cancel()
		}
		d, err := s.runner.Run(ctx, job)
		if err != nil {
			return err
		}
		if d == nil {
			return NewPermanentError("runner returned no document", nil).WithCode(ErrCodeRunnerFailed)
		}
		doc = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	doc.RunID = runID
	doc.NodeID = node.ID
	doc.Label = node.Label()
	if doc.State == "" {
		doc.State = DocumentSuccessful
	}
	if doc.Dir == "" {
		doc.Dir = handle.Dir
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	if doc.Data == nil {
		doc.Data = config.NewConfiguration()
	}

	// A node cancelled while its job ran must not leave a document behind.
	if err := rs.graph.BeginCommit(node.ID); err != nil {
		return nil, err
	}
	if s.results != nil {
		err := s.retry(ctx, runID, node, "save document", func(ctx context.Context) error {
			if err := s.results.SaveDocument(ctx, doc); err != nil {
				return NewTransientError("failed to save result document", err).WithCode(ErrCodeStoreUnavailable)
			}
			return nil
		})
		if err != nil {
			rs.graph.EndCommit(node.ID)
			return nil, err
		}
	}

	if doc.State == DocumentFailed {
		return nil, NewPermanentError("job reported a failed state", nil).
			WithCode(ErrCodeRunnerFailed).WithOperation("run")
	}
	return doc, nil
}

// retry calls fn until it succeeds, returns a non-retryable error or the
// retry budget is spent.
func (s *Scheduler) retry(ctx context.Context, runID string, node *JobNode, op string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		ee := Classify(err)
		if ee.Operation == "" {
			ee.WithOperation(op)
		}
		if ctx.Err() != nil {
			return Classify(ctx.Err()).WithOperation(op)
		}
		if !IsRetryable(ee) || attempt >= s.maxRetries {
			return ee
		}

		delay := s.calculateBackoff(attempt, ee)
		s.publishEvent(ctx, runID, node, EventTypeNodeRetry,
			fmt.Sprintf("Retrying %s after failure (attempt %d/%d): %v", op, attempt+1, s.maxRetries+1, err))
		s.logger.Warn().Err(err).Str("run_id", runID).Str("label", node.Label()).
			Int("attempt", attempt+1).Dur("backoff", delay).Msg("Retrying node")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Classify(ctx.Err()).WithOperation(op)
		}
	}
}

// calculateBackoff calculates exponential backoff with jitter.
func (s *Scheduler) calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := s.backoff

	// Use different base delays for different error types
	if IsThrottled(err) {
		baseDelay *= 5
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

// handleNodeError moves a running node to Failed, or to Cancelled when
// its context was cancelled, and records the consequences.
func (s *Scheduler) handleNodeError(ctx context.Context, rs *runState, node *JobNode, ee *EngineError) {
	runID := rs.run.ID
	current, _ := rs.graph.Node(node.ID)
	if current.State == NodeStateCancelled {
		return
	}

	if ee.Code == ErrCodeCancelled {
		cancelled, err := rs.graph.Cancel(node.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("run_id", runID).Str("node_id", node.ID).Msg("Failed to cancel node")
			return
		}
		for _, id := range cancelled {
			s.nodeCancelled(ctx, runID, id)
		}
		return
	}

	cancelled, err := rs.graph.Fail(node.ID, ee)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Str("node_id", node.ID).Msg("Failed to mark node failed")
		return
	}
	s.publishEvent(ctx, runID, node, EventTypeNodeFailed, fmt.Sprintf("Failed %s: %v", node.Label(), ee))
	s.logger.Error().Err(ee).Str("run_id", runID).Str("label", node.Label()).
		Str("code", ee.Code).Str("operation", ee.Operation).Msg("Node failed")

	for _, id := range cancelled {
		s.nodeCancelled(ctx, runID, id)
	}
}

func (s *Scheduler) nodeCancelled(ctx context.Context, runID, id string) {
	rs := s.lookup(runID)
	if rs == nil {
		return
	}
	n, ok := rs.graph.Node(id)
	if !ok {
		return
	}
	s.saveNode(ctx, runID, n)
	s.publishEvent(ctx, runID, n, EventTypeNodeCancelled, fmt.Sprintf("Cancelled %s (%s)", n.Label(), n.Reason))
}

// finishRun records the terminal run status.
func (s *Scheduler) finishRun(ctx context.Context, rs *runState) {
	completedAt := time.Now()

	rs.mu.Lock()
	rs.run.Status = rs.graph.Status()
	rs.run.Summary = rs.graph.Summary()
	rs.run.CompletedAt = &completedAt
	rs.run.Duration = completedAt.Sub(rs.run.StartedAt)
	run := rs.run
	rs.mu.Unlock()

	if s.state != nil {
		if err := s.state.SaveRun(context.WithoutCancel(ctx), &run); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to save final run state")
		}
	}

	switch run.Status {
	case RunStatusCompleted:
		s.publishEvent(ctx, run.ID, nil, EventTypeRunCompleted, "Run completed successfully")
	case RunStatusCancelled:
		s.publishEvent(ctx, run.ID, nil, EventTypeRunCancelled, "Run cancelled")
	default:
		s.publishEvent(ctx, run.ID, nil, EventTypeRunFailed,
			fmt.Sprintf("Run finished with status %s (%d failed, %d cancelled)", run.Status, run.Summary.Failed, run.Summary.Cancelled))
	}
	s.logger.Info().Str("run_id", run.ID).Str("status", string(run.Status)).Dur("duration", run.Duration).Msg("Run finished")
	s.observer.RunFinished(ctx, &run)

	close(rs.done)
}

// Status returns a snapshot of a run, including per-node states. Runs not
// submitted to this scheduler are read from the state store.
func (s *Scheduler) Status(ctx context.Context, runID string) (*Run, error) {
	if rs := s.lookup(runID); rs != nil {
		run := rs.snapshot()
		return &run, nil
	}
	if s.state != nil {
		run, err := s.state.GetRun(ctx, runID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, NewPermanentError(fmt.Sprintf("run %s not found", runID), err).WithCode(ErrCodeNotFound)
			}
			return nil, NewTransientError("failed to get run", err).WithCode(ErrCodeStoreUnavailable)
		}
		return run, nil
	}
	return nil, NewPermanentError(fmt.Sprintf("run %s not found", runID), ErrNotFound).WithCode(ErrCodeNotFound)
}

// Graph returns the graph of a run submitted to this scheduler.
func (s *Scheduler) Graph(runID string) (*WorkflowGraph, bool) {
	rs := s.lookup(runID)
	if rs == nil {
		return nil, false
	}
	return rs.graph, true
}

// WaitUntilDone blocks until the run reaches a terminal status and returns
// its final snapshot. A non-positive timeout waits indefinitely.
func (s *Scheduler) WaitUntilDone(ctx context.Context, runID string, timeout time.Duration) (*Run, error) {
	rs := s.lookup(runID)
	if rs == nil {
		return s.Status(ctx, runID)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-rs.done:
		run := rs.snapshot()
		return &run, nil
	case <-expired:
		return nil, NewTransientError(fmt.Sprintf("run %s did not finish within %s", runID, timeout), nil).
			WithCode(ErrCodeTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts a run. Pending nodes are cancelled and running nodes have
// their context cancelled.
func (s *Scheduler) Cancel(runID string) error {
	rs := s.lookup(runID)
	if rs == nil {
		return NewPermanentError(fmt.Sprintf("run %s not found", runID), ErrNotFound).WithCode(ErrCodeNotFound)
	}
	select {
	case <-rs.done:
		return NewConflictError("run is not active", nil).WithCode(ErrCodeInvalidTransition)
	default:
	}
	s.logger.Info().Str("run_id", runID).Msg("Cancelling run")
	rs.cancel()
	return nil
}

// CancelNode cancels one node of an active run and all its pending
// descendants. A running node has its context cancelled.
func (s *Scheduler) CancelNode(ctx context.Context, runID, nodeID string) error {
	rs := s.lookup(runID)
	if rs == nil {
		return NewPermanentError(fmt.Sprintf("run %s not found", runID), ErrNotFound).WithCode(ErrCodeNotFound)
	}

	cancelled, err := rs.graph.Cancel(nodeID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	if cancel := rs.nodeCancels[nodeID]; cancel != nil {
		cancel()
	}
	rs.mu.Unlock()

	for _, id := range cancelled {
		s.nodeCancelled(ctx, runID, id)
	}
	return nil
}

func (s *Scheduler) lookup(runID string) *runState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[runID]
}

func (s *Scheduler) saveNode(ctx context.Context, runID string, n *JobNode) {
	if s.state == nil || n == nil {
		return
	}
	rec := &NodeRecord{
		RunID:       runID,
		NodeID:      n.ID,
		Label:       n.Label(),
		State:       n.State,
		Reason:      n.Reason,
		Parents:     n.Parents,
		Spec:        n.Spec,
		Inputs:      n.Inputs,
		Error:       n.Error,
		Attempts:    n.Attempts,
		UpdatedAt:   time.Now(),
		StartedAt:   n.StartedAt,
		CompletedAt: n.CompletedAt,
	}
	if err := s.state.SaveNode(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Str("node_id", n.ID).Msg("Failed to save node record")
	}
}

// publishEvent appends an event to the run timeline.
func (s *Scheduler) publishEvent(ctx context.Context, runID string, node *JobNode, eventType EventType, message string) {
	if s.state == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Message:   message,
		Level:     eventType.Severity(),
	}
	if node != nil {
		event.NodeID = node.ID
		event.Label = node.Label()
	}
	if err := s.state.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Str("event", string(eventType)).Msg("Failed to append event")
	}
}

func (rs *runState) snapshot() Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	run := rs.run
	if !run.Status.IsTerminal() {
		if st := rs.graph.Status(); st != RunStatusPending || run.Status == RunStatusPending {
			run.Status = st
		}
		run.Summary = rs.graph.Summary()
		run.Duration = time.Since(run.StartedAt)
	}
	return run
}

func (rs *runState) setNodeCancel(id string, cancel context.CancelFunc) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if cancel == nil {
		delete(rs.nodeCancels, id)
		return
	}
	rs.nodeCancels[id] = cancel
}

// nodeParent exposes a graph node to from_previous synthesis.
type nodeParent struct {
	node *JobNode
}

func (p nodeParent) Completed() bool {
	return p.node != nil && p.node.State == NodeStateCompleted
}

func (p nodeParent) Inputs() map[string]*config.Configuration {
	if p.node == nil {
		return nil
	}
	return p.node.Inputs
}

func (p nodeParent) Output() *config.Configuration {
	if p.node == nil || p.node.Document == nil {
		return nil
	}
	return p.node.Document.Data
}

// jobID names the staging directory of a node: short run id, label slug
// and short node id.
func jobID(runID string, node *JobNode) string {
	return fmt.Sprintf("%s_%s_%s", shortID(runID), slug(node.Label()), shortID(node.ID))
}

func shortID(id string) string {
	id = slug(id)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "job"
	}
	return b.String()
}
