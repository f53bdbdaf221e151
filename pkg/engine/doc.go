// Package engine builds and executes matflow workflow graphs.
//
// # Overview
//
// A workflow is a DAG of job nodes. Each node carries an inputs.JobSpec that
// describes how its input blocks are produced; edges say which nodes must
// complete first. Execution walks the graph in dependency order:
//
//  1. Build - assemble the graph (AddNode, OptimizeThenExtract, NMRWorkflow, LoadWorkflowFile)
//  2. Validate - parents exist, no cycles, at least one root
//  3. Synthesize - produce each node's input blocks once its parents completed
//  4. Stage - write the blocks as files (artifacts.Writer)
//  5. Run - execute the external program (Runner)
//  6. Store - persist the result document (ResultStore)
//
// # Core Domain Types
//
//   - JobNode: a unit of work with a spec, parents, state and result document
//   - WorkflowGraph: owns the nodes and the parent relation
//   - ResultDocument: the immutable record of one executed job
//   - Run: one execution of a graph with per-node summary
//   - EngineError: a classified error with code, node label and operation
//
// # State Machine
//
// Nodes move Pending -> Running -> Completed | Failed. Pending -> Running is
// only allowed when every parent is Completed. When a node fails, its pending
// descendants become Cancelled with reason ParentFailed and never run.
// Cancelling a node cancels its pending descendants as well.
//
//	g := engine.NewWorkflowGraph("example", s)
//	opt, _ := g.AddNode(optSpec)
//	cs, _ := g.AddNode(csSpec, opt)
//	order, _ := g.TopologicalOrder()
//
// The workflow status is COMPLETED only when every node completed.
//
// # Scheduling
//
// Scheduler runs ready nodes concurrently up to a configurable limit.
// Transient runner and store failures are retried with exponential backoff;
// merge, synthesis and policy failures are permanent.
//
//	sched := engine.NewScheduler(synth, runner,
//	    engine.WithArtifactWriter(writer),
//	    engine.WithStore(store),
//	    engine.WithMaxParallel(4),
//	)
//	runID, err := sched.Submit(ctx, g)
//	run, err := sched.WaitUntilDone(ctx, runID, 10*time.Minute)
//
// # Error Classes
//
//   - transient: runner crashes, storage unavailable, timeouts (retried)
//   - throttled: quota exhaustion (retried with a longer backoff)
//   - conflict: invalid state transitions
//   - permanent: merge, synthesis, graph and policy errors
package engine
