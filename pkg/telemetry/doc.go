// Package telemetry provides logging, tracing, metrics and event publishing
// for workflow runs.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher.
// A Recorder bridges all four to the scheduler by implementing
// engine.Observer.
//
// # Usage
//
// Initialize telemetry at startup and hand the recorder to the scheduler:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
//	sched := engine.NewScheduler(synth, runner,
//	    engine.WithObserver(tel.Recorder()),
//	    engine.WithLogger(tel.Logger.Zerolog()))
//
// # Structured Logging
//
// Loggers carry run and node scoped fields:
//
//	logger := tel.Logger.NewComponentLogger("runner")
//	logger = logger.WithRunID(runID).WithNodeID(nodeID).WithLabel("cs tensor")
//	logger.WithError(err).Error("runner failed")
//
// # Distributed Tracing
//
// Each run gets a "run.execute" span and each node a "node.execute" child
// span. Synthesis results and policy denials are recorded as span events.
// Supported exporters are "otlp", "stdout" and "none". Work outside the
// scheduler is traced with StartOperation:
//
//	op := telemetry.StartOperation(tel.WithContext(ctx), "workflow.submit")
//	runID, err := sched.Submit(op.Ctx, graph)
//	op.End(err)
//
// # Metrics
//
// Metrics are exposed via HTTP at /metrics (default :9090/metrics) when
// enabled:
//
//   - matflow_runs_started_total
//   - matflow_runs_completed_total{status}
//   - matflow_run_duration_seconds{status}
//   - matflow_nodes_executed_total{label,state}
//   - matflow_node_duration_seconds{label}
//   - matflow_synthesis_total{mode,outcome}
//   - matflow_merge_operations_total{kind}
//   - matflow_errors_total{class,code}
//   - matflow_active_runs
//   - matflow_ready_nodes{run_id}
//
// A disabled Metrics value accepts every call and records nothing.
//
// # Event Publishing
//
// Events mirror the run timeline the scheduler stores:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// In async mode a single goroutine delivers events in publish order.
// Shutdown delivers whatever is still buffered.
package telemetry
