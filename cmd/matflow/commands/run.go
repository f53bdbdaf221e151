package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/matflow/matflow/pkg/artifacts"
	"github.com/matflow/matflow/pkg/engine"
	"github.com/matflow/matflow/pkg/runner"
	"github.com/matflow/matflow/pkg/telemetry"
	"github.com/matflow/matflow/pkg/templates"
	"github.com/matflow/matflow/pkg/transports/ssh"
)

func newRunCommand() *cobra.Command {
	var (
		structurePath string
		workflowPath  string
		nmr           bool
		refDirs       map[string]string
		command       string
		workDir       string
		timeout       time.Duration
		watch         bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow",
		Long: `Execute a workflow: synthesize each job's inputs, check them against the
loaded policies, stage them in a job directory and run the simulation.

The runner is chosen from the settings:
  - --ref-dir replays finished reference directories instead of running
  - an ssh section runs the command on a remote host
  - otherwise the command runs locally`,
		Example: `  # Run the NMR workflow locally
  matflow run --structure Si.yaml --nmr --command "mpirun vasp_std"

  # Replay reference calculations
  matflow run --workflow nmr.yaml \
    --ref-dir "structure optimization=ref/opt" \
    --ref-dir "cs tensor=ref/cs" --ref-dir "efg tensor=ref/efg"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			flags := cmd.Flags()
			if flags.Changed("ref-dir") {
				settings.RefDirs = refDirs
			}
			if flags.Changed("command") {
				settings.Command = command
			}
			if flags.Changed("work-dir") {
				settings.WorkDir = workDir
			}

			graph, err := buildGraph(structurePath, workflowPath, nmr)
			if err != nil {
				return err
			}
			return executeWorkflow(ctx, graph, timeout, watch)
		},
	}

	cmd.Flags().StringVarP(&structurePath, "structure", "s", "", "structure file (JSON or YAML)")
	cmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "workflow definition file")
	cmd.Flags().BoolVar(&nmr, "nmr", false, "use the built-in NMR workflow")
	cmd.Flags().StringToStringVar(&refDirs, "ref-dir", nil, "reference directory per task label (label=dir)")
	cmd.Flags().StringVar(&command, "command", "", "simulation command run in each job directory")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "root of the job directories")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "maximum run time (0 for none)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload templates and policies when their files change")

	return cmd
}

func executeWorkflow(ctx context.Context, graph *engine.WorkflowGraph, timeout time.Duration, watch bool) error {
	tel, err := telemetry.NewTelemetry(settings.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	if err := tel.StartMetricsServer(); err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := newRegistry()
	if err != nil {
		return err
	}
	pe, err := newPolicyEngine(ctx)
	if err != nil {
		return err
	}

	if watch {
		if settings.Templates != "" {
			w := templates.NewWatcher(settings.Templates, registry, starlarkTimeout, log.Logger)
			if err := w.Start(ctx); err != nil {
				return err
			}
			defer w.Close()
		}
		if len(settings.Policies) > 0 {
			if err := pe.Watch(ctx); err != nil {
				return err
			}
		}
	}

	r, writer, closeRunner, err := newRunner(ctx)
	if err != nil {
		return err
	}
	defer closeRunner()

	scheduler := engine.NewScheduler(newSynthesizer(registry), r,
		engine.WithArtifactWriter(writer),
		engine.WithStore(store),
		engine.WithPolicyGate(pe),
		engine.WithObserver(tel.Recorder()),
		engine.WithLogger(log.Logger),
		engine.WithMaxParallel(settings.MaxParallel),
		engine.WithRetry(settings.MaxRetries, time.Second),
		engine.WithNodeTimeout(settings.NodeTimeout),
	)

	ctx = tel.WithContext(ctx)
	op := telemetry.StartOperation(ctx, "workflow.submit",
		telemetry.AttrWorkflow.String(graph.Name),
		attribute.Int("workflow.jobs", graph.Len()))
	runID, err := scheduler.Submit(op.Ctx, graph)
	op.End(err)
	if err != nil {
		return err
	}
	log.Info().Str("run_id", runID).Str("workflow", graph.Name).Int("jobs", graph.Len()).Msg("Workflow submitted")

	run, err := scheduler.WaitUntilDone(ctx, runID, timeout)
	if err != nil {
		_ = scheduler.Cancel(runID)
		return err
	}

	if jsonOutput {
		if err := printJSON(run); err != nil {
			return err
		}
	} else {
		printRun(run)
	}

	if run.Status != engine.RunStatusCompleted {
		return fmt.Errorf("run %s finished with status %s", run.ID, run.Status)
	}
	return nil
}

// newRunner picks the runner and the matching artifact writer.
func newRunner(ctx context.Context) (engine.Runner, artifacts.Writer, func(), error) {
	local := artifacts.NewLocalWriter(settings.WorkDir)

	switch {
	case len(settings.RefDirs) > 0:
		log.Info().Int("labels", len(settings.RefDirs)).Msg("Replaying reference directories")
		return runner.NewFakeRunner(settings.RefDirs, runner.WithFakeLogger(log.Logger)), local, func() {}, nil

	case settings.SSH != nil:
		if settings.Command == "" {
			return nil, nil, nil, fmt.Errorf("a command is required to run jobs over ssh")
		}
		client, err := ssh.NewClient(settings.SSH, log.Logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close ssh connection")
			}
		}
		log.Info().Str("host", settings.SSH.Address()).Msg("Running jobs over ssh")
		return runner.NewSSHRunner(client, settings.Command, log.Logger),
			artifacts.NewSFTPWriter(client, settings.WorkDir), closeFn, nil

	default:
		if settings.Command == "" {
			return nil, nil, nil, fmt.Errorf("a command or --ref-dir is required")
		}
		return runner.NewProcessRunner(settings.Command, log.Logger), local, func() {}, nil
	}
}
