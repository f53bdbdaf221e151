package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/engine"
	"github.com/matflow/matflow/pkg/inputs"
	"github.com/matflow/matflow/pkg/policy"
	"github.com/matflow/matflow/pkg/stores"
	"github.com/matflow/matflow/pkg/structure"
	"github.com/matflow/matflow/pkg/templates"
)

const starlarkTimeout = 10 * time.Second

// openStore opens the configured SQLite database. The caller closes it.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.Open(ctx, stores.Config{Path: settings.DB})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", settings.DB, err)
	}
	return store, nil
}

// newRegistry returns the built-in templates plus those in the configured
// template directory.
func newRegistry() (*templates.Registry, error) {
	registry := templates.NewDefaultRegistry()
	if settings.Templates == "" {
		return registry, nil
	}
	names, err := templates.LoadDir(settings.Templates, registry, starlarkTimeout)
	if err != nil {
		return nil, err
	}
	log.Debug().Strs("templates", names).Str("dir", settings.Templates).Msg("Loaded Starlark templates")
	return registry, nil
}

// newSynthesizer builds a synthesizer validating blocks against the
// built-in schemas.
func newSynthesizer(registry *templates.Registry) *inputs.Synthesizer {
	return inputs.NewSynthesizer(registry,
		inputs.WithSchemas(config.NewSchemaRegistry()),
		inputs.WithLogger(log.Logger),
	)
}

// newPolicyEngine loads the built-in policies and the configured ones.
func newPolicyEngine(ctx context.Context) (*policy.Engine, error) {
	pe, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if len(settings.Policies) > 0 {
		if err := pe.LoadPolicies(ctx, settings.Policies); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// buildGraph builds the NMR workflow or the one in workflowPath. A
// structure given on the command line overrides the workflow file's.
func buildGraph(structurePath, workflowPath string, nmr bool) (*engine.WorkflowGraph, error) {
	var s *structure.Structure
	if structurePath != "" {
		loaded, err := structure.Load(structurePath)
		if err != nil {
			return nil, err
		}
		s = loaded
	}

	switch {
	case workflowPath != "" && nmr:
		return nil, fmt.Errorf("--workflow and --nmr are mutually exclusive")
	case workflowPath != "":
		wf, err := engine.LoadWorkflowFile(workflowPath)
		if err != nil {
			return nil, err
		}
		return wf.Build(s)
	case nmr:
		if s == nil {
			return nil, fmt.Errorf("--nmr requires --structure")
		}
		return engine.NMRWorkflow(s, nil)
	default:
		return nil, fmt.Errorf("one of --workflow or --nmr is required")
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
