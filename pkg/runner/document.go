// Package runner executes staged jobs and turns their outputs into result
// documents. FakeRunner replays reference directories, ProcessRunner runs a
// local command and SSHRunner runs a command on a remote host.
package runner

import (
	"sort"
	"time"

	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/engine"
	"github.com/matflow/matflow/pkg/inputs"
	"github.com/matflow/matflow/pkg/structure"
	"github.com/matflow/matflow/pkg/templates"
)

// Document keys.
const (
	KeyTaskLabel        = "TASK_LABEL"
	KeyState            = "STATE"
	KeyFormulaPretty    = "FORMULA_PRETTY"
	KeyFormulaAnonymous = "FORMULA_ANONYMOUS"
	KeyNElements        = "NELEMENTS"
	KeyInput            = "INPUT"
	KeyOutput           = "OUTPUT"
)

// BuildDocument assembles the result document of job. output is the parsed
// output document of the simulation and may be nil. An output carrying
// STATE = failed produces a failed document; an output STRUCTURE block is
// lifted to the top level where from_previous synthesis looks for it.
func BuildDocument(job engine.RunJob, output *config.Configuration) *engine.ResultDocument {
	label := ""
	if job.Node != nil {
		label = job.Node.Label()
	}

	state := engine.DocumentSuccessful
	if output != nil {
		if s, ok := output.GetString(KeyState); ok && engine.DocumentState(s) == engine.DocumentFailed {
			state = engine.DocumentFailed
		}
	}

	data := config.NewConfiguration().
		MustSet(KeyTaskLabel, label).
		MustSet(KeyState, string(state))

	if s := jobStructure(job); s != nil {
		data.MustSet(KeyFormulaPretty, s.Formula()).
			MustSet(KeyFormulaAnonymous, s.AnonymousFormula()).
			MustSet(KeyNElements, s.NElements())
	}

	if len(job.Inputs) > 0 {
		in := config.NewConfiguration()
		names := make([]string, 0, len(job.Inputs))
		for name := range job.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			in.MustSet(name, job.Inputs[name].Clone())
		}
		data.MustSet(KeyInput, in)
	}

	if output != nil {
		data.MustSet(KeyOutput, output.Clone())
		if block, ok := output.GetConfiguration(inputs.OutputStructureKey); ok {
			data.MustSet(inputs.OutputStructureKey, block.Clone())
		}
	}

	return &engine.ResultDocument{
		Label:     label,
		State:     state,
		Dir:       job.Handle.Dir,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

// jobStructure prefers the POSCAR the job actually ran with over the
// workflow's starting structure.
func jobStructure(job engine.RunJob) *structure.Structure {
	if block, ok := job.Inputs[templates.BlockPOSCAR]; ok {
		if s, err := templates.StructureFromPoscar(block); err == nil {
			return s
		}
	}
	return job.Structure
}
