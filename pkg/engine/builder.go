package engine

import (
	"fmt"

	"github.com/matflow/matflow/pkg/inputs"
	"github.com/matflow/matflow/pkg/structure"
	"github.com/matflow/matflow/pkg/templates"
)

// Labels of the canonical NMR workflow.
const (
	LabelStructureOptimization = "structure optimization"
	LabelCSTensor              = "cs tensor"
	LabelEFGTensor             = "efg tensor"
)

// OptimizeThenExtract builds the "one optimization, then N independent
// extractions" shape: root has no parents and every extraction has root as
// its sole parent. Extraction specs without a mode derive from the root
// with its configuration preserved.
func OptimizeThenExtract(name string, s *structure.Structure, root inputs.JobSpec, extractions ...inputs.JobSpec) (*WorkflowGraph, error) {
	if root.Mode == inputs.ModeFromPrevious {
		return nil, NewPermanentError("root job cannot derive from a previous job", nil).
			WithCode(ErrCodeInvalidSpec).WithNode(root.Label)
	}

	g := NewWorkflowGraph(name, s)
	rootID, err := g.AddNode(root)
	if err != nil {
		return nil, err
	}

	for _, spec := range extractions {
		if spec.Mode == "" {
			spec.Mode = inputs.ModeFromPrevious
			spec.PreserveBaseConfig = true
		}
		if _, err := g.AddNode(spec, rootID); err != nil {
			return nil, err
		}
	}

	if err := g.ValidateSingleRoot(); err != nil {
		return nil, err
	}
	return g, nil
}

// NMRWorkflow builds the canonical three node NMR workflow for s: a
// structure optimization feeding independent chemical shielding and
// electric field gradient jobs. params are passed to the optimization
// template.
func NMRWorkflow(s *structure.Structure, params inputs.Params) (*WorkflowGraph, error) {
	if s == nil {
		return nil, NewPermanentError("structure is required", nil).WithCode(ErrCodeInvalidSpec)
	}

	root := inputs.JobSpec{
		Label:    LabelStructureOptimization,
		Mode:     inputs.ModeTemplate,
		Template: templates.StructureOptimization,
		Params:   params,
	}
	cs := inputs.JobSpec{
		Label:              LabelCSTensor,
		Mode:               inputs.ModeFromPrevious,
		Template:           templates.NMRChemicalShielding,
		PreserveBaseConfig: true,
	}
	efg := inputs.JobSpec{
		Label:              LabelEFGTensor,
		Mode:               inputs.ModeFromPrevious,
		Template:           templates.NMRElectricFieldGradient,
		PreserveBaseConfig: true,
	}

	return OptimizeThenExtract(fmt.Sprintf("nmr %s", s.Formula()), s, root, cs, efg)
}
