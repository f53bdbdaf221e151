package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matflow/matflow/pkg/inputs"
	"github.com/matflow/matflow/pkg/templates"
)

func TestNMRWorkflow_Shape(t *testing.T) {
	g, err := NMRWorkflow(testStructure(), inputs.Params{"reciprocal_density": 64})
	if err != nil {
		t.Fatalf("NMRWorkflow failed: %v", err)
	}

	if g.Len() != 3 {
		t.Errorf("Expected 3 nodes, got %d", g.Len())
	}
	if len(g.Edges()) != 2 {
		t.Errorf("Expected 2 edges, got %d", len(g.Edges()))
	}
	roots := g.Roots()
	if len(roots) != 1 {
		t.Fatalf("Expected 1 root, got %d", len(roots))
	}

	root, _ := g.Node(roots[0])
	if root.Label() != LabelStructureOptimization || root.Spec.Template != templates.StructureOptimization {
		t.Errorf("Unexpected root %+v", root.Spec)
	}
	if root.Spec.Params["reciprocal_density"] != 64 {
		t.Errorf("Expected params on root, got %v", root.Spec.Params)
	}

	for _, label := range []string{LabelCSTensor, LabelEFGTensor} {
		n, ok := g.NodeByLabel(label)
		if !ok {
			t.Fatalf("Expected node %s", label)
		}
		if len(n.Parents) != 1 || n.Parents[0] != roots[0] {
			t.Errorf("Expected %s to have the root as sole parent, got %v", label, n.Parents)
		}
		if n.Spec.Mode != inputs.ModeFromPrevious || !n.Spec.PreserveBaseConfig {
			t.Errorf("Expected %s to derive from the root with preserved config, got %+v", label, n.Spec)
		}
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder failed: %v", err)
	}
	if order[0] != roots[0] {
		t.Errorf("Expected root first, got %v", order)
	}
	if g.Name != "nmr Si" {
		t.Errorf("Unexpected workflow name %q", g.Name)
	}
}

func TestNMRWorkflow_RequiresStructure(t *testing.T) {
	if _, err := NMRWorkflow(nil, nil); !HasCode(err, ErrCodeInvalidSpec) {
		t.Errorf("Expected INVALID_SPEC, got %v", err)
	}
}

func TestOptimizeThenExtract(t *testing.T) {
	root := inputs.JobSpec{Label: "relax", Mode: inputs.ModeTemplate, Template: templates.MPRelax}
	g, err := OptimizeThenExtract("custom", testStructure(), root,
		inputs.JobSpec{Label: "static", Template: templates.Static},
		inputs.JobSpec{Label: "fresh", Mode: inputs.ModeFromPrevious, Template: templates.Static},
	)
	if err != nil {
		t.Fatalf("OptimizeThenExtract failed: %v", err)
	}

	static, _ := g.NodeByLabel("static")
	if static.Spec.Mode != inputs.ModeFromPrevious || !static.Spec.PreserveBaseConfig {
		t.Errorf("Expected default extraction spec, got %+v", static.Spec)
	}
	fresh, _ := g.NodeByLabel("fresh")
	if fresh.Spec.PreserveBaseConfig {
		t.Error("Expected explicit mode to be kept as given")
	}

	bad := inputs.JobSpec{Label: "bad", Mode: inputs.ModeFromPrevious, Template: templates.Static}
	if _, err := OptimizeThenExtract("bad", nil, bad); !HasCode(err, ErrCodeInvalidSpec) {
		t.Errorf("Expected INVALID_SPEC for derived root, got %v", err)
	}
}

const workflowYAML = `
name: nmr from file
structure: si.json
jobs:
  - id: opt
    label: structure optimization
    mode: template
    template: StructureOptimization
    params:
      user_incar_settings:
        ISMEAR: 0
  - id: cs
    label: cs tensor
    mode: from_previous
    template: NMRChemicalShielding
    preserve_base_config: true
    parents: [opt]
    modifications:
      - op: multiply
        key: ENCUT
        value: 1.5
  - id: efg
    label: efg tensor
    mode: from_previous
    template: NMRElectricFieldGradient
    preserve_base_config: true
    parents: [opt]
`

const siJSON = `{
  "lattice": [[5.0, 0, 0], [0, 5.0, 0], [0, 0, 5.0]],
  "species": ["Si", "Si"],
  "frac_coords": [[0, 0, 0], [0.25, 0.25, 0.25]]
}`

func TestLoadWorkflowFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "si.json"), []byte(siJSON), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	path := filepath.Join(dir, "wf.yaml")
	if err := os.WriteFile(path, []byte(workflowYAML), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wf, err := LoadWorkflowFile(path)
	if err != nil {
		t.Fatalf("LoadWorkflowFile failed: %v", err)
	}
	g, err := wf.Build(nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if g.Name != "nmr from file" || g.Len() != 3 || len(g.Edges()) != 2 {
		t.Errorf("Unexpected graph %s with %d nodes", g.Name, g.Len())
	}
	if g.Structure == nil || g.Structure.Formula() != "Si" {
		t.Errorf("Expected structure to be loaded, got %+v", g.Structure)
	}

	cs, ok := g.Node("cs")
	if !ok {
		t.Fatal("Expected node cs")
	}
	if len(cs.Spec.Modifications) != 1 || cs.Spec.Modifications[0].Key != "ENCUT" {
		t.Errorf("Expected modification, got %+v", cs.Spec.Modifications)
	}
	if err := cs.Spec.Validate(); err != nil {
		t.Errorf("Expected valid spec, got %v", err)
	}
}

func TestParseWorkflowFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		code string
	}{
		{
			name: "missing name",
			yaml: "jobs:\n  - id: a\n    label: a\n    mode: template\n    template: Static\n",
			code: ErrCodeValidation,
		},
		{
			name: "no jobs",
			yaml: "name: empty\njobs: []\n",
			code: ErrCodeValidation,
		},
		{
			name: "bad mode",
			yaml: "name: x\njobs:\n  - id: a\n    label: a\n    mode: sometimes\n    template: Static\n",
			code: ErrCodeValidation,
		},
		{
			name: "missing id",
			yaml: "name: x\njobs:\n  - label: a\n    mode: template\n    template: Static\n",
			code: ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWorkflowFile([]byte(tt.yaml))
			if !HasCode(err, tt.code) {
				t.Errorf("Expected %s, got %v", tt.code, err)
			}
		})
	}

	if _, err := ParseWorkflowFile([]byte("name: x\nbogus: 1\n")); err == nil {
		t.Error("Expected unknown field to be rejected")
	}
}

func TestWorkflowFile_ForwardReference(t *testing.T) {
	wf, err := ParseWorkflowFile([]byte(`
name: forward
jobs:
  - id: child
    label: child
    mode: from_previous
    template: Static
    parents: [parent]
  - id: parent
    label: parent
    mode: template
    template: Static
`))
	if err != nil {
		t.Fatalf("ParseWorkflowFile failed: %v", err)
	}
	if _, err := wf.Build(testStructure()); !HasCode(err, ErrCodeUnknownParent) {
		t.Errorf("Expected UNKNOWN_PARENT, got %v", err)
	}
}
