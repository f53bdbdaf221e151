package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/matflow/matflow/pkg/inputs"
	"github.com/matflow/matflow/pkg/structure"
)

// WorkflowFile is the YAML definition of a workflow.
//
//	name: nmr
//	structure: LiAlSiO4.json
//	jobs:
//	  - id: opt
//	    label: structure optimization
//	    mode: template
//	    template: StructureOptimization
//	  - id: cs
//	    label: cs tensor
//	    mode: from_previous
//	    template: NMRChemicalShielding
//	    preserve_base_config: true
//	    parents: [opt]
type WorkflowFile struct {
	Name string `yaml:"name" validate:"required"`

	// Structure is a structure file path, relative to the workflow file.
	Structure string `yaml:"structure,omitempty"`

	Jobs []WorkflowJob `yaml:"jobs" validate:"required,min=1,dive"`

	dir string
}

// WorkflowJob is one job of a workflow file.
type WorkflowJob struct {
	inputs.JobSpec `yaml:",inline"`

	// Parents lists ids of jobs declared earlier in the file.
	Parents []string `yaml:"parents,omitempty"`
}

// ParseWorkflowFile decodes and validates a workflow definition.
func ParseWorkflowFile(data []byte) (*WorkflowFile, error) {
	var wf WorkflowFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file: %w", err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(&wf); err != nil {
		return nil, NewPermanentError("invalid workflow file", err).WithCode(ErrCodeValidation)
	}
	for i, job := range wf.Jobs {
		if job.ID == "" {
			return nil, NewPermanentError(fmt.Sprintf("job %d (%s) has no id", i, job.Label), nil).
				WithCode(ErrCodeValidation)
		}
	}
	return &wf, nil
}

// LoadWorkflowFile reads a workflow definition from path.
func LoadWorkflowFile(path string) (*WorkflowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	wf, err := ParseWorkflowFile(data)
	if err != nil {
		return nil, err
	}
	wf.dir = filepath.Dir(path)
	return wf, nil
}

// LoadStructure loads the structure named by the file, if any.
func (wf *WorkflowFile) LoadStructure() (*structure.Structure, error) {
	if wf.Structure == "" {
		return nil, nil
	}
	path := wf.Structure
	if !filepath.IsAbs(path) && wf.dir != "" {
		path = filepath.Join(wf.dir, path)
	}
	return structure.Load(path)
}

// Build constructs the graph. When s is nil the file's own structure is
// loaded.
func (wf *WorkflowFile) Build(s *structure.Structure) (*WorkflowGraph, error) {
	if s == nil {
		loaded, err := wf.LoadStructure()
		if err != nil {
			return nil, err
		}
		s = loaded
	}

	g := NewWorkflowGraph(wf.Name, s)
	for _, job := range wf.Jobs {
		if _, err := g.AddNode(job.JobSpec, job.Parents...); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
