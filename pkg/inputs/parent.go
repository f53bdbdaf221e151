package inputs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/matflow/matflow/pkg/artifacts"
	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/structure"
	"github.com/matflow/matflow/pkg/templates"
)

// OutputStructureKey holds the converged structure in an output document,
// encoded like a POSCAR block.
const OutputStructureKey = "STRUCTURE"

// ParentOutput is what a from_previous job sees of its parent.
type ParentOutput interface {
	// Completed reports whether the parent finished successfully.
	Completed() bool

	// Inputs returns the blocks the parent ran with.
	Inputs() map[string]*config.Configuration

	// Output returns the parent's result document, or nil.
	Output() *config.Configuration
}

// Context carries what synthesis needs beyond the spec.
type Context struct {
	Structure *structure.Structure
	Parent    ParentOutput
}

// Parent is an in-memory ParentOutput.
type Parent struct {
	Done     bool
	Blocks   map[string]*config.Configuration
	Document *config.Configuration
}

func (p *Parent) Completed() bool                          { return p != nil && p.Done }
func (p *Parent) Inputs() map[string]*config.Configuration { return p.Blocks }
func (p *Parent) Output() *config.Configuration            { return p.Document }

// DirParent is a ParentOutput read from a finished job directory.
type DirParent struct {
	Dir    string
	blocks map[string]*config.Configuration
	output *config.Configuration
}

// LoadDirParent reads the input blocks and output document of dir. A
// directory without an output document loads but is not Completed.
func LoadDirParent(dir string) (*DirParent, error) {
	blocks, err := artifacts.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	output, err := artifacts.ReadOutput(dir)
	if err != nil && !errors.Is(err, artifacts.ErrNoOutput) {
		return nil, err
	}
	return &DirParent{Dir: dir, blocks: blocks, output: output}, nil
}

// Completed is true when the directory holds an output document whose
// STATE is not "failed".
func (p *DirParent) Completed() bool {
	if p.output == nil {
		return false
	}
	state, _ := p.output.GetString("STATE")
	return !strings.EqualFold(state, "failed")
}

func (p *DirParent) Inputs() map[string]*config.Configuration { return p.blocks }
func (p *DirParent) Output() *config.Configuration            { return p.output }

// parentStructure returns the converged structure of a parent: the output
// document's STRUCTURE entry, else the POSCAR block it ran with.
func parentStructure(p ParentOutput) (*structure.Structure, error) {
	if s, err := outputStructure(p); s != nil || err != nil {
		return s, err
	}
	if block, ok := p.Inputs()[templates.BlockPOSCAR]; ok {
		return templates.StructureFromPoscar(block)
	}
	return nil, fmt.Errorf("parent has no structure")
}

// outputStructure returns the converged structure of the parent's output
// document, or nil when the document has none.
func outputStructure(p ParentOutput) (*structure.Structure, error) {
	out := p.Output()
	if out == nil {
		return nil, nil
	}
	block, ok := out.GetConfiguration(OutputStructureKey)
	if !ok {
		return nil, nil
	}
	s, err := templates.StructureFromPoscar(block)
	if err != nil {
		return nil, fmt.Errorf("parent output structure: %w", err)
	}
	return s, nil
}
