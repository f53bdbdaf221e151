package inputs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/structure"
	"github.com/matflow/matflow/pkg/templates"
)

// Synthesizer turns job specs into concrete input blocks.
type Synthesizer struct {
	registry *templates.Registry
	schemas  *config.SchemaRegistry
	logger   zerolog.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithSchemas validates every synthesized block set against sr.
func WithSchemas(sr *config.SchemaRegistry) Option {
	return func(s *Synthesizer) { s.schemas = sr }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Synthesizer) { s.logger = logger }
}

// NewSynthesizer creates a synthesizer resolving templates in registry.
func NewSynthesizer(registry *templates.Registry, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		registry: registry,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "synthesizer").Logger()
	return s
}

// Synthesize produces the input blocks for spec. The returned map and its
// configurations are owned by the caller. Merge failures are returned as
// *config.MergeError; everything else as *SynthesisError.
func (s *Synthesizer) Synthesize(ctx context.Context, spec JobSpec, sc Context) (map[string]*config.Configuration, error) {
	if err := spec.Validate(); err != nil {
		return nil, &SynthesisError{Kind: InvalidSpec, Label: spec.Label, Template: spec.Template, Err: err}
	}

	var (
		blocks  map[string]*config.Configuration
		primary = templates.BlockINCAR
		err     error
	)

	switch spec.Mode {
	case ModeExplicit:
		blocks = make(map[string]*config.Configuration, len(spec.Objects))
		for name, block := range spec.Objects {
			blocks[config.NormalizeKey(name)] = block.Clone()
		}

	case ModeTemplate:
		var tpl templates.Template
		tpl, err = s.lookup(spec)
		if err != nil {
			return nil, err
		}
		primary = tpl.PrimaryBlock()
		if sc.Structure == nil {
			return nil, &SynthesisError{Kind: InvalidSpec, Label: spec.Label, Template: spec.Template,
				Err: errors.New("template mode requires a structure")}
		}
		blocks, err = s.produce(ctx, tpl, spec, sc.Structure)

	case ModeFromPrevious:
		var tpl templates.Template
		tpl, err = s.lookup(spec)
		if err != nil {
			return nil, err
		}
		primary = tpl.PrimaryBlock()
		blocks, err = s.fromPrevious(ctx, tpl, spec, sc)
	}
	if err != nil {
		return nil, err
	}

	target := primary
	if spec.Target != "" {
		target = config.NormalizeKey(spec.Target)
	}
	if len(spec.Modifications) > 0 {
		base := blocks[target]
		if base == nil {
			base = config.NewConfiguration()
		}
		modified, err := config.Apply(base, spec.Modifications)
		if err != nil {
			return nil, err
		}
		blocks[target] = modified
	}

	if s.schemas != nil {
		if err := s.schemas.ValidateAll(ctx, blocks); err != nil {
			return nil, &SynthesisError{Kind: SchemaViolation, Label: spec.Label, Template: spec.Template, Err: err}
		}
	}

	s.logger.Debug().
		Str("label", spec.Label).
		Str("mode", string(spec.Mode)).
		Str("template", spec.Template).
		Int("blocks", len(blocks)).
		Msg("Synthesized inputs")
	return blocks, nil
}

func (s *Synthesizer) lookup(spec JobSpec) (templates.Template, error) {
	tpl, err := s.registry.Lookup(spec.Template)
	if err != nil {
		return nil, &SynthesisError{Kind: UnknownTemplate, Label: spec.Label, Template: spec.Template, Err: err}
	}
	return tpl, nil
}

func (s *Synthesizer) produce(ctx context.Context, tpl templates.Template, spec JobSpec, st *structure.Structure) (map[string]*config.Configuration, error) {
	blocks, err := tpl.Produce(ctx, st, spec.Params)
	if err != nil {
		return nil, &SynthesisError{Kind: InvalidSpec, Label: spec.Label, Template: spec.Template, Err: err}
	}
	return blocks, nil
}

func (s *Synthesizer) fromPrevious(ctx context.Context, tpl templates.Template, spec JobSpec, sc Context) (map[string]*config.Configuration, error) {
	missing := func(err error) error {
		return &SynthesisError{Kind: MissingParentOutput, Label: spec.Label, Template: spec.Template, Err: err}
	}

	parent := sc.Parent
	if parent == nil && spec.PrevDir != "" {
		dp, err := LoadDirParent(spec.PrevDir)
		if err != nil {
			return nil, missing(err)
		}
		parent = dp
	}
	if parent == nil {
		return nil, missing(errors.New("no parent job"))
	}
	if !parent.Completed() {
		return nil, missing(errors.New("parent job has not completed"))
	}

	if spec.PreserveBaseConfig {
		return preserve(tpl, parent, missing)
	}

	carry := spec.CarryOver
	if len(carry) == 0 {
		carry = []string{CarryStructure}
	}

	st := sc.Structure
	for _, field := range carry {
		if field != CarryStructure {
			continue
		}
		ps, err := parentStructure(parent)
		if err != nil {
			return nil, missing(err)
		}
		st = ps
	}
	if st == nil {
		return nil, &SynthesisError{Kind: InvalidSpec, Label: spec.Label, Template: spec.Template,
			Err: errors.New("no structure given and none carried over from the parent")}
	}

	blocks, err := s.produce(ctx, tpl, spec, st)
	if err != nil {
		return nil, err
	}
	if err := copyCarryOver(blocks, parent.Inputs(), carry, tpl.PrimaryBlock()); err != nil {
		return nil, &SynthesisError{Kind: InvalidSpec, Label: spec.Label, Template: spec.Template, Err: err}
	}
	return blocks, nil
}

// preserve starts from the parent's own blocks and overlays the template's
// static settings onto the primary block. A converged structure in the
// parent's output document replaces the parent's initial POSCAR.
func preserve(tpl templates.Template, parent ParentOutput, missing func(error) error) (map[string]*config.Configuration, error) {
	inputs := parent.Inputs()
	if len(inputs) == 0 {
		return nil, missing(errors.New("parent has no recorded inputs"))
	}
	blocks := make(map[string]*config.Configuration, len(inputs))
	for name, block := range inputs {
		blocks[name] = block.Clone()
	}
	primary := tpl.PrimaryBlock()
	base, ok := blocks[primary]
	if !ok {
		return nil, missing(fmt.Errorf("parent has no %s block", primary))
	}
	blocks[primary] = base.Overlay(tpl.StaticSettings())

	relaxed, err := outputStructure(parent)
	if err != nil {
		return nil, missing(err)
	}
	if relaxed != nil {
		blocks[templates.BlockPOSCAR] = templates.PoscarBlock(relaxed)
	}
	return blocks, nil
}

// copyCarryOver copies whitelisted fields of the parent's inputs. A field is
// a block name, "BLOCK.KEY", or a key of the primary block. Fields the
// parent does not have are skipped.
func copyCarryOver(blocks, parent map[string]*config.Configuration, carry []string, primary string) error {
	for _, field := range carry {
		if field == CarryStructure {
			continue
		}
		name := config.NormalizeKey(field)

		if block, ok := parent[name]; ok {
			blocks[name] = block.Clone()
			continue
		}

		blockName, key := primary, name
		if b, k, ok := strings.Cut(name, "."); ok {
			blockName, key = b, k
		}
		src, ok := parent[blockName]
		if !ok {
			continue
		}
		v, ok := src.Get(key)
		if !ok {
			continue
		}
		dst, ok := blocks[blockName]
		if !ok {
			dst = config.NewConfiguration()
			blocks[blockName] = dst
		}
		if err := dst.Set(key, v); err != nil {
			return fmt.Errorf("carry over %q: %w", field, err)
		}
	}
	return nil
}
