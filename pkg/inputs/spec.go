package inputs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/matflow/matflow/pkg/config"
)

// Mode selects how a job's input blocks are synthesized.
type Mode string

const (
	// ModeExplicit passes caller-supplied blocks through unchanged.
	ModeExplicit Mode = "explicit"

	// ModeTemplate instantiates a registered template for the structure.
	ModeTemplate Mode = "template"

	// ModeFromPrevious derives the blocks from the parent job.
	ModeFromPrevious Mode = "from_previous"
)

// Validate checks if the mode is known.
func (m Mode) Validate() error {
	switch m {
	case ModeExplicit, ModeTemplate, ModeFromPrevious:
		return nil
	default:
		return fmt.Errorf("invalid synthesis mode: %s", m)
	}
}

// CarryStructure is the carry-over field naming the converged geometry.
const CarryStructure = "structure"

// JobSpec describes how one job's inputs are produced.
type JobSpec struct {
	// ID is assigned by the workflow graph when empty.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Label is the human-readable task label, e.g. "cs tensor".
	Label string `json:"label" yaml:"label" validate:"required"`

	Mode Mode `json:"mode" yaml:"mode" validate:"required,oneof=explicit template from_previous"`

	// Template names a registered template. Required unless Mode is explicit.
	Template string `json:"template,omitempty" yaml:"template,omitempty" validate:"required_unless=Mode explicit"`

	// Params are passed to the template (user_incar_settings, reciprocal_density).
	Params Params `json:"params,omitempty" yaml:"params,omitempty"`

	// Objects are the ready-made blocks of explicit mode.
	Objects map[string]*config.Configuration `json:"objects,omitempty" yaml:"objects,omitempty" validate:"required_if=Mode explicit"`

	// Modifications are applied after synthesis to the Target block.
	Modifications []config.MergeOperation `json:"modifications,omitempty" yaml:"modifications,omitempty" validate:"dive"`

	// Target is the block Modifications apply to. Defaults to the
	// template's primary block, or INCAR in explicit mode.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// PreserveBaseConfig makes from_previous start from the parent's own
	// inputs instead of fresh template defaults.
	PreserveBaseConfig bool `json:"preserve_base_config" yaml:"preserve_base_config"`

	// CarryOver lists what fresh from_previous synthesis copies from the
	// parent: "structure", a block name, "BLOCK.KEY" or a primary block key.
	// Empty means ["structure"].
	CarryOver []string `json:"carry_over,omitempty" yaml:"carry_over,omitempty" validate:"dive,carry_field"`

	// PrevDir points at a finished run directory used as the parent when
	// no parent is supplied in the synthesis context.
	PrevDir string `json:"prev_dir,omitempty" yaml:"prev_dir,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func specValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("carry_field", validCarryField)
	})
	return validate
}

// validCarryField accepts "structure", a block name, a key, or "BLOCK.KEY"
// with both parts present.
func validCarryField(fl validator.FieldLevel) bool {
	field := strings.TrimSpace(fl.Field().String())
	if field == "" {
		return false
	}
	block, key, ok := strings.Cut(field, ".")
	if !ok {
		return true
	}
	return block != "" && key != "" && !strings.Contains(key, ".")
}

// Validate checks the struct tags of the spec and its modifications.
func (s *JobSpec) Validate() error {
	if err := specValidator().Struct(s); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy.
func (s JobSpec) Clone() JobSpec {
	out := s
	if s.Params != nil {
		out.Params = s.Params.clone()
	}
	if s.Objects != nil {
		out.Objects = make(map[string]*config.Configuration, len(s.Objects))
		for k, v := range s.Objects {
			out.Objects[k] = v.Clone()
		}
	}
	out.Modifications = append([]config.MergeOperation(nil), s.Modifications...)
	out.CarryOver = append([]string(nil), s.CarryOver...)
	return out
}

// Params holds template parameters. JSON decoding keeps integers as int64
// and turns nested objects into configurations.
type Params map[string]any

// UnmarshalJSON decodes parameter values with configuration typing rules.
func (p *Params) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Params, len(raw))
	for k, v := range raw {
		val, err := config.DecodeJSONValue(v)
		if err != nil {
			return fmt.Errorf("param %s: %w", k, err)
		}
		out[k] = val
	}
	*p = out
	return nil
}

// MarshalJSON writes parameters with sorted keys, keeping float values
// distinguishable from integers.
func (p Params) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(k)
		buf.Write(name)
		buf.WriteByte(':')
		v, err := config.EncodeJSONValue(p[k])
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", k, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p Params) clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		if c, ok := v.(*config.Configuration); ok {
			out[k] = c.Clone()
			continue
		}
		out[k] = v
	}
	return out
}
