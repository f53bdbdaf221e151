package inputs

import (
	"errors"
	"fmt"

	"github.com/matflow/matflow/pkg/templates"
)

// SynthesisErrorKind classifies a synthesis failure.
type SynthesisErrorKind string

const (
	UnknownTemplate     SynthesisErrorKind = "UnknownTemplate"
	MissingParentOutput SynthesisErrorKind = "MissingParentOutput"
	SchemaViolation     SynthesisErrorKind = "SchemaViolation"
	InvalidSpec         SynthesisErrorKind = "InvalidSpec"
)

// Sentinels matched by errors.Is on a *SynthesisError.
var (
	ErrUnknownTemplate     = templates.ErrUnknownTemplate
	ErrMissingParentOutput = errors.New("missing parent output")
	ErrSchemaViolation     = errors.New("schema violation")
	ErrInvalidSpec         = errors.New("invalid job spec")
)

// SynthesisError reports a job whose inputs could not be produced.
// Merge failures are not wrapped in it; they surface as *config.MergeError.
type SynthesisError struct {
	Kind     SynthesisErrorKind
	Label    string
	Template string
	Err      error
}

func (e *SynthesisError) Error() string {
	msg := fmt.Sprintf("synthesis of %q failed: %s", e.Label, e.sentinel())
	if e.Template != "" {
		msg += fmt.Sprintf(" (template %s)", e.Template)
	}
	if e.Err != nil && e.Err != e.sentinel() {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the kind sentinel and the cause.
func (e *SynthesisError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.sentinel()}
	}
	return []error{e.sentinel(), e.Err}
}

// Code returns the machine readable error code.
func (e *SynthesisError) Code() string {
	switch e.Kind {
	case UnknownTemplate:
		return "UNKNOWN_TEMPLATE"
	case MissingParentOutput:
		return "MISSING_PARENT_OUTPUT"
	case SchemaViolation:
		return "SCHEMA_VIOLATION"
	default:
		return "INVALID_SPEC"
	}
}

func (e *SynthesisError) sentinel() error {
	switch e.Kind {
	case UnknownTemplate:
		return ErrUnknownTemplate
	case MissingParentOutput:
		return ErrMissingParentOutput
	case SchemaViolation:
		return ErrSchemaViolation
	default:
		return ErrInvalidSpec
	}
}
