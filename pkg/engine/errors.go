package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/inputs"
)

// ErrorClass decides whether the scheduler retries a failed node.
type ErrorClass string

const (
	// ErrorClassTransient failures may succeed on retry, such as a crashed
	// runner or an unavailable store.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled failures are retried with backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict is a state conflict such as an invalid node
	// transition.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent failures are never retried: merge type mismatches,
	// unknown templates and policy denials.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error families group the codes below.
const (
	FamilyConfigMerge = "ConfigMerge"
	FamilySynthesis   = "Synthesis"
	FamilyGraphBuild  = "GraphBuild"
	FamilyExecution   = "Execution"
)

// Error codes.
const (
	ErrCodeTypeMismatch        = "TYPE_MISMATCH"
	ErrCodeKeyNotFound         = "KEY_NOT_FOUND"
	ErrCodeUnknownTemplate     = "UNKNOWN_TEMPLATE"
	ErrCodeMissingParentOutput = "MISSING_PARENT_OUTPUT"
	ErrCodeSchemaViolation     = "SCHEMA_VIOLATION"
	ErrCodeInvalidSpec         = "INVALID_SPEC"
	ErrCodeUnknownParent       = "UNKNOWN_PARENT"
	ErrCodeCycleDetected       = "CYCLE_DETECTED"
	ErrCodeDuplicateNode       = "DUPLICATE_NODE"
	ErrCodeNoRoot              = "NO_ROOT"
	ErrCodeParentFailed        = "PARENT_FAILED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeRunnerFailed        = "RUNNER_FAILED"
	ErrCodeStoreUnavailable    = "STORE_UNAVAILABLE"
	ErrCodePolicyDenied        = "POLICY_DENIED"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// Family returns the error family a code belongs to.
func Family(code string) string {
	switch code {
	case ErrCodeTypeMismatch, ErrCodeKeyNotFound:
		return FamilyConfigMerge
	case ErrCodeUnknownTemplate, ErrCodeMissingParentOutput, ErrCodeSchemaViolation, ErrCodeInvalidSpec:
		return FamilySynthesis
	case ErrCodeUnknownParent, ErrCodeCycleDetected, ErrCodeDuplicateNode, ErrCodeNoRoot:
		return FamilyGraphBuild
	default:
		return FamilyExecution
	}
}

// EngineError is a classified failure. Node is the label of the job node
// that failed and Operation what it was doing, e.g. "multiply ENCUT".
// nolint:revive // distinguishes classified failures from plain errors
type EngineError struct {
	Class     ErrorClass     `json:"class"`
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Node      string         `json:"node,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Err       error          `json:"-"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString("[" + string(e.Class))
	if e.Code != "" {
		b.WriteString("/" + e.Code)
	}
	b.WriteString("] " + e.Message)

	var where []string
	if e.Node != "" {
		where = append(where, "node="+e.Node)
	}
	if e.Node != "" && e.Operation != "" {
		where = append(where, "operation="+e.Operation)
	}
	if len(where) > 0 {
		b.WriteString(" (" + strings.Join(where, ", ") + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another *EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

// Family returns the family of the error code.
func (e *EngineError) Family() string { return Family(e.Code) }

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

func (e *EngineError) WithNode(label string) *EngineError {
	e.Node = label
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Classify maps any error to an *EngineError, keeping the original as the
// cause. Merge and synthesis errors become permanent with their own codes;
// context expiry becomes TIMEOUT; anything unrecognized is a transient
// runner failure.
func Classify(err error) *EngineError {
	if err == nil {
		return nil
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}

	var mergeErr *config.MergeError
	if errors.As(err, &mergeErr) {
		return NewPermanentError("configuration merge failed", err).
			WithCode(mergeErr.Code()).
			WithOperation(fmt.Sprintf("%s %s", mergeErr.Op, mergeErr.Key)).
			WithDetail("index", mergeErr.Index).
			WithDetail("key", mergeErr.Key)
	}

	var synErr *inputs.SynthesisError
	if errors.As(err, &synErr) {
		e := NewPermanentError("input synthesis failed", err).
			WithCode(synErr.Code()).
			WithOperation("synthesize")
		if synErr.Template != "" {
			e.WithDetail("template", synErr.Template)
		}
		return e
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("operation timed out", err).WithCode(ErrCodeTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return NewPermanentError("operation cancelled", err).WithCode(ErrCodeCancelled)
	}

	return NewTransientError("execution failed", err).WithCode(ErrCodeRunnerFailed)
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

func IsTransient(err error) bool { return classOf(err) == ErrorClassTransient }
func IsThrottled(err error) bool { return classOf(err) == ErrorClassThrottled }
func IsConflict(err error) bool  { return classOf(err) == ErrorClassConflict }
func IsPermanent(err error) bool { return classOf(err) == ErrorClassPermanent }

// IsRetryable reports whether err is transient or throttled.
func IsRetryable(err error) bool {
	c := classOf(err)
	return c == ErrorClassTransient || c == ErrorClassThrottled
}

// HasCode reports whether err is an *EngineError carrying code.
func HasCode(err error, code string) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == code
}
