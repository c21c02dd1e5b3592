package shared

import (
	"errors"
	"fmt"
)

var (
	// Configuration errors
	ErrInvalidConfig = fmt.Errorf("invalid configuration")

	// Analysis run errors
	ErrTransientStorage = fmt.Errorf("transient storage failure")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrCancelled        = fmt.Errorf("operation cancelled")
	ErrValidation       = fmt.Errorf("validation failed")
	ErrConsistency      = fmt.Errorf("consistency warning")

	// Lookup errors
	ErrRunNotFound    = fmt.Errorf("analysis run not found")
	ErrGroupNotFound  = fmt.Errorf("duplicate group not found")
	ErrRecordNotFound = fmt.Errorf("record not found")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrInvalidFlag     = fmt.Errorf("invalid flag value")
)

// Code is a machine-readable diagnostic code persisted alongside failed runs.
type Code string

const (
	CodeTransient  Code = "TRANSIENT_STORAGE"
	CodeTimeout    Code = "TIMEOUT"
	CodeCancelled  Code = "CANCELLED"
	CodeValidation Code = "VALIDATION"
	CodeStorage    Code = "STORAGE"
	CodeInternal   Code = "INTERNAL"
)

// DiagnosticError is a run failure with a code, a human-readable message and a structured payload.
type DiagnosticError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

// NewDiagnostic wraps cause in a [DiagnosticError].
func NewDiagnostic(code Code, message string, cause error) *DiagnosticError {
	return &DiagnosticError{Code: code, Message: message, cause: cause}
}

func (e *DiagnosticError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *DiagnosticError) Unwrap() error {
	return e.cause
}

// Is matches another [DiagnosticError] with the same Code.
func (e *DiagnosticError) Is(target error) bool {
	var t *DiagnosticError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// With returns a copy of e with key set in Details.
func (e *DiagnosticError) With(key string, value any) *DiagnosticError {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &DiagnosticError{Code: e.Code, Message: e.Message, Details: details, cause: e.cause}
}

// Diagnose maps any error onto the run-failure taxonomy.
func Diagnose(err error) *DiagnosticError {
	var d *DiagnosticError
	if errors.As(err, &d) {
		return d
	}

	switch {
	case errors.Is(err, ErrTimeout):
		return NewDiagnostic(CodeTimeout, "analysis timed out", err)
	case errors.Is(err, ErrCancelled):
		return NewDiagnostic(CodeCancelled, "analysis cancelled by user", err)
	case errors.Is(err, ErrValidation):
		return NewDiagnostic(CodeValidation, "invalid analysis request", err)
	case errors.Is(err, ErrTransientStorage):
		return NewDiagnostic(CodeTransient, "storage unavailable after retries", err)
	default:
		return NewDiagnostic(CodeInternal, "analysis failed", err)
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}
