package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration       = "CONFIGURATION_ERROR"
	ErrCodeCycleDetected       = "CYCLE_DETECTED"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeProduction          = "PRODUCTION_FAILURE"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeRetryExhausted      = "RETRY_EXHAUSTED"
	ErrCodeEscalationExhausted = "ESCALATION_EXHAUSTED"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeTimeout             = "TIMEOUT_ERROR"
)

// ForemanError is the structured error type for all foreman operations.
type ForemanError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ForemanError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ForemanError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ForemanError.
func NewError(code, message string) *ForemanError {
	return &ForemanError{Code: code, Message: message}
}

// NewErrorf creates a new ForemanError with a formatted message.
func NewErrorf(code, format string, args ...any) *ForemanError {
	return &ForemanError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches a stage name to the error.
func (e *ForemanError) WithStage(stage string) *ForemanError {
	e.Stage = stage
	return e
}

// WithCause attaches an underlying cause.
func (e *ForemanError) WithCause(err error) *ForemanError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ForemanError) WithDetails(details map[string]any) *ForemanError {
	e.Details = details
	return e
}

// IsConfiguration reports whether err is a fatal configuration error
// (cyclic graph, unknown stage reference, missing strategy). Configuration
// errors are surfaced immediately and never retried.
func IsConfiguration(err error) bool {
	var fe *ForemanError
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Code == ErrCodeConfiguration || fe.Code == ErrCodeCycleDetected
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	var fe *ForemanError
	return errors.As(err, &fe) && fe.Code == ErrCodeNotFound
}

// IsConflict reports whether err carries the CONFLICT code.
func IsConflict(err error) bool {
	var fe *ForemanError
	return errors.As(err, &fe) && fe.Code == ErrCodeConflict
}
