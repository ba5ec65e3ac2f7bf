package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeDuplicateStepID      = "DUPLICATE_STEP_ID"
	ErrCodeUnknownStepReference = "UNKNOWN_STEP_REFERENCE"
	ErrCodeCycleDetected        = "CYCLE_DETECTED"
	ErrCodeUnresolvableStep     = "UNRESOLVABLE_STEP_REFERENCE"
	ErrCodeConditionEvaluation  = "CONDITION_EVALUATION_ERROR"
	ErrCodeUnknownAction        = "UNKNOWN_ACTION"
	ErrCodeActionExecution      = "ACTION_EXECUTION_ERROR"
	ErrCodeExecutionCancelled   = "EXECUTION_CANCELLED"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeRetryExhausted       = "RETRY_EXHAUSTED"
	ErrCodeExecution            = "EXECUTION_ERROR"
	ErrCodeTimeout              = "TIMEOUT_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeStore                = "STORE_ERROR"
)

// WeftError is the structured error type for all weft operations.
type WeftError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *WeftError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WeftError) Unwrap() error {
	return e.Cause
}

// NewError creates a new WeftError.
func NewError(code, message string) *WeftError {
	return &WeftError{Code: code, Message: message}
}

// NewErrorf creates a new WeftError with a formatted message.
func NewErrorf(code, format string, args ...any) *WeftError {
	return &WeftError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *WeftError) WithStep(stepID string) *WeftError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *WeftError) WithCause(err error) *WeftError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WeftError) WithDetails(details map[string]any) *WeftError {
	e.Details = details
	return e
}

// AsWeftError converts any error into a *WeftError, wrapping foreign
// errors under the given fallback code.
func AsWeftError(err error, fallbackCode string) *WeftError {
	if err == nil {
		return nil
	}
	if werr, ok := err.(*WeftError); ok {
		return werr
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}
