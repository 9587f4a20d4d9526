package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation    ErrorCategory = "validation"    // Invalid input or malformed model output
	ErrCatExecution     ErrorCategory = "execution"     // Collaborator call failed
	ErrCatTimeout       ErrorCategory = "timeout"       // Operation timed out
	ErrCatState         ErrorCategory = "state"         // Illegal state transition
	ErrCatNotFound      ErrorCategory = "not_found"     // Resource not found
	ErrCatConflict      ErrorCategory = "conflict"      // Concurrent use of a sequence
	ErrCatNetwork       ErrorCategory = "network"       // Network connectivity
	ErrCatClarification ErrorCategory = "clarification" // User input required
	ErrCatInternal      ErrorCategory = "internal"      // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "TIMEOUT",
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrSequenceBusy reports a second concurrent turn on one sequence.
func ErrSequenceBusy(sequenceID string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      CodeSequenceBusy,
		Message:   fmt.Sprintf("sequence %s is already running a turn", sequenceID),
		Retryable: false,
	}
}

// ErrNetwork creates a network error.
func ErrNetwork(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatNetwork,
		Code:      "NETWORK_ERROR",
		Message:   message,
		Retryable: true,
	}
}

// ErrClarification signals that the user must supply more information.
func ErrClarification(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatClarification,
		Code:      CodeClarificationNeeded,
		Message:   message,
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes
const (
	CodeSequenceNotFound    = "SEQUENCE_NOT_FOUND"
	CodeSequenceBusy        = "SEQUENCE_BUSY"
	CodeInvalidState        = "INVALID_STATE"
	CodeClarificationNeeded = "CLARIFICATION_NEEDED"

	// Validation error codes
	CodeEmptyPrompt       = "EMPTY_PROMPT"
	CodePromptTooLong     = "PROMPT_TOO_LONG"
	CodeInvalidPlan       = "INVALID_PLAN"
	CodeForwardAlias      = "FORWARD_ALIAS_REFERENCE"
	CodeUnknownFile       = "UNKNOWN_FILE"
	CodeInvalidEvaluation = "INVALID_EVALUATION"
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeInvalidConfig     = "INVALID_CONFIG"

	// Execution error codes
	CodeCardFailed    = "CARD_FAILED"
	CodeFetchFailed   = "FETCH_ATOM_FAILED"
	CodeExecuteFailed = "EXECUTE_ATOM_FAILED"
	CodeAtomRejected  = "ATOM_REJECTED"
	CodeModelFailed   = "MODEL_FAILED"
	CodeParseFailed   = "PARSE_FAILED"
)

// MaxPromptLength is the maximum allowed prompt length.
const MaxPromptLength = 100000
