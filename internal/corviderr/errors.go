// Package corviderr defines the structured error taxonomy shared across
// the agent core. Error codes drive classification, monitoring, and retry
// policy; only configuration errors are fatal.
package corviderr

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes an error for handling and metrics.
type ErrorCode string

const (
	// ErrCodeConfig indicates invalid or missing configuration. Fatal at startup.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"

	// ErrCodeConnection indicates a platform integration could not connect.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeTransient indicates an upstream rate limit or 5xx from a platform.
	ErrCodeTransient ErrorCode = "TRANSIENT_ERROR"

	// ErrCodeLLM indicates a failed or unparsable decision service call.
	ErrCodeLLM ErrorCode = "LLM_ERROR"

	// ErrCodeRateLimited indicates the internal limiter blocked an action or cycle.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	// ErrCodeValidation indicates malformed action plan fields.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrCodePersistence indicates a history database write failed.
	ErrCodePersistence ErrorCode = "PERSISTENCE_ERROR"

	// ErrCodeEncryption indicates an undecryptable chat event.
	ErrCodeEncryption ErrorCode = "ENCRYPTION_ERROR"

	// ErrCodeUnknownTool indicates an action_type not present in the registry.
	ErrCodeUnknownTool ErrorCode = "UNKNOWN_TOOL"
)

// Error is a structured error with a code, message, underlying cause, and
// optional debugging context.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error so errors.Is and errors.As work.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given code and message.
func New(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
		Context: make(map[string]any),
	}
}

// WithContext adds a key-value pair to the error's context.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the error represents a transient failure.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeTransient, ErrCodePersistence:
		return true
	default:
		return false
	}
}

// Convenience constructors.

func ErrConfig(message string, err error) *Error {
	return New(ErrCodeConfig, message, err)
}

func ErrConnection(message string, err error) *Error {
	return New(ErrCodeConnection, message, err)
}

func ErrTransient(message string, err error) *Error {
	return New(ErrCodeTransient, message, err)
}

func ErrLLM(message string, err error) *Error {
	return New(ErrCodeLLM, message, err)
}

func ErrRateLimited(message string) *Error {
	return New(ErrCodeRateLimited, message, nil)
}

func ErrValidation(message string, err error) *Error {
	return New(ErrCodeValidation, message, err)
}

func ErrPersistence(message string, err error) *Error {
	return New(ErrCodePersistence, message, err)
}

func ErrEncryption(message string, err error) *Error {
	return New(ErrCodeEncryption, message, err)
}

func ErrUnknownTool(name string) *Error {
	return New(ErrCodeUnknownTool, fmt.Sprintf("unknown tool %q", name), nil)
}

// Code extracts the ErrorCode from err. Plain errors map to an empty code.
func Code(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsRetryable reports whether err is a retryable structured error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return false
}
