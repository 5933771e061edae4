// Package errors defines the structured error type and error codes used
// across the supervisor and the control channel.
package errors

import (
	"encoding/json"
	"fmt"
)

// Error codes surfaced through the control channel. Auxiliary failures
// (proxy restore, interface release timeouts) are soft and never carry a code;
// they are logged instead of returned.
const (
	CodeBinaryNotFound = "binary_not_found"
	CodeNotExecutable  = "not_executable"
	CodeStartFailed    = "start_failed"
	CodeToolFailed     = "tool_failed"
)

// AppError represents a structured application error.
type AppError struct {
	// Code is an internal error code string.
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// New creates a new AppError.
func New(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Newf creates a new AppError with a formatted message and no underlying error.
func Newf(code, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetail attaches a key/value pair to the error's details and returns it.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
