package v1

import "fmt"

// ErrorCode classifies failures surfaced by synchronous mutation APIs.
// The codes propagate through the HTTP boundary unchanged.
type ErrorCode string

const (
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrCodeBadRequest ErrorCode = "BAD_REQUEST"
)

// APIError is a structured error returned to the status/control surface
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError creates a VALIDATION_ERROR
func NewValidationError(format string, args ...any) *APIError {
	return &APIError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError creates a NOT_FOUND error
func NewNotFoundError(format string, args ...any) *APIError {
	return &APIError{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewBadRequestError creates a BAD_REQUEST error
func NewBadRequestError(format string, args ...any) *APIError {
	return &APIError{Code: ErrCodeBadRequest, Message: fmt.Sprintf(format, args...)}
}
