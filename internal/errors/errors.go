// Package errors provides standardized error handling for the patchview service.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the patchview service.
type ErrorCode string

const (
	// Validation errors
	PV_VALIDATION  ErrorCode = "PV_VALIDATION"  // General validation error
	PV_BAD_REQUEST ErrorCode = "PV_BAD_REQUEST" // Bad request

	// Authentication/Authorization errors
	PV_AUTHZ         ErrorCode = "PV_AUTHZ"         // Authorization failed
	PV_AUTHN         ErrorCode = "PV_AUTHN"         // Authentication failed
	PV_JWT_INVALID   ErrorCode = "PV_JWT_INVALID"   // Invalid JWT
	PV_JWT_EXPIRED   ErrorCode = "PV_JWT_EXPIRED"   // Expired JWT
	PV_JWT_MALFORMED ErrorCode = "PV_JWT_MALFORMED" // Malformed JWT

	// Resource errors
	PV_NOT_FOUND ErrorCode = "PV_NOT_FOUND" // View or collection not found

	// Remote collection errors
	PV_FETCH_FAILED       ErrorCode = "PV_FETCH_FAILED"       // Paginated fetch failed
	PV_BULK_SELECT_FAILED ErrorCode = "PV_BULK_SELECT_FAILED" // Select-all fetch failed
	PV_UPSTREAM           ErrorCode = "PV_UPSTREAM"           // Remote API answered with an unexpected payload

	// Server errors
	PV_INTERNAL        ErrorCode = "PV_INTERNAL"        // Internal server error
	PV_UNAVAILABLE     ErrorCode = "PV_UNAVAILABLE"     // Service unavailable
	PV_NOT_IMPLEMENTED ErrorCode = "PV_NOT_IMPLEMENTED" // Feature disabled or not implemented
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
	Cause         error       `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates a new Error that keeps cause reachable through errors.Unwrap.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatusCodeForCode(code),
		Cause:      cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != nil {
		base = fmt.Sprintf("%s (details: %v)", base, e.Details)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", base, e.Cause)
	}
	return base
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCorrelation returns a copy of e stamped with the correlation ID.
func (e *Error) WithCorrelation(correlationID string) *Error {
	cp := *e
	cp.CorrelationID = correlationID
	return &cp
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// As converts err into an *Error, falling back to PV_INTERNAL for foreign errors.
func As(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(PV_INTERNAL, "internal error", err)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case PV_VALIDATION, PV_BAD_REQUEST:
		return http.StatusBadRequest
	case PV_AUTHZ:
		return http.StatusForbidden
	case PV_AUTHN, PV_JWT_INVALID, PV_JWT_EXPIRED, PV_JWT_MALFORMED:
		return http.StatusUnauthorized
	case PV_NOT_FOUND:
		return http.StatusNotFound
	case PV_FETCH_FAILED, PV_BULK_SELECT_FAILED, PV_UPSTREAM:
		return http.StatusBadGateway
	case PV_UNAVAILABLE:
		return http.StatusServiceUnavailable
	case PV_NOT_IMPLEMENTED:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
