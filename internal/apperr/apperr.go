// Package apperr defines the typed errors the engine reports to callers.
// Every error carries a stable code plus structured details so the calling
// layer can render a precise message without re-deriving it.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeMarketNotOpen          Code = "MARKET_NOT_OPEN"
	CodeInvalidQuantity        Code = "INVALID_QUANTITY"
	CodeInsufficientBalance    Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientPosition   Code = "INSUFFICIENT_POSITION"
	CodePriceBoundaryExceeded  Code = "PRICE_BOUNDARY_EXCEEDED"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeConcurrencyConflict    Code = "CONCURRENCY_CONFLICT"
	CodeComputationError       Code = "COMPUTATION_ERROR"
	CodeNotFound               Code = "NOT_FOUND"
	CodeValidation             Code = "VALIDATION_ERROR"
)

// Error is an engine error with a stable code.
type Error struct {
	Code    Code           `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, apperr.ErrMarketNotOpen).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of e with key set in Details.
func (e *Error) With(key string, value any) *Error {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// Sentinels for errors.Is comparisons.
var (
	ErrMarketNotOpen          = &Error{Code: CodeMarketNotOpen, Message: "market is not open for trading"}
	ErrInvalidQuantity        = &Error{Code: CodeInvalidQuantity, Message: "invalid quantity"}
	ErrInsufficientBalance    = &Error{Code: CodeInsufficientBalance, Message: "insufficient balance"}
	ErrInsufficientPosition   = &Error{Code: CodeInsufficientPosition, Message: "insufficient position"}
	ErrPriceBoundaryExceeded  = &Error{Code: CodePriceBoundaryExceeded, Message: "trade would push price beyond allowed bounds"}
	ErrInvalidStateTransition = &Error{Code: CodeInvalidStateTransition, Message: "invalid state transition"}
	ErrConcurrencyConflict    = &Error{Code: CodeConcurrencyConflict, Message: "concurrent update conflict, retry the request"}
	ErrComputation            = &Error{Code: CodeComputationError, Message: "computation error"}
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "not found"}
	ErrValidation             = &Error{Code: CodeValidation, Message: "validation error"}
)

// New creates an error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code that unwraps to cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// HTTPStatus maps an error code to the status the HTTP surface returns.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation, CodeInvalidQuantity:
		return http.StatusBadRequest
	case CodeMarketNotOpen, CodeInvalidStateTransition, CodeConcurrencyConflict:
		return http.StatusConflict
	case CodeInsufficientBalance, CodeInsufficientPosition, CodePriceBoundaryExceeded:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
