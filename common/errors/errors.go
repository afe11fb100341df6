// Package errors defines the settlement error taxonomy and its RFC 7807 rendering.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies a settlement failure.
type Kind string

const (
	KindUnauthorized             Kind = "Unauthorized"
	KindNotFound                 Kind = "NotFound"
	KindInvalidState             Kind = "InvalidState"
	KindExpired                  Kind = "Expired"
	KindInvalidAmount            Kind = "InvalidAmount"
	KindInvalidRoyaltyPercentage Kind = "InvalidRoyaltyPercentage"
	KindInsufficientFunds        Kind = "InsufficientFunds"
	KindReentrant                Kind = "Reentrant"
	KindInternal                 Kind = "Internal"
)

// Sentinels for errors.Is matching. Comparison is by kind only.
var (
	ErrUnauthorized             = NewWithKind(KindUnauthorized)
	ErrNotFound                 = NewWithKind(KindNotFound)
	ErrInvalidState             = NewWithKind(KindInvalidState)
	ErrExpired                  = NewWithKind(KindExpired)
	ErrInvalidAmount            = NewWithKind(KindInvalidAmount)
	ErrInvalidRoyaltyPercentage = NewWithKind(KindInvalidRoyaltyPercentage)
	ErrInsufficientFunds        = NewWithKind(KindInsufficientFunds)
	ErrReentrant                = NewWithKind(KindReentrant)
	ErrInternal                 = NewWithKind(KindInternal)
)

// FieldError represents a validation error for a specific field
type FieldError struct {
	Kind    string `json:"kind"`
	Field   string `json:"field"`
	Message string `json:"message,omitempty"`
}

func (f *FieldError) Error() string {
	return fmt.Sprintf("%s (%s): %s", f.Field, f.Kind, f.Message)
}

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind Kind `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`
	// Fields used when there's validation error for a field.
	Fields []FieldError `json:"fields,omitempty"`

	cause error
}

var _ error = (*Error)(nil)

func NewWithKind(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s]", e.Kind)
	if e.Message != "" {
		str += " " + e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Wrap makes a copy of the error with the given cause
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// WithField returns a copy of error with an extra field error.
func (e *Error) WithField(field, message string) *Error {
	err := *e
	err.Fields = append(append([]FieldError(nil), e.Fields...), FieldError{Kind: string(e.Kind), Field: field, Message: message})
	return &err
}

// Is implements the needed interface for errors.Is
// It checks kind for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Unauthorized(format string, args ...any) *Error {
	return ErrUnauthorized.Explain(format, args...)
}

func NotFound(format string, args ...any) *Error {
	return ErrNotFound.Explain(format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return ErrInvalidState.Explain(format, args...)
}

func Expired(format string, args ...any) *Error {
	return ErrExpired.Explain(format, args...)
}

func InvalidAmount(format string, args ...any) *Error {
	return ErrInvalidAmount.Explain(format, args...)
}

func InvalidRoyaltyPercentage(format string, args ...any) *Error {
	return ErrInvalidRoyaltyPercentage.Explain(format, args...)
}

func InsufficientFunds(format string, args ...any) *Error {
	return ErrInsufficientFunds.Explain(format, args...)
}

func Reentrant(format string, args ...any) *Error {
	return ErrReentrant.Explain(format, args...)
}
