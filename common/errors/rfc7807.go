package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ProblemDetails represents RFC 7807 compliant error response
type ProblemDetails struct {
	// Type is a URI reference that identifies the problem type
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Status is the HTTP status code
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence of the problem
	Detail string `json:"detail"`
	// Instance is a URI reference that identifies the specific occurrence of the problem
	Instance string `json:"instance,omitempty"`
	// Kind is the settlement error kind
	Kind Kind `json:"kind,omitempty"`
	// Timestamp when the error occurred
	Timestamp time.Time `json:"timestamp"`
	// TraceID for request tracing and debugging
	TraceID string `json:"traceId,omitempty"`
	// Errors contains field-specific validation errors
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents field-specific validation errors
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Problem type URIs
const (
	TypeValidationError          = "https://api.nftsettle.io/problems/validation-error"
	TypeUnauthorized             = "https://api.nftsettle.io/problems/unauthorized"
	TypeNotFound                 = "https://api.nftsettle.io/problems/not-found"
	TypeInvalidState             = "https://api.nftsettle.io/problems/invalid-state"
	TypeExpired                  = "https://api.nftsettle.io/problems/expired"
	TypeInvalidAmount            = "https://api.nftsettle.io/problems/invalid-amount"
	TypeInvalidRoyaltyPercentage = "https://api.nftsettle.io/problems/invalid-royalty-percentage"
	TypeInsufficientFunds        = "https://api.nftsettle.io/problems/insufficient-funds"
	TypeReentrant                = "https://api.nftsettle.io/problems/reentrant"
	TypeInternalError            = "https://api.nftsettle.io/problems/internal-error"
)

// Problem titles
const (
	TitleValidationError          = "Validation Error"
	TitleUnauthorized             = "Unauthorized"
	TitleNotFound                 = "Not Found"
	TitleInvalidState             = "Invalid State"
	TitleExpired                  = "Expired"
	TitleInvalidAmount            = "Invalid Amount"
	TitleInvalidRoyaltyPercentage = "Invalid Royalty Percentage"
	TitleInsufficientFunds        = "Insufficient Funds"
	TitleReentrant                = "Reentrant Call"
	TitleInternalError            = "Internal Server Error"
)

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Timestamp: time.Now().UTC(),
	}
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// AddValidationError adds a single validation error
func (p *ProblemDetails) AddValidationError(field, message, code string) *ProblemDetails {
	p.Errors = append(p.Errors, ValidationError{Field: field, Message: message, Code: code})
	return p
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
}

// NewValidationError creates a validation error
func NewValidationError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeValidationError, TitleValidationError, http.StatusBadRequest, detail, instance)
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeUnauthorized, TitleUnauthorized, http.StatusUnauthorized, detail, instance)
}

// NewInternalError creates an internal server error
func NewInternalError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInternalError, TitleInternalError, http.StatusInternalServerError, detail, instance)
}

// ToProblemDetails converts a settlement Error to RFC 7807 ProblemDetails
func (e *Error) ToProblemDetails(instance string) *ProblemDetails {
	var problemType, title string
	var status int

	switch e.Kind {
	case KindUnauthorized:
		problemType, title, status = TypeUnauthorized, TitleUnauthorized, http.StatusForbidden
	case KindNotFound:
		problemType, title, status = TypeNotFound, TitleNotFound, http.StatusNotFound
	case KindInvalidState:
		problemType, title, status = TypeInvalidState, TitleInvalidState, http.StatusConflict
	case KindExpired:
		problemType, title, status = TypeExpired, TitleExpired, http.StatusGone
	case KindInvalidAmount:
		problemType, title, status = TypeInvalidAmount, TitleInvalidAmount, http.StatusUnprocessableEntity
	case KindInvalidRoyaltyPercentage:
		problemType, title, status = TypeInvalidRoyaltyPercentage, TitleInvalidRoyaltyPercentage, http.StatusUnprocessableEntity
	case KindInsufficientFunds:
		problemType, title, status = TypeInsufficientFunds, TitleInsufficientFunds, http.StatusPaymentRequired
	case KindReentrant:
		problemType, title, status = TypeReentrant, TitleReentrant, http.StatusTooManyRequests
	default:
		problemType, title, status = TypeInternalError, TitleInternalError, http.StatusInternalServerError
	}

	detail := e.Message
	if detail == "" {
		detail = title
	}
	pd := NewProblemDetails(problemType, title, status, detail, instance)
	pd.Kind = e.Kind
	for _, field := range e.Fields {
		pd.AddValidationError(field.Field, field.Message, field.Kind)
	}
	return pd
}

// ToProblem renders any error as problem details. Errors outside the
// settlement taxonomy become internal errors without leaking their text.
func ToProblem(err error, instance string) *ProblemDetails {
	var pd *ProblemDetails
	if As(err, &pd) {
		return pd
	}
	var e *Error
	if As(err, &e) {
		return e.ToProblemDetails(instance)
	}
	return NewInternalError("An unexpected error occurred", instance)
}
