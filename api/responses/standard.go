// Package responses provides standardized response formatting. Errors are
// rendered as RFC 7807 problem documents.
package responses

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
)

// StandardResponse represents a standard API response format
type StandardResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

func respond(c *gin.Context, status int, data interface{}, message string) {
	c.JSON(status, StandardResponse{
		Success:   true,
		Data:      data,
		Message:   message,
		Timestamp: time.Now().UTC(),
		TraceID:   getTraceID(c),
	})
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}, message ...string) {
	msg := "Operation successful"
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}
	respond(c, http.StatusOK, data, msg)
}

// Created sends a 201 Created response
func Created(c *gin.Context, data interface{}, message ...string) {
	msg := "Resource created successfully"
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}
	respond(c, http.StatusCreated, data, msg)
}

// Error renders err as problem details. Settlement errors keep their kind
// and message; anything else becomes an opaque internal error.
func Error(c *gin.Context, err error) {
	problem := apperrors.ToProblem(err, c.Request.URL.Path)
	if problem.Status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	Problem(c, problem)
}

// Problem sends problem details as application/problem+json.
func Problem(c *gin.Context, problem *apperrors.ProblemDetails) {
	if problem.TraceID == "" {
		if traceID := getTraceID(c); traceID != "" {
			problem.WithTraceID(traceID)
		}
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(problem.Status, problem)
}

// BadRequest sends a 400 validation problem. Validator errors are listed
// per field.
func BadRequest(c *gin.Context, err error) {
	problem := apperrors.NewValidationError("request is invalid", c.Request.URL.Path)
	if fieldErrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range fieldErrs {
			problem.AddValidationError(fe.Field(), fe.Error(), fe.Tag())
		}
	} else {
		problem.Detail = err.Error()
	}
	Problem(c, problem)
}

func getTraceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return c.GetHeader("X-Trace-ID")
}
