// Package response provides the standard JSON success/error envelopes
// for the HTTP API, ported from
// rezkam-mono/internal/http/response/{error,success}.go.
package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/vidforge/orchestrator/internal/domain"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []ErrorField `json:"details,omitempty"`
}

// ErrorField describes a field-specific error.
type ErrorField struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// BadRequest sends a 400 Bad Request error.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, "INVALID_REQUEST", message, http.StatusBadRequest)
}

// ValidationError sends a 400 validation error with field details.
func ValidationError(w http.ResponseWriter, field, issue string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:    "VALIDATION_ERROR",
			Message: "validation failed",
			Details: []ErrorField{{Field: field, Issue: issue}},
		},
	})
}

// NotFound sends a 404 Not Found error.
func NotFound(w http.ResponseWriter, resource string) {
	Error(w, "NOT_FOUND", resource+" not found", http.StatusNotFound)
}

// Unauthorized sends a 401 Unauthorized error.
func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, "UNAUTHORIZED", message, http.StatusUnauthorized)
}

// Conflict sends a 409 Conflict error.
func Conflict(w http.ResponseWriter, message string) {
	Error(w, "CONFLICT", message, http.StatusConflict)
}

// TooManyRequests sends a 429 error (§6: queue admission rate limit).
func TooManyRequests(w http.ResponseWriter, message string) {
	Error(w, "RATE_LIMITED", message, http.StatusTooManyRequests)
}

// InternalError logs the error server-side and returns a generic
// message to the client to prevent information disclosure.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		slog.ErrorContext(r.Context(), "internal server error", "error", err)
	}
	Error(w, "INTERNAL_ERROR", "an internal error occurred", http.StatusInternalServerError)
}

// Error sends a generic error response.
func Error(w http.ResponseWriter, code, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// FromDomainError maps domain sentinel errors to HTTP responses
// (§6: 400 validation, 404 not found, 401 auth, 409 terminal-job
// conflict, 500 otherwise).
func FromDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownOperation):
		ValidationError(w, "operation", "not a recognized operation")
	case errors.Is(err, domain.ErrInvalidWebhookURL):
		ValidationError(w, "webhook_url", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		NotFound(w, "job")
	case errors.Is(err, domain.ErrUnauthorized):
		Unauthorized(w, "invalid or missing API key")
	case errors.Is(err, domain.ErrJobTerminal):
		Conflict(w, "job has already reached a terminal status")
	default:
		InternalError(w, r, err)
	}
}
