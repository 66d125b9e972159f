package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	nethttpmiddleware "github.com/oapi-codegen/nethttp-middleware"
)

// ValidationConfig holds configuration for the OpenAPI validation
// middleware, ported from rezkam-mono/internal/http/middleware/validation.go.
type ValidationConfig struct {
	MultiError bool
}

// NewValidator builds request-shape validation middleware against the
// embedded spec. Auth is handled by the Auth middleware, not the
// OpenAPI security scheme, so authentication is always skipped here.
func NewValidator(spec *openapi3.T, config ValidationConfig) func(http.Handler) http.Handler {
	spec.Servers = openapi3.Servers{{URL: "/api"}}

	opts := &nethttpmiddleware.Options{
		Options: openapi3filter.Options{
			MultiError: config.MultiError,
			AuthenticationFunc: func(_ context.Context, _ *openapi3filter.AuthenticationInput) error {
				return nil
			},
		},
		ErrorHandlerWithOpts:  validationErrorHandler,
		SilenceServersWarning: true,
	}

	return nethttpmiddleware.OapiRequestValidatorWithOptions(spec, opts)
}

func validationErrorHandler(_ context.Context, err error, w http.ResponseWriter, _ *http.Request, opts nethttpmiddleware.ErrorHandlerOpts) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(opts.StatusCode)
	resp := map[string]any{
		"error": map[string]any{"code": "VALIDATION_ERROR", "message": err.Error()},
	}
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		slog.Error("failed to encode validation error response", "error", encErr)
	}
}
