package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vidforge/orchestrator/internal/domain"
	"github.com/vidforge/orchestrator/internal/httpapi/response"
)

// requestValidator enforces the struct-tag rules below. The OpenAPI
// validation middleware (internal/httpapi/middleware/validation.go)
// checks request *shape* against the embedded spec; this catches the
// field-level rules that schema doesn't express as cleanly (a
// required, non-empty webhook_url) before the request reaches the
// service layer's own SSRF guard.
var requestValidator = validator.New(validator.WithRequiredStructEnabled())

// createJobRequest is the inbound body for POST /jobs/<operation>
// (§6).
type createJobRequest struct {
	Payload       domain.Payload `json:"payload"`
	WebhookURL    string         `json:"webhook_url" validate:"required,url"`
	CorrelationID *int64         `json:"correlation_id,omitempty"`
	PathRoot      *string        `json:"path_root,omitempty"`
}

// SubmitJob implements POST /jobs/{operation}.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	op, err := domain.ParseOperation(chi.URLParam(r, "operation"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON")
		return
	}
	if err := requestValidator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	resp, err := s.svc.Create(r.Context(), op, req.Payload, req.WebhookURL, req.CorrelationID)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	response.Accepted(w, resp)
}

// GetJob implements GET /jobs/{id}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp, err := s.svc.Get(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, resp)
}

// CancelJob implements POST /jobs/{id}/cancel.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]string{"id": id, "status": string(domain.StatusCancelled)})
}

// QueueStats implements GET /queue/stats.
func (s *Server) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, stats)
}
