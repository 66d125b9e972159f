package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vidforge/orchestrator/internal/domain"
	"github.com/vidforge/orchestrator/internal/httpapi/response"
)

// RecoverWorkers implements POST /admin/recover-workers: forces an
// out-of-band reconciliation pass and reports what it corrected (§6).
func (s *Server) RecoverWorkers(w http.ResponseWriter, r *http.Request) {
	result, err := s.reconciler.ReconcileOnce(r.Context())
	if err != nil {
		response.InternalError(w, r, err)
		return
	}
	response.OK(w, map[string]any{
		"recovered":            result.CounterCorrected,
		"terminal_jobs_zeroed": result.TerminalJobsZeroed,
		"counter_was":          result.CounterWas,
		"counter_now":          result.CounterCorrectedTo,
		"skipped":              result.Skipped,
	})
}

// WorkersStatus implements GET /admin/workers/status: a diagnostic
// dump of the worker counter and every active job (§6).
func (s *Server) WorkersStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	available, err := s.store.Available(ctx)
	if err != nil {
		response.InternalError(w, r, err)
		return
	}
	active, err := s.store.Active(ctx)
	if err != nil {
		response.InternalError(w, r, err)
		return
	}

	response.OK(w, map[string]any{
		"available_workers":  available,
		"max_remote_workers": s.store.MaxRemoteWorkers(),
		"active_jobs":        active,
	})
}

// ListDeadLetters implements GET /admin/dlq: lists unresolved webhook
// delivery failures for operator review (§3.1, §4.8 supplement).
func (s *Server) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		response.OK(w, []domain.DeadLetterRecord{})
		return
	}

	records, err := s.dlq.List(r.Context(), 100)
	if err != nil {
		response.InternalError(w, r, err)
		return
	}
	response.OK(w, records)
}

type dlqReviewRequest struct {
	ReviewedBy string `json:"reviewed_by"`
	Note       string `json:"note"`
}

// RetryDeadLetter implements POST /admin/dlq/{id}/retry: marks a
// dead-lettered webhook as retried by an operator. Actually
// re-delivering is a manual operator action outside this surface; the
// endpoint records the review decision.
func (s *Server) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	s.resolveDeadLetter(w, r, "retried")
}

// DiscardDeadLetter implements POST /admin/dlq/{id}/discard.
func (s *Server) DiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	s.resolveDeadLetter(w, r, "discarded")
}

func (s *Server) resolveDeadLetter(w http.ResponseWriter, r *http.Request, resolution string) {
	if s.dlq == nil {
		response.NotFound(w, "dead letter record")
		return
	}

	id := chi.URLParam(r, "id")
	var req dlqReviewRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // body is optional; reviewed_by/note default to empty

	if err := s.dlq.Resolve(r.Context(), id, resolution, req.ReviewedBy, req.Note); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]string{"id": id, "resolution": resolution})
}
