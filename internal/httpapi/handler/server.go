// Package handler implements the HTTP handlers for the job
// orchestration surface (§6), wired directly onto chi routes rather
// than onto oapi-codegen-generated bindings (see internal/httpapi/openapi),
// following the shape of rezkam-mono/internal/http/handler/server.go's
// Server struct.
package handler

import (
	"context"
	"log/slog"

	"github.com/vidforge/orchestrator/internal/domain"
	"github.com/vidforge/orchestrator/internal/reconciler"
	"github.com/vidforge/orchestrator/internal/service"
	"github.com/vidforge/orchestrator/internal/store"
)

// DLQReviewer is the narrow capability the admin handlers need from a
// webhook dead-letter sink, satisfied by both webhook.MemoryDLQ and
// webhook.SQLDLQ.
type DLQReviewer interface {
	List(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error)
	Resolve(ctx context.Context, id, resolution, reviewedBy, note string) error
}

// Reconciler is the narrow capability the admin handler needs to
// force an out-of-band reconciliation pass (§6 POST /admin/recover-workers).
type Reconciler interface {
	ReconcileOnce(ctx context.Context) (reconciler.ReconcileResult, error)
}

// Server holds every dependency the job-orchestration HTTP handlers
// need.
type Server struct {
	svc        *service.Service
	store      store.JobStore
	reconciler Reconciler
	dlq        DLQReviewer // nil when no DLQ sink is configured
	log        *slog.Logger
}

// NewServer constructs a Server. dlq may be nil.
func NewServer(svc *service.Service, s store.JobStore, rec Reconciler, dlq DLQReviewer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, store: s, reconciler: rec, dlq: dlq, log: logger}
}
