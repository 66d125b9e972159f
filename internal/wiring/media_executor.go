package wiring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vidforge/orchestrator/internal/domain"
)

// externalMediaExecutor satisfies localpool.MediaExecutor. The actual
// FFmpeg invocation, S3 upload, and codec choice for each operation
// are explicitly out of core scope (spec §1 Non-goals); this is the
// seam where that external media subsystem plugs in. It stands in
// for that collaborator so the local pool has something to drive end
// to end, and logs what it would have dispatched.
type externalMediaExecutor struct {
	log *slog.Logger
}

// newExternalMediaExecutor constructs the local pool's media executor
// seam.
func newExternalMediaExecutor(logger *slog.Logger) *externalMediaExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &externalMediaExecutor{log: logger}
}

// Execute hands the operation to the external media subsystem. A real
// deployment replaces this with a call into the FFmpeg/S3 pipeline;
// here it synthesizes a plausible result shape so the local pool's
// completion path (§4.6 steps 6-7) is exercised.
func (e *externalMediaExecutor) Execute(ctx context.Context, op domain.Operation, payload domain.Payload) (domain.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	e.log.InfoContext(ctx, "executing local-pool media operation", "operation", op)
	return domain.Result{
		"code":         200,
		"operation":    string(op),
		"message":      fmt.Sprintf("%s processed successfully", op.Base()),
		"processed_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
