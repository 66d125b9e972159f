// Package store defines the job store capability interface (§4.1)
// and its in-memory and Redis-backed implementations.
package store

import (
	"context"
	"time"

	"github.com/vidforge/orchestrator/internal/domain"
)

// Stats is the response shape for JobStore.Stats (§4.1 "stats()").
type Stats struct {
	CountsByStatus   map[domain.Status]int
	AvailableWorkers int
	MaxRemoteWorkers int
}

// JobStore is the single capability interface every component uses
// to touch job state, the queue, and the worker counter. No caller
// outside this package accesses state any other way (spec §9:
// "forbid direct state access outside the interface").
//
// Implementations: an in-process map (memory.go) for single-node
// deployments and tests, and a Redis-backed store (redis.go) for
// multi-process or restart-safe deployments. Both satisfy the exact
// same contract, including the head-of-line-skip dequeue.
type JobStore interface {
	// Create assigns an id and created_at, persists the job QUEUED,
	// and returns the full record.
	Create(ctx context.Context, draft domain.Draft) (*domain.Job, error)

	// Get returns the job or domain.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Update applies a partial overwrite. The store never vetoes an
	// update; callers enforce the status DAG. On transition into a
	// terminal status, durable implementations set a TTL from now.
	Update(ctx context.Context, id string, patch domain.Patch) (*domain.Job, error)

	// Delete removes a job unconditionally.
	Delete(ctx context.Context, id string) error

	// Enqueue appends id to the pending queue if not already present.
	Enqueue(ctx context.Context, id string) error

	// DequeueFittable atomically scans the queue in order and
	// returns the first id whose computed reservation is ≤
	// available(). Stale ids (job missing or no longer QUEUED) are
	// dropped during the scan. Returns ("", false) if nothing fits,
	// leaving the queue intact.
	DequeueFittable(ctx context.Context, workersNeeded func(*domain.Job) int) (string, bool, error)

	// Reserve atomically decrements the worker counter by n iff the
	// result stays ≥ 0. Returns false (no-op) on underflow.
	Reserve(ctx context.Context, n int) (bool, error)

	// Release atomically increments the worker counter by n,
	// clamped at MAX_REMOTE_WORKERS. Over-release is logged, never
	// fatal (see DESIGN.md open-question decisions).
	Release(ctx context.Context, n int) error

	// Available returns the current worker counter value.
	Available(ctx context.Context) (int, error)

	// SetAvailable is the reconciler's sentinel correction write; no
	// other caller should use it (spec §5 "mutated ... by the
	// reconciler, which uses a sentinel set operation").
	SetAvailable(ctx context.Context, n int) error

	// ByStatus lists jobs with the given status.
	ByStatus(ctx context.Context, s domain.Status) ([]*domain.Job, error)

	// Active lists jobs in SUBMITTED ∪ PROCESSING.
	Active(ctx context.Context) ([]*domain.Job, error)

	// Queued returns the current pending-queue ids, in order.
	Queued(ctx context.Context) ([]string, error)

	// Stats returns population counts by status plus worker counts.
	Stats(ctx context.Context) (Stats, error)

	// All enumerates every stored job, for the reconciler's sweep.
	All(ctx context.Context) ([]*domain.Job, error)

	// MaxRemoteWorkers returns the configured fleet cap.
	MaxRemoteWorkers() int
}

// Config carries the bound every JobStore implementation enforces.
type Config struct {
	MaxRemoteWorkers int
	JobTTL           time.Duration
}
