package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vidforge/orchestrator/internal/domain"
)

// MemoryDLQ is an in-process DeadLetterSink, adequate for single-node
// deployments and tests; wiring uses it whenever WEBHOOK_DLQ_DSN is
// unset, and the Postgres-backed SQLDLQ otherwise, whichever job
// store is configured.
type MemoryDLQ struct {
	mu      sync.Mutex
	records map[string]domain.DeadLetterRecord
}

// NewMemoryDLQ constructs an empty MemoryDLQ.
func NewMemoryDLQ() *MemoryDLQ {
	return &MemoryDLQ{records: make(map[string]domain.DeadLetterRecord)}
}

func (m *MemoryDLQ) Record(_ context.Context, rec domain.DeadLetterRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.ID = uuid.NewString()
	m.records[rec.ID] = rec
	return nil
}

// List returns unresolved dead-letter records for admin review.
func (m *MemoryDLQ) List(_ context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.DeadLetterRecord, 0, len(m.records))
	for _, rec := range m.records {
		if rec.ResolvedAt == nil {
			out = append(out, rec)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Resolve marks a record resolved, used by the admin retry/discard
// endpoints.
func (m *MemoryDLQ) Resolve(_ context.Context, id, resolution, reviewedBy, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	rec.ResolvedAt = &now
	rec.Resolution = resolution
	rec.ReviewedBy = reviewedBy
	rec.ReviewNote = note
	m.records[id] = rec
	return nil
}
