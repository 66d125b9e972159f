package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vidforge/orchestrator/internal/domain"
)

// MemoryStore is the in-process JobStore, sufficient for single-node
// deployments and for tests (spec §4.1). A single mutex serializes
// all job, queue, and counter mutation, which trivially satisfies the
// per-key-serialization and atomic-dequeue-scan requirements of §5 —
// the teacher's worker package relies on its backing store for this
// same guarantee rather than reimplementing locking per concern.
type MemoryStore struct {
	mu sync.Mutex

	jobs  map[string]*domain.Job
	queue []string

	available int
	maxRemote int

	ttl time.Duration
	log *slog.Logger
}

// NewMemoryStore constructs a MemoryStore with the counter seeded at
// its maximum (no jobs yet reserve anything).
func NewMemoryStore(cfg Config, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		jobs:      make(map[string]*domain.Job),
		available: cfg.MaxRemoteWorkers,
		maxRemote: cfg.MaxRemoteWorkers,
		ttl:       cfg.JobTTL,
		log:       logger,
	}
}

func (m *MemoryStore) MaxRemoteWorkers() int { return m.maxRemote }

func (m *MemoryStore) Create(_ context.Context, draft domain.Draft) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	job := &domain.Job{
		ID:            uuid.NewString(),
		Operation:     draft.Operation,
		Payload:       draft.Payload,
		WebhookURL:    draft.WebhookURL,
		CorrelationID: draft.CorrelationID,
		PathRoot:      draft.PathRoot,
		Status:        domain.StatusQueued,
		CreatedAt:     now,
	}
	m.jobs[job.ID] = job
	return job.Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, patch domain.Patch) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	patch.ApplyTo(job)

	if job.Status.Terminal() && job.ExpiresAt == nil && m.ttl > 0 {
		exp := time.Now().UTC().Add(m.ttl)
		job.ExpiresAt = &exp
	}

	return job.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) Enqueue(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.queue {
		if existing == id {
			return nil
		}
	}
	m.queue = append(m.queue, id)
	return nil
}

// DequeueFittable implements the head-of-line-skip scan (§4.1):
// walk the queue in order, drop stale entries as encountered, and
// return the first id whose reservation need fits the live counter.
func (m *MemoryStore) DequeueFittable(_ context.Context, workersNeeded func(*domain.Job) int) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.queue[:0:0]
	found := ""
	foundAt := -1

	for i, id := range m.queue {
		job, ok := m.jobs[id]
		if !ok || job.Status != domain.StatusQueued {
			continue // stale: drop
		}

		if found != "" {
			kept = append(kept, id)
			continue
		}

		need := workersNeeded(job)
		if need <= m.available {
			found = id
			foundAt = i
			continue // drop from queue: it's being dispatched
		}

		kept = append(kept, id)
	}

	m.queue = kept
	if found == "" {
		return "", false, nil
	}
	_ = foundAt
	return found, true, nil
}

func (m *MemoryStore) Reserve(_ context.Context, n int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.available-n < 0 {
		return false, nil
	}
	m.available -= n
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.available += n
	if m.available > m.maxRemote {
		m.log.Warn("worker counter over-released, clamping",
			"attempted", m.available, "max", m.maxRemote)
		m.available = m.maxRemote
	}
	return nil
}

func (m *MemoryStore) Available(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available, nil
}

func (m *MemoryStore) SetAvailable(_ context.Context, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n < 0 {
		n = 0
	}
	if n > m.maxRemote {
		n = m.maxRemote
	}
	m.available = n
	return nil
}

func (m *MemoryStore) ByStatus(_ context.Context, s domain.Status) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Job
	for _, job := range m.jobs {
		if job.Status == s {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) Active(_ context.Context) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Job
	for _, job := range m.jobs {
		if job.Status == domain.StatusSubmitted || job.Status == domain.StatusProcessing {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) Queued(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.queue))
	copy(out, m.queue)
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[domain.Status]int)
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return Stats{
		CountsByStatus:   counts,
		AvailableWorkers: m.available,
		MaxRemoteWorkers: m.maxRemote,
	}, nil
}

func (m *MemoryStore) All(_ context.Context) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Clone())
	}
	return out, nil
}

// SweepExpired deletes terminal jobs past their TTL. The durable
// store expresses the same policy via a key TTL (§3.3); the in-memory
// store needs an explicit periodic sweep, run by the reconciler at
// the start of each ReconcileOnce.
func (m *MemoryStore) SweepExpired(_ context.Context, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, job := range m.jobs {
		if job.ExpiresAt != nil && now.After(*job.ExpiresAt) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}
