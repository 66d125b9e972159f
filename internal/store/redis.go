package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vidforge/orchestrator/internal/domain"
)

// Key namespace per spec §6 "Persisted state layout".
const (
	keyJobPrefix   = "orchestrator:jobs:"
	keyQueue       = "orchestrator:queue:pending"
	keyAvailable   = "orchestrator:workers:available"
	keyDequeueLock = "orchestrator:locks:dequeue"
)

// RedisStore is the durable JobStore, required for multi-process or
// restart-safe deployments (§4.1). Grounded on the teacher's
// exclusive-lease pattern in
// rezkam-mono/internal/application/worker/reconciliation.go
// (TryAcquireExclusiveRun via SET NX PX) — redis/go-redis/v9 itself
// is not a teacher dependency; it is ported from kubernaut's go.mod
// in the retrieval pack, the only pack repo that uses it, since the
// teacher has no durable-store analog beyond Postgres (see
// DESIGN.md).
//
// DequeueFittable cannot be expressed as a single Lua script because
// the fit predicate is an arbitrary Go closure evaluated per
// candidate job; atomicity end-to-end (§5) is instead achieved with
// a short-lived distributed lock around the scan, the same
// lease-acquisition idiom the teacher uses for exclusive
// reconciliation runs.
type RedisStore struct {
	client    *redis.Client
	maxRemote int
	ttl       time.Duration
	log       *slog.Logger
}

// NewRedisStore constructs a RedisStore and seeds the available-
// workers counter to max if it does not already exist (first boot).
func NewRedisStore(ctx context.Context, client *redis.Client, cfg Config, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rs := &RedisStore{client: client, maxRemote: cfg.MaxRemoteWorkers, ttl: cfg.JobTTL, log: logger}

	set, err := client.SetNX(ctx, keyAvailable, cfg.MaxRemoteWorkers, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("seed worker counter: %w", err)
	}
	if set {
		logger.Info("seeded worker counter", "available", cfg.MaxRemoteWorkers)
	}
	return rs, nil
}

func (r *RedisStore) MaxRemoteWorkers() int { return r.maxRemote }

func jobKey(id string) string { return keyJobPrefix + id }

func (r *RedisStore) putJob(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	var ttl time.Duration
	if job.Status.Terminal() {
		ttl = r.ttl
	}
	return r.client.Set(ctx, jobKey(job.ID), data, ttl).Err()
}

func (r *RedisStore) getJob(ctx context.Context, id string) (*domain.Job, error) {
	data, err := r.client.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (r *RedisStore) Create(ctx context.Context, draft domain.Draft) (*domain.Job, error) {
	job := &domain.Job{
		ID:            uuid.NewString(),
		Operation:     draft.Operation,
		Payload:       draft.Payload,
		WebhookURL:    draft.WebhookURL,
		CorrelationID: draft.CorrelationID,
		PathRoot:      draft.PathRoot,
		Status:        domain.StatusQueued,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.putJob(ctx, job); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	job, err := r.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// updateRetries bounds the optimistic-lock retry loop below; a job
// key is only ever contended by a handful of in-process callers
// (monitor, dispatcher, reconciler, a user cancel), so this is far
// above what genuine contention should ever need.
const updateRetries = 20

// Update applies patch as a WATCH/MULTI/EXEC optimistic transaction
// scoped to the single job key, so two concurrent writers to the same
// job id (e.g. the monitor completing a job while a user cancels it)
// never interleave partial patches (§5) — the durable-store analog of
// MemoryStore's single mutex.
func (r *RedisStore) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Job, error) {
	key := jobKey(id)

	for attempt := 0; attempt < updateRetries; attempt++ {
		var updated *domain.Job

		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return domain.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("get job %s: %w", id, err)
			}

			var job domain.Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("unmarshal job %s: %w", id, err)
			}

			patch.ApplyTo(&job)
			if job.Status.Terminal() && job.ExpiresAt == nil && r.ttl > 0 {
				exp := time.Now().UTC().Add(r.ttl)
				job.ExpiresAt = &exp
			}

			newData, err := json.Marshal(&job)
			if err != nil {
				return fmt.Errorf("marshal job: %w", err)
			}

			var ttl time.Duration
			if job.Status.Terminal() {
				ttl = r.ttl
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, newData, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			updated = job.Clone()
			return nil
		}, key)

		if err == nil {
			return updated, nil
		}
		if err == redis.TxFailedErr {
			continue // another writer touched the key between WATCH and EXEC; retry
		}
		return nil, err
	}

	return nil, fmt.Errorf("update job %s: exceeded retries under contention", id)
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, jobKey(id)).Err()
}

func (r *RedisStore) Enqueue(ctx context.Context, id string) error {
	members, err := r.client.LRange(ctx, keyQueue, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("enqueue: read queue: %w", err)
	}
	for _, m := range members {
		if m == id {
			return nil
		}
	}
	return r.client.RPush(ctx, keyQueue, id).Err()
}

// acquireDequeueLock implements the short-lived exclusion described
// in the package doc, mirroring the teacher's lease pattern.
func (r *RedisStore) acquireDequeueLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, keyDequeueLock, token, 2*time.Second).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire dequeue lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		cur, err := r.client.Get(ctx, keyDequeueLock).Result()
		if err == nil && cur == token {
			r.client.Del(ctx, keyDequeueLock)
		}
	}
	return release, true, nil
}

func (r *RedisStore) DequeueFittable(ctx context.Context, workersNeeded func(*domain.Job) int) (string, bool, error) {
	release, ok, err := r.acquireDequeueLock(ctx)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	defer release()

	members, err := r.client.LRange(ctx, keyQueue, 0, -1).Result()
	if err != nil {
		return "", false, fmt.Errorf("dequeue: read queue: %w", err)
	}

	available, err := r.Available(ctx)
	if err != nil {
		return "", false, err
	}

	kept := make([]string, 0, len(members))
	found := ""

	for _, id := range members {
		job, err := r.getJob(ctx, id)
		if err != nil {
			continue // stale: missing job, drop
		}
		if job.Status != domain.StatusQueued {
			continue // stale: drop
		}
		if found != "" {
			kept = append(kept, id)
			continue
		}
		if workersNeeded(job) <= available {
			found = id
			continue // drop from queue: being dispatched
		}
		kept = append(kept, id)
	}

	if err := r.client.Del(ctx, keyQueue).Err(); err != nil {
		return "", false, fmt.Errorf("dequeue: reset queue: %w", err)
	}
	if len(kept) > 0 {
		if err := r.client.RPush(ctx, keyQueue, toAny(kept)...).Err(); err != nil {
			return "", false, fmt.Errorf("dequeue: rewrite queue: %w", err)
		}
	}

	if found == "" {
		return "", false, nil
	}
	return found, true, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Reserve uses decrement-then-verify with compensating increment on
// underflow, exactly as §4.1 recommends for durable implementations.
func (r *RedisStore) Reserve(ctx context.Context, n int) (bool, error) {
	newVal, err := r.client.DecrBy(ctx, keyAvailable, int64(n)).Result()
	if err != nil {
		return false, fmt.Errorf("reserve: %w", err)
	}
	if newVal < 0 {
		if _, err := r.client.IncrBy(ctx, keyAvailable, int64(n)).Result(); err != nil {
			return false, fmt.Errorf("reserve: compensate underflow: %w", err)
		}
		return false, nil
	}
	return true, nil
}

func (r *RedisStore) Release(ctx context.Context, n int) error {
	newVal, err := r.client.IncrBy(ctx, keyAvailable, int64(n)).Result()
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if newVal > int64(r.maxRemote) {
		r.log.Warn("worker counter over-released, clamping", "attempted", newVal, "max", r.maxRemote)
		if err := r.client.Set(ctx, keyAvailable, r.maxRemote, 0).Err(); err != nil {
			return fmt.Errorf("release: clamp: %w", err)
		}
	}
	return nil
}

func (r *RedisStore) Available(ctx context.Context) (int, error) {
	v, err := r.client.Get(ctx, keyAvailable).Int()
	if err != nil {
		return 0, fmt.Errorf("available: %w", err)
	}
	return v, nil
}

func (r *RedisStore) SetAvailable(ctx context.Context, n int) error {
	if n < 0 {
		n = 0
	}
	if n > r.maxRemote {
		n = r.maxRemote
	}
	return r.client.Set(ctx, keyAvailable, n, 0).Err()
}

func (r *RedisStore) scanJobIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.client.Scan(ctx, 0, keyJobPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(keyJobPrefix):])
	}
	return ids, iter.Err()
}

func (r *RedisStore) ByStatus(ctx context.Context, s domain.Status) ([]*domain.Job, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.Job
	for _, j := range all {
		if j.Status == s {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *RedisStore) Active(ctx context.Context) ([]*domain.Job, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.Job
	for _, j := range all {
		if j.Status.Active() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *RedisStore) Queued(ctx context.Context) ([]string, error) {
	return r.client.LRange(ctx, keyQueue, 0, -1).Result()
}

func (r *RedisStore) Stats(ctx context.Context) (Stats, error) {
	all, err := r.All(ctx)
	if err != nil {
		return Stats{}, err
	}
	counts := make(map[domain.Status]int)
	for _, j := range all {
		counts[j.Status]++
	}
	available, err := r.Available(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{CountsByStatus: counts, AvailableWorkers: available, MaxRemoteWorkers: r.maxRemote}, nil
}

func (r *RedisStore) All(ctx context.Context) ([]*domain.Job, error) {
	ids, err := r.scanJobIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("all: scan: %w", err)
	}
	out := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.getJob(ctx, id)
		if err == domain.ErrNotFound {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}
