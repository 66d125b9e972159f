// Package reconciler implements C7: periodic counter-vs-jobs audit
// and crash recovery on startup (spec §4.7). Jittered-startup-plus-
// exclusive-lease design is ported directly from the teacher's
// ReconciliationWorker in
// rezkam-mono/internal/application/worker/reconciliation.go,
// generalized from template-generation reconciliation to worker-
// counter reconciliation.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vidforge/orchestrator/internal/domain"
	"github.com/vidforge/orchestrator/internal/store"
)

// Lease is the exclusive-run primitive the reconciler needs to ensure
// only one instance runs per cycle across a multi-process deployment
// (mirrors the teacher's TryAcquireExclusiveRun). A nil Lease means
// single-instance deployment (the in-memory store case): every
// attempt is treated as acquired.
type Lease interface {
	// TryAcquire returns (release, true, nil) if acquired, (nil,
	// false, nil) if another holder has it.
	TryAcquire(ctx context.Context, runType, holderID string, duration time.Duration) (release func(), acquired bool, err error)
}

// Config mirrors the teacher's ReconciliationConfig, trimmed to the
// fields this domain needs.
type Config struct {
	WorkerID         string
	Interval         time.Duration
	MaxStartupJitter time.Duration
	LeaseDuration    time.Duration
}

// DefaultConfig returns sensible defaults, following
// rezkam-mono's DefaultReconciliationConfig shape.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:         workerID,
		Interval:         5 * time.Minute,
		MaxStartupJitter: 10 * time.Second,
		LeaseDuration:    2 * time.Minute,
	}
}

const runType = "worker-counter-reconciliation"

// Reconciler audits the worker counter against live job state
// (§4.7) and self-heals invariant I2 after any crash sequence.
type Reconciler struct {
	store store.JobStore
	lease Lease
	cfg   Config
	log   *slog.Logger
}

// New constructs a Reconciler. lease may be nil for single-instance
// (in-memory store) deployments.
func New(s store.JobStore, lease Lease, cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: s, lease: lease, cfg: cfg, log: logger}
}

// Run starts the jittered-startup-then-periodic reconciliation loop
// and blocks until ctx is cancelled, matching the teacher's Run.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.cfg.MaxStartupJitter > 0 {
		jitter := rand.N(r.cfg.MaxStartupJitter)
		r.log.Info("reconciler starting", "startup_jitter", jitter, "interval", r.cfg.Interval)

		timer := time.NewTimer(jitter)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if _, err := r.ReconcileOnce(ctx); err != nil {
		r.log.Error("initial reconciliation failed", "error", err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.log.Error("reconciliation failed", "error", err)
			}
		}
	}
}

// ReconcileResult summarizes what a reconciliation pass actually did,
// surfaced to the admin API's "force reconciliation" endpoint (§6
// POST /admin/recover-workers).
type ReconcileResult struct {
	Skipped            bool
	TerminalJobsZeroed int
	CounterWas         int
	CounterCorrectedTo int
	CounterCorrected   bool
}

// ReconcileOnce runs the algorithm in §4.7, steps 1-5.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (ReconcileResult, error) {
	if r.lease != nil {
		release, acquired, err := r.lease.TryAcquire(ctx, runType, r.cfg.WorkerID, r.cfg.LeaseDuration)
		if err != nil {
			return ReconcileResult{}, fmt.Errorf("reconciler: acquire lease: %w", err)
		}
		if !acquired {
			r.log.Debug("reconciliation skipped, another instance holds the lease")
			return ReconcileResult{Skipped: true}, nil
		}
		defer release()
	}

	if sw, ok := r.store.(interface {
		SweepExpired(context.Context, time.Time) int
	}); ok {
		sw.SweepExpired(ctx, time.Now().UTC())
	}

	jobs, err := r.store.All(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("reconciler: enumerate jobs: %w", err)
	}

	zero := 0
	var zeroed int
	expectedActive := 0

	for _, job := range jobs {
		if job.Status.Terminal() {
			if job.WorkersReserved > 0 {
				// Residue from a crash between release and status
				// write (§4.5.1): the counter was already credited,
				// so only the field needs clearing, never another
				// release.
				if _, err := r.store.Update(ctx, job.ID, domain.Patch{WorkersReserved: &zero}); err != nil {
					r.log.Error("reconciler: zero terminal job's reservation", "job_id", job.ID, "error", err)
					continue
				}
				zeroed++
			}
			continue
		}
		expectedActive += job.WorkersReserved
	}

	max := r.store.MaxRemoteWorkers()
	expectedAvailable := max - expectedActive
	if expectedAvailable < 0 {
		r.log.Error("reconciler: computed negative available workers, clamping to 0",
			"expected_active", expectedActive, "max", max)
		expectedAvailable = 0
	}
	if expectedAvailable > max {
		expectedAvailable = max
	}

	current, err := r.store.Available(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("reconciler: read available: %w", err)
	}

	result := ReconcileResult{TerminalJobsZeroed: zeroed, CounterWas: current, CounterCorrectedTo: current}

	if current != expectedAvailable {
		if err := r.store.SetAvailable(ctx, expectedAvailable); err != nil {
			return ReconcileResult{}, fmt.Errorf("reconciler: correct available: %w", err)
		}
		r.log.Warn("reconciler: corrected worker counter",
			"was", current, "now", expectedAvailable, "terminal_jobs_zeroed", zeroed)
		result.CounterCorrected = true
		result.CounterCorrectedTo = expectedAvailable
	}

	return result, nil
}

// RedisLease implements Lease over Redis SET NX PX, the durable
// analog of the teacher's cron_job_leases table.
type RedisLease struct {
	client *redis.Client
}

// NewRedisLease constructs a RedisLease.
func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client}
}

func (l *RedisLease) TryAcquire(ctx context.Context, runType, holderID string, duration time.Duration) (func(), bool, error) {
	key := "orchestrator:locks:" + runType
	token := holderID + ":" + uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, duration).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		cur, err := l.client.Get(ctx, key).Result()
		if err == nil && cur == token {
			l.client.Del(ctx, key)
		}
	}
	return release, true, nil
}
