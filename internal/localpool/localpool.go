// Package localpool implements C4: the bounded-concurrency local CPU
// worker pool (spec §4.6). Its panic-recovery boundary is grounded on
// the teacher's ErrorHandler in
// rezkam-mono/internal/application/worker/error_handler.go
// (HandlePanic: log, convert to a terminal failure, never re-panic
// the worker loop).
package localpool

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/vidforge/orchestrator/internal/domain"
	"github.com/vidforge/orchestrator/internal/store"
	"github.com/vidforge/orchestrator/internal/webhook"
)

// MediaExecutor runs the actual media operation synchronously. This
// is the external media subsystem the core treats as an opaque
// collaborator (§1 Non-goals): FFmpeg invocation, S3 upload, codec
// choice are all out of scope here.
type MediaExecutor interface {
	Execute(ctx context.Context, op domain.Operation, payload domain.Payload) (domain.Result, error)
}

// Pool is the independent bounded-concurrency local worker pool
// (§4.6). It does not touch the remote worker counter.
type Pool struct {
	store    store.JobStore
	notifier *webhook.Notifier
	executor MediaExecutor

	sem chan struct{}
	log *slog.Logger
}

// New constructs a Pool with the given concurrency limit
// (MAX_LOCAL_CONCURRENCY, default 2).
func New(s store.JobStore, notifier *webhook.Notifier, executor MediaExecutor, concurrency int, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:    s,
		notifier: notifier,
		executor: executor,
		sem:      make(chan struct{}, concurrency),
		log:      logger,
	}
}

// Run loops RunOnce on an interval until ctx is cancelled. Naive FIFO
// polling is acceptable here (§4.6: local jobs are unit-cost for
// concurrency purposes).
func (p *Pool) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce implements §4.6 steps 1-2: dequeue, and if the popped job
// isn't a local-pool variant, re-enqueue and skip (mirroring the
// dispatcher's behavior for remote jobs it can't serve).
func (p *Pool) RunOnce(ctx context.Context) {
	id, found, err := p.store.DequeueFittable(ctx, func(*domain.Job) int { return 0 })
	if err != nil {
		p.log.Error("localpool: dequeue", "error", err)
		return
	}
	if !found {
		return
	}

	job, err := p.store.Get(ctx, id)
	if err != nil {
		p.log.Error("localpool: get dequeued job", "job_id", id, "error", err)
		return
	}

	if !job.Operation.IsLocalPool() {
		if err := p.store.Enqueue(ctx, id); err != nil {
			p.log.Error("localpool: re-enqueue remote job", "job_id", id, "error", err)
		}
		return
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		if err := p.store.Enqueue(ctx, id); err != nil {
			p.log.Error("localpool: re-enqueue on shutdown", "job_id", id, "error", err)
		}
		return
	}

	go p.execute(ctx, job)
}

func (p *Pool) execute(ctx context.Context, job *domain.Job) {
	defer func() { <-p.sem }()

	now := time.Now().UTC()
	processing := domain.StatusProcessing
	if _, err := p.store.Update(ctx, job.ID, domain.Patch{Status: &processing, ProcessingStartedAt: &now}); err != nil {
		p.log.Error("localpool: transition to PROCESSING", "job_id", job.ID, "error", err)
	}

	result, execErr := p.runMediaOperation(ctx, job)

	completedAt := time.Now().UTC()
	if execErr != nil {
		failed := domain.StatusFailed
		errMsg := execErr.Error()
		updated, err := p.store.Update(ctx, job.ID, domain.Patch{Status: &failed, Error: &errMsg, CompletedAt: &completedAt})
		if err != nil {
			p.log.Error("localpool: write failed status", "job_id", job.ID, "error", err)
			return
		}
		p.notify(ctx, updated)
		return
	}

	completed := domain.StatusCompleted
	updated, err := p.store.Update(ctx, job.ID, domain.Patch{Status: &completed, Result: result, CompletedAt: &completedAt})
	if err != nil {
		p.log.Error("localpool: write completed status", "job_id", job.ID, "error", err)
		return
	}
	p.notify(ctx, updated)
}

// runMediaOperation invokes the external media subsystem, converting
// any panic into a FAILED job instead of crashing the worker
// goroutine (grounded on the teacher's HandlePanic boundary: log and
// terminate the job, never propagate).
func (p *Pool) runMediaOperation(ctx context.Context, job *domain.Job) (result domain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			p.log.Error("localpool: media operation panicked",
				"job_id", job.ID, "panic", r, "stack", stack)
			err = domain.PanicError{Value: r, StackTrace: stack}
		}
	}()

	return p.executor.Execute(ctx, job.Operation, job.Payload)
}

func (p *Pool) notify(ctx context.Context, job *domain.Job) {
	if job.WebhookURL == "" {
		return
	}

	var exec *domain.Execution
	if job.ProcessingStartedAt != nil {
		start := *job.ProcessingStartedAt
		end := time.Now().UTC()
		if job.CompletedAt != nil {
			end = *job.CompletedAt
		}
		exec = &domain.Execution{
			StartTime:      start,
			EndTime:        end,
			DurationMS:     end.Sub(start).Milliseconds(),
			DurationSecond: end.Sub(start).Seconds(),
		}
	}

	payload := domain.WebhookPayload{
		JobID:         job.ID,
		Status:        job.Status,
		Operation:     job.Operation,
		Processor:     domain.ProcessorVPS,
		CorrelationID: job.CorrelationID,
		PathRoot:      job.PathRoot,
		Result:        job.Result,
		Error:         job.Error,
		Execution:     exec,
		Timestamp:     time.Now().UTC(),
	}
	p.notifier.NotifyAsync(ctx, job.ID, job.WebhookURL, payload)
}
