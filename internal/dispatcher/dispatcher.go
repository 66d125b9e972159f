// Package dispatcher implements the core dequeue/reserve/submit loop
// (C5, spec §4.2), grounded on the teacher's ticker-driven Worker in
// rezkam-mono/internal/application/worker/worker.go: a single logical
// pass, functional options for tuning intervals, and a RunOnce escape
// hatch for tests — generalized here from todo-list generation to
// job-orchestration dispatch.
package dispatcher

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/vidforge/orchestrator/internal/domain"
	"github.com/vidforge/orchestrator/internal/executorclient"
	"github.com/vidforge/orchestrator/internal/store"
	"github.com/vidforge/orchestrator/internal/webhook"
)

// Option configures a Dispatcher, following the teacher's functional-
// options pattern (WithScheduleInterval, WithProcessInterval, etc. in
// worker.go).
type Option func(*Dispatcher)

// WithPassInterval sets the interval between automatic passes when
// the dispatcher is idle (no fittable job, no capacity).
func WithPassInterval(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.passInterval = d }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(disp *Dispatcher) { disp.log = l }
}

// Dispatcher runs the dequeue/reserve/submit loop described in §4.2.
type Dispatcher struct {
	store    store.JobStore
	executor *executorclient.Client
	notifier *webhook.Notifier

	passInterval time.Duration
	log          *slog.Logger

	running     atomic.Bool
	vpsSkips    int
	backoffStep map[string]int
}

// New constructs a Dispatcher.
func New(s store.JobStore, exec *executorclient.Client, notifier *webhook.Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        s,
		executor:     exec,
		notifier:     notifier,
		passInterval: 500 * time.Millisecond,
		log:          slog.Default(),
		backoffStep:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run loops RunOnce until ctx is cancelled, matching the teacher's
// worker.go schedule/process loop shape (ticker plus a trigger
// channel so the dispatcher reacts immediately to enqueue/release
// signals instead of waiting for the next tick).
func (d *Dispatcher) Run(ctx context.Context, trigger <-chan struct{}) {
	ticker := time.NewTicker(d.passInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		case <-trigger:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single dispatch pass, guarded by a non-reentrant
// flag (§4.2: "Guarded by a non-reentrant flag to prevent concurrent
// dispatch passes inside one process").
func (d *Dispatcher) RunOnce(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer d.running.Store(false)

	d.pass(ctx)
}

func (d *Dispatcher) pass(ctx context.Context) {
	available, err := d.store.Available(ctx)
	if err != nil {
		d.log.Error("dispatcher: read available", "error", err)
		return
	}
	if available == 0 {
		return
	}

	id, found, err := d.store.DequeueFittable(ctx, d.workersNeeded)
	if err != nil {
		d.log.Error("dispatcher: dequeue_fittable", "error", err)
		return
	}
	if !found {
		return
	}

	job, err := d.store.Get(ctx, id)
	if err != nil {
		d.log.Error("dispatcher: get dequeued job", "job_id", id, "error", err)
		return
	}

	if job.Operation.IsLocalPool() {
		// Step 3: the local pool consumes these; re-enqueue and
		// throttle after repeated local-only skips so the loop
		// doesn't spin hot when only local jobs remain.
		if err := d.store.Enqueue(ctx, id); err != nil {
			d.log.Error("dispatcher: re-enqueue local job", "job_id", id, "error", err)
		}
		d.vpsSkips++
		if d.vpsSkips >= 3 {
			d.vpsSkips = 0
			time.Sleep(2 * time.Second)
		}
		return
	}
	d.vpsSkips = 0

	needed := d.workersNeeded(job)
	if needed > available {
		d.reenqueueWithBackoff(ctx, id)
		return
	}

	ok, err := d.store.Reserve(ctx, needed)
	if err != nil {
		d.log.Error("dispatcher: reserve", "job_id", id, "error", err)
		return
	}
	if !ok {
		if err := d.store.Enqueue(ctx, id); err != nil {
			d.log.Error("dispatcher: re-enqueue after failed reserve", "job_id", id, "error", err)
		}
		return
	}
	delete(d.backoffStep, id)

	reserved := needed
	if _, err := d.store.Update(ctx, id, domain.Patch{WorkersReserved: &reserved}); err != nil {
		d.log.Error("dispatcher: record reservation", "job_id", id, "error", err)
	}

	d.submit(ctx, job, needed)
}

// workersNeeded implements §4.2.1 reservation sizing: the only
// payload-inspecting decision point in the dispatcher.
func (d *Dispatcher) workersNeeded(job *domain.Job) int {
	if job.Operation.Base() != domain.OpImg2Vid {
		return 1
	}
	n := len(job.Payload.Images())
	if n <= domain.Img2VidSplitThreshold {
		return 1
	}
	need := int(math.Ceil(float64(n) / 15))
	if need > domain.MaxImg2VidChunks {
		need = domain.MaxImg2VidChunks
	}
	return need
}

func (d *Dispatcher) reenqueueWithBackoff(ctx context.Context, id string) {
	step := d.backoffStep[id] + 1
	d.backoffStep[id] = step

	delay := time.Duration(step) * time.Second
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}

	if err := d.store.Enqueue(ctx, id); err != nil {
		d.log.Error("dispatcher: re-enqueue (capacity backoff)", "job_id", id, "error", err)
	}
	time.Sleep(delay)
}

// submit implements §4.2 steps 7-9 and §4.2.2 sub-job splitting.
func (d *Dispatcher) submit(ctx context.Context, job *domain.Job, chunks int) {
	images := job.Payload.Images()
	remoteIDs := make([]string, 0, chunks)

	if chunks <= 1 {
		remoteID, err := d.executor.Submit(ctx, job.Operation, job.Payload)
		if err != nil {
			d.failSubmission(ctx, job, chunks, nil, err)
			return
		}
		remoteIDs = append(remoteIDs, remoteID)
	} else {
		chunkSize := int(math.Ceil(float64(len(images)) / float64(chunks)))
		for k := 0; k < chunks; k++ {
			start := k * chunkSize
			if start >= len(images) {
				break
			}
			end := start + chunkSize
			if end > len(images) {
				end = len(images)
			}

			payload := job.Payload.WithChunk(images[start:end], start)
			remoteID, err := d.executor.Submit(ctx, job.Operation, payload)
			if err != nil {
				// Partial-failure policy (§4.2.2): best-effort
				// cancel whatever already submitted, then fail.
				d.cancelAll(ctx, remoteIDs)
				d.failSubmission(ctx, job, chunks, remoteIDs, err)
				return
			}
			remoteIDs = append(remoteIDs, remoteID)
		}
	}

	now := time.Now().UTC()
	submitted := domain.StatusSubmitted
	if _, err := d.store.Update(ctx, job.ID, domain.Patch{
		Status:       &submitted,
		RemoteJobIDs: remoteIDs,
		SubmittedAt:  &now,
	}); err != nil {
		d.log.Error("dispatcher: write submitted status", "job_id", job.ID, "error", err)
	}
}

func (d *Dispatcher) cancelAll(ctx context.Context, remoteIDs []string) {
	for _, rid := range remoteIDs {
		d.executor.Cancel(ctx, rid)
	}
}

func (d *Dispatcher) failSubmission(ctx context.Context, job *domain.Job, reserved int, partialRemoteIDs []string, cause error) {
	if err := d.store.Release(ctx, reserved); err != nil {
		d.log.Error("dispatcher: release after submission failure", "job_id", job.ID, "error", err)
	}

	now := time.Now().UTC()
	failed := domain.StatusFailed
	zero := 0
	errMsg := cause.Error()
	if _, err := d.store.Update(ctx, job.ID, domain.Patch{
		Status:          &failed,
		Error:           &errMsg,
		CompletedAt:     &now,
		WorkersReserved: &zero,
		RemoteJobIDs:    partialRemoteIDs,
	}); err != nil {
		d.log.Error("dispatcher: write failed status", "job_id", job.ID, "error", err)
		return
	}

	d.notifyTerminal(ctx, job.ID, job, domain.StatusFailed, nil, errMsg)
}

func (d *Dispatcher) notifyTerminal(ctx context.Context, jobID string, job *domain.Job, status domain.Status, result domain.Result, errMsg string) {
	if job.WebhookURL == "" {
		return
	}
	processor := domain.ProcessorGPU
	if job.Operation.IsLocalPool() {
		processor = domain.ProcessorVPS
	}
	payload := domain.WebhookPayload{
		JobID:         jobID,
		Status:        status,
		Operation:     job.Operation,
		Processor:     processor,
		CorrelationID: job.CorrelationID,
		PathRoot:      job.PathRoot,
		Result:        result,
		Error:         errMsg,
		Timestamp:     time.Now().UTC(),
	}
	d.notifier.NotifyAsync(ctx, jobID, job.WebhookURL, payload)
}
