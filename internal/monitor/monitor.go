// Package monitor implements the three concurrent polling loops (C6,
// spec §4.4): active-job poll, timeout sweep, and reconciliation
// delegation. Loop shape is grounded on
// rezkam-mono/internal/application/worker/worker.go's ticker-driven
// design, generalized to three independent timers instead of the
// teacher's two (schedule/process).
package monitor

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vidforge/orchestrator/internal/domain"
	"github.com/vidforge/orchestrator/internal/executorclient"
	"github.com/vidforge/orchestrator/internal/store"
	"github.com/vidforge/orchestrator/internal/webhook"
)

// Reconciler is the narrow dependency the monitor needs from C7: run
// one reconciliation pass on demand (§4.4.3 delegates entirely to it).
type Reconciler interface {
	ReconcileOnce(ctx context.Context) error
}

// Config holds the three ticker intervals (§4.4, §6).
type Config struct {
	PollInterval      time.Duration
	TimeoutCheck      time.Duration
	ReconcileInterval time.Duration
}

// Monitor polls active remote jobs, enforces execution-phase
// timeouts, and drives the reconciler on its own schedule.
type Monitor struct {
	store      store.JobStore
	executor   *executorclient.Client
	notifier   *webhook.Notifier
	reconciler Reconciler
	cfg        Config
	log        *slog.Logger
}

// New constructs a Monitor.
func New(s store.JobStore, exec *executorclient.Client, notifier *webhook.Notifier, reconciler Reconciler, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{store: s, executor: exec, notifier: notifier, reconciler: reconciler, cfg: cfg, log: logger}
}

// Run starts the three independent ticker loops and blocks until ctx
// is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	pollTicker := time.NewTicker(m.cfg.PollInterval)
	timeoutTicker := time.NewTicker(m.cfg.TimeoutCheck)
	reconcileTicker := time.NewTicker(m.cfg.ReconcileInterval)
	defer pollTicker.Stop()
	defer timeoutTicker.Stop()
	defer reconcileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			m.PollActiveOnce(ctx)
		case <-timeoutTicker.C:
			m.SweepTimeoutsOnce(ctx)
		case <-reconcileTicker.C:
			if err := m.reconciler.ReconcileOnce(ctx); err != nil {
				m.log.Error("monitor: reconcile tick failed", "error", err)
			}
		}
	}
}

// PollActiveOnce implements §4.4.1: fetch remote status for every
// active, non-local-pool job's remote ids in parallel, and drive the
// corresponding handler.
func (m *Monitor) PollActiveOnce(ctx context.Context) {
	active, err := m.store.Active(ctx)
	if err != nil {
		m.log.Error("monitor: list active jobs", "error", err)
		return
	}

	for _, job := range active {
		if job.Operation.IsLocalPool() {
			continue
		}
		m.pollJob(ctx, job)
	}
}

func (m *Monitor) pollJob(ctx context.Context, job *domain.Job) {
	type chunkResult struct {
		idx    int
		status executorclient.StatusResult
	}

	results := make([]chunkResult, len(job.RemoteJobIDs))
	g, gctx := errgroup.WithContext(ctx)

	for i, remoteID := range job.RemoteJobIDs {
		i, remoteID := i, remoteID
		g.Go(func() error {
			res, err := m.executor.Status(gctx, remoteID)
			if err == executorclient.ErrNotFound {
				results[i] = chunkResult{idx: i, status: executorclient.StatusResult{Status: "__ORPHANED__"}}
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = chunkResult{idx: i, status: res}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		m.log.Warn("monitor: poll failed, will retry next tick", "job_id", job.ID, "error", err)
		return
	}

	allCompleted := true
	var firstFailure string
	anyInProgress := false
	orphaned := false

	for _, r := range results {
		switch r.status.Status {
		case "__ORPHANED__":
			orphaned = true
		case executorclient.RemoteCompleted:
		case executorclient.RemoteInProgress:
			anyInProgress = true
			allCompleted = false
		case executorclient.RemoteFailed, executorclient.RemoteCancelled, executorclient.RemoteTimedOut:
			allCompleted = false
			if firstFailure == "" {
				firstFailure = string(r.status.Status)
				if r.status.Error != "" {
					firstFailure = r.status.Error
				}
			}
		default:
			allCompleted = false
		}
	}

	switch {
	case orphaned:
		m.handleFailure(ctx, job, "orphaned remote job")
	case firstFailure != "":
		m.handleFailure(ctx, job, firstFailure)
	case allCompleted:
		outputs := make([]domain.Result, len(results))
		for _, r := range results {
			outputs[r.idx] = r.status.Output
		}
		m.handleCompletion(ctx, job, outputs)
	case anyInProgress && job.Status == domain.StatusSubmitted:
		now := time.Now().UTC()
		processing := domain.StatusProcessing
		if _, err := m.store.Update(ctx, job.ID, domain.Patch{Status: &processing, ProcessingStartedAt: &now}); err != nil {
			m.log.Error("monitor: transition to PROCESSING", "job_id", job.ID, "error", err)
		}
	}
}

// SweepTimeoutsOnce implements §4.4.2.
func (m *Monitor) SweepTimeoutsOnce(ctx context.Context) {
	active, err := m.store.Active(ctx)
	if err != nil {
		m.log.Error("monitor: list active jobs for timeout sweep", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, job := range active {
		if job.Operation.IsLocalPool() {
			continue
		}

		anchor := job.CreatedAt
		if job.SubmittedAt != nil {
			anchor = *job.SubmittedAt
		}
		if job.ProcessingStartedAt != nil {
			anchor = *job.ProcessingStartedAt
		}

		budget := domain.ExecutionBudget(job.Operation)
		if job.ProcessingStartedAt == nil {
			budget += domain.QueueGrace
		}

		if now.Sub(anchor) <= budget {
			continue
		}

		for _, rid := range job.RemoteJobIDs {
			m.executor.Cancel(ctx, rid)
		}
		m.handleFailure(ctx, job, "execution-phase timeout exceeded")
	}
}

// handleCompletion implements §4.5.1: release before mark.
func (m *Monitor) handleCompletion(ctx context.Context, job *domain.Job, outputs []domain.Result) {
	result := aggregate(job, outputs)

	if err := m.store.Release(ctx, job.WorkersReserved); err != nil {
		m.log.Error("monitor: release on completion", "job_id", job.ID, "error", err)
	}

	now := time.Now().UTC()
	completed := domain.StatusCompleted
	zero := 0
	updated, err := m.store.Update(ctx, job.ID, domain.Patch{
		Status:          &completed,
		Result:          result,
		CompletedAt:     &now,
		WorkersReserved: &zero,
	})
	if err != nil {
		m.log.Error("monitor: write completed status", "job_id", job.ID, "error", err)
		return
	}

	m.notify(ctx, updated)
}

// handleFailure implements §4.5.2: release before mark.
func (m *Monitor) handleFailure(ctx context.Context, job *domain.Job, reason string) {
	if err := m.store.Release(ctx, job.WorkersReserved); err != nil {
		m.log.Error("monitor: release on failure", "job_id", job.ID, "error", err)
	}

	now := time.Now().UTC()
	failed := domain.StatusFailed
	zero := 0
	updated, err := m.store.Update(ctx, job.ID, domain.Patch{
		Status:          &failed,
		Error:           &reason,
		CompletedAt:     &now,
		WorkersReserved: &zero,
	})
	if err != nil {
		m.log.Error("monitor: write failed status", "job_id", job.ID, "error", err)
		return
	}

	m.notify(ctx, updated)
}

func (m *Monitor) notify(ctx context.Context, job *domain.Job) {
	if job.WebhookURL == "" {
		return
	}
	processor := domain.ProcessorGPU
	if job.Operation.IsLocalPool() {
		processor = domain.ProcessorVPS
	}

	var exec *domain.Execution
	if job.SubmittedAt != nil {
		start := *job.SubmittedAt
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
		Processor:     processor,
		CorrelationID: job.CorrelationID,
		PathRoot:      job.PathRoot,
		Result:        job.Result,
		Error:         job.Error,
		Execution:     exec,
		Timestamp:     time.Now().UTC(),
	}
	m.notifier.NotifyAsync(ctx, job.ID, job.WebhookURL, payload)
}

var videoSuffixRE = regexp.MustCompile(`video_(\d+)\.mp4`)

// aggregate implements §4.5.4: flatten and sort multi-chunk img2vid
// outputs by the numeric suffix in each video's filename; pass
// through single-chunk outputs verbatim.
func aggregate(job *domain.Job, outputs []domain.Result) domain.Result {
	if job.Operation.Base() != domain.OpImg2Vid || len(job.RemoteJobIDs) <= 1 {
		if len(outputs) == 1 {
			return outputs[0]
		}
		if len(outputs) == 0 {
			return nil
		}
		return outputs[0]
	}

	var videos []any
	for _, out := range outputs {
		raw, ok := out["videos"]
		if !ok {
			continue
		}
		arr, ok := raw.([]any)
		if !ok {
			continue
		}
		videos = append(videos, arr...)
	}

	sort.SliceStable(videos, func(i, j int) bool {
		return videoIndex(videos[i]) < videoIndex(videos[j])
	})

	return domain.Result{
		"code":    200,
		"message": strconv.Itoa(len(videos)) + " videos processed successfully",
		"videos":  videos,
	}
}

func videoIndex(v any) int {
	entry, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	filename, _ := entry["filename"].(string)
	match := videoSuffixRE.FindStringSubmatch(filename)
	if len(match) != 2 {
		return 0
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return n
}
