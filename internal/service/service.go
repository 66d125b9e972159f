// Package service implements C8, the external job-orchestration
// surface (spec §4.9): create, get, cancel, stats, plus the SSRF guard
// applied at creation time and queue-pressure alerting. Its shape
// (thin validation, delegate to a repository/store interface, return
// domain types or domain errors) follows
// rezkam-mono/internal/application/todo/service.go's application-layer
// pattern, generalized from todo-list CRUD to job submission.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vidforge/orchestrator/internal/domain"
	"github.com/vidforge/orchestrator/internal/executorclient"
	"github.com/vidforge/orchestrator/internal/store"
	"github.com/vidforge/orchestrator/internal/webhook"
)

// Config carries the bounds the service enforces that aren't part of
// the store's own configuration.
type Config struct {
	MaxRemoteWorkers    int
	MaxLocalConcurrency int
	QueueAlertWindow    time.Duration
}

// DefaultConfig mirrors the todo service's NewService default-filling
// convention: zero or invalid values fall back to sane defaults.
func DefaultConfig() Config {
	return Config{
		MaxRemoteWorkers:    4,
		MaxLocalConcurrency: 2,
		QueueAlertWindow:    60 * time.Second,
	}
}

// QueueAlerter receives queue-pressure signals (§4.9.1). These are
// observability signals; they never reject work.
type QueueAlerter interface {
	Alert(ctx context.Context, level, message string, depth int)
}

// SubmitResponse is returned by Create.
type SubmitResponse struct {
	JobID         string        `json:"job_id"`
	Status        domain.Status `json:"status"`
	QueuePosition int           `json:"queue_position"`
	EstimatedWait time.Duration `json:"estimated_wait"`
}

// Progress is a live-computed view of a non-terminal remote job's
// sub-job completion (§4.9 get()).
type Progress struct {
	Completed  int     `json:"completed"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// StatusResponse is returned by Get.
type StatusResponse struct {
	Job                 *domain.Job `json:"job"`
	Progress            *Progress   `json:"progress,omitempty"`
	EstimatedCompletion *time.Time  `json:"estimated_completion,omitempty"`
}

// Service is the external job-orchestration surface.
type Service struct {
	store    store.JobStore
	exec     *executorclient.Client
	notifier *webhook.Notifier
	alerter  QueueAlerter
	cfg      Config
	log      *slog.Logger

	mu          sync.Mutex
	lastAlertAt time.Time
}

// New constructs a Service. alerter may be nil to disable
// queue-pressure alerting entirely (e.g. in tests).
func New(s store.JobStore, exec *executorclient.Client, notifier *webhook.Notifier, alerter QueueAlerter, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxRemoteWorkers <= 0 {
		cfg.MaxRemoteWorkers = DefaultConfig().MaxRemoteWorkers
	}
	if cfg.MaxLocalConcurrency <= 0 {
		cfg.MaxLocalConcurrency = DefaultConfig().MaxLocalConcurrency
	}
	if cfg.QueueAlertWindow <= 0 {
		cfg.QueueAlertWindow = DefaultConfig().QueueAlertWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, exec: exec, notifier: notifier, alerter: alerter, cfg: cfg, log: logger}
}

// Create validates the webhook url, enqueues the job, and returns the
// queue position plus an advisory estimated wait (§4.9).
func (svc *Service) Create(ctx context.Context, op domain.Operation, payload domain.Payload, webhookURL string, correlationID *int64) (*SubmitResponse, error) {
	if err := validateWebhookURL(webhookURL); err != nil {
		return nil, err
	}

	job, err := svc.store.Create(ctx, domain.Draft{
		Operation:     op,
		Payload:       payload,
		WebhookURL:    webhookURL,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, fmt.Errorf("service: create job: %w", err)
	}

	if err := svc.store.Enqueue(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("service: enqueue job: %w", err)
	}

	queued, err := svc.store.Queued(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: read queue: %w", err)
	}
	position := len(queued)
	for i, id := range queued {
		if id == job.ID {
			position = i + 1
			break
		}
	}

	concurrency := svc.cfg.MaxRemoteWorkers
	if op.IsLocalPool() {
		concurrency = svc.cfg.MaxLocalConcurrency
	}
	wait := domain.AverageExecutionTime(op) * time.Duration(ceilDiv(position, concurrency))

	svc.assessQueuePressure(ctx, len(queued))

	return &SubmitResponse{
		JobID:         job.ID,
		Status:        job.Status,
		QueuePosition: position,
		EstimatedWait: wait,
	}, nil
}

// Get returns the job's current state, plus live-computed progress
// and an estimated completion time for non-terminal remote jobs
// (§4.9).
func (svc *Service) Get(ctx context.Context, id string) (*StatusResponse, error) {
	job, err := svc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &StatusResponse{Job: job}
	if job.Status.Terminal() || !job.Status.Active() || len(job.RemoteJobIDs) == 0 {
		return resp, nil
	}

	total := len(job.RemoteJobIDs)
	completed := 0
	for _, remoteID := range job.RemoteJobIDs {
		result, err := svc.exec.Status(ctx, remoteID)
		if err != nil {
			continue // best-effort: a transient poll failure just yields a stale progress reading
		}
		if result.Status.Terminal() {
			completed++
		}
	}

	pct := 0.0
	if total > 0 {
		pct = 100 * float64(completed) / float64(total)
	}
	resp.Progress = &Progress{Completed: completed, Total: total, Percentage: pct}

	anchor := job.CreatedAt
	if job.ProcessingStartedAt != nil {
		anchor = *job.ProcessingStartedAt
	} else if job.SubmittedAt != nil {
		anchor = *job.SubmittedAt
	}
	if pct > 0 {
		elapsed := time.Since(anchor)
		totalEstimate := time.Duration(float64(elapsed) * 100 / pct)
		eta := anchor.Add(totalEstimate)
		resp.EstimatedCompletion = &eta
	}

	return resp, nil
}

// Cancel implements §4.5.3. QUEUED jobs are marked CANCELLED directly
// with no executor work to undo; SUBMITTED/PROCESSING jobs get a
// best-effort remote cancel for every remote_job_id before releasing
// workers and writing CANCELLED. Terminal jobs reject cancellation.
func (svc *Service) Cancel(ctx context.Context, id string) error {
	job, err := svc.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return domain.ErrJobTerminal
	}

	now := time.Now().UTC()
	cancelled := domain.StatusCancelled

	if job.Status == domain.StatusQueued {
		updated, err := svc.store.Update(ctx, id, domain.Patch{Status: &cancelled, CompletedAt: &now})
		if err != nil {
			return err
		}
		svc.notifyTerminal(ctx, updated)
		return nil
	}

	for _, remoteID := range job.RemoteJobIDs {
		_ = svc.exec.Cancel(ctx, remoteID) // best-effort; failure never blocks the local transition
	}

	if job.WorkersReserved > 0 {
		if err := svc.store.Release(ctx, job.WorkersReserved); err != nil {
			svc.log.Error("service: release on cancel", "job_id", id, "error", err)
		}
	}

	zero := 0
	updated, err := svc.store.Update(ctx, id, domain.Patch{Status: &cancelled, WorkersReserved: &zero, CompletedAt: &now})
	if err != nil {
		return err
	}
	svc.notifyTerminal(ctx, updated)
	return nil
}

// notifyTerminal fires the webhook for a user-driven cancellation, the
// one terminal transition this package itself drives (§4.5.3). I6
// requires the notifier run exactly once per terminal transition
// regardless of how early the job was cancelled, so both the
// QUEUED-before-submission and SUBMITTED/PROCESSING-after-submission
// branches call this. Delivery is dispatched through NotifyAsync so a
// slow or failing endpoint never stalls the synchronous cancel call.
func (svc *Service) notifyTerminal(ctx context.Context, job *domain.Job) {
	if job.WebhookURL == "" || svc.notifier == nil {
		return
	}
	processor := domain.ProcessorGPU
	if job.Operation.IsLocalPool() {
		processor = domain.ProcessorVPS
	}
	payload := domain.WebhookPayload{
		JobID:         job.ID,
		Status:        job.Status,
		Operation:     job.Operation,
		Processor:     processor,
		CorrelationID: job.CorrelationID,
		PathRoot:      job.PathRoot,
		Error:         job.Error,
		Timestamp:     time.Now().UTC(),
	}
	svc.notifier.NotifyAsync(ctx, job.ID, job.WebhookURL, payload)
}

// Stats delegates to the store's population/worker counts (§4.1).
func (svc *Service) Stats(ctx context.Context) (store.Stats, error) {
	return svc.store.Stats(ctx)
}

// assessQueuePressure implements §4.9.1: WARNING at depth ≥ 15,
// CRITICAL at ≥ 25, OVERLOAD at ≥ 40, throttled to at most one alert
// per window across all levels. These never reject work.
func (svc *Service) assessQueuePressure(ctx context.Context, depth int) {
	if svc.alerter == nil {
		return
	}

	level := ""
	switch {
	case depth >= 40:
		level = "OVERLOAD"
	case depth >= 25:
		level = "CRITICAL"
	case depth >= 15:
		level = "WARNING"
	default:
		return
	}

	svc.mu.Lock()
	throttled := time.Since(svc.lastAlertAt) < svc.cfg.QueueAlertWindow
	if !throttled {
		svc.lastAlertAt = time.Now()
	}
	svc.mu.Unlock()

	if throttled {
		return
	}

	svc.alerter.Alert(ctx, level, fmt.Sprintf("queue depth %d (%s)", depth, level), depth)
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		b = 1
	}
	return int(math.Ceil(float64(a) / float64(b)))
}

// validateWebhookURL implements the SSRF guard required at
// job-creation time (§4.8): reject non-http(s) schemes, malformed
// urls, and hosts that resolve to loopback or private ranges. No pack
// dependency covers this concern, so it is built on net/net/url — a
// justified standard-library use (see DESIGN.md).
func validateWebhookURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", domain.ErrInvalidWebhookURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidWebhookURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", domain.ErrInvalidWebhookURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", domain.ErrInvalidWebhookURL)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("%w: loopback host disallowed", domain.ErrInvalidWebhookURL)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// The host may not resolve in a test/offline environment; a
		// literal IP address is validated directly below regardless.
		if ip := net.ParseIP(host); ip != nil {
			ips = []net.IP{ip}
		}
	}
	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return fmt.Errorf("%w: host resolves to a disallowed address range", domain.ErrInvalidWebhookURL)
		}
	}

	return nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
