// Package webhook delivers terminal-state callbacks with bounded
// retry and a dead-letter sink (spec §4.8), following the retry
// delivery loop used for outbound webhooks in the retrieval pack's
// formbricks-store dispatcher, with one goroutine per delivery.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vidforge/orchestrator/internal/domain"
)

// retryDelays are the fixed per-attempt delays of §4.8's retry
// schedule, applied before the corresponding retry (so attempt 2
// fires ~1s after attempt 1, attempt 3 ~5s after that, and so on).
var retryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

const httpTimeout = 30 * time.Second

// DeadLetterSink persists a webhook delivery that exhausted its retry
// budget. At minimum this is a structured log record; a durable
// implementation is optional (§4.8).
type DeadLetterSink interface {
	Record(ctx context.Context, rec domain.DeadLetterRecord) error
}

// Notifier delivers terminal-state webhooks with retry and DLQ
// fallback, grounded on the sendWithRetry delivery loop of the
// retrieval pack's formbricks-store webhook dispatcher. It has no
// worker pool or bounded queue: NotifyAsync starts one goroutine per
// delivery. It is adapted to the notifier's narrower
// single-payload-per-job-terminal-transition contract (§I6) instead
// of a fan-out-to-many-subscriber-urls model.
type Notifier struct {
	client      *http.Client
	secret      string
	maxAttempts int
	dlq         DeadLetterSink
	log         *slog.Logger
}

// Config configures a Notifier from spec §6's WEBHOOK_* variables.
type Config struct {
	Secret      string
	MaxAttempts int
}

// New constructs a Notifier. dlq may be nil, in which case only the
// structured log record is emitted on exhaustion.
func New(cfg Config, dlq DeadLetterSink, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Notifier{
		client:      &http.Client{Timeout: httpTimeout},
		secret:      cfg.Secret,
		maxAttempts: maxAttempts,
		dlq:         dlq,
		log:         logger,
	}
}

// NotifyAsync delivers payload in its own goroutine so a slow or
// failing endpoint (up to ~21s of retry delay) never stalls the
// caller's loop (the monitor's sequential poll, the dispatcher's
// submission pass, the local pool's completion path). The delivery
// context is detached from ctx's cancellation so an in-flight retry
// schedule survives the triggering request or tick ending, while
// still carrying its values (§9: "the notifier owns a task per
// delivery with its own retry timer").
func (n *Notifier) NotifyAsync(ctx context.Context, jobID, url string, payload domain.WebhookPayload) {
	deliveryCtx := context.WithoutCancel(ctx)
	go n.Notify(deliveryCtx, jobID, url, payload)
}

// Notify delivers payload to url, retrying per the fixed schedule
// (§4.8). It never returns an error to the caller: delivery failure
// after exhaustion is recorded to the DLQ and logged, not propagated,
// because a failed webhook does not reopen a terminal job (§7).
func (n *Notifier) Notify(ctx context.Context, jobID, url string, payload domain.WebhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Error("failed to marshal webhook payload", "job_id", jobID, "error", err)
		return
	}

	// maxAttempts counts retries, not total POSTs: the delivery is the
	// initial attempt plus up to maxAttempts retries (§4.8, P4 "at most
	// WEBHOOK_MAX_ATTEMPTS + 1 POSTs"), so all of retryDelays is used
	// before falling to the DLQ.
	attempts := n.maxAttempts + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := retryDelays[min(attempt-2, len(retryDelays)-1)]
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break
			}
		}

		lastErr = n.attempt(ctx, jobID, url, body, payload)
		if lastErr == nil {
			n.log.Info("webhook delivered", "job_id", jobID, "url", url, "attempt", attempt)
			return
		}

		n.log.Warn("webhook delivery attempt failed",
			"job_id", jobID, "url", url, "attempt", attempt, "error", lastErr)
	}

	n.log.Error("webhook delivery exhausted retries, writing to dead letter",
		"job_id", jobID, "url", url, "attempts", attempts, "error", lastErr)

	if n.dlq != nil {
		rec := domain.DeadLetterRecord{
			JobID:     jobID,
			URL:       url,
			Payload:   body,
			Attempts:  attempts,
			LastError: lastErr.Error(),
			CreatedAt: time.Now().UTC(),
		}
		if err := n.dlq.Record(ctx, rec); err != nil {
			n.log.Error("failed to persist dead letter record", "job_id", jobID, "error", err)
		}
	}
}

func (n *Notifier) attempt(ctx context.Context, jobID, url string, body []byte, payload domain.WebhookPayload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-JobId", jobID)
	req.Header.Set("X-Webhook-Status", string(payload.Status))
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(payload.Timestamp.Unix(), 10))
	if n.secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
