package domain

import "time"

// Processor identifies which executor class ran a job, echoed in the
// outbound webhook payload (§6).
type Processor string

const (
	ProcessorGPU Processor = "GPU"
	ProcessorVPS Processor = "VPS"
)

// Execution carries informational timing/codec fields for the
// outbound webhook (§6). Worker/Codec are forwarded verbatim from
// whatever the executor reported; the core never interprets them.
type Execution struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	DurationMS     int64     `json:"duration_ms"`
	DurationSecond float64   `json:"duration_seconds"`
	Worker         string    `json:"worker,omitempty"`
	Codec          string    `json:"codec,omitempty"`
}

// WebhookPayload is the outbound JSON body delivered to a job's
// webhook_url on terminal transition (§6, §4.8).
type WebhookPayload struct {
	JobID         string     `json:"job_id"`
	Status        Status     `json:"status"`
	Operation     Operation  `json:"operation"`
	Processor     Processor  `json:"processor"`
	CorrelationID *int64     `json:"correlation_id,omitempty"`
	PathRoot      *string    `json:"path_root,omitempty"`
	Result        Result     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	Execution     *Execution `json:"execution,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// DeadLetterRecord is the terminal sink for a webhook delivery that
// exhausted its retry budget (§3.1, §4.8).
type DeadLetterRecord struct {
	ID         string     `db:"id"`
	JobID      string     `db:"job_id"`
	URL        string     `db:"url"`
	Payload    []byte     `db:"payload"`
	Attempts   int        `db:"attempts"`
	LastError  string     `db:"last_error"`
	ResolvedAt *time.Time `db:"resolved_at"`
	Resolution string     `db:"resolution"` // "retried" | "discarded" | ""
	ReviewedBy string     `db:"reviewed_by"`
	ReviewNote string     `db:"review_note"`
	CreatedAt  time.Time  `db:"created_at"`
}

// QueueStats is a JSON shape for queue statistics. No handler in this
// module emits it: GET /queue/stats responds with store.Stats, which
// carries per-status counts and the remote worker counts only, under
// its Go field names.
type QueueStats struct {
	QueueDepth         int            `json:"queue_depth"`
	CountsByStatus     map[Status]int `json:"counts_by_status"`
	AvailableWorkers   int            `json:"available_workers"`
	MaxRemoteWorkers   int            `json:"max_remote_workers"`
	ActiveLocalWorkers int            `json:"active_local_workers"`
	MaxLocalWorkers    int            `json:"max_local_workers"`
}
