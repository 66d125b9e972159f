// Package domain holds the core job-orchestration types: the Job
// aggregate, its status DAG, and the opaque structures the scheduler
// forwards to executors without interpreting.
package domain

import "time"

// Status is a job's position in the lifecycle DAG described in the
// scheduler's state machine. The zero value is never valid; jobs are
// always created directly into StatusQueued.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusSubmitted  Status = "SUBMITTED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether s is one of the states a job never leaves
// (invariant I4/I5 of the status DAG).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether s is SUBMITTED or PROCESSING — the set the
// monitor polls and the reconciler sums reservations over.
func (s Status) Active() bool {
	return s == StatusSubmitted || s == StatusProcessing
}

// Operation is the closed set of media-processing operation tags a
// job can carry. The core never inspects the semantics behind a tag;
// it only inspects two structural fields (images length, start_index)
// and the "_vps" suffix that routes a job to the local pool.
type Operation string

const (
	OpImg2Vid             Operation = "img2vid"
	OpAddAudio            Operation = "addaudio"
	OpConcatenate         Operation = "concatenate"
	OpCaptionSegments     Operation = "caption_segments"
	OpCaptionHighlight    Operation = "caption_highlight"
	OpConcatVideoAudio    Operation = "concat_video_audio"
	OpTrilhaSonora        Operation = "trilhasonora"
	OpTranscribe          Operation = "transcribe"
	OpImg2VidVPS          Operation = "img2vid_vps"
	OpAddAudioVPS         Operation = "addaudio_vps"
	OpConcatenateVPS      Operation = "concatenate_vps"
	OpCaptionSegmentsVPS  Operation = "caption_segments_vps"
	OpCaptionHighlightVPS Operation = "caption_highlight_vps"
	OpConcatVideoAudioVPS Operation = "concat_video_audio_vps"
	OpTrilhaSonoraVPS     Operation = "trilhasonora_vps"
	OpTranscribeVPS       Operation = "transcribe_vps"
)

const localPoolSuffix = "_vps"

// IsLocalPool reports whether the operation's "_vps" suffix routes
// the job to the local CPU worker pool instead of the remote fleet.
func (o Operation) IsLocalPool() bool {
	s := string(o)
	return len(s) > len(localPoolSuffix) && s[len(s)-len(localPoolSuffix):] == localPoolSuffix
}

// Base strips the "_vps" suffix, yielding the operation family used
// to look up execution-phase timeout budgets (§4.4.2) shared between
// the remote and local variants.
func (o Operation) Base() Operation {
	if o.IsLocalPool() {
		return Operation(string(o)[:len(o)-len(localPoolSuffix)])
	}
	return o
}

// allOperations is the closed set of recognized operation tags,
// used by ParseOperation to validate inbound requests (§6).
var allOperations = map[Operation]struct{}{
	OpImg2Vid: {}, OpAddAudio: {}, OpConcatenate: {}, OpCaptionSegments: {},
	OpCaptionHighlight: {}, OpConcatVideoAudio: {}, OpTrilhaSonora: {}, OpTranscribe: {},
	OpImg2VidVPS: {}, OpAddAudioVPS: {}, OpConcatenateVPS: {}, OpCaptionSegmentsVPS: {},
	OpCaptionHighlightVPS: {}, OpConcatVideoAudioVPS: {}, OpTrilhaSonoraVPS: {}, OpTranscribeVPS: {},
}

// ParseOperation validates a caller-supplied operation tag against the
// closed set the scheduler recognizes, returning ErrUnknownOperation
// otherwise (§6 POST /jobs/<operation>).
func ParseOperation(raw string) (Operation, error) {
	op := Operation(raw)
	if _, ok := allOperations[op]; !ok {
		return "", ErrUnknownOperation
	}
	return op, nil
}

// Payload is an opaque structured value forwarded to executors
// unchanged, except for the "images" and "start_index" fields the
// dispatcher inspects at its single entry point (§4.2.1, §4.2.2).
type Payload map[string]any

// Images extracts the "images" array, if present, as a slice of
// opaque values. Returns nil if absent or not an array.
func (p Payload) Images() []any {
	raw, ok := p["images"]
	if !ok {
		return nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	return arr
}

// WithChunk returns a shallow copy of p with "images" replaced by
// chunk and "start_index" set, per §4.2.2 sub-job splitting.
func (p Payload) WithChunk(chunk []any, startIndex int) Payload {
	out := make(Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out["images"] = chunk
	out["start_index"] = startIndex
	return out
}

// Result is an opaque structured value populated on COMPLETED.
type Result map[string]any

// Job is the central entity of the scheduler.
type Job struct {
	ID              string
	Operation       Operation
	Payload         Payload
	WebhookURL      string
	CorrelationID   *int64
	PathRoot        *string
	Status          Status
	RemoteJobIDs    []string
	WorkersReserved int
	Result          Result
	Error           string

	CreatedAt           time.Time
	SubmittedAt         *time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	ExpiresAt           *time.Time

	RetryCount int
	Attempts   int
}

// Draft is the set of fields a caller supplies at creation time; the
// store assigns ID, CreatedAt, and the initial QUEUED status.
type Draft struct {
	Operation     Operation
	Payload       Payload
	WebhookURL    string
	CorrelationID *int64
	PathRoot      *string
}

// Patch is a partial overwrite applied by Store.Update. Nil fields are
// left untouched; callers enforce the status DAG, the store never
// vetoes a transition (§4.1).
type Patch struct {
	Status              *Status
	RemoteJobIDs        []string
	WorkersReserved     *int
	Result              Result
	Error               *string
	SubmittedAt         *time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	RetryCount          *int
	Attempts            *int
}

// ApplyTo mutates job in place with every non-nil field of p. The
// store never vetoes a transition; callers enforce the status DAG.
func (p Patch) ApplyTo(job *Job) {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.RemoteJobIDs != nil {
		job.RemoteJobIDs = p.RemoteJobIDs
	}
	if p.WorkersReserved != nil {
		job.WorkersReserved = *p.WorkersReserved
	}
	if p.Result != nil {
		job.Result = p.Result
	}
	if p.Error != nil {
		job.Error = *p.Error
	}
	if p.SubmittedAt != nil {
		job.SubmittedAt = p.SubmittedAt
	}
	if p.ProcessingStartedAt != nil {
		job.ProcessingStartedAt = p.ProcessingStartedAt
	}
	if p.CompletedAt != nil {
		job.CompletedAt = p.CompletedAt
	}
	if p.RetryCount != nil {
		job.RetryCount = *p.RetryCount
	}
	if p.Attempts != nil {
		job.Attempts = *p.Attempts
	}
}

// Clone returns a deep-enough copy for safe concurrent reads; callers
// must not mutate slices/maps shared with a stored job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.RemoteJobIDs != nil {
		c.RemoteJobIDs = append([]string(nil), j.RemoteJobIDs...)
	}
	if j.Payload != nil {
		p := make(Payload, len(j.Payload))
		for k, v := range j.Payload {
			p[k] = v
		}
		c.Payload = p
	}
	if j.Result != nil {
		r := make(Result, len(j.Result))
		for k, v := range j.Result {
			r[k] = v
		}
		c.Result = r
	}
	return &c
}
