package domain

import "time"

// ExecutionBudget returns the pure execution-phase timeout budget
// (§4.4.2) for the given operation family. Local-pool suffixes are
// stripped first, since the budget table is shared between the
// remote and local variants of an operation.
func ExecutionBudget(op Operation) time.Duration {
	switch op.Base() {
	case OpImg2Vid:
		return 45 * time.Minute
	case OpConcatenate:
		return 20 * time.Minute
	case OpConcatVideoAudio, OpTrilhaSonora:
		return 15 * time.Minute
	case OpCaptionSegments, OpCaptionHighlight, OpAddAudio:
		return 10 * time.Minute
	default:
		return 30 * time.Minute
	}
}

// QueueGrace is added to the execution budget when a job has not yet
// begun executing (ProcessingStartedAt unset), per §4.4.2.
const QueueGrace = 60 * time.Minute

// AverageExecutionTime returns the advisory per-operation average
// completion time used to derive estimated_wait at job-creation time
// (§4.9). These are coarser than ExecutionBudget's timeout ceilings —
// a typical-case estimate, not a worst-case bound.
func AverageExecutionTime(op Operation) time.Duration {
	switch op.Base() {
	case OpImg2Vid:
		return 8 * time.Minute
	case OpConcatenate:
		return 3 * time.Minute
	case OpConcatVideoAudio, OpTrilhaSonora:
		return 4 * time.Minute
	case OpCaptionSegments, OpCaptionHighlight, OpAddAudio:
		return 2 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// MaxImg2VidChunks is the hard cap on reservation size for img2vid
// jobs (§4.2.1). Raising it changes head-of-line-skip throughput
// characteristics and must not be done casually.
const MaxImg2VidChunks = 2

// Img2VidSplitThreshold is the image count above which an img2vid
// job reserves more than one worker.
const Img2VidSplitThreshold = 30
