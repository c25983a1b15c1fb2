// Package chunkstate defines the durable data model for a single chunk
// worker: one ChunkState, N PIs, and M refs (the per-image work queue),
// plus a capped debug log. A chunk worker is addressed by the tuple
// (BatchID, ChunkID); every row in every table carries that pair.
package chunkstate

import "time"

// Phase is the chunk worker's state machine position.
type Phase string

const (
	PhaseFetching   Phase = "FETCHING"
	PhaseProcessing Phase = "PROCESSING"
	PhasePublishing Phase = "PUBLISHING"
	PhaseDone       Phase = "DONE"
	PhaseError      Phase = "ERROR"
)

// Terminal reports whether the phase ends the chunk's run.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

// RefStatus is the lifecycle state of a single ref (image) being OCR'd.
type RefStatus string

const (
	RefPending    RefStatus = "pending"
	RefProcessing RefStatus = "processing"
	RefDone       RefStatus = "done"
	RefSkipped    RefStatus = "skipped"
	RefError      RefStatus = "error"
)

// Key addresses exactly one chunk worker.
type Key struct {
	BatchID string
	ChunkID string
}

// Backoff is the embedded rate-limit backoff state for a chunk.
type Backoff struct {
	ConsecutiveErrors int
	BackoffUntil      *time.Time
}

// ChunkState is the single row of top-level state for a chunk worker.
//
// From the end of FETCH onward, the per-status ref counts always sum to
// TotalRefs. CompletedRefs/FailedRefs/SkippedRefs are monotonic
// non-decreasing and reflect terminal ref states only.
type ChunkState struct {
	BatchID       string
	ChunkID       string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Phase         Phase
	TotalRefs     int
	CompletedRefs int
	FailedRefs    int
	SkippedRefs   int

	GlobalError      *string
	GlobalRetryCount int

	Backoff
}

func (s ChunkState) Key() Key {
	return Key{BatchID: s.BatchID, ChunkID: s.ChunkID}
}

// PI is one entity in the chunk.
//
// EntityUpdated transitions false -> true exactly once; PUBLISH only
// considers PIs where it is still false.
type PI struct {
	BatchID string
	ChunkID string
	PI      string

	EntityUpdated bool
	NewTip        *string
	NewVersion    *int
	EntityError   *string
}

// Ref is one image (a ref JSON component) belonging to a PI.
//
// Status in {done, skipped} implies ResultCID != nil. A ref that
// reaches error via a permanent OCR failure is never re-queued,
// independent of global retry events.
type Ref struct {
	ID      string // surrogate key (uuid)
	BatchID string
	ChunkID string
	PI      string

	Filename    string // must end in ".ref.json"
	CDNURL      string
	OriginalCID string
	RefDataJSON string // cached original ref document
	Status      RefStatus
	RetryCount  int
	ResultCID   *string
	OCRTextLen  *int
	Error       *string
}

// DebugLogEntry is one row of the capped operator-diagnosis ring: at
// most MaxDebugLogEntries per chunk, oldest dropped first.
type DebugLogEntry struct {
	BatchID   string
	ChunkID   string
	Timestamp time.Time
	Message   string
}

// MaxDebugLogEntries bounds the debug log ring per chunk.
const MaxDebugLogEntries = 100

// ConservedCounters reports whether the counters balance: at any phase
// past FETCHING, completed+failed+skipped+pending+processingInFlight
// must equal total.
func ConservedCounters(s ChunkState, pending, processingInFlight int) bool {
	if s.Phase == PhaseFetching {
		return true
	}
	sum := s.CompletedRefs + s.FailedRefs + s.SkippedRefs + pending + processingInFlight
	return sum == s.TotalRefs
}
