// Package store defines the chunk worker's persistence contract:
// row-per-ref durable state across four logical tables (state, pis,
// refs, debug_log), indexed pending-ref selection, a capped debug log,
// and whole-chunk cleanup. Phase-engine code only sees this interface;
// Postgres and the in-memory test double both live behind it.
package store

import (
	"context"
	"time"

	"github.com/arke-institute/chunkocr/internal/chunkstate"
)

// Store is the durable persistence contract for one or more chunk
// workers. Every method is scoped by (batch_id, chunk_id) except where a
// single key is already unambiguous.
type Store interface {
	// CreateChunk clears any prior rows for the key and inserts fresh
	// state + PI rows, the accept path for a new or re-submitted chunk.
	CreateChunk(ctx context.Context, state chunkstate.ChunkState, pis []chunkstate.PI) error

	// GetState loads the chunk's top-level state row. Returns
	// ErrNotFound if no chunk exists for key.
	GetState(ctx context.Context, key chunkstate.Key) (chunkstate.ChunkState, error)

	// SaveState persists the chunk's top-level state row (phase,
	// counters, backoff, global error/retry count).
	SaveState(ctx context.Context, state chunkstate.ChunkState) error

	// ListPIs returns every PI row for the chunk. The order is
	// implementation-specific: memstore keeps insertion order, postgres
	// sorts by pi.
	ListPIs(ctx context.Context, key chunkstate.Key) ([]chunkstate.PI, error)

	// SavePI upserts one PI row (entity_updated, new_tip/new_version,
	// entity_error).
	SavePI(ctx context.Context, pi chunkstate.PI) error

	// InsertRefs bulk-inserts the refs discovered during FETCH for one
	// PI. Postgres is unique on (pi, filename) and silently skips
	// duplicates; memstore keys refs by ID only and does not check.
	InsertRefs(ctx context.Context, refs []chunkstate.Ref) error

	// SelectPendingRefs selects up to limit refs with status=pending
	// for the chunk and atomically flips them to processing, so no two
	// fires can dequeue the same ref.
	SelectPendingRefs(ctx context.Context, key chunkstate.Key, limit int) ([]chunkstate.Ref, error)

	// SaveRef persists one ref's updated status/result fields after
	// outcome classification.
	SaveRef(ctx context.Context, ref chunkstate.Ref) error

	// CountPendingRefs reports the number of refs still pending for the
	// chunk; the PROCESSING phase only ends when this reaches zero.
	CountPendingRefs(ctx context.Context, key chunkstate.Key) (int, error)

	// ReclaimOrphanedProcessingRefs flips any ref stuck in status =
	// processing back to pending. A crash between "flip to processing"
	// and "classify outcome" would otherwise strand the ref forever, so
	// every PROCESSING-phase entry reclaims orphans first.
	ReclaimOrphanedProcessingRefs(ctx context.Context, key chunkstate.Key) (int, error)

	// CompletedRefsForPI returns refs with status in {done, skipped}
	// and a non-nil result_cid for the PI, the input to PUBLISH.
	CompletedRefsForPI(ctx context.Context, key chunkstate.Key, pi string) ([]chunkstate.Ref, error)

	// AllRefsForPI returns every ref belonging to pi regardless of
	// status, used by the callback dispatcher to count failed refs.
	AllRefsForPI(ctx context.Context, key chunkstate.Key, pi string) ([]chunkstate.Ref, error)

	// AppendDebugLog appends one entry to the chunk's debug log and
	// trims it to chunkstate.MaxDebugLogEntries, oldest dropped first.
	AppendDebugLog(ctx context.Context, entry chunkstate.DebugLogEntry) error

	// TailDebugLog returns up to limit of the most recent debug log
	// entries for the chunk, oldest first.
	TailDebugLog(ctx context.Context, key chunkstate.Key, limit int) ([]chunkstate.DebugLogEntry, error)

	// Cleanup drops all rows for the chunk across all four tables,
	// called after the final callback is delivered.
	Cleanup(ctx context.Context, key chunkstate.Key) error
}

// ErrNotFound is returned by GetState when no chunk exists for a key,
// surfaced by httpapi as GET /status's "not_found" status.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "chunk not found" }

// Progress is the derived counters snapshot for GET /status.
type Progress struct {
	TotalRefs int
	Completed int
	Failed    int
	Skipped   int
	Pending   int
}

// BackoffSummary is the derived backoff snapshot for GET /status.
type BackoffSummary struct {
	ConsecutiveErrors int
	BackoffUntil      *time.Time
}
