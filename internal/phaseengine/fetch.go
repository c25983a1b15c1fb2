package phaseengine

import (
	"context"
	"fmt"

	"github.com/arke-institute/chunkocr/internal/chunkstate"
	"github.com/arke-institute/chunkocr/internal/contextfetcher"
)

// runFetch is the FETCH phase: walk every PI's manifest, materialize
// the refs work queue up front, set total_refs, and transition to
// PROCESSING. No manifest or ref document is read from the store again;
// PROCESSING only uploads results and PUBLISH appends versions.
func (e *Engine) runFetch(ctx context.Context, state *chunkstate.ChunkState) error {
	key := state.Key()

	pis, err := e.store.ListPIs(ctx, key)
	if err != nil {
		return fmt.Errorf("list pis: %w", err)
	}

	piIDs := make([]string, 0, len(pis))
	for _, pi := range pis {
		piIDs = append(piIDs, pi.PI)
	}

	fetcher := contextfetcher.New(e.storeCli, e.logger)
	results := fetcher.FetchAll(ctx, key.BatchID, key.ChunkID, piIDs)

	total := 0
	for _, result := range results {
		if len(result.Refs) > 0 {
			if err := e.store.InsertRefs(ctx, result.Refs); err != nil {
				return fmt.Errorf("insert refs for pi %s: %w", result.PI, err)
			}
		}
		total += len(result.Refs)

		if result.FetchFailed {
			_ = e.store.AppendDebugLog(ctx, chunkstate.DebugLogEntry{
				BatchID: key.BatchID, ChunkID: key.ChunkID, Timestamp: timeNow(),
				Message: fmt.Sprintf("fetch failed for pi %s, publish will no-op", result.PI),
			})
		}
	}

	state.TotalRefs = total
	state.Phase = chunkstate.PhaseProcessing
	return nil
}
