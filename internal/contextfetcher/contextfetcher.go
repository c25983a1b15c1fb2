// Package contextfetcher implements the FETCH phase's manifest walk:
// for each PI in the chunk, fetch its entity manifest, enumerate
// components whose filename suffix is ".ref.json", and download each to
// learn its CDN URL, materializing the refs work queue once so
// PROCESSING never reads manifests or ref documents from the store (it
// only uploads its results).
package contextfetcher

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arke-institute/chunkocr/internal/chunkstate"
	"github.com/arke-institute/chunkocr/internal/refjson"
	"github.com/arke-institute/chunkocr/internal/storeclient"
)

// Fetcher walks a chunk's PIs against the CAS store to build its refs
// work queue.
type Fetcher struct {
	store  *storeclient.Client
	logger *zap.Logger
}

// New constructs a Fetcher.
func New(store *storeclient.Client, logger *zap.Logger) *Fetcher {
	return &Fetcher{store: store, logger: logger}
}

// PIResult is the outcome of fetching one PI's manifest and refs.
type PIResult struct {
	PI          string
	Refs        []chunkstate.Ref
	FetchFailed bool
}

// FetchPI fetches one PI's manifest and downloads every ".ref.json"
// component. A component without a "url" field is skipped with a
// warning, not inserted. A manifest fetch failure yields an empty ref
// list and FetchFailed=true so the caller can still mark
// entity_updated=true at PUBLISH time (a no-op publish).
func (f *Fetcher) FetchPI(ctx context.Context, batchID, chunkID, pi string) PIResult {
	entity, err := f.store.GetEntity(ctx, pi)
	if err != nil {
		f.logger.Warn("fetch manifest failed",
			zap.String("batch_id", batchID), zap.String("chunk_id", chunkID),
			zap.String("pi", pi), zap.Error(err))
		return PIResult{PI: pi, FetchFailed: true}
	}

	refs := make([]chunkstate.Ref, 0, len(entity.Components))
	for filename, cid := range entity.Components {
		if !strings.HasSuffix(filename, storeclient.RefComponentSuffix) {
			continue
		}

		raw, err := f.store.Download(ctx, pi, cid)
		if err != nil {
			f.logger.Warn("download ref json failed",
				zap.String("batch_id", batchID), zap.String("chunk_id", chunkID),
				zap.String("pi", pi), zap.String("filename", filename), zap.Error(err))
			continue
		}

		doc, err := refjson.Parse(raw)
		if err != nil {
			f.logger.Warn("skipping ref with no url",
				zap.String("batch_id", batchID), zap.String("chunk_id", chunkID),
				zap.String("pi", pi), zap.String("filename", filename), zap.Error(err))
			continue
		}

		refs = append(refs, chunkstate.Ref{
			ID:          uuid.NewString(),
			BatchID:     batchID,
			ChunkID:     chunkID,
			PI:          pi,
			Filename:    filename,
			CDNURL:      doc.URL,
			OriginalCID: cid,
			RefDataJSON: string(raw),
			Status:      chunkstate.RefPending,
		})
	}

	return PIResult{PI: pi, Refs: refs}
}

// FetchAll walks every PI in the chunk and returns one PIResult per PI,
// in the order given.
func (f *Fetcher) FetchAll(ctx context.Context, batchID, chunkID string, pis []string) []PIResult {
	results := make([]PIResult, 0, len(pis))
	for _, pi := range pis {
		results = append(results, f.FetchPI(ctx, batchID, chunkID, pi))
	}
	return results
}

// TotalRefs sums the refs discovered across all PI results, the
// total_refs value set at the end of FETCH.
func TotalRefs(results []PIResult) int {
	total := 0
	for _, r := range results {
		total += len(r.Refs)
	}
	return total
}
