package phaseengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arke-institute/chunkocr/internal/chunkstate"
	"github.com/arke-institute/chunkocr/internal/storeclient"
)

// casRetryDelays are the linear delays between the bounded
// fresh-tip-then-CAS attempts.
var casRetryDelays = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}

// runPublish is the PUBLISH phase: for each PI not yet updated, collect
// its completed refs, resolve a fresh tip, and CAS them into the
// entity. The tip observed at accept time may be stale by now, so it is
// never trusted. After every PI is attempted, transition to DONE.
func (e *Engine) runPublish(ctx context.Context, state *chunkstate.ChunkState) error {
	key := state.Key()

	pis, err := e.store.ListPIs(ctx, key)
	if err != nil {
		return fmt.Errorf("list pis: %w", err)
	}

	for _, pi := range pis {
		if pi.EntityUpdated {
			continue
		}
		if err := e.publishOnePI(ctx, key, pi); err != nil {
			return fmt.Errorf("publish pi %s: %w", pi.PI, err)
		}
	}

	state.Phase = chunkstate.PhaseDone
	completedAt := timeNow()
	state.CompletedAt = &completedAt
	return nil
}

func (e *Engine) publishOnePI(ctx context.Context, key chunkstate.Key, pi chunkstate.PI) error {
	completed, err := e.store.CompletedRefsForPI(ctx, key, pi.PI)
	if err != nil {
		return fmt.Errorf("completed refs for pi: %w", err)
	}

	if len(completed) == 0 {
		pi.EntityUpdated = true
		return e.store.SavePI(ctx, pi)
	}

	components := make(map[string]string, len(completed))
	for _, ref := range completed {
		if ref.ResultCID != nil {
			components[ref.Filename] = *ref.ResultCID
		}
	}

	note := fmt.Sprintf("ocr update: %d component(s)", len(components))

	var lastErr error
	for attempt := 0; attempt < len(casRetryDelays); attempt++ {
		tip, err := e.storeCli.ResolveTip(ctx, pi.PI)
		if err != nil {
			msg := err.Error()
			pi.EntityError = &msg
			pi.EntityUpdated = true
			return e.store.SavePI(ctx, pi)
		}

		result, err := e.storeCli.AppendVersion(ctx, pi.PI, tip.Tip, components, note)
		if err == nil {
			pi.NewTip = &result.Tip
			version := result.Version
			pi.NewVersion = &version
			pi.EntityUpdated = true
			return e.store.SavePI(ctx, pi)
		}

		var conflict *storeclient.ConflictError
		if errors.As(err, &conflict) {
			e.metrics.CASConflicts.Inc()
			lastErr = err
			if attempt < len(casRetryDelays)-1 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(casRetryDelays[attempt]):
				}
			}
			continue
		}

		msg := err.Error()
		pi.EntityError = &msg
		pi.EntityUpdated = true
		return e.store.SavePI(ctx, pi)
	}

	msg := fmt.Sprintf("cas conflict persisted after %d attempts: %v", len(casRetryDelays), lastErr)
	pi.EntityError = &msg
	pi.EntityUpdated = true
	return e.store.SavePI(ctx, pi)
}
