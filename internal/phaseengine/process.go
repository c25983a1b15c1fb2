package phaseengine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arke-institute/chunkocr/internal/backoff"
	"github.com/arke-institute/chunkocr/internal/chunkstate"
	"github.com/arke-institute/chunkocr/internal/ocrclient"
	"github.com/arke-institute/chunkocr/internal/refjson"
)

// runProcess is one PROCESSING pass: select up to MaxParallelOCR
// pending refs, dispatch them in parallel, wait for all to settle,
// classify outcomes, adjust backoff. With no pending refs left it
// transitions to PUBLISHING.
func (e *Engine) runProcess(ctx context.Context, state *chunkstate.ChunkState) error {
	key := state.Key()
	ctrl := backoff.New(state.Backoff.ConsecutiveErrors, state.Backoff.BackoffUntil)

	now := timeNow()
	if ctrl.IsInBackoff(now) {
		// Still waiting out the backoff window; leave phase unchanged,
		// the engine reschedules via nextFireDelay.
		return nil
	}

	if _, err := e.store.ReclaimOrphanedProcessingRefs(ctx, key); err != nil {
		return fmt.Errorf("reclaim orphaned refs: %w", err)
	}

	selected, err := e.store.SelectPendingRefs(ctx, key, e.cfg.MaxParallelOCR)
	if err != nil {
		return fmt.Errorf("select pending refs: %w", err)
	}
	if len(selected) == 0 {
		state.Phase = chunkstate.PhasePublishing
		return nil
	}

	outcomes := make([]refOutcome, len(selected))
	var wg sync.WaitGroup
	for i, ref := range selected {
		wg.Add(1)
		go func(i int, ref chunkstate.Ref) {
			defer wg.Done()
			outcomes[i] = e.processOneRef(ctx, ref)
		}(i, ref)
	}
	wg.Wait()

	hadRateLimit := false
	for i, outcome := range outcomes {
		ref := selected[i]
		ref.Status = outcome.status
		ref.RetryCount = outcome.retryCount
		ref.ResultCID = outcome.resultCID
		ref.OCRTextLen = outcome.textLength
		ref.Error = outcome.errMsg

		if err := e.store.SaveRef(ctx, ref); err != nil {
			return fmt.Errorf("save ref %s: %w", ref.ID, err)
		}

		switch ref.Status {
		case chunkstate.RefDone:
			state.CompletedRefs++
			e.metrics.RefsCompleted.Inc()
		case chunkstate.RefSkipped:
			state.SkippedRefs++
			e.metrics.RefsSkipped.Inc()
		case chunkstate.RefError:
			state.FailedRefs++
			e.metrics.RefsFailed.Inc()
		}
		if outcome.hadRateLimit {
			hadRateLimit = true
			e.metrics.RefsRateLimited.Inc()
		}
	}

	if hadRateLimit {
		ctrl.OnError(now)
	} else {
		ctrl.OnSuccess()
	}
	state.Backoff.ConsecutiveErrors = ctrl.ConsecutiveErrors()
	state.Backoff.BackoffUntil = ctrl.BackoffUntil()
	e.metrics.BackoffStreak.Set(float64(state.Backoff.ConsecutiveErrors))

	return nil
}

// refOutcome is the classified result of one processOneRef call.
type refOutcome struct {
	status       chunkstate.RefStatus
	retryCount   int
	resultCID    *string
	textLength   *int
	errMsg       *string
	hadRateLimit bool
}

// processOneRef does the per-ref work: re-upload unchanged if ocr text
// is already present (skip path), else call the OCR provider with the
// variant/fallback rule and classify the outcome.
func (e *Engine) processOneRef(ctx context.Context, ref chunkstate.Ref) refOutcome {
	doc, err := refjson.Parse([]byte(ref.RefDataJSON))
	if err != nil {
		msg := err.Error()
		return refOutcome{status: chunkstate.RefError, retryCount: ref.RetryCount, errMsg: &msg}
	}

	if doc.OCR != nil {
		return e.skipRef(ctx, ref, doc)
	}
	return e.extractRef(ctx, ref, doc)
}

func (e *Engine) skipRef(ctx context.Context, ref chunkstate.Ref, doc refjson.Document) refOutcome {
	blob, err := doc.Marshal()
	if err != nil {
		msg := err.Error()
		return refOutcome{status: chunkstate.RefError, retryCount: ref.RetryCount, errMsg: &msg}
	}

	up, err := e.storeCli.Upload(ctx, ref.PI, blob, ref.Filename)
	if err != nil {
		msg := err.Error()
		return refOutcome{status: chunkstate.RefError, retryCount: ref.RetryCount, errMsg: &msg}
	}

	textLen := len(*doc.OCR)
	return refOutcome{status: chunkstate.RefSkipped, retryCount: ref.RetryCount, resultCID: &up.CID, textLength: &textLen}
}

func (e *Engine) extractRef(ctx context.Context, ref chunkstate.Ref, doc refjson.Document) refOutcome {
	primary, fallback, hasFallback := ocrclient.VariantURLs(ref.CDNURL)

	result, err := e.ocr.Extract(ctx, primary)
	var trigger *ocrclient.FallbackTrigger
	if errors.As(err, &trigger) && hasFallback {
		result, err = e.ocr.Extract(ctx, fallback)
	}

	if err != nil {
		return e.classifyOCRError(ref, err)
	}

	updated := doc.WithOCR(result.Text)
	blob, err := updated.Marshal()
	if err != nil {
		msg := err.Error()
		return refOutcome{status: chunkstate.RefError, retryCount: ref.RetryCount, errMsg: &msg}
	}

	up, err := e.storeCli.Upload(ctx, ref.PI, blob, ref.Filename)
	if err != nil {
		msg := err.Error()
		return refOutcome{status: chunkstate.RefError, retryCount: ref.RetryCount, errMsg: &msg}
	}

	textLen := len(result.Text)
	return refOutcome{status: chunkstate.RefDone, retryCount: ref.RetryCount, resultCID: &up.CID, textLength: &textLen}
}

// classifyOCRError maps a rejected OCR call to the ref's next state.
// Rate limit re-queues without counting against the retry cap;
// permanent is terminal on first occurrence; transient counts toward
// MaxRetriesPerRef and turns terminal once the cap is reached.
func (e *Engine) classifyOCRError(ref chunkstate.Ref, err error) refOutcome {
	var rateLimit *ocrclient.RateLimitError
	if errors.As(err, &rateLimit) {
		return refOutcome{status: chunkstate.RefPending, retryCount: ref.RetryCount, hadRateLimit: true}
	}

	var permanent *ocrclient.PermanentError
	if errors.As(err, &permanent) {
		msg := permanent.Error()
		return refOutcome{status: chunkstate.RefError, retryCount: ref.RetryCount, errMsg: &msg}
	}

	retryCount := ref.RetryCount + 1
	if retryCount >= e.cfg.MaxRetriesPerRef {
		msg := err.Error()
		return refOutcome{status: chunkstate.RefError, retryCount: retryCount, errMsg: &msg}
	}
	return refOutcome{status: chunkstate.RefPending, retryCount: retryCount}
}
