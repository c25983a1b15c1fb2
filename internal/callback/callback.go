// Package callback implements the at-least-once callback dispatcher:
// on DONE or ERROR, POST a per-PI result summary to the orchestrator,
// retry a bounded number of times with a fixed delay, then clean up the
// chunk's tables on success or preserve them on exhaustion so /status
// stays readable until the orchestrator rediscovers the chunk.
package callback

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/arke-institute/chunkocr/internal/chunkstate"
	"github.com/arke-institute/chunkocr/internal/metrics"
	"github.com/arke-institute/chunkocr/internal/store"
)

const (
	maxCallbackRetries = 3
	callbackRetryDelay = 5 * time.Second
)

// Dispatcher builds and delivers the per-chunk callback.
type Dispatcher struct {
	httpClient *http.Client
	baseURL    string
	store      store.Store
	metrics    *metrics.Metrics
	logger     *zap.Logger
	retryDelay time.Duration
}

// New constructs a Dispatcher bound to the orchestrator's base URL.
func New(httpClient *http.Client, baseURL string, st store.Store, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Dispatcher{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		store:      st,
		metrics:    m,
		logger:     logger,
		retryDelay: callbackRetryDelay,
	}
}

// piResult is one entry in the callback's "results" array.
type piResult struct {
	PI            string          `json:"pi"`
	Status        string          `json:"status"`
	NewTip        *string         `json:"new_tip,omitempty"`
	NewVersion    *int            `json:"new_version,omitempty"`
	RefsCompleted int             `json:"refs_completed"`
	RefsFailed    int             `json:"refs_failed"`
	FailedRefs    []failedRefItem `json:"failed_refs,omitempty"`
}

type failedRefItem struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

type summary struct {
	TotalRefs        int   `json:"total_refs"`
	Completed        int   `json:"completed"`
	Failed           int   `json:"failed"`
	Skipped          int   `json:"skipped"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

type payload struct {
	BatchID string     `json:"batch_id"`
	ChunkID string     `json:"chunk_id"`
	Status  string     `json:"status"`
	Results []piResult `json:"results"`
	Summary summary    `json:"summary"`
	Error   string     `json:"error,omitempty"`
}

// Dispatch builds the callback payload for key and POSTs it to the
// orchestrator. On 2xx, wipes the chunk's tables. On exhaustion,
// preserves state so an operator or poller can still read /status; the
// orchestrator owns rediscovery from there.
func (d *Dispatcher) Dispatch(ctx context.Context, key chunkstate.Key) {
	state, err := d.store.GetState(ctx, key)
	if err != nil {
		d.logger.Error("callback: load state failed", zap.String("batch_id", key.BatchID), zap.String("chunk_id", key.ChunkID), zap.Error(err))
		return
	}

	body, err := d.buildPayload(ctx, key, state)
	if err != nil {
		d.logger.Error("callback: build payload failed", zap.String("batch_id", key.BatchID), zap.String("chunk_id", key.ChunkID), zap.Error(err))
		return
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/callback/ocr/"+key.BatchID, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build callback request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			d.recordFailedAttempt(ctx, &state)
			return fmt.Errorf("callback request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 300 {
			return nil
		}
		d.recordFailedAttempt(ctx, &state)
		return fmt.Errorf("callback non-2xx response: %d", resp.StatusCode)
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(d.retryDelay), maxCallbackRetries)
	err = backoff.Retry(operation, backoff.WithContext(policy, ctx))

	if err != nil {
		d.metrics.CallbackAttempts.WithLabelValues("exhausted").Inc()
		d.logger.Warn("callback delivery exhausted, preserving state",
			zap.String("batch_id", key.BatchID), zap.String("chunk_id", key.ChunkID), zap.Error(err))
		return
	}

	d.metrics.CallbackAttempts.WithLabelValues("delivered").Inc()
	if err := d.store.Cleanup(ctx, key); err != nil {
		d.logger.Error("callback: cleanup failed", zap.String("batch_id", key.BatchID), zap.String("chunk_id", key.ChunkID), zap.Error(err))
	}
}

// recordFailedAttempt bumps the persisted global_retry_count so a
// /status read during a retry window shows how many deliveries failed.
func (d *Dispatcher) recordFailedAttempt(ctx context.Context, state *chunkstate.ChunkState) {
	state.GlobalRetryCount++
	if err := d.store.SaveState(ctx, *state); err != nil {
		d.logger.Warn("callback: save retry count failed",
			zap.String("batch_id", state.BatchID), zap.String("chunk_id", state.ChunkID), zap.Error(err))
	}
}

func (d *Dispatcher) buildPayload(ctx context.Context, key chunkstate.Key, state chunkstate.ChunkState) ([]byte, error) {
	p := payload{
		BatchID: key.BatchID,
		ChunkID: key.ChunkID,
		Summary: summary{
			TotalRefs: state.TotalRefs,
			Completed: state.CompletedRefs,
			Failed:    state.FailedRefs,
			Skipped:   state.SkippedRefs,
		},
	}
	if state.CompletedAt != nil {
		p.Summary.ProcessingTimeMs = state.CompletedAt.Sub(state.StartedAt).Milliseconds()
	}
	if state.GlobalError != nil {
		p.Error = *state.GlobalError
	}

	pis, err := d.store.ListPIs(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list pis: %w", err)
	}

	allSuccess, allError := true, true
	for _, pi := range pis {
		refs, err := d.store.CompletedRefsForPI(ctx, key, pi.PI)
		if err != nil {
			return nil, fmt.Errorf("completed refs for pi %s: %w", pi.PI, err)
		}
		completed := len(refs)
		failed := 0
		var failedItems []failedRefItem
		allRefs, err := d.store.AllRefsForPI(ctx, key, pi.PI)
		if err != nil {
			return nil, fmt.Errorf("all refs for pi %s: %w", pi.PI, err)
		}
		for _, ref := range allRefs {
			if ref.Status == chunkstate.RefError {
				failed++
				msg := ""
				if ref.Error != nil {
					msg = *ref.Error
				}
				failedItems = append(failedItems, failedRefItem{Filename: ref.Filename, Error: msg})
			}
		}

		status := piStatus(pi, completed, failed)
		if status != "success" {
			allSuccess = false
		}
		if status != "error" {
			allError = false
		}

		p.Results = append(p.Results, piResult{
			PI:            pi.PI,
			Status:        status,
			NewTip:        pi.NewTip,
			NewVersion:    pi.NewVersion,
			RefsCompleted: completed,
			RefsFailed:    failed,
			FailedRefs:    failedItems,
		})
	}

	switch {
	case state.Phase == chunkstate.PhaseError:
		p.Status = "error"
	case len(pis) == 0:
		p.Status = "success"
	case allSuccess:
		p.Status = "success"
	case allError:
		p.Status = "error"
	default:
		p.Status = "partial"
	}

	return json.Marshal(p)
}

// piStatus derives one PI's reported status: error if entity_error is
// present or all refs failed with none completed; partial if some
// completed and some failed; success otherwise.
func piStatus(pi chunkstate.PI, completed, failed int) string {
	if pi.EntityError != nil {
		return "error"
	}
	if failed > 0 && completed == 0 {
		return "error"
	}
	if failed > 0 && completed > 0 {
		return "partial"
	}
	return "success"
}

