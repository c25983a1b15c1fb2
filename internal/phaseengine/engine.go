// Package phaseengine implements the chunk worker's core state machine:
// a cooperative, single-flight-per-chunk, timer-driven loop that
// advances FETCHING → PROCESSING → PUBLISHING → DONE/ERROR. Every fire
// reads persisted state before acting, so a missed or duplicated fire
// is harmless and the engine can resume at any boundary.
package phaseengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arke-institute/chunkocr/internal/backoff"
	"github.com/arke-institute/chunkocr/internal/callback"
	"github.com/arke-institute/chunkocr/internal/chunkstate"
	"github.com/arke-institute/chunkocr/internal/metrics"
	"github.com/arke-institute/chunkocr/internal/ocrclient"
	"github.com/arke-institute/chunkocr/internal/store"
	"github.com/arke-institute/chunkocr/internal/storeclient"
)

// Config is the subset of internal/config.Config the engine needs.
type Config struct {
	MaxParallelOCR   int
	MaxRetriesPerRef int
	MaxGlobalRetries int
	AlarmInterval    time.Duration
}

// Engine drives every active chunk's phase transitions. One Engine is
// shared by the whole process; per-chunk serialization is provided by an
// internal mutex registry, not by one goroutine per chunk.
type Engine struct {
	store    store.Store
	ocr      *ocrclient.Client
	storeCli *storeclient.Client
	callback *callback.Dispatcher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config

	mu     sync.Mutex
	chunks map[chunkstate.Key]*sync.Mutex
	timers map[chunkstate.Key]*time.Timer
}

// New constructs an Engine. Every collaborator is injected.
func New(st store.Store, ocr *ocrclient.Client, storeCli *storeclient.Client, cb *callback.Dispatcher, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Engine {
	return &Engine{
		store:    st,
		ocr:      ocr,
		storeCli: storeCli,
		callback: cb,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		chunks:   make(map[chunkstate.Key]*sync.Mutex),
		timers:   make(map[chunkstate.Key]*time.Timer),
	}
}

func (e *Engine) lockFor(key chunkstate.Key) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.chunks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.chunks[key] = lock
	}
	return lock
}

// AcceptResult is returned by Accept for the POST /process response.
type AcceptResult struct {
	AlreadyProcessing bool
	Phase             chunkstate.Phase
	TotalPIs          int
}

// Accept handles a POST /process submission: reject with
// already_processing if non-terminal state exists for the key, else
// clear any old rows and reinitialize.
func (e *Engine) Accept(ctx context.Context, batchID, chunkID string, pis []string) (AcceptResult, error) {
	key := chunkstate.Key{BatchID: batchID, ChunkID: chunkID}
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	existing, err := e.store.GetState(ctx, key)
	if err == nil && !existing.Phase.Terminal() {
		return AcceptResult{AlreadyProcessing: true, Phase: existing.Phase}, nil
	}
	if err != nil && err != store.ErrNotFound {
		return AcceptResult{}, fmt.Errorf("accept %s/%s: %w", batchID, chunkID, err)
	}

	state := chunkstate.ChunkState{
		BatchID:   batchID,
		ChunkID:   chunkID,
		StartedAt: timeNow(),
		Phase:     chunkstate.PhaseFetching,
	}
	piRows := make([]chunkstate.PI, 0, len(pis))
	for _, pi := range pis {
		piRows = append(piRows, chunkstate.PI{BatchID: batchID, ChunkID: chunkID, PI: pi})
	}

	if err := e.store.CreateChunk(ctx, state, piRows); err != nil {
		return AcceptResult{}, fmt.Errorf("create chunk %s/%s: %w", batchID, chunkID, err)
	}

	// A zero-PI chunk is not rejected; it advances straight through
	// FETCH to DONE and delivers an empty callback.
	e.arm(key, e.cfg.AlarmInterval)

	return AcceptResult{TotalPIs: len(pis)}, nil
}

// StatusResult is the read-only projection returned by GET /status.
type StatusResult struct {
	Found    bool
	Phase    chunkstate.Phase
	Progress store.Progress
	Backoff  store.BackoffSummary
	Error    string
	DebugLog []string
}

// Status returns a read-only snapshot for GET /status, safe to call
// concurrently with an in-flight fire.
func (e *Engine) Status(ctx context.Context, key chunkstate.Key) (StatusResult, error) {
	state, err := e.store.GetState(ctx, key)
	if err == store.ErrNotFound {
		return StatusResult{}, nil
	}
	if err != nil {
		return StatusResult{}, fmt.Errorf("status %s/%s: %w", key.BatchID, key.ChunkID, err)
	}

	pending, err := e.store.CountPendingRefs(ctx, key)
	if err != nil {
		return StatusResult{}, fmt.Errorf("status pending count %s/%s: %w", key.BatchID, key.ChunkID, err)
	}

	entries, err := e.store.TailDebugLog(ctx, key, chunkstate.MaxDebugLogEntries)
	if err != nil {
		return StatusResult{}, fmt.Errorf("status debug log %s/%s: %w", key.BatchID, key.ChunkID, err)
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, fmt.Sprintf("%s %s", entry.Timestamp.Format(time.RFC3339), entry.Message))
	}

	result := StatusResult{
		Found: true,
		Phase: state.Phase,
		Progress: store.Progress{
			TotalRefs: state.TotalRefs,
			Completed: state.CompletedRefs,
			Failed:    state.FailedRefs,
			Skipped:   state.SkippedRefs,
			Pending:   pending,
		},
		Backoff: store.BackoffSummary{
			ConsecutiveErrors: state.Backoff.ConsecutiveErrors,
			BackoffUntil:      state.Backoff.BackoffUntil,
		},
		DebugLog: lines,
	}
	if state.GlobalError != nil {
		result.Error = *state.GlobalError
	}
	return result, nil
}

// arm schedules a fire for key after d. There is a single outstanding
// timer per chunk; the most recently set one wins.
func (e *Engine) arm(key chunkstate.Key, d time.Duration) {
	e.mu.Lock()
	if t, ok := e.timers[key]; ok {
		t.Stop()
	}
	e.timers[key] = time.AfterFunc(d, func() { e.fire(context.Background(), key) })
	e.mu.Unlock()
}

func (e *Engine) disarm(key chunkstate.Key) {
	e.mu.Lock()
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
	delete(e.chunks, key)
	e.mu.Unlock()
}

// fire is the single re-entrant step of the phase engine: read state,
// execute the current phase's bounded work, persist, schedule the next
// fire. The per-chunk lock guarantees no two fires for the same key
// ever overlap.
func (e *Engine) fire(ctx context.Context, key chunkstate.Key) {
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.store.GetState(ctx, key)
	if err == store.ErrNotFound {
		return // cleaned up already (e.g. racing callback success)
	}
	if err != nil {
		e.logger.Error("load state failed", zap.String("batch_id", key.BatchID), zap.String("chunk_id", key.ChunkID), zap.Error(err))
		e.arm(key, e.globalRetryDelay(0))
		return
	}
	if state.Phase.Terminal() {
		return
	}

	e.metrics.PhaseFires.WithLabelValues(string(state.Phase)).Inc()

	var fireErr error
	switch state.Phase {
	case chunkstate.PhaseFetching:
		fireErr = e.runFetch(ctx, &state)
	case chunkstate.PhaseProcessing:
		fireErr = e.runProcess(ctx, &state)
	case chunkstate.PhasePublishing:
		fireErr = e.runPublish(ctx, &state)
	}

	if fireErr != nil {
		e.handleFireError(ctx, key, &state, fireErr)
		return
	}

	state.GlobalRetryCount = 0
	if err := e.store.SaveState(ctx, state); err != nil {
		e.logger.Error("save state failed", zap.String("batch_id", key.BatchID), zap.String("chunk_id", key.ChunkID), zap.Error(err))
		e.arm(key, e.globalRetryDelay(0))
		return
	}

	if state.Phase.Terminal() {
		e.disarm(key)
		go e.callback.Dispatch(context.Background(), key)
		return
	}

	e.arm(key, e.nextFireDelay(state))
}

// handleFireError absorbs an unhandled error from a phase: increment
// global_retry_count and reschedule with exponential backoff; after
// MaxGlobalRetries the worker enters ERROR and the error callback goes
// out.
func (e *Engine) handleFireError(ctx context.Context, key chunkstate.Key, state *chunkstate.ChunkState, fireErr error) {
	state.GlobalRetryCount++
	e.logger.Warn("phase fire failed",
		zap.String("batch_id", key.BatchID), zap.String("chunk_id", key.ChunkID),
		zap.Int("global_retry_count", state.GlobalRetryCount), zap.Error(fireErr))
	_ = e.store.AppendDebugLog(ctx, chunkstate.DebugLogEntry{
		BatchID: key.BatchID, ChunkID: key.ChunkID, Timestamp: timeNow(),
		Message: fmt.Sprintf("fire error (retry %d): %v", state.GlobalRetryCount, fireErr),
	})

	if state.GlobalRetryCount > e.cfg.MaxGlobalRetries {
		state.Phase = chunkstate.PhaseError
		msg := fireErr.Error()
		state.GlobalError = &msg
		completedAt := timeNow()
		state.CompletedAt = &completedAt
		if err := e.store.SaveState(ctx, *state); err != nil {
			e.logger.Error("save error state failed", zap.Error(err))
		}
		e.disarm(key)
		go e.callback.Dispatch(context.Background(), key)
		return
	}

	if err := e.store.SaveState(ctx, *state); err != nil {
		e.logger.Error("save retrying state failed", zap.Error(err))
	}
	e.arm(key, e.globalRetryDelay(state.GlobalRetryCount))
}

// globalRetryDelay is the exponential backoff for timer-level errors:
// min(60s, 1s * 2^retry).
func (e *Engine) globalRetryDelay(retry int) time.Duration {
	d := time.Second * time.Duration(1<<uint(retry))
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

// nextFireDelay picks the re-entry cadence after a successful fire:
// AlarmInterval for normal progress, or the backoff-aware delay when
// PROCESSING left the chunk in a rate-limit backoff window.
func (e *Engine) nextFireDelay(state chunkstate.ChunkState) time.Duration {
	if state.Phase == chunkstate.PhaseProcessing && state.Backoff.BackoffUntil != nil {
		ctrl := backoff.New(state.Backoff.ConsecutiveErrors, state.Backoff.BackoffUntil)
		if d := ctrl.RemainingReentryDelay(timeNow()); d > 0 {
			return d
		}
	}
	return e.cfg.AlarmInterval
}

// timeNow is the single indirection point for "now," kept as a function
// value (not time.Now() inlined everywhere) so tests can override it
// without a full clock-injection interface.
var timeNow = time.Now
