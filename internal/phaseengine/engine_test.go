package phaseengine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/arke-institute/chunkocr/internal/callback"
	"github.com/arke-institute/chunkocr/internal/chunkstate"
	"github.com/arke-institute/chunkocr/internal/metrics"
	"github.com/arke-institute/chunkocr/internal/ocrclient"
	"github.com/arke-institute/chunkocr/internal/store/memstore"
	"github.com/arke-institute/chunkocr/internal/storeclient"
)

// ocrFault is one scripted failure response, consumed before any
// success text scripted for the same URL.
type ocrFault struct {
	status int
	body   string
}

// fakeBackends wires an in-memory CAS store (manifests + blobs) and a
// scripted OCR provider behind httptest servers, so the whole FETCH ->
// PROCESS -> PUBLISH cycle runs without any network dependency. The
// mutex matters: PROCESSING dispatches refs in parallel, so uploads
// land concurrently.
type fakeBackends struct {
	storeSrv *httptest.Server
	ocrSrv   *httptest.Server

	mu             sync.Mutex
	entities       map[string]storeclient.Entity
	blobs          map[string][]byte
	nextCID        int
	failAppendOnce bool

	ocrText   map[string]string
	ocrFaults map[string][]ocrFault
	ocrCalls  map[string]int
}

func newFakeBackends(t *testing.T) *fakeBackends {
	t.Helper()
	fb := &fakeBackends{
		entities:  make(map[string]storeclient.Entity),
		blobs:     make(map[string][]byte),
		ocrText:   make(map[string]string),
		ocrFaults: make(map[string][]ocrFault),
		ocrCalls:  make(map[string]int),
	}

	fb.storeSrv = httptest.NewServer(http.HandlerFunc(fb.handleStore))
	fb.ocrSrv = httptest.NewServer(http.HandlerFunc(fb.handleOCR))
	return fb
}

func (fb *fakeBackends) close() {
	fb.storeSrv.Close()
	fb.ocrSrv.Close()
}

func (fb *fakeBackends) putBlob(data []byte) string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.putBlobLocked(data)
}

func (fb *fakeBackends) putBlobLocked(data []byte) string {
	fb.nextCID++
	cid := fmt.Sprintf("cid-%d", fb.nextCID)
	fb.blobs[cid] = data
	return cid
}

func (fb *fakeBackends) handleStore(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/upload"):
		body, _ := io.ReadAll(r.Body)
		cid := fb.putBlobLocked(body)
		_ = json.NewEncoder(w).Encode(storeclient.UploadResult{CID: cid, Size: int64(len(body))})
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/entity/") && strings.HasSuffix(path, "/tip"):
		pi := strings.TrimSuffix(strings.TrimPrefix(path, "/entity/"), "/tip")
		entity := fb.entities[pi]
		_ = json.NewEncoder(w).Encode(storeclient.TipResolution{ID: pi, Tip: entity.Tip})
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/entity/"):
		pi := strings.TrimPrefix(path, "/entity/")
		_ = json.NewEncoder(w).Encode(fb.entities[pi])
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/blob/"):
		cid := strings.TrimPrefix(path, "/blob/")
		_, _ = w.Write(fb.blobs[cid])
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/append"):
		pi := strings.TrimSuffix(strings.TrimPrefix(path, "/entity/"), "/append")
		var req struct {
			ExpectTip  string            `json:"expect_tip"`
			Components map[string]string `json:"components"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		entity := fb.entities[pi]
		if fb.failAppendOnce {
			// Simulate an external writer advancing the tip between the
			// caller's resolve and its append.
			fb.failAppendOnce = false
			entity.Tip = entity.Tip + "-moved"
			fb.entities[pi] = entity
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(storeclient.TipResolution{ID: pi, Tip: entity.Tip})
			return
		}
		if entity.Tip != req.ExpectTip {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(storeclient.TipResolution{ID: pi, Tip: entity.Tip})
			return
		}
		entity.Version++
		entity.Tip = fmt.Sprintf("tip-v%d", entity.Version)
		if entity.Components == nil {
			entity.Components = make(map[string]string)
		}
		for filename, cid := range req.Components {
			entity.Components[filename] = cid
		}
		fb.entities[pi] = entity
		_ = json.NewEncoder(w).Encode(storeclient.AppendResult{Version: entity.Version, Tip: entity.Tip})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (fb *fakeBackends) handleOCR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageURL string `json:"image_url"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.ocrCalls[req.ImageURL]++

	if faults := fb.ocrFaults[req.ImageURL]; len(faults) > 0 {
		fault := faults[0]
		fb.ocrFaults[req.ImageURL] = faults[1:]
		w.WriteHeader(fault.status)
		_ = json.NewEncoder(w).Encode(struct {
			Error string `json:"error"`
		}{Error: fault.body})
		return
	}

	text, ok := fb.ocrText[req.ImageURL]
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "400 failed to download"}`))
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		Content string `json:"content"`
	}{Content: text})
}

func (fb *fakeBackends) callsTo(url string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.ocrCalls[url]
}

func newTestEngine(t *testing.T, fb *fakeBackends) *Engine {
	t.Helper()
	st := memstore.New()
	storeCli := storeclient.New(fb.storeSrv.Client(), fb.storeSrv.URL, "")
	ocrCli := ocrclient.New(fb.ocrSrv.URL, "", 5*time.Second)
	m := metrics.New(prometheus.NewRegistry())
	cb := callback.New(nil, "http://127.0.0.1:0", st, m, zap.NewNop())

	cfg := Config{MaxParallelOCR: 20, MaxRetriesPerRef: 3, MaxGlobalRetries: 5, AlarmInterval: 10 * time.Millisecond}
	return New(st, ocrCli, storeCli, cb, m, zap.NewNop(), cfg)
}

// seedChunk inserts one chunk with the given PI and returns its
// initialized state, ready for runFetch.
func seedChunk(t *testing.T, engine *Engine, key chunkstate.Key, pi string) chunkstate.ChunkState {
	t.Helper()
	state := chunkstate.ChunkState{BatchID: key.BatchID, ChunkID: key.ChunkID, Phase: chunkstate.PhaseFetching, StartedAt: time.Now()}
	err := engine.store.CreateChunk(context.Background(), state, []chunkstate.PI{{BatchID: key.BatchID, ChunkID: key.ChunkID, PI: pi}})
	if err != nil {
		t.Fatalf("CreateChunk: %v", err)
	}
	return state
}

func TestHappyPathOnePIOneRef(t *testing.T) {
	fb := newFakeBackends(t)
	defer fb.close()

	refJSON := `{"url": "https://cdn.example.org/asset/ABC123"}`
	cid := fb.putBlob([]byte(refJSON))
	fb.entities["pi-1"] = storeclient.Entity{
		ID: "pi-1", Tip: "tip-v0",
		Components: map[string]string{"img.ref.json": cid},
	}
	fb.ocrText["https://cdn.example.org/asset/ABC123/medium"] = "Hello"

	engine := newTestEngine(t, fb)
	ctx := context.Background()
	key := chunkstate.Key{BatchID: "batch-1", ChunkID: "chunk-1"}
	state := seedChunk(t, engine, key, "pi-1")

	if err := engine.runFetch(ctx, &state); err != nil {
		t.Fatalf("runFetch: %v", err)
	}
	if state.Phase != chunkstate.PhaseProcessing || state.TotalRefs != 1 {
		t.Fatalf("unexpected state after fetch: %+v", state)
	}

	if err := engine.runProcess(ctx, &state); err != nil {
		t.Fatalf("runProcess: %v", err)
	}
	if state.CompletedRefs != 1 {
		t.Fatalf("expected 1 completed ref, got %+v", state)
	}
	if err := engine.store.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	if err := engine.runProcess(ctx, &state); err != nil {
		t.Fatalf("second runProcess: %v", err)
	}
	if state.Phase != chunkstate.PhasePublishing {
		t.Fatalf("expected PUBLISHING after drained queue, got %v", state.Phase)
	}

	if err := engine.runPublish(ctx, &state); err != nil {
		t.Fatalf("runPublish: %v", err)
	}
	if state.Phase != chunkstate.PhaseDone {
		t.Fatalf("expected DONE, got %v", state.Phase)
	}

	pis, err := engine.store.ListPIs(ctx, key)
	if err != nil || len(pis) != 1 || !pis[0].EntityUpdated || pis[0].NewVersion == nil || *pis[0].NewVersion != 1 {
		t.Fatalf("unexpected pi state: %+v, err %v", pis, err)
	}
}

func TestRateLimitThenSucceed(t *testing.T) {
	fb := newFakeBackends(t)
	defer fb.close()

	refJSON := `{"url": "https://cdn.example.org/asset/ABC123"}`
	cid := fb.putBlob([]byte(refJSON))
	fb.entities["pi-1"] = storeclient.Entity{ID: "pi-1", Tip: "tip-v0", Components: map[string]string{"img.ref.json": cid}}

	primary := "https://cdn.example.org/asset/ABC123/medium"
	fb.ocrFaults[primary] = []ocrFault{{status: http.StatusTooManyRequests, body: "rate limit exceeded"}}
	fb.ocrText[primary] = "Hello after throttle"

	engine := newTestEngine(t, fb)
	ctx := context.Background()
	key := chunkstate.Key{BatchID: "batch-1", ChunkID: "chunk-1"}
	state := seedChunk(t, engine, key, "pi-1")

	_ = engine.runFetch(ctx, &state)
	if err := engine.runProcess(ctx, &state); err != nil {
		t.Fatalf("runProcess: %v", err)
	}
	if state.Backoff.ConsecutiveErrors != 1 || state.Backoff.BackoffUntil == nil {
		t.Fatalf("expected backoff engaged after rate limit, got %+v", state.Backoff)
	}
	if state.CompletedRefs != 0 || state.FailedRefs != 0 {
		t.Fatalf("rate-limited ref must not count as terminal: %+v", state)
	}
	pending, _ := engine.store.CountPendingRefs(ctx, key)
	if pending != 1 {
		t.Fatalf("expected ref re-queued as pending, got %d", pending)
	}

	// A fire inside the backoff window does nothing.
	if err := engine.runProcess(ctx, &state); err != nil {
		t.Fatalf("in-backoff runProcess: %v", err)
	}
	if state.CompletedRefs != 0 {
		t.Fatalf("backoff window must withhold dispatch, got %+v", state)
	}

	// Expire the window, then the retry succeeds and the streak resets.
	past := time.Now().Add(-time.Second)
	state.Backoff.BackoffUntil = &past
	if err := engine.runProcess(ctx, &state); err != nil {
		t.Fatalf("post-backoff runProcess: %v", err)
	}
	if state.CompletedRefs != 1 {
		t.Fatalf("expected retry to complete the ref, got %+v", state)
	}
	if state.Backoff.ConsecutiveErrors != 0 || state.Backoff.BackoffUntil != nil {
		t.Fatalf("expected backoff reset after success, got %+v", state.Backoff)
	}
}

func TestPermanentFailureMixedWithSuccess(t *testing.T) {
	fb := newFakeBackends(t)
	defer fb.close()

	goodJSON := `{"url": "https://cdn.example.org/asset/GOOD"}`
	badJSON := `{"url": "https://cdn.example.org/asset/BAD"}`
	goodCID := fb.putBlob([]byte(goodJSON))
	badCID := fb.putBlob([]byte(badJSON))
	fb.entities["pi-1"] = storeclient.Entity{
		ID: "pi-1", Tip: "tip-v0",
		Components: map[string]string{"good.ref.json": goodCID, "bad.ref.json": badCID},
	}
	fb.ocrText["https://cdn.example.org/asset/GOOD/medium"] = "Readable"
	fb.ocrFaults["https://cdn.example.org/asset/BAD/medium"] = []ocrFault{
		{status: http.StatusBadRequest, body: "unsupported file format"},
	}

	engine := newTestEngine(t, fb)
	ctx := context.Background()
	key := chunkstate.Key{BatchID: "batch-1", ChunkID: "chunk-1"}
	state := seedChunk(t, engine, key, "pi-1")

	_ = engine.runFetch(ctx, &state)
	if err := engine.runProcess(ctx, &state); err != nil {
		t.Fatalf("runProcess: %v", err)
	}
	if state.CompletedRefs != 1 || state.FailedRefs != 1 {
		t.Fatalf("expected 1 completed + 1 failed, got %+v", state)
	}

	refs, err := engine.store.AllRefsForPI(ctx, key, "pi-1")
	if err != nil {
		t.Fatalf("AllRefsForPI: %v", err)
	}
	for _, ref := range refs {
		if ref.Filename == "bad.ref.json" {
			if ref.Status != chunkstate.RefError || ref.Error == nil {
				t.Fatalf("permanent failure not terminal: %+v", ref)
			}
			if ref.RetryCount != 0 {
				t.Fatalf("permanent failure must not consume retries: %+v", ref)
			}
		}
	}

	// Publish carries only the successful component.
	if err := engine.runProcess(ctx, &state); err != nil {
		t.Fatalf("drain runProcess: %v", err)
	}
	if err := engine.runPublish(ctx, &state); err != nil {
		t.Fatalf("runPublish: %v", err)
	}
	entityComponents := fb.entities["pi-1"].Components
	if _, ok := entityComponents["good.ref.json"]; !ok {
		t.Fatalf("expected good.ref.json published, got %+v", entityComponents)
	}
	if entityComponents["bad.ref.json"] != badCID {
		t.Fatalf("failed ref's component must stay at its original cid, got %+v", entityComponents)
	}
}

func TestCASConflictThenResolution(t *testing.T) {
	fb := newFakeBackends(t)
	defer fb.close()

	// Skip path: the ref already carries ocr text, so the OCR provider
	// is never called and the test isolates publish behavior.
	refJSON := `{"url": "https://cdn.example.org/asset/ABC123", "ocr": "prior"}`
	cid := fb.putBlob([]byte(refJSON))
	fb.entities["pi-1"] = storeclient.Entity{ID: "pi-1", Tip: "tip-v0", Components: map[string]string{"img.ref.json": cid}}
	fb.failAppendOnce = true

	engine := newTestEngine(t, fb)
	ctx := context.Background()
	key := chunkstate.Key{BatchID: "batch-1", ChunkID: "chunk-1"}
	state := seedChunk(t, engine, key, "pi-1")

	_ = engine.runFetch(ctx, &state)
	_ = engine.runProcess(ctx, &state)
	if state.SkippedRefs != 1 {
		t.Fatalf("expected skip, got %+v", state)
	}
	_ = engine.runProcess(ctx, &state)
	if err := engine.runPublish(ctx, &state); err != nil {
		t.Fatalf("runPublish: %v", err)
	}

	pis, err := engine.store.ListPIs(ctx, key)
	if err != nil || len(pis) != 1 {
		t.Fatalf("ListPIs = %+v, err %v", pis, err)
	}
	pi := pis[0]
	if pi.EntityError != nil {
		t.Fatalf("expected conflict resolved via fresh tip, got entity error %q", *pi.EntityError)
	}
	if !pi.EntityUpdated || pi.NewVersion == nil || *pi.NewVersion != 1 {
		t.Fatalf("expected publish to land after one conflict, got %+v", pi)
	}
}

func TestVariantFallback(t *testing.T) {
	fb := newFakeBackends(t)
	defer fb.close()

	refJSON := `{"url": "https://cdn.example.org/asset/ABC123"}`
	cid := fb.putBlob([]byte(refJSON))
	fb.entities["pi-1"] = storeclient.Entity{ID: "pi-1", Tip: "tip-v0", Components: map[string]string{"img.ref.json": cid}}
	// Primary (/medium) has no scripted text -> 400 failed to download
	// -> one retry on the bare asset URL.
	fb.ocrText["https://cdn.example.org/asset/ABC123"] = "fallback text"

	engine := newTestEngine(t, fb)
	ctx := context.Background()
	key := chunkstate.Key{BatchID: "batch-1", ChunkID: "chunk-1"}
	state := seedChunk(t, engine, key, "pi-1")

	_ = engine.runFetch(ctx, &state)
	if err := engine.runProcess(ctx, &state); err != nil {
		t.Fatalf("runProcess: %v", err)
	}
	if state.CompletedRefs != 1 {
		t.Fatalf("expected fallback to complete the ref, got %+v", state)
	}
	if got := fb.callsTo("https://cdn.example.org/asset/ABC123/medium"); got != 1 {
		t.Fatalf("primary calls = %d, want 1", got)
	}
	if got := fb.callsTo("https://cdn.example.org/asset/ABC123"); got != 1 {
		t.Fatalf("fallback calls = %d, want 1", got)
	}
}

func TestSkipRefWithExistingOCR(t *testing.T) {
	fb := newFakeBackends(t)
	defer fb.close()

	refJSON := `{"url": "https://cdn.example.org/asset/ABC123", "ocr": "already done"}`
	cid := fb.putBlob([]byte(refJSON))
	fb.entities["pi-1"] = storeclient.Entity{ID: "pi-1", Tip: "tip-v0", Components: map[string]string{"img.ref.json": cid}}

	engine := newTestEngine(t, fb)
	ctx := context.Background()
	key := chunkstate.Key{BatchID: "batch-1", ChunkID: "chunk-1"}
	state := seedChunk(t, engine, key, "pi-1")

	_ = engine.runFetch(ctx, &state)
	if err := engine.runProcess(ctx, &state); err != nil {
		t.Fatalf("runProcess: %v", err)
	}
	if state.SkippedRefs != 1 || state.CompletedRefs != 0 {
		t.Fatalf("expected skip, got %+v", state)
	}
	if got := fb.callsTo("https://cdn.example.org/asset/ABC123/medium"); got != 0 {
		t.Fatalf("skip path must not call the OCR provider, got %d calls", got)
	}

	refs, _ := engine.store.AllRefsForPI(ctx, key, "pi-1")
	if len(refs) != 1 || refs[0].ResultCID == nil || refs[0].OCRTextLen == nil || *refs[0].OCRTextLen != len("already done") {
		t.Fatalf("unexpected skipped ref: %+v", refs)
	}
}
