package contextfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/arke-institute/chunkocr/internal/chunkstate"
	"github.com/arke-institute/chunkocr/internal/storeclient"
)

func newTestFetcher(t *testing.T, handler http.HandlerFunc) (*Fetcher, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	client := storeclient.New(srv.Client(), srv.URL, "")
	return New(client, zap.NewNop()), srv.Close
}

func TestFetchPISkipsRefsWithoutURL(t *testing.T) {
	fetcher, closeSrv := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/entity/pi-1":
			_ = json.NewEncoder(w).Encode(storeclient.Entity{
				ID:  "pi-1",
				Tip: "tip-1",
				Components: map[string]string{
					"a.ref.json":    "cid-a",
					"b.ref.json":    "cid-b",
					"manifest.json": "cid-manifest",
				},
			})
		case r.URL.Path == "/blob/cid-a":
			_, _ = w.Write([]byte(`{"url": "https://cdn.example.org/asset/a"}`))
		case r.URL.Path == "/blob/cid-b":
			_, _ = w.Write([]byte(`{"ocr": "no url here"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer closeSrv()

	result := fetcher.FetchPI(context.Background(), "batch-1", "chunk-1", "pi-1")
	if result.FetchFailed {
		t.Fatal("expected FetchFailed=false")
	}
	if len(result.Refs) != 1 {
		t.Fatalf("expected 1 ref (b.ref.json skipped, manifest.json not a ref), got %d: %+v", len(result.Refs), result.Refs)
	}
	if result.Refs[0].Filename != "a.ref.json" || result.Refs[0].CDNURL != "https://cdn.example.org/asset/a" {
		t.Fatalf("unexpected ref: %+v", result.Refs[0])
	}
}

func TestFetchPIManifestFailureYieldsEmptyRefList(t *testing.T) {
	fetcher, closeSrv := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer closeSrv()

	result := fetcher.FetchPI(context.Background(), "batch-1", "chunk-1", "pi-1")
	if !result.FetchFailed {
		t.Fatal("expected FetchFailed=true")
	}
	if len(result.Refs) != 0 {
		t.Fatalf("expected empty ref list, got %+v", result.Refs)
	}
}

func TestTotalRefs(t *testing.T) {
	results := []PIResult{
		{PI: "pi-1", Refs: make([]chunkstate.Ref, 2)},
		{PI: "pi-2", Refs: make([]chunkstate.Ref, 3)},
	}
	if got := TotalRefs(results); got != 5 {
		t.Fatalf("TotalRefs = %d, want 5", got)
	}
}
