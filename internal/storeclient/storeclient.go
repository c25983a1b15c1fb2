// Package storeclient implements an HTTP client for the
// content-addressed entity store: upload, get_entity, resolve_tip,
// download, and the compare-and-swap append_version used by PUBLISH.
package storeclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
)

// testNetworkPrefix is the reserved PI prefix whose requests must carry
// the test-network header.
const testNetworkPrefix = "II"

// testNetworkHeader is the header name carrying the test-network
// discriminator for reserved-prefix PIs.
const testNetworkHeader = "X-Arke-Test-Network"

// Client calls the CAS store's HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New constructs a Client bound to baseURL (the store's service endpoint
// or binding address).
func New(httpClient *http.Client, baseURL, apiKey string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

// UploadResult is the store's response to an upload.
type UploadResult struct {
	CID  string `json:"cid"`
	Size int64  `json:"size"`
}

// Entity is a versioned entity's manifest and component map.
type Entity struct {
	ID          string            `json:"id"`
	Version     int               `json:"ver"`
	ManifestCID string            `json:"manifest_cid"`
	Tip         string            `json:"tip"`
	Components  map[string]string `json:"components"`
}

// TipResolution is the store's answer to resolve_tip.
type TipResolution struct {
	ID  string `json:"id"`
	Tip string `json:"tip"`
}

// AppendResult is the store's response to a successful append_version.
type AppendResult struct {
	Version     int    `json:"ver"`
	Tip         string `json:"tip"`
	ManifestCID string `json:"manifest_cid"`
}

// ConflictError is returned by AppendVersion when the store's current
// tip no longer matches expectTip. The caller retries with a freshly
// resolved tip.
type ConflictError struct {
	PI         string
	ExpectTip  string
	CurrentTip string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cas conflict for pi %s: expected tip %s, current tip %s", e.PI, e.ExpectTip, e.CurrentTip)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, pi string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build store request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.HasPrefix(pi, testNetworkPrefix) {
		req.Header.Set(testNetworkHeader, "true")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("store request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read store response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("store error (status %d): %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode store response: %w", err)
	}
	return nil
}

// Upload stores blob under filename and returns its content ID and size.
func (c *Client) Upload(ctx context.Context, pi string, blob []byte, filename string) (UploadResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/upload?filename="+filename, bytes.NewReader(blob), pi)
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	var out UploadResult
	if err := c.do(req, &out); err != nil {
		return UploadResult{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	return out, nil
}

// GetEntity fetches an entity's manifest and component map.
func (c *Client) GetEntity(ctx context.Context, pi string) (Entity, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/entity/"+pi, nil, pi)
	if err != nil {
		return Entity{}, err
	}
	var out Entity
	if err := c.do(req, &out); err != nil {
		return Entity{}, fmt.Errorf("get_entity %s: %w", pi, err)
	}
	return out, nil
}

// ResolveTip fetches an entity's current tip, independent of any
// manifest previously observed. PUBLISH calls this immediately before
// each CAS attempt; a tip cached earlier may already be stale.
func (c *Client) ResolveTip(ctx context.Context, pi string) (TipResolution, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/entity/"+pi+"/tip", nil, pi)
	if err != nil {
		return TipResolution{}, err
	}
	var out TipResolution
	if err := c.do(req, &out); err != nil {
		return TipResolution{}, fmt.Errorf("resolve_tip %s: %w", pi, err)
	}
	return out, nil
}

// Download fetches the blob stored under cid.
func (c *Client) Download(ctx context.Context, pi, cid string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/blob/"+cid, nil, pi)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", cid, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read download %s: %w", cid, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download %s: store error (status %d): %s", cid, resp.StatusCode, string(body))
	}
	return body, nil
}

type appendRequest struct {
	ExpectTip  string            `json:"expect_tip"`
	Components map[string]string `json:"components"`
	Note       string            `json:"note"`
}

// AppendVersion performs the CAS entity update: components replaces (by
// filename) the given component CIDs atop the manifest currently at
// expectTip. Returns *ConflictError when the store's current tip has
// moved.
func (c *Client) AppendVersion(ctx context.Context, pi, expectTip string, components map[string]string, note string) (AppendResult, error) {
	payload, err := json.Marshal(appendRequest{ExpectTip: expectTip, Components: components, Note: note})
	if err != nil {
		return AppendResult{}, fmt.Errorf("encode append_version %s: %w", pi, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/entity/"+pi+"/append", bytes.NewReader(payload), pi)
	if err != nil {
		return AppendResult{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append_version %s: %w", pi, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return AppendResult{}, fmt.Errorf("read append_version %s: %w", pi, err)
	}

	if resp.StatusCode == http.StatusConflict {
		var current TipResolution
		_ = json.Unmarshal(body, &current)
		return AppendResult{}, &ConflictError{PI: pi, ExpectTip: expectTip, CurrentTip: current.Tip}
	}
	if resp.StatusCode >= 300 {
		return AppendResult{}, fmt.Errorf("append_version %s: store error (status %d): %s", pi, resp.StatusCode, string(body))
	}

	var out AppendResult
	if err := json.Unmarshal(body, &out); err != nil {
		return AppendResult{}, fmt.Errorf("decode append_version %s: %w", pi, err)
	}
	return out, nil
}

// RefComponentSuffix is the filename suffix that marks a manifest
// component as a ref to be OCR'd.
const RefComponentSuffix = ".ref.json"
