// Package ocrclient implements a single-shot client for the
// chat-completions-style OCR provider, the CDN URL variant rule, and
// the error-classification taxonomy (errors.go). The provider surfaces
// errors as plain text, so classification works on normalized message
// substrings rather than typed transport errors.
package ocrclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	json "github.com/goccy/go-json"
)

const (
	defaultPrompt    = "Extract all text from this image."
	defaultMaxTokens = 8192
	defaultTemp      = 0.0
)

// Client calls a single chat-completions-style endpoint with one image
// per request.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

// New constructs a Client. callTimeout bounds every individual OCR
// call; a call that exceeds it fails as transient.
func New(endpoint, apiKey string, callTimeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: callTimeout},
		endpoint:   endpoint,
		apiKey:     apiKey,
	}
}

type chatRequest struct {
	ImageURL    string  `json:"image_url"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type chatResponse struct {
	Content string `json:"content"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error string `json:"error"`
}

// Result is the outcome of one successful Extract call.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Extract performs a single OCR call against imageURL. The returned
// error is one of *PermanentError, *RateLimitError, *FallbackTrigger,
// or a plain wrapped error for anything else (transient).
func (c *Client) Extract(ctx context.Context, imageURL string) (Result, error) {
	reqBody := chatRequest{
		ImageURL:    imageURL,
		Prompt:      defaultPrompt,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemp,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("encode ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection errors are transient.
		return Result{}, fmt.Errorf("ocr request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read ocr response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode < 300 {
			return Result{}, fmt.Errorf("decode ocr response: %w", err)
		}
		// Non-JSON error body: classify the raw text below.
		parsed = chatResponse{}
	}

	if resp.StatusCode >= 300 || parsed.Error != "" {
		message := parsed.Error
		if message == "" {
			message = string(body)
		}
		normalized := fmt.Sprintf("%d %s", resp.StatusCode, message)
		if classified := classify(normalized); classified != nil {
			return Result{}, classified
		}
		return Result{}, fmt.Errorf("ocr provider error: %s", normalized)
	}

	return Result{
		Text:             parsed.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// assetVariantPattern matches a CDN asset URL of the shape
// ".../asset/{ASSET_ID}" optionally followed by "/{variant}".
var assetVariantPattern = regexp.MustCompile(`^(.*/asset/[^/]+)(?:/[^/]+)?$`)

// VariantURLs picks the candidate URLs for one OCR attempt: if cdnURL
// matches the CDN asset pattern, the primary candidate is the "medium"
// variant (~1288px longest side, keeps token usage down without losing
// legibility) and the fallback is the original asset URL. Otherwise
// primary is cdnURL unchanged and there is no fallback.
func VariantURLs(cdnURL string) (primary string, fallback string, hasFallback bool) {
	m := assetVariantPattern.FindStringSubmatch(cdnURL)
	if m == nil {
		return cdnURL, "", false
	}
	base := m[1]
	return base + "/medium", base, true
}
