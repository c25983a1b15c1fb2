package ocrclient

import "strings"

// PermanentError means the ref can never succeed as-is; the caller
// marks it status=error immediately and does not retry.
type PermanentError struct {
	Message string
}

func (e *PermanentError) Error() string { return e.Message }

// RateLimitError pauses the whole chunk via the backoff controller; the
// ref itself is re-queued, not penalized against its retry cap.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string { return e.Message }

// FallbackTrigger is returned when the primary URL failed in the one
// way that warrants a single retry against the fallback URL: a 400
// combined with "failed to download". Without a fallback available it
// degrades to a transient failure.
type FallbackTrigger struct {
	Message string
}

func (e *FallbackTrigger) Error() string { return e.Message }

// The provider reports failures as free text, so classification is
// substring matching on lowercased messages. Kept behind one pure
// function; the pattern tables are the whole contract.
var rateLimitSubstrings = []string{
	"429",
	"rate limit",
	"too many requests",
	"rate_limit_exceeded",
}

var permanentSubstrings = []string{
	"unsupported base64 file format",
	"unsupported file format",
	"invalid image format",
	"failed to process some items",
	"invalid url",
	"image too large",
	"unable to decode image",
	"corrupted image",
}

// classify turns a raw provider error message into its typed category.
// A nil return means transient: retry up to the per-ref cap.
func classify(message string) error {
	normalized := strings.ToLower(message)

	for _, s := range rateLimitSubstrings {
		if strings.Contains(normalized, s) {
			return &RateLimitError{Message: message}
		}
	}
	for _, s := range permanentSubstrings {
		if strings.Contains(normalized, s) {
			return &PermanentError{Message: message}
		}
	}
	if strings.Contains(normalized, "400") && strings.Contains(normalized, "failed to download") {
		return &FallbackTrigger{Message: message}
	}

	return nil // transient
}
