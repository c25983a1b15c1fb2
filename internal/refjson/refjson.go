// Package refjson parses and serializes the "*.ref.json" document
// shape: at minimum a "url" field (the CDN URL of the image) and
// optionally an "ocr" field (already-computed text). Documents are
// decoded into a raw field map first, so unknown fields round-trip
// untouched.
package refjson

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Document is a parsed ref JSON file. Extra carries any fields beyond
// "url"/"ocr" so re-serialization preserves them.
type Document struct {
	URL   string                     `json:"url"`
	OCR   *string                    `json:"ocr,omitempty"`
	Extra map[string]json.RawMessage `json:"-"`
}

// ErrMissingURL is returned by Parse when the document has no "url"
// field; such a ref is not processable and is never inserted.
var ErrMissingURL = fmt.Errorf("ref json missing required url field")

// Parse decodes a cached ref JSON payload into a Document.
func Parse(data []byte) (Document, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("parse ref json: %w", err)
	}

	doc := Document{Extra: make(map[string]json.RawMessage, len(raw))}
	for k, v := range raw {
		switch k {
		case "url":
			if err := json.Unmarshal(v, &doc.URL); err != nil {
				return Document{}, fmt.Errorf("parse ref json url: %w", err)
			}
		case "ocr":
			var text string
			if err := json.Unmarshal(v, &text); err != nil {
				return Document{}, fmt.Errorf("parse ref json ocr: %w", err)
			}
			doc.OCR = &text
		default:
			doc.Extra[k] = v
		}
	}

	if doc.URL == "" {
		return Document{}, ErrMissingURL
	}
	return doc, nil
}

// WithOCR returns a copy of the document with its ocr field set.
func (d Document) WithOCR(text string) Document {
	d.OCR = &text
	return d
}

// Marshal serializes the document with stable, pretty-printed, sorted
// field ordering so that re-uploading an unchanged document produces
// byte-identical output across runs; the skip path needs this for the
// ref's result_cid to be stable.
func (d Document) Marshal() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Extra)+2)
	for k, v := range d.Extra {
		out[k] = v
	}

	urlJSON, err := json.Marshal(d.URL)
	if err != nil {
		return nil, fmt.Errorf("marshal ref json url: %w", err)
	}
	out["url"] = urlJSON

	if d.OCR != nil {
		ocrJSON, err := json.Marshal(*d.OCR)
		if err != nil {
			return nil, fmt.Errorf("marshal ref json ocr: %w", err)
		}
		out["ocr"] = ocrJSON
	}

	return marshalSortedIndent(out)
}
