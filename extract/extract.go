// Package extract converts raw document bytes into plain text, keyed by
// declared content type.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedType is returned for content types with no extractor.
	ErrUnsupportedType = errors.New("extract: unsupported content type")

	// ErrCorrupt is returned when a document cannot be decoded.
	ErrCorrupt = errors.New("extract: document is corrupt or unreadable")

	// ErrEmptyDocument is returned when extraction yields no text.
	ErrEmptyDocument = errors.New("extract: document contains no extractable text")
)

// Extractor converts one document format to plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
	SupportedTypes() []string
}

// Registry maps content types to extractors.
type Registry struct {
	extractors map[string]Extractor
}

// NewRegistry returns a Registry with the built-in extractors registered.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[string]Extractor)}
	for _, e := range []Extractor{&PDFExtractor{}, &TextExtractor{}, &XLSXExtractor{}} {
		for _, ct := range e.SupportedTypes() {
			r.extractors[ct] = e
		}
	}
	return r
}

// Register adds or replaces the extractor for a content type.
func (r *Registry) Register(contentType string, e Extractor) {
	r.extractors[normalize(contentType)] = e
}

// Supported reports whether a content type has a registered extractor.
func (r *Registry) Supported(contentType string) bool {
	_, ok := r.extractors[normalize(contentType)]
	return ok
}

// Get returns the extractor for a content type.
func (r *Registry) Get(contentType string) (Extractor, error) {
	e, ok := r.extractors[normalize(contentType)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
	return e, nil
}

// Extract resolves the extractor for contentType and runs it.
func (r *Registry) Extract(ctx context.Context, contentType string, data []byte) (string, error) {
	e, err := r.Get(contentType)
	if err != nil {
		return "", err
	}
	return e.Extract(ctx, data)
}

// normalize strips any media-type parameters ("text/plain; charset=utf-8")
// and lowercases the type.
func normalize(contentType string) string {
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
