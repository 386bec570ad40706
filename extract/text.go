package extract

import (
	"context"
	"strings"
	"unicode/utf8"
)

// TextExtractor handles plain-text and markdown documents.
type TextExtractor struct{}

func (e *TextExtractor) SupportedTypes() []string {
	return []string{"text/plain", "text/markdown", "txt", "md"}
}

func (e *TextExtractor) Extract(ctx context.Context, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", ErrCorrupt
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}
