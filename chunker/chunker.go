// Package chunker splits extracted document text into fixed-size
// overlapping segments, the unit of retrieval.
package chunker

import (
	"errors"
	"strings"
)

var (
	// ErrEmptyInput is returned when the text to split is empty or
	// whitespace only.
	ErrEmptyInput = errors.New("chunker: empty input text")

	// ErrInvalidConfig is returned when overlap is not in (0, size).
	ErrInvalidConfig = errors.New("chunker: overlap must satisfy 0 < overlap < size")
)

// Chunk is one segment of a document's text. Consecutive chunks share an
// overlap region of exactly Config.Overlap characters; the final chunk may
// be shorter but is never dropped, so concatenating the non-overlap
// portions reconstructs the source text exactly.
type Chunk struct {
	Index           int    // 0-based position within the document
	Text            string // the full segment, including the leading overlap
	Start           int    // character offset of Text in the source
	End             int    // character offset one past the last character
	OverlapWithPrev bool   // Text begins with the previous chunk's tail
}

// Config controls chunking behaviour. Sizes are in characters.
type Config struct {
	Size    int // maximum characters per chunk
	Overlap int // characters shared with the previous chunk
}

// Chunker produces deterministic overlapping segments.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration. Zero-value fields
// are replaced with defaults (1000/200).
func New(cfg Config) (*Chunker, error) {
	if cfg.Size == 0 {
		cfg.Size = 1000
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 200
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		return nil, ErrInvalidConfig
	}
	return &Chunker{cfg: cfg}, nil
}

// Split walks text in strides of Size-Overlap and returns the ordered
// chunk sequence. The result is deterministic for identical inputs.
// Empty or whitespace-only input returns ErrEmptyInput.
func (c *Chunker) Split(text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	runes := []rune(text)
	stride := c.cfg.Size - c.cfg.Overlap

	var chunks []Chunk
	for start := 0; ; start += stride {
		end := start + c.cfg.Size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			Index:           len(chunks),
			Text:            string(runes[start:end]),
			Start:           start,
			End:             end,
			OverlapWithPrev: start > 0,
		})
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}

// Size returns the configured chunk size in characters.
func (c *Chunker) Size() int { return c.cfg.Size }

// Overlap returns the configured overlap in characters.
func (c *Chunker) Overlap() int { return c.cfg.Overlap }
