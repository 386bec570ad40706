package geocomply

import (
	"errors"

	"github.com/brunobiangulo/geocomply/store"
)

var (
	// ErrValidation is returned for malformed requests, rejected before
	// any analysis or index state is created.
	ErrValidation = errors.New("geocomply: invalid request")

	// ErrUnsupportedFormat is returned for unrecognized document content types.
	ErrUnsupportedFormat = errors.New("geocomply: unsupported document format")

	// ErrExtraction is returned when text extraction from a document fails.
	ErrExtraction = errors.New("geocomply: text extraction failed")

	// ErrEmbeddingFailed is returned when embedding generation for a
	// document exhausts its retries.
	ErrEmbeddingFailed = errors.New("geocomply: embedding generation failed")

	// ErrDocumentNotFound is returned by document lookups for a key that
	// was never ingested.
	ErrDocumentNotFound = store.ErrDocumentNotFound

	// ErrIndexInconsistency is returned when a search finds no vectors for
	// a document that was reported as ingested. Research treats this as
	// empty evidence rather than a fatal condition.
	ErrIndexInconsistency = errors.New("geocomply: index inconsistency")

	// ErrOrchestratorFailure is returned when an analysis reaches the
	// terminal failed state before producing a result.
	ErrOrchestratorFailure = errors.New("geocomply: analysis failed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("geocomply: invalid configuration")
)
