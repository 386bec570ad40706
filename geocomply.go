// Package geocomply analyzes software feature descriptions for
// geo-specific compliance obligations. Regulation documents are ingested
// into a local vector index; each analysis runs a staged workflow
// (screening, optional research against the index, validation) against a
// reasoning engine and returns a tri-state compliance flag with
// confidence and cited regulations.
package geocomply

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/geocomply/agent"
	"github.com/brunobiangulo/geocomply/chunker"
	"github.com/brunobiangulo/geocomply/extract"
	"github.com/brunobiangulo/geocomply/feedback"
	"github.com/brunobiangulo/geocomply/llm"
	"github.com/brunobiangulo/geocomply/orchestrator"
	"github.com/brunobiangulo/geocomply/overlay"
	"github.com/brunobiangulo/geocomply/store"
)

// Engine is the main entry point for the compliance service.
type Engine interface {
	// IngestDocument extracts, chunks, embeds and indexes one regulation
	// document. Re-ingesting the same filename replaces its chunks
	// atomically.
	IngestDocument(ctx context.Context, filename, contentType string, data []byte, opts ...IngestOption) (*IngestResult, error)

	// IngestBatch ingests several documents with bounded parallelism.
	// Per-file failures are isolated; the batch always returns a result
	// per file.
	IngestBatch(ctx context.Context, files []BatchFile, opts ...IngestOption) (*BatchResult, error)

	// Analyze runs one compliance analysis to completion.
	Analyze(ctx context.Context, req AnalyzeRequest) (*ComplianceResult, error)

	// SubmitFeedback routes an analyst correction through the feedback
	// processor, possibly updating the terminology overlay.
	SubmitFeedback(ctx context.Context, rec feedback.Record) (*feedback.Result, error)

	// ClearIndex removes every chunk and vector. Idempotent.
	ClearIndex(ctx context.Context) (int, error)

	// Stats reports index and audit-log counts.
	Stats(ctx context.Context) (*store.Stats, error)

	// Overlay returns the current terminology snapshot.
	Overlay() *overlay.Overlay

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// IngestResult reports one document ingestion.
type IngestResult struct {
	DocumentID     int64         `json:"document_id"`
	Filename       string        `json:"filename"`
	Status         string        `json:"status"`
	ChunksCreated  int           `json:"chunks_created"`
	ProcessingTime time.Duration `json:"processing_time"`
	Error          string        `json:"error,omitempty"`
}

// BatchFile is one document in a batch upload.
type BatchFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// BatchResult aggregates per-file ingestion outcomes.
type BatchResult struct {
	Results    []IngestResult `json:"results"`
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
}

// AnalyzeRequest describes the feature under analysis.
type AnalyzeRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	// Document optionally carries extra feature documentation appended to
	// the description for analysis.
	Document string `json:"document,omitempty"`
}

// StageStatus reports the completion of one workflow stage.
type StageStatus struct {
	Name       string  `json:"name"`
	Completed  bool    `json:"completed"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// ComplianceResult is the authoritative outcome of one analysis.
type ComplianceResult struct {
	AnalysisID         string                    `json:"analysis_id"`
	Flag               agent.Flag                `json:"flag"`
	ConfidenceScore    float64                   `json:"confidence_score"`
	RiskLevel          string                    `json:"risk_level,omitempty"`
	Reasoning          string                    `json:"reasoning"`
	RelatedRegulations []agent.RelatedRegulation `json:"related_regulations"`
	Stages             []StageStatus             `json:"stages"`
	OverlayVersion     int64                     `json:"overlay_version"`
	Timestamp          time.Time                 `json:"timestamp"`
}

// IngestOption configures ingestion behavior.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	chunkSize    int
	chunkOverlap int
	metadata     map[string]string
}

// WithChunking overrides the configured chunk size and overlap for this
// ingestion.
func WithChunking(size, overlap int) IngestOption {
	return func(o *ingestOptions) {
		o.chunkSize = size
		o.chunkOverlap = overlap
	}
}

// WithMetadata attaches custom metadata to the ingested document.
func WithMetadata(metadata map[string]string) IngestOption {
	return func(o *ingestOptions) { o.metadata = metadata }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg        Config
	store      *store.Store
	chatLLM    llm.Provider
	embedLLM   llm.Provider
	extractors *extract.Registry
	chunkr     *chunker.Chunker
	overlays   *overlay.Store
	orch       *orchestrator.Orchestrator
	fb         *feedback.Processor
}

// New creates a geocomply engine with the given configuration.
func New(cfg Config) (Engine, error) {
	dbPath := cfg.resolveDBPath()

	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = 200
	}
	if cfg.IngestConcurrency <= 0 {
		cfg.IngestConcurrency = 4
	}
	if cfg.EmbedRetries <= 0 {
		cfg.EmbedRetries = 3
	}
	if cfg.ResearchTopK <= 0 {
		cfg.ResearchTopK = 5
	}

	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	chatLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}

	embedLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	chunkr, err := chunker.New(chunker.Config{
		Size:    cfg.ChunkSize,
		Overlap: cfg.ChunkOverlap,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	overlays := overlay.NewStore(overlay.DefaultTerms())

	retriever := &indexRetriever{store: s, embedLLM: embedLLM}
	orch := orchestrator.New(
		agent.NewScreening(chatLLM, cfg.Chat.Model),
		agent.NewResearch(chatLLM, retriever, cfg.Chat.Model, cfg.ResearchTopK),
		agent.NewValidation(chatLLM, cfg.Chat.Model),
		overlays,
		orchestrator.Config{
			ResearchThreshold: cfg.ResearchThreshold,
			StageRetries:      cfg.StageRetries,
			RetryBackoff:      500 * time.Millisecond,
			StageTimeout:      time.Duration(cfg.StageTimeoutSecs) * time.Second,
			ScreeningWeight:   cfg.ScreeningWeight,
			ResearchWeight:    cfg.ResearchWeight,
		},
	)

	fb := feedback.New(overlays, agent.NewLearning(chatLLM, cfg.Chat.Model), s)

	return &engine{
		cfg:        cfg,
		store:      s,
		chatLLM:    chatLLM,
		embedLLM:   embedLLM,
		extractors: extract.NewRegistry(),
		chunkr:     chunkr,
		overlays:   overlays,
		orch:       orch,
		fb:         fb,
	}, nil
}

// IngestDocument runs the full pipeline for one document. No index state
// is created before extraction and embedding both succeed.
func (e *engine) IngestDocument(ctx context.Context, filename, contentType string, data []byte, opts ...IngestOption) (*IngestResult, error) {
	start := time.Now()

	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}

	if strings.TrimSpace(filename) == "" || len(data) == 0 {
		return nil, fmt.Errorf("%w: filename and document data are required", ErrValidation)
	}
	if !e.extractors.Supported(contentType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, contentType)
	}

	slog.Info("ingest: extracting text", "file", filename, "content_type", contentType, "bytes", len(data))
	extractStart := time.Now()
	text, err := e.extractors.Extract(ctx, contentType, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	slog.Info("ingest: extraction complete",
		"file", filename, "chars", len(text),
		"elapsed", time.Since(extractStart).Round(time.Millisecond))

	chunkr := e.chunkr
	if options.chunkSize > 0 || options.chunkOverlap > 0 {
		size, overlap := options.chunkSize, options.chunkOverlap
		if size == 0 {
			size = e.cfg.ChunkSize
		}
		if overlap == 0 {
			overlap = e.cfg.ChunkOverlap
		}
		chunkr, err = chunker.New(chunker.Config{Size: size, Overlap: overlap})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	chunks, err := chunkr.Split(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	slog.Info("ingest: chunking complete",
		"file", filename, "chunks", len(chunks),
		"chunk_size", chunkr.Size(), "overlap", chunkr.Overlap())

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	embedStart := time.Now()
	vectors, err := e.embedWithRetry(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	slog.Info("ingest: embeddings complete",
		"file", filename, "chunks", len(chunks),
		"elapsed", time.Since(embedStart).Round(time.Millisecond))

	var metadataJSON string
	if options.metadata != nil {
		b, _ := json.Marshal(options.metadata)
		metadataJSON = string(b)
	}

	hash := sha256.Sum256(data)
	storeChunks := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		storeChunks[i] = store.Chunk{
			SeqIndex:        c.Index,
			Content:         c.Text,
			StartOffset:     c.Start,
			EndOffset:       c.End,
			OverlapWithPrev: c.OverlapWithPrev,
		}
	}

	docID, n, err := e.store.ReplaceDocumentChunks(ctx, store.Document{
		Key:         filename,
		Filename:    filename,
		ContentType: contentType,
		ContentHash: hex.EncodeToString(hash[:]),
		Metadata:    metadataJSON,
	}, storeChunks, vectors)
	if err != nil {
		return nil, fmt.Errorf("committing document: %w", err)
	}

	elapsed := time.Since(start)
	slog.Info("ingest: document indexed",
		"file", filename, "doc_id", docID, "chunks", n,
		"elapsed", elapsed.Round(time.Millisecond))

	return &IngestResult{
		DocumentID:     docID,
		Filename:       filename,
		Status:         "ready",
		ChunksCreated:  n,
		ProcessingTime: elapsed,
	}, nil
}

// embedWithRetry embeds all chunk texts as one unit with bounded retries.
// Exhausting retries fails the whole document.
func (e *engine) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.EmbedRetries; attempt++ {
		if attempt > 0 {
			delay := 500 * time.Millisecond * time.Duration(1<<(attempt-1))
			slog.Warn("ingest: retrying embedding", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		vectors, err := e.embedLLM.Embed(ctx, texts)
		if err != nil {
			lastErr = err
			continue
		}
		for i, v := range vectors {
			if len(v) != e.cfg.EmbeddingDim {
				return nil, fmt.Errorf("chunk %d: embedding dimension %d, want %d", i, len(v), e.cfg.EmbeddingDim)
			}
		}
		return vectors, nil
	}
	return nil, lastErr
}

// IngestBatch runs documents through the pipeline with bounded
// parallelism. One file's failure never rolls back its siblings.
func (e *engine) IngestBatch(ctx context.Context, files []BatchFile, opts ...IngestOption) (*BatchResult, error) {
	results := make([]IngestResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.IngestConcurrency)

	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			res, err := e.IngestDocument(gctx, f.Filename, f.ContentType, f.Data, opts...)
			if err != nil {
				results[i] = IngestResult{
					Filename: f.Filename,
					Status:   "error",
					Error:    err.Error(),
				}
				return nil // isolate per-file failures
			}
			results[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch := &BatchResult{Results: results, Total: len(files)}
	for _, r := range results {
		if r.Status == "ready" {
			batch.Successful++
		} else {
			batch.Failed++
		}
	}

	slog.Info("ingest: batch complete",
		"total", batch.Total, "successful", batch.Successful, "failed", batch.Failed)
	return batch, nil
}

// Analyze validates the request, runs the staged workflow and records the
// outcome in the audit log.
func (e *engine) Analyze(ctx context.Context, req AnalyzeRequest) (*ComplianceResult, error) {
	title := strings.TrimSpace(req.Title)
	description := strings.TrimSpace(req.Description)
	if n := utf8.RuneCountInString(title); n < 1 || n > 200 {
		return nil, fmt.Errorf("%w: title must be 1-200 characters", ErrValidation)
	}
	if n := utf8.RuneCountInString(description); n < 1 || n > 5000 {
		return nil, fmt.Errorf("%w: description must be 1-5000 characters", ErrValidation)
	}
	if doc := strings.TrimSpace(req.Document); doc != "" {
		description = description + "\n\nAdditional documentation:\n" + doc
	}

	id := uuid.NewString()
	st, err := e.orch.Run(ctx, id, title, description)
	if err != nil {
		if st == nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrOrchestratorFailure, err)
	}

	result := &ComplianceResult{
		AnalysisID:         id,
		Flag:               st.Flag,
		ConfidenceScore:    st.Confidence,
		RiskLevel:          st.RiskLevel,
		Reasoning:          st.Reasoning,
		RelatedRegulations: st.RelatedRegulations,
		Stages:             stageStatuses(st),
		OverlayVersion:     st.OverlayVersion,
		Timestamp:          time.Now().UTC(),
	}
	if result.RelatedRegulations == nil {
		result.RelatedRegulations = []agent.RelatedRegulation{}
	}

	stagesJSON, _ := json.Marshal(result.Stages)
	if err := e.store.LogAnalysis(ctx, store.AnalysisRecord{
		ID:         id,
		Title:      title,
		Flag:       string(st.Flag),
		Confidence: st.Confidence,
		RiskLevel:  st.RiskLevel,
		Reasoning:  st.Reasoning,
		Stages:     string(stagesJSON),
	}); err != nil {
		// The analysis already completed; a failed audit write is logged,
		// not surfaced.
		slog.Warn("analysis audit write failed", "analysis_id", id, "error", err)
	}

	return result, nil
}

func stageStatuses(st *agent.State) []StageStatus {
	var stages []StageStatus
	for _, r := range []*agent.StageResult{st.Screening, st.Research, st.Validation} {
		if r == nil {
			continue
		}
		stages = append(stages, StageStatus{
			Name:       r.Stage,
			Completed:  r.Error == "",
			Confidence: r.Confidence,
			Error:      r.Error,
		})
	}
	return stages
}

func (e *engine) SubmitFeedback(ctx context.Context, rec feedback.Record) (*feedback.Result, error) {
	res, err := e.fb.Submit(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return &res, nil
}

func (e *engine) ClearIndex(ctx context.Context) (int, error) {
	deleted, err := e.store.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	slog.Info("index cleared", "deleted_chunks", deleted)
	return deleted, nil
}

func (e *engine) Stats(ctx context.Context) (*store.Stats, error) {
	return e.store.GetStats(ctx)
}

func (e *engine) Overlay() *overlay.Overlay {
	return e.overlays.Current()
}

func (e *engine) Store() *store.Store {
	return e.store
}

func (e *engine) Close() error {
	return e.store.Close()
}

// indexRetriever adapts the vector index to the research stage: it embeds
// the query and maps search hits to evidence. An index that reports
// chunks but returns no vectors surfaces as an inconsistency, which the
// research stage degrades to empty evidence.
type indexRetriever struct {
	store    *store.Store
	embedLLM llm.Provider
}

func (r *indexRetriever) Retrieve(ctx context.Context, query string, k int) ([]agent.Evidence, error) {
	vectors, err := r.embedLLM.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedding query: empty response")
	}

	results, err := r.store.Search(ctx, vectors[0], k, nil)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	if len(results) == 0 {
		total, countErr := r.store.CountChunks(ctx, 0)
		if countErr == nil && total > 0 {
			return nil, fmt.Errorf("%w: %d chunks indexed but none searchable", ErrIndexInconsistency, total)
		}
		return nil, nil
	}

	evidence := make([]agent.Evidence, len(results))
	for i, res := range results {
		evidence[i] = agent.Evidence{
			Content:    res.Content,
			SourceFile: res.Filename,
			Score:      res.Score,
		}
	}
	return evidence, nil
}
