package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/brunobiangulo/geocomply"
	"github.com/brunobiangulo/geocomply/feedback"
)

type handler struct {
	engine geocomply.Engine
}

func newHandler(e geocomply.Engine) *handler {
	return &handler{engine: e}
}

// POST /ingest
// Multipart upload, one or many files under the "file" field. Optional
// chunk_size and chunk_overlap form fields apply to the whole batch.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(100 << 20); err != nil { // 100MB max
		writeError(w, http.StatusBadRequest, "expected multipart upload with 'file' field")
		return
	}

	var headers []*multipart.FileHeader
	if r.MultipartForm != nil {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	var opts []geocomply.IngestOption
	size := formInt(r, "chunk_size")
	overlap := formInt(r, "chunk_overlap")
	if size > 0 || overlap > 0 {
		opts = append(opts, geocomply.WithChunking(size, overlap))
	}

	files := make([]geocomply.BatchFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read upload")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read upload")
			return
		}

		contentType := fh.Header.Get("Content-Type")
		// Sanitise filename to prevent path traversal.
		files = append(files, geocomply.BatchFile{
			Filename:    filepath.Base(fh.Filename),
			ContentType: contentType,
			Data:        data,
		})
	}

	batch, err := h.engine.IngestBatch(ctx, files, opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		slog.Error("ingest error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, batch)
}

// POST /analyze
func (h *handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	var req geocomply.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	result, err := h.engine.Analyze(ctx, req)
	if err != nil {
		if errors.Is(err, geocomply.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "analysis failed")
		slog.Error("analyze error", "title", req.Title, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// POST /feedback
func (h *handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var rec feedback.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	result, err := h.engine.SubmitFeedback(r.Context(), rec)
	if err != nil {
		if errors.Is(err, geocomply.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "feedback processing failed")
		slog.Error("feedback error", "analysis_id", rec.AnalysisID, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// POST /index/clear
func (h *handler) handleClearIndex(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.engine.ClearIndex(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "clearing index failed")
		slog.Error("clear index error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"deleted_chunk_count": deleted,
	})
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.Store().ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		slog.Error("list documents error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
	})
}

// GET /stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		slog.Error("stats error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":           stats,
		"overlay_version": h.engine.Overlay().Version,
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func formInt(r *http.Request, key string) int {
	v := r.FormValue(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
