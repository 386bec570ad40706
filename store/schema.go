package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Document registry. Documents are immutable once stored; re-ingestion
-- replaces a document's chunks under the same key.
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    doc_key TEXT NOT NULL UNIQUE,
    filename TEXT NOT NULL,
    content_type TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    status TEXT DEFAULT 'pending',
    metadata JSON,
    uploaded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Overlapping text segments; seq_index orders chunks within a document.
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    seq_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    start_offset INTEGER NOT NULL,
    end_offset INTEGER NOT NULL,
    overlap_with_prev INTEGER NOT NULL DEFAULT 0,
    content_hash TEXT NOT NULL
);

-- Vector embeddings via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Completed analyses, for audit and feedback correlation.
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    flag TEXT NOT NULL,
    confidence REAL NOT NULL,
    risk_level TEXT,
    reasoning TEXT,
    stages JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Feedback audit log. Orphaned records reference unknown analyses but are
-- kept for audit.
CREATE TABLE IF NOT EXISTS feedback (
    id TEXT PRIMARY KEY,
    analysis_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    correction TEXT,
    corrected_flag TEXT,
    orphaned INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_seq ON chunks(document_id, seq_index);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);
CREATE INDEX IF NOT EXISTS idx_feedback_analysis ON feedback(analysis_id);
`, embeddingDim)
}
