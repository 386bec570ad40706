// Package store persists documents, chunks, embeddings, and audit records
// in SQLite, with nearest-neighbour search via sqlite-vec.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// ErrDocumentNotFound is returned by lookups for a document key that has
// never been ingested (or was removed by DeleteAll).
var ErrDocumentNotFound = errors.New("store: document not found")

// Document represents a row in the documents table.
type Document struct {
	ID          int64  `json:"id"`
	Key         string `json:"doc_key"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	ContentHash string `json:"content_hash"`
	Status      string `json:"status"`
	Metadata    string `json:"metadata,omitempty"`
	UploadedAt  string `json:"uploaded_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Chunk represents a row in the chunks table.
type Chunk struct {
	ID              int64  `json:"id"`
	DocumentID      int64  `json:"document_id"`
	SeqIndex        int    `json:"seq_index"`
	Content         string `json:"content"`
	StartOffset     int    `json:"start_offset"`
	EndOffset       int    `json:"end_offset"`
	OverlapWithPrev bool   `json:"overlap_with_prev"`
	ContentHash     string `json:"content_hash"`
}

// SearchResult holds a chunk with its similarity score and document info.
type SearchResult struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	SeqIndex   int     `json:"seq_index"`
	Content    string  `json:"content"`
	Filename   string  `json:"filename"`
	DocKey     string  `json:"doc_key"`
	Score      float64 `json:"score"`
}

// SearchFilter narrows a search to a subset of the index.
type SearchFilter struct {
	DocumentID int64 // 0 means no document restriction
}

// AnalysisRecord is a completed analysis written to the audit log.
type AnalysisRecord struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Flag       string  `json:"flag"`
	Confidence float64 `json:"confidence"`
	RiskLevel  string  `json:"risk_level"`
	Reasoning  string  `json:"reasoning"`
	Stages     string  `json:"stages"` // JSON stage history
}

// FeedbackRecord is a feedback submission written to the audit log.
type FeedbackRecord struct {
	ID            string `json:"id"`
	AnalysisID    string `json:"analysis_id"`
	Kind          string `json:"kind"`
	Correction    string `json:"correction,omitempty"`
	CorrectedFlag string `json:"corrected_flag,omitempty"`
	Orphaned      bool   `json:"orphaned"`
}

// Stats holds counts of key database objects.
type Stats struct {
	Documents  int `json:"documents"`
	Chunks     int `json:"chunks"`
	Embeddings int `json:"embeddings"`
	Analyses   int `json:"analyses"`
	Feedback   int `json:"feedback"`
}

// Store wraps the SQLite database for all geocomply persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table.
func New(dbPath string, embeddingDim int) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db, embeddingDim: embeddingDim}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Ingestion commit ---

// ReplaceDocumentChunks commits a document and its chunks with embeddings
// as a single transaction. Any chunks previously stored under the same
// document key are removed in the same transaction, so re-ingestion is
// idempotent: a reader never observes old and new chunks interleaved, and
// a search never sees a partially committed document. Returns the document
// ID and the number of chunks stored.
func (s *Store) ReplaceDocumentChunks(ctx context.Context, doc Document, chunks []Chunk, vectors [][]float32) (int64, int, error) {
	if len(chunks) != len(vectors) {
		return 0, 0, fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}

	var docID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (doc_key, filename, content_type, content_hash, status, metadata)
			VALUES (?, ?, ?, ?, 'ready', ?)
			ON CONFLICT(doc_key) DO UPDATE SET
				filename = excluded.filename,
				content_type = excluded.content_type,
				content_hash = excluded.content_hash,
				status = 'ready',
				metadata = excluded.metadata,
				updated_at = CURRENT_TIMESTAMP
		`, doc.Key, doc.Filename, doc.ContentType, doc.ContentHash, doc.Metadata); err != nil {
			return err
		}

		// LastInsertId is unreliable after an UPSERT that took the UPDATE
		// path (it reports the connection's previous insert), so the id is
		// always read back by key inside the same transaction.
		row := tx.QueryRowContext(ctx, "SELECT id FROM documents WHERE doc_key = ?", doc.Key)
		if err := row.Scan(&docID); err != nil {
			return err
		}

		// Remove prior chunks and vectors for this document.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, docID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", docID); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, seq_index, content, start_offset, end_offset, overlap_with_prev, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			hash := sha256.Sum256([]byte(c.Content))
			res, err := stmt.ExecContext(ctx,
				docID, c.SeqIndex, c.Content, c.StartOffset, c.EndOffset,
				boolToInt(c.OverlapWithPrev), hex.EncodeToString(hash[:]))
			if err != nil {
				return err
			}
			chunkID, err := res.LastInsertId()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)",
				chunkID, serializeFloat32(vectors[i])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return docID, len(chunks), nil
}

// --- Document operations ---

// GetDocumentByKey retrieves a document by its external key.
func (s *Store) GetDocumentByKey(ctx context.Context, key string) (*Document, error) {
	doc := &Document{}
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, doc_key, filename, content_type, content_hash, status, metadata, uploaded_at, updated_at
		FROM documents WHERE doc_key = ?
	`, key).Scan(&doc.ID, &doc.Key, &doc.Filename, &doc.ContentType,
		&doc.ContentHash, &doc.Status, &metadata, &doc.UploadedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	doc.Metadata = metadata.String
	return doc, nil
}

// ListDocuments returns all documents ordered by upload time, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_key, filename, content_type, content_hash, status, metadata, uploaded_at, updated_at
		FROM documents ORDER BY uploaded_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var metadata sql.NullString
		if err := rows.Scan(&d.ID, &d.Key, &d.Filename, &d.ContentType,
			&d.ContentHash, &d.Status, &metadata, &d.UploadedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Metadata = metadata.String
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// GetChunksByDocument returns all chunks for a document in sequence order.
func (s *Store) GetChunksByDocument(ctx context.Context, docID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, seq_index, content, start_offset, end_offset, overlap_with_prev, content_hash
		FROM chunks WHERE document_id = ? ORDER BY seq_index
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var overlap int
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.SeqIndex, &c.Content,
			&c.StartOffset, &c.EndOffset, &overlap, &c.ContentHash); err != nil {
			return nil, err
		}
		c.OverlapWithPrev = overlap != 0
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunks returns the number of chunks for a document, or across the
// whole index when docID is 0.
func (s *Store) CountChunks(ctx context.Context, docID int64) (int, error) {
	var n int
	var err error
	if docID == 0 {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM chunks WHERE document_id = ?", docID).Scan(&n)
	}
	return n, err
}

// --- Search ---

// Search performs a KNN search returning the top-k nearest chunks, ranked
// by similarity descending. Ties are broken by ascending sequence index
// for determinism.
func (s *Store) Search(ctx context.Context, queryEmbedding []float32, k int, filter *SearchFilter) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}

	// When restricted to one document, over-fetch from the KNN table so
	// the post-join filter can still fill k results.
	fetchK := k
	if filter != nil && filter.DocumentID != 0 {
		fetchK = k * 4
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.chunk_id, v.distance,
			c.content, c.seq_index, c.document_id,
			d.filename, d.doc_key
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance, c.seq_index
	`, serializeFloat32(queryEmbedding), fetchK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var distance float64
		if err := rows.Scan(&r.ChunkID, &distance,
			&r.Content, &r.SeqIndex, &r.DocumentID,
			&r.Filename, &r.DocKey); err != nil {
			return nil, err
		}
		if filter != nil && filter.DocumentID != 0 && r.DocumentID != filter.DocumentID {
			continue
		}
		// Convert distance to similarity score.
		r.Score = 1.0 - distance
		results = append(results, r)
		if len(results) == k {
			break
		}
	}
	return results, rows.Err()
}

// DeleteAll removes every document, chunk, and embedding from the index.
// It is synchronous: a search issued after return sees an empty index.
// Returns the number of chunks deleted; calling on an empty index returns 0.
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	var deleted int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&deleted); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_chunks"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM documents"); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// --- Analysis audit log ---

// LogAnalysis writes a completed analysis to the audit log.
func (s *Store) LogAnalysis(ctx context.Context, rec AnalysisRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyses (id, title, flag, confidence, risk_level, reasoning, stages)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Title, rec.Flag, rec.Confidence, rec.RiskLevel, rec.Reasoning, rec.Stages)
	return err
}

// HasAnalysis reports whether an analysis ID exists in the audit log.
func (s *Store) HasAnalysis(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM analyses WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Feedback audit log ---

// InsertFeedback writes a feedback record to the audit log.
func (s *Store) InsertFeedback(ctx context.Context, rec FeedbackRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, analysis_id, kind, correction, corrected_flag, orphaned)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.AnalysisID, rec.Kind, rec.Correction, rec.CorrectedFlag, boolToInt(rec.Orphaned))
	return err
}

// --- Diagnostics ---

// GetStats returns counts of documents, chunks, embeddings, analyses, and
// feedback records.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM chunks", &stats.Chunks},
		{"SELECT COUNT(*) FROM vec_chunks", &stats.Embeddings},
		{"SELECT COUNT(*) FROM analyses", &stats.Analyses},
		{"SELECT COUNT(*) FROM feedback", &stats.Feedback},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
