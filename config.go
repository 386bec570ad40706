package geocomply

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the geocomply engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.geocomply/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "geocomply".
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath is
	// not explicitly set. Options: "home" (default) uses ~/.geocomply/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// Reasoning and embedding endpoints.
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Chunking. Sizes are in characters; Overlap must be smaller than
	// ChunkSize.
	ChunkSize    int `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap"`

	// IngestConcurrency caps parallel document ingestion in a batch.
	IngestConcurrency int `json:"ingest_concurrency" yaml:"ingest_concurrency"`

	// EmbedRetries is the number of attempts for a failing embedding batch
	// before the document is failed as a whole.
	EmbedRetries int `json:"embed_retries" yaml:"embed_retries"`

	// Orchestration.
	ResearchThreshold float64 `json:"research_threshold" yaml:"research_threshold"` // screening confidence below this enters research
	ResearchTopK      int     `json:"research_top_k" yaml:"research_top_k"`         // evidence chunks fetched per analysis
	StageRetries      int     `json:"stage_retries" yaml:"stage_retries"`           // retries per stage on transient failures
	StageTimeoutSecs  int     `json:"stage_timeout_secs" yaml:"stage_timeout_secs"` // per external call, not per analysis

	// Confidence aggregation weights applied at validation time.
	ScreeningWeight float64 `json:"screening_weight" yaml:"screening_weight"`
	ResearchWeight  float64 `json:"research_weight" yaml:"research_weight"`

	// Embedding dimensions (must match model).
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// LLMConfig configures a single reasoning or embedding endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, openai, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.geocomply/geocomply.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "geocomply",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		ChunkSize:         1000,
		ChunkOverlap:      200,
		IngestConcurrency: 4,
		EmbedRetries:      3,
		ResearchThreshold: 0.7,
		ResearchTopK:      5,
		StageRetries:      2,
		StageTimeoutSecs:  120,
		ScreeningWeight:   0.6,
		ResearchWeight:    0.4,
		EmbeddingDim:      768,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "geocomply"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".geocomply")
		return filepath.Join(dir, name+".db")
	}
}
