// Package agent implements the stage agents of the compliance workflow:
// Screening, Research, Validation and Learning. Each stage wraps one call
// to the reasoning engine with a stage-specific prompt built from the
// analysis state, the overlay snapshot and, for Research, retrieved
// regulation excerpts.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/brunobiangulo/geocomply/overlay"
)

// Flag is the tri-state compliance verdict.
type Flag string

const (
	FlagYes       Flag = "yes"
	FlagNo        Flag = "no"
	FlagUncertain Flag = "uncertain"
)

// Risk levels as emitted by the screening stage.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// Status values for an analysis state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusScreening   Status = "screening"
	StatusResearching Status = "researching"
	StatusValidating  Status = "validating"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Stage names.
const (
	StageScreening  = "screening"
	StageResearch   = "research"
	StageValidation = "validation"
	StageLearning   = "learning"
)

// Evidence is one retrieved regulation excerpt used by Research.
type Evidence struct {
	Content    string  `json:"content"`
	SourceFile string  `json:"source_file"`
	Score      float64 `json:"score"`
}

// RelatedRegulation is a regulation the validation stage tied to the
// feature under analysis.
type RelatedRegulation struct {
	Name       string  `json:"name"`
	Excerpt    string  `json:"excerpt"`
	Relevance  float64 `json:"relevance"`
	SourceFile string  `json:"source_file,omitempty"`
}

// StageResult is the outcome of one stage execution. A stage that cannot
// produce a well-formed result sets Error and confidence 0.0 instead of
// failing the analysis.
type StageResult struct {
	Stage      string  `json:"stage"`
	Flag       Flag    `json:"flag"`
	Confidence float64 `json:"confidence"`
	RiskLevel  string  `json:"risk_level,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`

	// Screening details.
	TriggerKeywords    []string `json:"trigger_keywords,omitempty"`
	GeographicScope    []string `json:"geographic_scope,omitempty"`
	AgeSensitivity     bool     `json:"age_sensitivity,omitempty"`
	ComplianceRequired bool     `json:"compliance_required,omitempty"`
	NeedsResearch      bool     `json:"needs_research,omitempty"`

	// Research details.
	Evidence []Evidence `json:"evidence,omitempty"`

	// Validation details.
	RelatedRegulations []RelatedRegulation `json:"related_regulations,omitempty"`

	// Learning details.
	SuggestedTerms map[string]string `json:"suggested_terms,omitempty"`

	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// ErrorResult builds the StageResult for a stage whose engine call could
// not be completed.
func ErrorResult(stage string, err error) StageResult {
	return StageResult{
		Stage:      stage,
		Flag:       FlagUncertain,
		Confidence: 0.0,
		Error:      err.Error(),
	}
}

// State is the mutable record threaded through one orchestrator run.
// It is exclusively owned by that run and never shared across analyses.
type State struct {
	ID          string
	Title       string
	Description string

	// Correction carries feedback text when the learning stage runs.
	Correction string

	OverlayVersion int64

	Screening  *StageResult
	Research   *StageResult
	Validation *StageResult

	Flag               Flag
	Confidence         float64
	RiskLevel          string
	Reasoning          string
	RelatedRegulations []RelatedRegulation

	Status       Status
	StageHistory []string
	StartedAt    time.Time
}

// Stage is one step of the compliance workflow. Run returns an error only
// for engine call failures; the caller decides retry policy based on the
// error class. Malformed engine output is handled inside the stage and
// degrades to a low-confidence result, not an error.
type Stage interface {
	Name() string
	Run(ctx context.Context, st *State, ov *overlay.Overlay) (StageResult, error)
}

// checkConfidence rejects out-of-range confidence values at construction
// time so downstream aggregation can assume [0, 1].
func checkConfidence(v float64) (float64, error) {
	if v < 0.0 || v > 1.0 {
		return 0, fmt.Errorf("confidence %v outside [0, 1]", v)
	}
	return v, nil
}
