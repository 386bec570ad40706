// Package feedback ingests analyst corrections and routes them into the
// terminology overlay under the single-writer discipline. Every record is
// kept for audit; only negative and needs_context feedback with a
// correction can mutate the overlay, and each record triggers at most one
// overlay version increment.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/brunobiangulo/geocomply/agent"
	"github.com/brunobiangulo/geocomply/overlay"
	"github.com/brunobiangulo/geocomply/store"
)

// Feedback kinds.
const (
	KindPositive     = "positive"
	KindNegative     = "negative"
	KindNeedsContext = "needs_context"
)

// Record is one piece of analyst feedback on a completed analysis.
type Record struct {
	AnalysisID    string `json:"analysis_id"`
	Kind          string `json:"feedback_kind"`
	Correction    string `json:"correction,omitempty"`
	CorrectedFlag string `json:"corrected_flag,omitempty"`
	CorrectedRisk string `json:"corrected_risk,omitempty"`
}

// Result reports how a feedback record was handled.
type Result struct {
	FeedbackID     string `json:"feedback_id"`
	Accepted       bool   `json:"accepted"`
	Status         string `json:"status"`
	Orphaned       bool   `json:"orphaned,omitempty"`
	OverlayVersion int64  `json:"overlay_version,omitempty"`
}

// Auditor is the audit-log slice of the store the processor needs.
type Auditor interface {
	HasAnalysis(ctx context.Context, id string) (bool, error)
	InsertFeedback(ctx context.Context, rec store.FeedbackRecord) error
}

// Processor consumes feedback records. It is the sole writer of the
// overlay store.
type Processor struct {
	overlays *overlay.Store
	learning agent.Stage
	audit    Auditor
}

// New creates a processor. learning may be nil; corrections are then
// recorded without terminology extraction.
func New(overlays *overlay.Store, learning agent.Stage, audit Auditor) *Processor {
	return &Processor{overlays: overlays, learning: learning, audit: audit}
}

// Submit handles one feedback record. An unknown analysis id is accepted
// for audit and flagged orphaned, never surfaced as an error.
func (p *Processor) Submit(ctx context.Context, rec Record) (Result, error) {
	kind := strings.ToLower(strings.TrimSpace(rec.Kind))
	switch kind {
	case KindPositive, KindNegative, KindNeedsContext:
	default:
		return Result{}, fmt.Errorf("unknown feedback kind %q", rec.Kind)
	}

	res := Result{
		FeedbackID: uuid.NewString(),
		Accepted:   true,
		Status:     "recorded",
	}

	known, err := p.audit.HasAnalysis(ctx, rec.AnalysisID)
	if err != nil {
		return Result{}, fmt.Errorf("checking analysis %s: %w", rec.AnalysisID, err)
	}
	res.Orphaned = !known

	correction := strings.TrimSpace(rec.Correction)
	if (kind == KindNegative || kind == KindNeedsContext) && correction != "" {
		if version, ok := p.applyCorrection(ctx, rec, correction); ok {
			res.OverlayVersion = version
			res.Status = "overlay_updated"
		}
	}

	if err := p.audit.InsertFeedback(ctx, store.FeedbackRecord{
		ID:            res.FeedbackID,
		AnalysisID:    rec.AnalysisID,
		Kind:          kind,
		Correction:    correction,
		CorrectedFlag: rec.CorrectedFlag,
		Orphaned:      res.Orphaned,
	}); err != nil {
		return Result{}, fmt.Errorf("recording feedback: %w", err)
	}

	slog.Info("feedback processed",
		"feedback_id", res.FeedbackID,
		"analysis_id", rec.AnalysisID,
		"kind", kind,
		"orphaned", res.Orphaned,
		"status", res.Status,
	)
	return res, nil
}

// applyCorrection extracts terminology from the correction and publishes
// one overlay update. A failing or empty extraction leaves the overlay
// untouched; the record is still kept for audit.
func (p *Processor) applyCorrection(ctx context.Context, rec Record, correction string) (int64, bool) {
	terms := map[string]string{}

	if p.learning != nil {
		st := &agent.State{
			ID:         rec.AnalysisID,
			Title:      "feedback correction",
			Correction: correction,
		}
		result, err := p.learning.Run(ctx, st, p.overlays.Current())
		if err != nil {
			slog.Warn("feedback: learning stage failed, overlay unchanged",
				"analysis_id", rec.AnalysisID, "error", err)
			return 0, false
		}
		terms = result.SuggestedTerms
	}

	if len(terms) == 0 {
		return 0, false
	}
	return p.overlays.Update(terms), true
}
