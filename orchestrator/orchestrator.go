// Package orchestrator drives one compliance analysis through its state
// machine: Pending, Screening, optionally Researching, Validating, and a
// terminal Completed or Failed. Stage-level engine errors are absorbed
// into stage results; only a malformed request or cancellation fails an
// analysis.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/geocomply/agent"
	"github.com/brunobiangulo/geocomply/llm"
	"github.com/brunobiangulo/geocomply/overlay"
)

// ErrMalformedRequest marks a request that cannot enter the workflow.
var ErrMalformedRequest = errors.New("orchestrator: malformed analysis request")

// Config tunes the state machine policy.
type Config struct {
	// ResearchThreshold is the screening confidence below which the
	// research stage is entered.
	ResearchThreshold float64

	// StageRetries is how many times a stage call is retried after a
	// transient failure. Non-transient failures are never retried.
	StageRetries int

	// RetryBackoff is the base delay before the first retry; it doubles
	// per attempt.
	RetryBackoff time.Duration

	// StageTimeout bounds each individual engine call, not the whole
	// analysis.
	StageTimeout time.Duration

	// ScreeningWeight and ResearchWeight blend stage confidences when
	// both stages ran. They should sum to 1.
	ScreeningWeight float64
	ResearchWeight  float64
}

// DefaultConfig returns the standard policy.
func DefaultConfig() Config {
	return Config{
		ResearchThreshold: 0.7,
		StageRetries:      2,
		RetryBackoff:      500 * time.Millisecond,
		StageTimeout:      120 * time.Second,
		ScreeningWeight:   0.6,
		ResearchWeight:    0.4,
	}
}

// Orchestrator owns the stage sequence for compliance analyses. It is
// safe for concurrent use; each Run owns its state exclusively.
type Orchestrator struct {
	screening  agent.Stage
	research   agent.Stage
	validation agent.Stage
	overlays   *overlay.Store
	cfg        Config
}

func New(screening, research, validation agent.Stage, overlays *overlay.Store, cfg Config) *Orchestrator {
	if cfg.ResearchThreshold <= 0 {
		cfg.ResearchThreshold = 0.7
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.ScreeningWeight <= 0 && cfg.ResearchWeight <= 0 {
		cfg.ScreeningWeight, cfg.ResearchWeight = 0.6, 0.4
	}
	return &Orchestrator{
		screening:  screening,
		research:   research,
		validation: validation,
		overlays:   overlays,
		cfg:        cfg,
	}
}

// Run executes one analysis to a terminal state. The returned state is
// always non-nil once the request is accepted; on cancellation it holds
// the partial stage history.
func (o *Orchestrator) Run(ctx context.Context, id, title, description string) (*agent.State, error) {
	if strings.TrimSpace(title) == "" || strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("%w: title and description are required", ErrMalformedRequest)
	}

	snapshot := o.overlays.Current()
	st := &agent.State{
		ID:             id,
		Title:          title,
		Description:    description,
		OverlayVersion: snapshot.Version,
		Status:         agent.StatusPending,
		StartedAt:      time.Now().UTC(),
	}

	// Screening always runs first.
	if err := o.checkCancelled(ctx, st); err != nil {
		return st, err
	}
	st.Status = agent.StatusScreening
	screening := o.runStage(ctx, o.screening, st, snapshot)
	st.Screening = &screening
	st.StageHistory = append(st.StageHistory, agent.StageScreening)

	// Research only when screening was not decisive.
	if o.needsResearch(&screening) {
		if err := o.checkCancelled(ctx, st); err != nil {
			return st, err
		}
		st.Status = agent.StatusResearching
		research := o.runStage(ctx, o.research, st, snapshot)
		st.Research = &research
		st.StageHistory = append(st.StageHistory, agent.StageResearch)
	}

	// Validation always runs, even over an erroring research result.
	if err := o.checkCancelled(ctx, st); err != nil {
		return st, err
	}
	st.Status = agent.StatusValidating
	validation := o.runStage(ctx, o.validation, st, snapshot)
	st.Validation = &validation
	st.StageHistory = append(st.StageHistory, agent.StageValidation)

	o.finalize(st)
	st.Status = agent.StatusCompleted

	slog.Info("analysis complete",
		"analysis_id", st.ID,
		"flag", st.Flag,
		"confidence", st.Confidence,
		"stages", st.StageHistory,
		"overlay_version", st.OverlayVersion,
		"elapsed", time.Since(st.StartedAt).Round(time.Millisecond),
	)
	return st, nil
}

// checkCancelled observes cancellation at a stage boundary and leaves the
// partial history intact.
func (o *Orchestrator) checkCancelled(ctx context.Context, st *agent.State) error {
	if err := ctx.Err(); err != nil {
		st.Status = agent.StatusFailed
		return err
	}
	return nil
}

// runStage executes one stage with per-call timeout and transient-only
// retry. Exhausted retries and permanent failures become an error
// StageResult, never a workflow failure.
func (o *Orchestrator) runStage(ctx context.Context, stage agent.Stage, st *agent.State, snapshot *overlay.Overlay) agent.StageResult {
	var lastErr error

	for attempt := 0; attempt <= o.cfg.StageRetries; attempt++ {
		if attempt > 0 {
			delay := o.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			slog.Warn("stage retry",
				"analysis_id", st.ID,
				"stage", stage.Name(),
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return agent.ErrorResult(stage.Name(), ctx.Err())
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if o.cfg.StageTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, o.cfg.StageTimeout)
		}
		result, err := stage.Run(callCtx, st, snapshot)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result
		}

		lastErr = err
		transient := errors.Is(err, llm.ErrTransient) ||
			(errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil)
		if !transient {
			break
		}
	}

	return agent.ErrorResult(stage.Name(), lastErr)
}

// needsResearch decides the Screening to Researching transition. Research
// is entered when screening demands it, was not confident enough, flagged
// elevated risk, or could not produce a result at all.
func (o *Orchestrator) needsResearch(screening *agent.StageResult) bool {
	if screening.Error != "" {
		return true
	}
	return screening.ComplianceRequired ||
		screening.NeedsResearch ||
		screening.Confidence < o.cfg.ResearchThreshold ||
		screening.Flag == agent.FlagUncertain ||
		screening.RiskLevel == agent.RiskMedium ||
		screening.RiskLevel == agent.RiskHigh
}

// finalize aggregates stage results into the authoritative verdict.
// The blended confidence weighs screening and research; validation
// overrides the blend entirely when its flag disagrees with the prior
// stages.
func (o *Orchestrator) finalize(st *agent.State) {
	priorFlag := agent.FlagUncertain
	confidence := 0.0

	if st.Screening != nil {
		priorFlag = st.Screening.Flag
		confidence = st.Screening.Confidence
		st.RiskLevel = st.Screening.RiskLevel
		st.Reasoning = st.Screening.Reasoning
	}

	if st.Research != nil && st.Research.Error == "" {
		confidence = o.cfg.ScreeningWeight*confidence + o.cfg.ResearchWeight*st.Research.Confidence
		if priorFlag == agent.FlagUncertain && st.Research.Flag != agent.FlagUncertain {
			priorFlag = st.Research.Flag
		}
	}

	st.Flag = priorFlag
	st.Confidence = clamp01(confidence)

	v := st.Validation
	if v == nil || v.Error != "" {
		return
	}

	if v.Flag != priorFlag {
		// Validation disagrees: its verdict and confidence win.
		st.Flag = v.Flag
		st.Confidence = clamp01(v.Confidence)
	}
	if v.RiskLevel != "" {
		st.RiskLevel = v.RiskLevel
	}
	if v.Reasoning != "" {
		st.Reasoning = v.Reasoning
	}
	st.RelatedRegulations = v.RelatedRegulations
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
