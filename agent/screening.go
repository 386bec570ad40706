package agent

import (
	"context"
	"strings"
	"time"

	"github.com/brunobiangulo/geocomply/llm"
	"github.com/brunobiangulo/geocomply/overlay"
)

// ScreeningAgent makes the first-pass compliance assessment from the
// feature text and the terminology overlay alone.
type ScreeningAgent struct {
	provider llm.Provider
	model    string
}

func NewScreening(provider llm.Provider, model string) *ScreeningAgent {
	return &ScreeningAgent{provider: provider, model: model}
}

func (a *ScreeningAgent) Name() string { return StageScreening }

type screeningOutput struct {
	Flag               string   `json:"flag"`
	Confidence         float64  `json:"confidence"`
	RiskLevel          string   `json:"risk_level"`
	Reasoning          string   `json:"reasoning"`
	TriggerKeywords    []string `json:"trigger_keywords"`
	GeographicScope    []string `json:"geographic_scope"`
	AgeSensitivity     bool     `json:"age_sensitivity"`
	ComplianceRequired bool     `json:"compliance_required"`
	NeedsResearch      bool     `json:"needs_research"`
}

func (a *ScreeningAgent) Run(ctx context.Context, st *State, ov *overlay.Overlay) (StageResult, error) {
	start := time.Now()

	var user strings.Builder
	if block := overlayBlock(ov); block != "" {
		user.WriteString(block)
		user.WriteString("\n")
	}
	user.WriteString(featureBlock(st))

	resp, err := a.provider.Chat(ctx, llm.ChatRequest{
		Model: a.model,
		Messages: []llm.Message{
			{Role: "system", Content: screeningSystem},
			{Role: "user", Content: user.String()},
		},
		Temperature:    0.1,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return StageResult{}, err
	}

	result := StageResult{Stage: StageScreening, Elapsed: time.Since(start)}

	var out screeningOutput
	if err := decodeJSON(resp.Content, &out); err != nil {
		// Degrade to the keyword fallback rather than failing the stage.
		result.Flag = keywordFlag(resp.Content)
		result.Confidence = fallbackConfidence
		result.Reasoning = strings.TrimSpace(resp.Content)
		result.NeedsResearch = true
		return result, nil
	}

	conf, err := checkConfidence(out.Confidence)
	if err != nil {
		result.Flag = normalizeFlag(out.Flag)
		result.Confidence = fallbackConfidence
		result.Reasoning = out.Reasoning
		result.NeedsResearch = true
		return result, nil
	}

	result.Flag = normalizeFlag(out.Flag)
	result.Confidence = conf
	result.RiskLevel = normalizeRisk(out.RiskLevel)
	result.Reasoning = out.Reasoning
	result.TriggerKeywords = out.TriggerKeywords
	result.GeographicScope = out.GeographicScope
	result.AgeSensitivity = out.AgeSensitivity
	result.ComplianceRequired = out.ComplianceRequired
	result.NeedsResearch = out.NeedsResearch
	return result, nil
}
