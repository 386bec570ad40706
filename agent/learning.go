package agent

import (
	"context"
	"strings"
	"time"

	"github.com/brunobiangulo/geocomply/llm"
	"github.com/brunobiangulo/geocomply/overlay"
)

// LearningAgent turns an analyst correction into terminology suggestions
// for the overlay. It runs outside the analysis workflow, driven by the
// feedback processor, but shares the stage contract.
type LearningAgent struct {
	provider llm.Provider
	model    string
}

func NewLearning(provider llm.Provider, model string) *LearningAgent {
	return &LearningAgent{provider: provider, model: model}
}

func (a *LearningAgent) Name() string { return StageLearning }

type learningOutput struct {
	Terms map[string]string `json:"terms"`
}

func (a *LearningAgent) Run(ctx context.Context, st *State, ov *overlay.Overlay) (StageResult, error) {
	start := time.Now()

	var user strings.Builder
	if block := overlayBlock(ov); block != "" {
		user.WriteString("Current glossary:\n")
		user.WriteString(block)
		user.WriteString("\n")
	}
	user.WriteString(featureBlock(st))
	user.WriteString("\n\nAnalyst correction: ")
	user.WriteString(st.Correction)

	resp, err := a.provider.Chat(ctx, llm.ChatRequest{
		Model: a.model,
		Messages: []llm.Message{
			{Role: "system", Content: learningSystem},
			{Role: "user", Content: user.String()},
		},
		Temperature:    0.1,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return StageResult{}, err
	}

	result := StageResult{Stage: StageLearning, Flag: FlagUncertain, Elapsed: time.Since(start)}

	var out learningOutput
	if err := decodeJSON(resp.Content, &out); err != nil {
		// No parseable suggestions; the overlay stays as it is.
		result.Confidence = fallbackConfidence
		return result, nil
	}

	// Drop empty keys or values; a glossary entry needs both sides.
	terms := make(map[string]string, len(out.Terms))
	for k, v := range out.Terms {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" && v != "" {
			terms[k] = v
		}
	}

	result.Confidence = 1.0
	result.SuggestedTerms = terms
	return result, nil
}
