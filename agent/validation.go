package agent

import (
	"context"
	"strings"
	"time"

	"github.com/brunobiangulo/geocomply/llm"
	"github.com/brunobiangulo/geocomply/overlay"
)

// ValidationAgent reconciles screening and research into the final
// verdict. It handles a missing or erroring research result by treating
// it as no additional evidence.
type ValidationAgent struct {
	provider llm.Provider
	model    string
}

func NewValidation(provider llm.Provider, model string) *ValidationAgent {
	return &ValidationAgent{provider: provider, model: model}
}

func (a *ValidationAgent) Name() string { return StageValidation }

type validationOutput struct {
	Verdict            string `json:"verdict"`
	Confidence         float64 `json:"confidence"`
	RiskLevel          string  `json:"risk_level"`
	Reasoning          string  `json:"reasoning"`
	RelatedRegulations []struct {
		Name      string  `json:"name"`
		Excerpt   string  `json:"excerpt"`
		Relevance float64 `json:"relevance"`
	} `json:"related_regulations"`
}

func (a *ValidationAgent) Run(ctx context.Context, st *State, ov *overlay.Overlay) (StageResult, error) {
	start := time.Now()

	var user strings.Builder
	if block := overlayBlock(ov); block != "" {
		user.WriteString(block)
		user.WriteString("\n")
	}
	user.WriteString(featureBlock(st))
	user.WriteString("\n\n")
	user.WriteString(priorStagesBlock(st))

	resp, err := a.provider.Chat(ctx, llm.ChatRequest{
		Model: a.model,
		Messages: []llm.Message{
			{Role: "system", Content: validationSystem},
			{Role: "user", Content: user.String()},
		},
		Temperature:    0.1,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return StageResult{}, err
	}

	result := StageResult{Stage: StageValidation, Elapsed: time.Since(start)}

	var out validationOutput
	if err := decodeJSON(resp.Content, &out); err != nil {
		result.Flag = keywordFlag(resp.Content)
		result.Confidence = fallbackConfidence
		result.Reasoning = strings.TrimSpace(resp.Content)
		return result, nil
	}

	conf, err := checkConfidence(out.Confidence)
	if err != nil {
		conf = fallbackConfidence
	}

	result.Flag = verdictToFlag(out.Verdict)
	result.Confidence = conf
	result.RiskLevel = normalizeRisk(out.RiskLevel)
	result.Reasoning = out.Reasoning
	result.RelatedRegulations = a.relatedRegulations(out, st)
	return result, nil
}

// verdictToFlag maps the reviewer verdict onto the tri-state flag.
// REVIEW means a human should look; it surfaces as uncertain.
func verdictToFlag(verdict string) Flag {
	switch strings.ToUpper(strings.TrimSpace(verdict)) {
	case "YES":
		return FlagYes
	case "NO":
		return FlagNo
	default:
		return FlagUncertain
	}
}

// relatedRegulations merges the model's citations with the research
// evidence so each regulation carries its source file when known.
func (a *ValidationAgent) relatedRegulations(out validationOutput, st *State) []RelatedRegulation {
	regs := make([]RelatedRegulation, 0, len(out.RelatedRegulations))
	for _, r := range out.RelatedRegulations {
		reg := RelatedRegulation{
			Name:      r.Name,
			Excerpt:   r.Excerpt,
			Relevance: r.Relevance,
		}
		if st.Research != nil {
			for _, ev := range st.Research.Evidence {
				if r.Excerpt != "" && strings.Contains(ev.Content, firstWords(r.Excerpt, 6)) {
					reg.SourceFile = ev.SourceFile
					break
				}
			}
		}
		regs = append(regs, reg)
	}
	return regs
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
