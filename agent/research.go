package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/geocomply/llm"
	"github.com/brunobiangulo/geocomply/overlay"
)

// Retriever fetches the top-k regulation excerpts for a query. The engine
// wires this to the vector index; tests supply fakes.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Evidence, error)
}

// ResearchAgent consults the regulation corpus when screening was not
// decisive. Retrieval failures degrade to an empty evidence set; the
// stage still runs so validation has a research verdict to reconcile.
type ResearchAgent struct {
	provider  llm.Provider
	retriever Retriever
	model     string
	topK      int
}

func NewResearch(provider llm.Provider, retriever Retriever, model string, topK int) *ResearchAgent {
	if topK <= 0 {
		topK = 5
	}
	return &ResearchAgent{provider: provider, retriever: retriever, model: model, topK: topK}
}

func (a *ResearchAgent) Name() string { return StageResearch }

type researchOutput struct {
	Flag       string  `json:"flag"`
	Confidence float64 `json:"confidence"`
	RiskLevel  string  `json:"risk_level"`
	Reasoning  string  `json:"reasoning"`
}

func (a *ResearchAgent) Run(ctx context.Context, st *State, ov *overlay.Overlay) (StageResult, error) {
	start := time.Now()

	query := st.Title + " " + st.Description
	evidence, err := a.retriever.Retrieve(ctx, query, a.topK)
	if err != nil {
		// Index inconsistency or retrieval failure is not fatal for the
		// analysis; research proceeds with no evidence.
		slog.Warn("research: retrieval failed, continuing without evidence", "error", err)
		evidence = nil
	}

	var user strings.Builder
	if block := overlayBlock(ov); block != "" {
		user.WriteString(block)
		user.WriteString("\n")
	}
	user.WriteString(featureBlock(st))
	user.WriteString("\n\n")
	user.WriteString(evidenceBlock(evidence))

	resp, err := a.provider.Chat(ctx, llm.ChatRequest{
		Model: a.model,
		Messages: []llm.Message{
			{Role: "system", Content: researchSystem},
			{Role: "user", Content: user.String()},
		},
		Temperature:    0.1,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return StageResult{}, err
	}

	result := StageResult{Stage: StageResearch, Evidence: evidence, Elapsed: time.Since(start)}

	var out researchOutput
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

	result.Flag = normalizeFlag(out.Flag)
	result.Confidence = conf
	result.RiskLevel = normalizeRisk(out.RiskLevel)
	result.Reasoning = out.Reasoning
	return result, nil
}
