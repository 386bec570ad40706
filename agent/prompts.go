package agent

import (
	"fmt"
	"strings"

	"github.com/brunobiangulo/geocomply/overlay"
)

const screeningSystem = `You are a compliance screening analyst for a consumer software platform.
Given a feature title and description, decide whether the feature requires
geo-specific compliance logic (age gates, regional restrictions, data
residency, minor protections).

Respond with a single JSON object:
{
  "flag": "yes" | "no" | "uncertain",
  "confidence": <0.0-1.0>,
  "risk_level": "LOW" | "MEDIUM" | "HIGH",
  "reasoning": "<one short paragraph>",
  "trigger_keywords": ["<terms that drove the decision>"],
  "geographic_scope": ["<jurisdictions involved, if any>"],
  "age_sensitivity": <true|false>,
  "compliance_required": <true|false>,
  "needs_research": <true|false>
}`

const validationSystem = `You are a compliance validation reviewer. You receive a screening
assessment and optional regulation research for a software feature. Reconcile
them into a final verdict.

Respond with a single JSON object:
{
  "verdict": "YES" | "NO" | "REVIEW",
  "confidence": <0.0-1.0>,
  "risk_level": "LOW" | "MEDIUM" | "HIGH",
  "reasoning": "<one short paragraph>",
  "related_regulations": [
    {"name": "<regulation>", "excerpt": "<relevant text>", "relevance": <0.0-1.0>}
  ]
}`

const researchSystem = `You are a regulatory research analyst. You receive a feature description
and excerpts retrieved from a regulation corpus. Assess how strongly the
excerpts indicate compliance obligations for this feature.

Respond with a single JSON object:
{
  "flag": "yes" | "no" | "uncertain",
  "confidence": <0.0-1.0>,
  "risk_level": "LOW" | "MEDIUM" | "HIGH",
  "reasoning": "<one short paragraph citing the excerpts>"
}`

const learningSystem = `You maintain a terminology glossary used to interpret feature
descriptions. Given an analyst correction about a past compliance decision,
extract terminology the glossary should learn.

Respond with a single JSON object:
{
  "terms": {"<term>": "<expansion or clarification>"}
}
Return {"terms": {}} if the correction adds no reusable terminology.`

// featureBlock renders the request under analysis.
func featureBlock(st *State) string {
	return fmt.Sprintf("Feature title: %s\nFeature description: %s", st.Title, st.Description)
}

// overlayBlock renders the terminology snapshot, or nothing when empty.
func overlayBlock(ov *overlay.Overlay) string {
	if ov == nil {
		return ""
	}
	return ov.Render()
}

// evidenceBlock renders retrieved excerpts for the research prompt.
// Excerpts are truncated so the prompt stays bounded.
func evidenceBlock(evidence []Evidence) string {
	if len(evidence) == 0 {
		return "No regulation excerpts were found for this feature."
	}
	var b strings.Builder
	b.WriteString("Retrieved regulation excerpts:\n")
	for i, ev := range evidence {
		excerpt := ev.Content
		if len(excerpt) > 600 {
			excerpt = excerpt[:600] + "..."
		}
		fmt.Fprintf(&b, "[%d] (%s, score %.2f)\n%s\n\n", i+1, ev.SourceFile, ev.Score, excerpt)
	}
	return b.String()
}

// priorStagesBlock summarizes earlier stage output for validation.
func priorStagesBlock(st *State) string {
	var b strings.Builder
	if st.Screening != nil {
		fmt.Fprintf(&b, "Screening: flag=%s confidence=%.2f risk=%s\nScreening reasoning: %s\n",
			st.Screening.Flag, st.Screening.Confidence, st.Screening.RiskLevel, st.Screening.Reasoning)
	}
	if st.Research != nil {
		if st.Research.Error != "" {
			b.WriteString("Research: unavailable (treat as no additional evidence)\n")
		} else {
			fmt.Fprintf(&b, "Research: flag=%s confidence=%.2f\nResearch reasoning: %s\n",
				st.Research.Flag, st.Research.Confidence, st.Research.Reasoning)
			b.WriteString(evidenceBlock(st.Research.Evidence))
		}
	}
	return b.String()
}
