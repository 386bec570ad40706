package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// decodeJSON pulls a JSON object out of raw model output. Models wrap
// their JSON in prose or markdown fences often enough that three
// strategies are tried in order:
//
//  1. the whole content is the object
//  2. a fenced ```json code block
//  3. the first balanced {...} found anywhere in the content
//
// Callers fall back to keyword heuristics when all three fail.
func decodeJSON(content string, v any) error {
	content = strings.TrimSpace(content)

	if err := json.Unmarshal([]byte(content), v); err == nil {
		return nil
	}

	if block, ok := fencedBlock(content); ok {
		if err := json.Unmarshal([]byte(block), v); err == nil {
			return nil
		}
	}

	if obj, ok := firstObject(content); ok {
		if err := json.Unmarshal([]byte(obj), v); err == nil {
			return nil
		}
	}

	return fmt.Errorf("no JSON object in model output")
}

// fencedBlock extracts the body of the first ``` fence, tolerating an
// optional language tag.
func fencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line ("json", "JSON", empty).
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// firstObject scans for the first balanced top-level JSON object,
// respecting string literals and escapes.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// keywordFlag scans prose output for a verdict when structured parsing
// failed entirely. Results carry the fallback confidence 0.1 so callers
// can tell them apart from real stage output.
const fallbackConfidence = 0.1

func keywordFlag(content string) Flag {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "\"flag\": \"yes\"") ||
		strings.Contains(lower, "compliance required") ||
		strings.Contains(lower, "verdict: yes"):
		return FlagYes
	case strings.Contains(lower, "\"flag\": \"no\"") ||
		strings.Contains(lower, "no compliance") ||
		strings.Contains(lower, "verdict: no"):
		return FlagNo
	default:
		return FlagUncertain
	}
}

// normalizeFlag maps model variants onto the tri-state flag.
func normalizeFlag(s string) Flag {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "true", "required":
		return FlagYes
	case "no", "false", "not_required", "not required":
		return FlagNo
	default:
		return FlagUncertain
	}
}

// normalizeRisk maps model variants onto the risk scale.
func normalizeRisk(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case RiskLow:
		return RiskLow
	case RiskMedium, "MED", "MODERATE":
		return RiskMedium
	case RiskHigh:
		return RiskHigh
	default:
		return ""
	}
}
