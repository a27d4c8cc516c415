package analyze

import (
	"encoding/json"
	"errors"
	"strings"
)

var ErrNoScore = errors.New("analysis response without relevance score")

// ParseResult decodes an analysis body, tolerating the shapes LLM-backed
// services actually produce: a clean JSON object, a fenced ```json block,
// or an object embedded in surrounding prose. Any object carrying a
// numeric relevance_score satisfies the contract.
func ParseResult(raw []byte) (Result, error) {
	if result, ok := decodeCandidate(raw); ok {
		return clamp(result), nil
	}

	text := string(raw)
	if fenced := extractFencedBlock(text); fenced != "" {
		if result, ok := decodeCandidate([]byte(fenced)); ok {
			return clamp(result), nil
		}
	}
	if embedded := extractEmbeddedObject(text); embedded != "" {
		if result, ok := decodeCandidate([]byte(embedded)); ok {
			return clamp(result), nil
		}
	}

	return Result{}, ErrNoScore
}

func decodeCandidate(raw []byte) (Result, bool) {
	// relevance_score must be present, not merely zero-valued, and may
	// arrive fractional, so decode through an intermediate shape.
	var probe struct {
		RelevanceScore *float64 `json:"relevance_score"`
		Title          string   `json:"title"`
		Summary        string   `json:"summary"`
		KeyPoints      []string `json:"key_points"`
		Confidence     float64  `json:"confidence"`
		Success        *bool    `json:"success"`
		Error          string   `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Result{}, false
	}
	if probe.RelevanceScore == nil {
		return Result{}, false
	}

	success := true
	if probe.Success != nil {
		success = *probe.Success
	}
	return Result{
		RelevanceScore: int(*probe.RelevanceScore),
		Title:          probe.Title,
		Summary:        probe.Summary,
		KeyPoints:      probe.KeyPoints,
		Confidence:     probe.Confidence,
		Success:        success,
		Error:          probe.Error,
	}, true
}

func extractFencedBlock(text string) string {
	for _, fence := range []string{"```json", "```"} {
		start := strings.Index(text, fence)
		if start < 0 {
			continue
		}
		rest := text[start+len(fence):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		return strings.TrimSpace(rest[:end])
	}
	return ""
}

// extractEmbeddedObject scans for the first balanced object that mentions
// relevance_score. Strings with escaped quotes are honored.
func extractEmbeddedObject(text string) string {
	for start := 0; ; {
		offset := strings.IndexByte(text[start:], '{')
		if offset < 0 {
			return ""
		}
		open := start + offset
		if end, ok := matchBrace(text, open); ok {
			candidate := text[open : end+1]
			if strings.Contains(candidate, "relevance_score") {
				return candidate
			}
		}
		start = open + 1
	}
}

func matchBrace(text string, open int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func clamp(result Result) Result {
	if result.RelevanceScore < 0 {
		result.RelevanceScore = 0
	}
	if result.RelevanceScore > 100 {
		result.RelevanceScore = 100
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	return result
}
