package analyze

import "testing"

func TestParseResultShapes(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantScore int
		wantTitle string
		wantErr   bool
	}{
		{
			name:      "clean json object",
			body:      `{"relevance_score": 82, "title": "Q3 beat", "summary": "Revenue up 12%", "confidence": 0.9, "success": true}`,
			wantScore: 82,
			wantTitle: "Q3 beat",
		},
		{
			name:      "fenced json block",
			body:      "Here is the analysis you asked for:\n```json\n{\"relevance_score\": 64, \"title\": \"Minor update\", \"summary\": \"small change\"}\n```\nHope this helps!",
			wantScore: 64,
			wantTitle: "Minor update",
		},
		{
			name:      "object embedded in prose",
			body:      `The model replied with {"relevance_score": 91, "title": "Breaking", "summary": "major"} after some deliberation.`,
			wantScore: 91,
			wantTitle: "Breaking",
		},
		{
			name:      "score clamped above range",
			body:      `{"relevance_score": 250, "title": "overshoot", "summary": "s"}`,
			wantScore: 100,
			wantTitle: "overshoot",
		},
		{
			name:      "score clamped below range",
			body:      `{"relevance_score": -5, "title": "undershoot", "summary": "s"}`,
			wantScore: 0,
			wantTitle: "undershoot",
		},
		{
			name:    "object without score",
			body:    `{"title": "no score here", "summary": "s"}`,
			wantErr: true,
		},
		{
			name:    "plain prose",
			body:    `I could not analyze the content.`,
			wantErr: true,
		},
		{
			name:      "earlier scoreless object skipped",
			body:      `{"note": "preamble"} then finally {"relevance_score": 40, "title": "later", "summary": "s"}`,
			wantScore: 40,
			wantTitle: "later",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseResult([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", result)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.RelevanceScore != tt.wantScore {
				t.Fatalf("score = %d, want %d", result.RelevanceScore, tt.wantScore)
			}
			if result.Title != tt.wantTitle {
				t.Fatalf("title = %q, want %q", result.Title, tt.wantTitle)
			}
		})
	}
}

func TestParseResultClampsConfidence(t *testing.T) {
	result, err := ParseResult([]byte(`{"relevance_score": 50, "confidence": 3.5}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Confidence != 1 {
		t.Fatalf("confidence = %f, want clamped to 1", result.Confidence)
	}
}

func TestParseResultHonorsEscapedBraces(t *testing.T) {
	body := `{"relevance_score": 70, "title": "has \"quoted {brace}\" inside", "summary": "s"}`
	result, err := ParseResult([]byte(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RelevanceScore != 70 {
		t.Fatalf("score = %d, want 70", result.RelevanceScore)
	}
}
