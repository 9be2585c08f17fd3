package services

import (
	"strings"
	"testing"
)

const validBundleJSON = `{
	"summary": "Bone is living tissue.",
	"keyPoints": ["Bone remodels under load"],
	"highYield": ["Osteoclasts resorb bone"],
	"mnemonics": [{"name": "Carpal bones", "content": "Some Lovers Try Positions..."}],
	"memoryPalace": "Walk through a skeleton museum.",
	"questions": [
		{"question": "What resorbs bone?", "options": ["Osteoblast", "Osteoclast"], "correctAnswer": 1, "explanation": "Clasts cleave.", "difficulty": "easy", "category": "histology"}
	],
	"flashcards": [
		{"front": "Cell that builds bone", "back": "Osteoblast", "category": "histology"}
	]
}`

func TestParseValidJSON(t *testing.T) {
	parser := NewParser(nil)

	result := parser.Parse(validBundleJSON)
	if result.Degraded {
		t.Fatal("valid JSON must not degrade")
	}
	if result.Bundle.Summary != "Bone is living tissue." {
		t.Errorf("unexpected summary %q", result.Bundle.Summary)
	}
	if len(result.Bundle.Questions) != 1 || result.Bundle.Questions[0].CorrectAnswer != 1 {
		t.Errorf("unexpected questions: %+v", result.Bundle.Questions)
	}
	if len(result.Bundle.Flashcards) != 1 {
		t.Errorf("expected 1 flashcard, got %d", len(result.Bundle.Flashcards))
	}
}

func TestParseFencedJSON(t *testing.T) {
	parser := NewParser(nil)

	for _, fenced := range []string{
		"```json\n" + validBundleJSON + "\n```",
		"```\n" + validBundleJSON + "\n```",
		"```json\n" + validBundleJSON, // unterminated fence
	} {
		result := parser.Parse(fenced)
		if result.Degraded {
			t.Errorf("fenced JSON degraded: %.60s", fenced)
		}
	}
}

func TestParseGarbageDegrades(t *testing.T) {
	parser := NewParser(nil)

	raw := "I'm sorry, I cannot produce JSON today. Here is prose instead."
	result := parser.Parse(raw)
	if !result.Degraded {
		t.Fatal("expected degraded result")
	}
	if result.Bundle.Summary != raw {
		t.Errorf("degraded summary must carry the raw text, got %q", result.Bundle.Summary)
	}

	// Structural completeness: every list present and empty, never nil.
	b := result.Bundle
	if b.KeyPoints == nil || b.HighYield == nil || b.Mnemonics == nil || b.Questions == nil || b.Flashcards == nil {
		t.Error("degraded bundle has nil lists")
	}
	if len(b.Questions) != 0 || len(b.Flashcards) != 0 {
		t.Error("degraded bundle must not invent artifacts")
	}
}

func TestParseEmptyInputDegrades(t *testing.T) {
	parser := NewParser(nil)

	result := parser.Parse("")
	if !result.Degraded {
		t.Fatal("empty input must degrade")
	}
}

func TestParseDegradedExcerptIsBounded(t *testing.T) {
	parser := NewParser(nil)

	raw := strings.Repeat("a", degradedSummaryLimit*3)
	result := parser.Parse(raw)
	if !result.Degraded {
		t.Fatal("expected degraded result")
	}
	if len(result.Bundle.Summary) != degradedSummaryLimit {
		t.Errorf("expected excerpt of %d chars, got %d", degradedSummaryLimit, len(result.Bundle.Summary))
	}
}

func TestParseClampsCorrectAnswer(t *testing.T) {
	parser := NewParser(nil)

	raw := `{
		"summary": "s",
		"questions": [
			{"question": "high", "options": ["a", "b"], "correctAnswer": 7},
			{"question": "low", "options": ["a", "b"], "correctAnswer": -2},
			{"question": "dropped", "options": [], "correctAnswer": 0}
		]
	}`
	result := parser.Parse(raw)
	if result.Degraded {
		t.Fatal("unexpected degradation")
	}
	if len(result.Bundle.Questions) != 2 {
		t.Fatalf("option-less question must be dropped, got %d questions", len(result.Bundle.Questions))
	}
	if got := result.Bundle.Questions[0].CorrectAnswer; got != 1 {
		t.Errorf("expected clamp to last option index 1, got %d", got)
	}
	if got := result.Bundle.Questions[1].CorrectAnswer; got != 0 {
		t.Errorf("expected clamp to 0, got %d", got)
	}
}

func TestParseFillsMissingLists(t *testing.T) {
	parser := NewParser(nil)

	result := parser.Parse(`{"summary": "only a summary"}`)
	if result.Degraded {
		t.Fatal("unexpected degradation")
	}
	b := result.Bundle
	if b.KeyPoints == nil || b.HighYield == nil || b.Mnemonics == nil || b.Questions == nil || b.Flashcards == nil {
		t.Error("missing lists must decode to empty, not nil")
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  ```json\n{\"a\":1}\n```  ", `{"a":1}`},
	}
	for _, tc := range cases {
		if got := stripCodeFence(tc.in); got != tc.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
