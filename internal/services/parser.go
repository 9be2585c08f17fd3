package services

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"studyforge/internal/models"
)

// degradedSummaryLimit bounds the raw-text excerpt stored as the summary of a
// degraded bundle.
const degradedSummaryLimit = 2000

// ParseResult tags a generation bundle with how it was obtained: a clean
// decode, or a degraded fallback carrying a raw excerpt for diagnosis.
type ParseResult struct {
	Bundle     models.GenerationBundle
	Degraded   bool
	RawExcerpt string
}

// Parser decodes model output into a generation bundle. Parse never fails:
// undecodable output degrades to a structurally complete bundle so one bad
// chapter cannot block a batch.
type Parser struct {
	logger *zap.Logger
}

func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Parse validates and decodes raw model text. On decode failure the returned
// bundle holds a bounded prefix of the raw text as summary and empty lists
// everywhere else.
func (p *Parser) Parse(raw string) ParseResult {
	cleaned := stripCodeFence(raw)

	var bundle models.GenerationBundle
	if err := json.Unmarshal([]byte(cleaned), &bundle); err != nil {
		excerpt := clip(raw, degradedSummaryLimit)
		p.logger.Warn("model output could not be decoded, degrading to partial bundle",
			zap.Error(err),
			zap.String("raw_prefix", clip(raw, 300)))
		return ParseResult{
			Bundle:     degradedBundle(excerpt),
			Degraded:   true,
			RawExcerpt: excerpt,
		}
	}

	normalizeBundle(&bundle)
	return ParseResult{Bundle: bundle}
}

// stripCodeFence removes a single optional ``` wrapper, accepting a language
// tag such as "json" on the opening fence. Anything beyond one layer is the
// model violating its contract and is left for the decoder to reject.
func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}

	start := 3
	if idx := strings.Index(content[start:], "\n"); idx != -1 {
		start += idx + 1
	}
	if end := strings.Index(content[start:], "```"); end != -1 {
		content = content[start : start+end]
	} else {
		content = content[start:]
	}
	return strings.TrimSpace(content)
}

// normalizeBundle makes a decoded bundle structurally complete: nil lists
// become empty, option-less questions are dropped, and an out-of-range
// correctAnswer index is clamped into the valid range.
func normalizeBundle(b *models.GenerationBundle) {
	if b.KeyPoints == nil {
		b.KeyPoints = []string{}
	}
	if b.HighYield == nil {
		b.HighYield = []string{}
	}
	if b.Mnemonics == nil {
		b.Mnemonics = []models.Mnemonic{}
	}
	if b.Flashcards == nil {
		b.Flashcards = []models.BundleFlashcard{}
	}

	questions := make([]models.BundleQuestion, 0, len(b.Questions))
	for _, q := range b.Questions {
		if len(q.Options) == 0 {
			continue
		}
		if q.CorrectAnswer < 0 {
			q.CorrectAnswer = 0
		}
		if q.CorrectAnswer >= len(q.Options) {
			q.CorrectAnswer = len(q.Options) - 1
		}
		questions = append(questions, q)
	}
	b.Questions = questions
}

func degradedBundle(excerpt string) models.GenerationBundle {
	return models.GenerationBundle{
		Summary:    excerpt,
		KeyPoints:  []string{},
		HighYield:  []string{},
		Mnemonics:  []models.Mnemonic{},
		Questions:  []models.BundleQuestion{},
		Flashcards: []models.BundleFlashcard{},
	}
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
