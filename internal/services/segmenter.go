package services

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"studyforge/internal/models"
)

const (
	// MaxChapterChars bounds a single chapter span so it fits the downstream
	// prompt budget. Longer spans are hard-truncated, which is lossy.
	MaxChapterChars = 50000

	// TruncationMarker is appended to every truncated span so the loss is
	// visible in stored text and in prompts.
	TruncationMarker = "\n[...text truncated at chapter size limit...]"
)

var headingPattern = regexp.MustCompile(`(?im)^[ \t]*chapter[ \t]+(\d+)[ \t:.,]+(\S[^\n]*)`)

// Segmenter splits a flat document into ordered chapter spans by scanning for
// "Chapter <n>: <title>" style headings at line starts.
type Segmenter struct {
	logger *zap.Logger
}

func NewSegmenter(logger *zap.Logger) *Segmenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Segmenter{logger: logger}
}

// Segment returns chapter spans in document order. Duplicate or out-of-order
// chapter numbers are reported as found; later stages decide how to resolve
// them. A document with no detectable headings becomes a single synthetic
// chapter covering the whole text.
func (s *Segmenter) Segment(raw string) []models.ChapterSpan {
	matches := headingPattern.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		s.logger.Info("no chapter headings detected, using whole document as one chapter",
			zap.Int("length", len(raw)))
		text, truncated := truncateChapter(raw)
		return []models.ChapterSpan{{
			Number:    1,
			Title:     "Full Document",
			Text:      text,
			Offset:    0,
			Truncated: truncated,
		}}
	}

	spans := make([]models.ChapterSpan, 0, len(matches))
	for i, m := range matches {
		start := m[0]
		end := len(raw)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}

		number, err := strconv.Atoi(raw[m[2]:m[3]])
		if err != nil {
			// The pattern only admits digits; this guards pathological lengths.
			continue
		}
		title := strings.TrimSpace(raw[m[4]:m[5]])

		text, truncated := truncateChapter(raw[start:end])
		if truncated {
			s.logger.Warn("chapter text truncated to size limit",
				zap.Int("chapter", number),
				zap.String("title", title),
				zap.Int("original_length", end-start))
		}

		spans = append(spans, models.ChapterSpan{
			Number:    number,
			Title:     title,
			Text:      text,
			Offset:    start,
			Truncated: truncated,
		})
	}
	return spans
}

func truncateChapter(text string) (string, bool) {
	if len(text) <= MaxChapterChars {
		return text, false
	}
	return text[:MaxChapterChars] + TruncationMarker, true
}
