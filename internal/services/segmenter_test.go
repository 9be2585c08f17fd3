package services

import (
	"strings"
	"testing"
)

const sampleBook = `Preface text that belongs to nothing in particular.

Chapter 1: Introduction to Anatomy
The human body is organised into systems.
Each system cooperates with the others.

Chapter 2: Bone
Bone is living tissue.
It remodels constantly under load.

Chapter 3: Chest
The thorax houses the heart and lungs.
`

func TestSegmentOrdersChapters(t *testing.T) {
	segmenter := NewSegmenter(nil)

	spans := segmenter.Segment(sampleBook)
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}

	wantTitles := []string{"Introduction to Anatomy", "Bone", "Chest"}
	for i, span := range spans {
		if span.Number != i+1 {
			t.Errorf("span %d: expected number %d, got %d", i, i+1, span.Number)
		}
		if span.Title != wantTitles[i] {
			t.Errorf("span %d: expected title %q, got %q", i, wantTitles[i], span.Title)
		}
		if span.Truncated {
			t.Errorf("span %d: unexpected truncation", i)
		}
	}

	if !strings.Contains(spans[1].Text, "remodels constantly") {
		t.Errorf("chapter 2 body missing, got %q", spans[1].Text)
	}
	if strings.Contains(spans[1].Text, "thorax") {
		t.Error("chapter 2 span bleeds into chapter 3")
	}
}

func TestSegmentSpansAreContiguous(t *testing.T) {
	segmenter := NewSegmenter(nil)

	spans := segmenter.Segment(sampleBook)
	if len(spans) == 0 {
		t.Fatal("expected spans")
	}

	// From the first heading to EOF, concatenated spans must reconstruct
	// the source exactly.
	var rebuilt strings.Builder
	for i, span := range spans {
		if i > 0 && span.Offset != spans[i-1].Offset+len(spans[i-1].Text) {
			t.Errorf("gap between span %d and %d", i-1, i)
		}
		rebuilt.WriteString(span.Text)
	}
	if got, want := rebuilt.String(), sampleBook[spans[0].Offset:]; got != want {
		t.Errorf("concatenated spans do not reconstruct the source\ngot:  %q\nwant: %q", got, want)
	}
}

func TestSegmentNoHeadings(t *testing.T) {
	segmenter := NewSegmenter(nil)

	raw := "Some lecture notes without any recognisable structure.\nMore notes."
	spans := segmenter.Segment(raw)
	if len(spans) != 1 {
		t.Fatalf("expected 1 synthetic span, got %d", len(spans))
	}
	if spans[0].Number != 1 || spans[0].Title != "Full Document" {
		t.Errorf("unexpected synthetic span: %+v", spans[0])
	}
	if spans[0].Text != raw {
		t.Error("synthetic span must cover the whole document")
	}
}

func TestSegmentIgnoresMidLineMentions(t *testing.T) {
	segmenter := NewSegmenter(nil)

	raw := "Chapter 1: Real\nAs discussed in Chapter 7: something, see below.\n"
	spans := segmenter.Segment(raw)
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Number != 1 {
		t.Errorf("expected chapter 1, got %d", spans[0].Number)
	}
}

func TestSegmentKeepsDuplicateNumbers(t *testing.T) {
	segmenter := NewSegmenter(nil)

	raw := "Chapter 2: First Version\nold text\nChapter 2: Second Version\nnew text\n"
	spans := segmenter.Segment(raw)
	if len(spans) != 2 {
		t.Fatalf("expected both duplicate spans, got %d", len(spans))
	}
	if spans[0].Title != "First Version" || spans[1].Title != "Second Version" {
		t.Errorf("duplicate spans out of order: %q, %q", spans[0].Title, spans[1].Title)
	}
}

func TestTruncateChapter(t *testing.T) {
	long := "Chapter 5: Endless\n" + strings.Repeat("x", MaxChapterChars+100)

	segmenter := NewSegmenter(nil)
	spans := segmenter.Segment(long)
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if !span.Truncated {
		t.Fatal("expected truncation flag")
	}
	if !strings.HasSuffix(span.Text, TruncationMarker) {
		t.Error("truncated span missing marker")
	}
	if got, want := len(span.Text), MaxChapterChars+len(TruncationMarker); got != want {
		t.Errorf("expected truncated length %d, got %d", want, got)
	}
	if span.Text[:MaxChapterChars] != long[:MaxChapterChars] {
		t.Error("truncation must keep the exact prefix")
	}
}
