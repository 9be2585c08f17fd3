package models

import (
	"database/sql"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
)

// ChapterSpan is a contiguous slice of source text attributed to one chapter,
// as reported by the segmenter in document order.
type ChapterSpan struct {
	Number    int
	Title     string
	Text      string
	Offset    int
	Truncated bool
}

// Chapter is the persisted unit of ingestion, keyed by (book_source, number).
type Chapter struct {
	ID           int64
	BookSource   string
	Number       int
	Title        string
	RawText      string
	Summary      string
	KeyPoints    []string
	HighYield    []string
	Mnemonics    []Mnemonic
	MemoryPalace string
	StudyGuide   sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Mnemonic struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type Question struct {
	ID            int64
	ChapterID     int64
	QuestionText  string
	Options       []string
	CorrectAnswer int
	Explanation   string
	Difficulty    string
	Category      string
	CreatedAt     time.Time
}

// QuestionAttempt records one answered question. Attempts reference a
// question and must be removed before the question itself is deleted.
type QuestionAttempt struct {
	ID          int64
	QuestionID  int64
	Selected    int
	Correct     bool
	AttemptedAt time.Time
}

type Flashcard struct {
	ID        int64
	ChapterID int64
	Front     string
	Back      string
	Category  string
	ImageRef  sql.NullString

	// FSRS scheduling state, seeded at insert time and maintained by the
	// external review UI.
	Due           sql.NullTime
	Stability     float64
	Difficulty    float64
	ElapsedDays   int
	ScheduledDays int
	Reps          int
	Lapses        int
	State         int
	LastReview    sql.NullTime

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewFlashcard returns a flashcard seeded with a fresh FSRS state so the
// external review scheduler can pick it up immediately.
func NewFlashcard(chapterID int64, front, back, category string) Flashcard {
	return Flashcard{
		ChapterID: chapterID,
		Front:     front,
		Back:      back,
		Category:  category,
		State:     int(fsrs.New),
	}
}

// GenerationBundle is the structured artifact set produced by one model
// invocation for one chapter. It is transient: the parser guarantees it is
// structurally complete (no nil collections) even for undecodable output.
type GenerationBundle struct {
	Summary      string            `json:"summary"`
	KeyPoints    []string          `json:"keyPoints"`
	HighYield    []string          `json:"highYield"`
	Mnemonics    []Mnemonic        `json:"mnemonics"`
	MemoryPalace string            `json:"memoryPalace"`
	Questions    []BundleQuestion  `json:"questions"`
	Flashcards   []BundleFlashcard `json:"flashcards"`
}

type BundleQuestion struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
	Explanation   string   `json:"explanation"`
	Difficulty    string   `json:"difficulty"`
	Category      string   `json:"category"`
}

type BundleFlashcard struct {
	Front    string `json:"front"`
	Back     string `json:"back"`
	Category string `json:"category"`
}
