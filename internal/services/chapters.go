package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"studyforge/internal/models"
)

var (
	// ErrChapterNotFound indicates the requested chapter does not exist.
	ErrChapterNotFound = errors.New("chapter not found")
	// ErrQuestionNotFound indicates the requested question does not exist.
	ErrQuestionNotFound = errors.New("question not found")
)

// GuideSectionDelimiter separates study guide sections in storage.
const GuideSectionDelimiter = "\n\n---\n\n"

// GuidePositionEnd is a position past any plausible section count; callers
// pass it to append at the end of the guide.
const GuidePositionEnd = 1 << 30

// ChapterFields carries the mutable chapter attributes written by ingestion.
type ChapterFields struct {
	Title        string
	RawText      string
	Summary      string
	KeyPoints    []string
	HighYield    []string
	Mnemonics    []models.Mnemonic
	MemoryPalace string
}

// ChapterService persists chapters and their derived artifacts. It is the
// single owner of the multi-statement replace sequence, which always runs
// inside one transaction scoped to a chapter id.
type ChapterService struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewChapterService(db *sql.DB, logger *zap.Logger) *ChapterService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChapterService{db: db, logger: logger}
}

// UpsertChapter creates or updates a chapter by its natural key
// (bookSource, number) and returns the chapter id. It never duplicates.
func (s *ChapterService) UpsertChapter(ctx context.Context, bookSource string, number int, fields ChapterFields) (int64, error) {
	keyPoints, err := marshalList(fields.KeyPoints)
	if err != nil {
		return 0, fmt.Errorf("encode key points: %w", err)
	}
	highYield, err := marshalList(fields.HighYield)
	if err != nil {
		return 0, fmt.Errorf("encode high yield: %w", err)
	}
	mnemonics, err := marshalMnemonics(fields.Mnemonics)
	if err != nil {
		return 0, fmt.Errorf("encode mnemonics: %w", err)
	}

	now := time.Now().UTC()
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO chapters (book_source, number, title, raw_text, summary, key_points,
		                      high_yield, mnemonics, memory_palace, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(book_source, number) DO UPDATE SET
			title = excluded.title,
			raw_text = excluded.raw_text,
			summary = excluded.summary,
			key_points = excluded.key_points,
			high_yield = excluded.high_yield,
			mnemonics = excluded.mnemonics,
			memory_palace = excluded.memory_palace,
			updated_at = excluded.updated_at
		RETURNING id;
	`, bookSource, number, fields.Title, fields.RawText, fields.Summary,
		keyPoints, highYield, mnemonics, fields.MemoryPalace, now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert chapter %s/%d: %w", bookSource, number, err)
	}
	return id, nil
}

// ReplaceArtifacts swaps a chapter's questions and flashcards for the given
// sets in one transaction: attempts referencing the old questions go first,
// then the old questions and flashcards, then the new rows in order. Either
// the whole new set lands or the old set stays.
func (s *ChapterService) ReplaceArtifacts(ctx context.Context, chapterID int64, questions []models.Question, flashcards []models.Flashcard) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		DELETE FROM question_attempts
		WHERE question_id IN (SELECT id FROM questions WHERE chapter_id = ?);
	`, chapterID); err != nil {
		return fmt.Errorf("delete stale attempts: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM questions WHERE chapter_id = ?;`, chapterID); err != nil {
		return fmt.Errorf("delete stale questions: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM flashcards WHERE chapter_id = ?;`, chapterID); err != nil {
		return fmt.Errorf("delete stale flashcards: %w", err)
	}

	now := time.Now().UTC()

	if len(questions) > 0 {
		var stmt *sql.Stmt
		stmt, err = tx.PrepareContext(ctx, `
			INSERT INTO questions (chapter_id, question_text, options, correct_answer,
			                       explanation, difficulty, category, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`)
		if err != nil {
			return fmt.Errorf("prepare question insert: %w", err)
		}
		defer stmt.Close()

		for _, q := range questions {
			var options string
			options, err = marshalList(q.Options)
			if err != nil {
				return fmt.Errorf("encode options for %q: %w", q.QuestionText, err)
			}
			if _, err = stmt.ExecContext(ctx, chapterID, q.QuestionText, options,
				q.CorrectAnswer, q.Explanation, q.Difficulty, q.Category, now); err != nil {
				return fmt.Errorf("insert question %q: %w", q.QuestionText, err)
			}
		}
	}

	if len(flashcards) > 0 {
		var stmt *sql.Stmt
		stmt, err = tx.PrepareContext(ctx, `
			INSERT INTO flashcards (chapter_id, front, back, category, image_ref, due,
			                        stability, difficulty, elapsed_days, scheduled_days,
			                        reps, lapses, state, last_review, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`)
		if err != nil {
			return fmt.Errorf("prepare flashcard insert: %w", err)
		}
		defer stmt.Close()

		for i := range flashcards {
			card := &flashcards[i]
			if !card.Due.Valid {
				card.Due = sql.NullTime{Time: now, Valid: true}
			}
			if _, err = stmt.ExecContext(ctx, chapterID, card.Front, card.Back, card.Category,
				nullStringPtr(card.ImageRef), nullTimePtr(card.Due), card.Stability,
				card.Difficulty, card.ElapsedDays, card.ScheduledDays, card.Reps,
				card.Lapses, card.State, nullTimePtr(card.LastReview), now, now); err != nil {
				return fmt.Errorf("insert flashcard %q: %w", card.Front, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit artifact replace: %w", err)
	}
	return nil
}

// AppendToStudyGuide inserts text as a new study guide section. position is
// the number of existing sections before the new one: 0 inserts at the start,
// len(sections) (or anything larger) at the end; negative values clamp to 0.
func (s *ChapterService) AppendToStudyGuide(ctx context.Context, chapterID int64, text string, position int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existing sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT study_guide FROM chapters WHERE id = ?;`, chapterID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrChapterNotFound
		return err
	}
	if err != nil {
		return fmt.Errorf("load study guide for chapter %d: %w", chapterID, err)
	}

	var sections []string
	if existing.Valid && strings.TrimSpace(existing.String) != "" {
		sections = strings.Split(existing.String, GuideSectionDelimiter)
	}
	if position < 0 {
		position = 0
	}
	if position > len(sections) {
		position = len(sections)
	}

	updated := make([]string, 0, len(sections)+1)
	updated = append(updated, sections[:position]...)
	updated = append(updated, text)
	updated = append(updated, sections[position:]...)

	if _, err = tx.ExecContext(ctx, `
		UPDATE chapters SET study_guide = ?, updated_at = ? WHERE id = ?;
	`, strings.Join(updated, GuideSectionDelimiter), time.Now().UTC(), chapterID); err != nil {
		return fmt.Errorf("update study guide for chapter %d: %w", chapterID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit study guide append: %w", err)
	}
	return nil
}

// GetChapter loads one chapter by id.
func (s *ChapterService) GetChapter(ctx context.Context, id int64) (*models.Chapter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, book_source, number, title, raw_text, summary, key_points,
		       high_yield, mnemonics, memory_palace, study_guide, created_at, updated_at
		FROM chapters WHERE id = ?;
	`, id)
	return scanChapter(row)
}

// GetChapterByKey loads one chapter by its natural key.
func (s *ChapterService) GetChapterByKey(ctx context.Context, bookSource string, number int) (*models.Chapter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, book_source, number, title, raw_text, summary, key_points,
		       high_yield, mnemonics, memory_palace, study_guide, created_at, updated_at
		FROM chapters WHERE book_source = ? AND number = ?;
	`, bookSource, number)
	return scanChapter(row)
}

// ListChapters returns a book's chapters ordered by chapter number.
func (s *ChapterService) ListChapters(ctx context.Context, bookSource string) ([]models.Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_source, number, title, raw_text, summary, key_points,
		       high_yield, mnemonics, memory_palace, study_guide, created_at, updated_at
		FROM chapters WHERE book_source = ? ORDER BY number ASC;
	`, bookSource)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var chapters []models.Chapter
	for rows.Next() {
		ch, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapters: %w", err)
	}
	return chapters, nil
}

// DeleteChapter removes a chapter and everything hanging off it: attempts,
// questions and flashcards go with it via the chapter foreign keys.
func (s *ChapterService) DeleteChapter(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chapters WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete chapter %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete chapter %d: %w", id, err)
	}
	if affected == 0 {
		return ErrChapterNotFound
	}
	return nil
}

// QuestionsForChapter returns a chapter's questions in insertion order.
func (s *ChapterService) QuestionsForChapter(ctx context.Context, chapterID int64) ([]models.Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chapter_id, question_text, options, correct_answer,
		       explanation, difficulty, category, created_at
		FROM questions WHERE chapter_id = ? ORDER BY id ASC;
	`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var questions []models.Question
	for rows.Next() {
		var q models.Question
		var options string
		if err := rows.Scan(&q.ID, &q.ChapterID, &q.QuestionText, &options,
			&q.CorrectAnswer, &q.Explanation, &q.Difficulty, &q.Category, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
			return nil, fmt.Errorf("decode options for question %d: %w", q.ID, err)
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return questions, nil
}

// FlashcardsForChapter returns a chapter's flashcards in insertion order.
func (s *ChapterService) FlashcardsForChapter(ctx context.Context, chapterID int64) ([]models.Flashcard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chapter_id, front, back, category, image_ref, due, stability,
		       difficulty, elapsed_days, scheduled_days, reps, lapses, state,
		       last_review, created_at, updated_at
		FROM flashcards WHERE chapter_id = ? ORDER BY id ASC;
	`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("list flashcards: %w", err)
	}
	defer rows.Close()

	var cards []models.Flashcard
	for rows.Next() {
		var card models.Flashcard
		if err := rows.Scan(&card.ID, &card.ChapterID, &card.Front, &card.Back,
			&card.Category, &card.ImageRef, &card.Due, &card.Stability, &card.Difficulty,
			&card.ElapsedDays, &card.ScheduledDays, &card.Reps, &card.Lapses,
			&card.State, &card.LastReview, &card.CreatedAt, &card.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan flashcard: %w", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flashcards: %w", err)
	}
	return cards, nil
}

// CountArtifacts returns the question and flashcard counts for a chapter.
func (s *ChapterService) CountArtifacts(ctx context.Context, chapterID int64) (questions, flashcards int, err error) {
	if err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM questions WHERE chapter_id = ?;`, chapterID).Scan(&questions); err != nil {
		return 0, 0, fmt.Errorf("count questions: %w", err)
	}
	if err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM flashcards WHERE chapter_id = ?;`, chapterID).Scan(&flashcards); err != nil {
		return 0, 0, fmt.Errorf("count flashcards: %w", err)
	}
	return questions, flashcards, nil
}

// RecordAttempt stores one answered question for the external quiz UI.
func (s *ChapterService) RecordAttempt(ctx context.Context, questionID int64, selected int) (*models.QuestionAttempt, error) {
	var correct int
	err := s.db.QueryRowContext(ctx,
		`SELECT correct_answer FROM questions WHERE id = ?;`, questionID).Scan(&correct)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load question %d: %w", questionID, err)
	}

	attempt := &models.QuestionAttempt{
		QuestionID:  questionID,
		Selected:    selected,
		Correct:     selected == correct,
		AttemptedAt: time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO question_attempts (question_id, selected, correct, attempted_at)
		VALUES (?, ?, ?, ?);
	`, attempt.QuestionID, attempt.Selected, attempt.Correct, attempt.AttemptedAt)
	if err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	attempt.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	return attempt, nil
}

// AttemptCountForChapter counts attempts against a chapter's questions, used
// to verify that regeneration leaves no orphaned attempts behind.
func (s *ChapterService) AttemptCountForChapter(ctx context.Context, chapterID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM question_attempts
		WHERE question_id IN (SELECT id FROM questions WHERE chapter_id = ?);
	`, chapterID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChapter(row rowScanner) (*models.Chapter, error) {
	ch := &models.Chapter{}
	var keyPoints, highYield, mnemonics string
	err := row.Scan(&ch.ID, &ch.BookSource, &ch.Number, &ch.Title, &ch.RawText,
		&ch.Summary, &keyPoints, &highYield, &mnemonics, &ch.MemoryPalace,
		&ch.StudyGuide, &ch.CreatedAt, &ch.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChapterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chapter: %w", err)
	}
	if err := json.Unmarshal([]byte(keyPoints), &ch.KeyPoints); err != nil {
		return nil, fmt.Errorf("decode key points for chapter %d: %w", ch.ID, err)
	}
	if err := json.Unmarshal([]byte(highYield), &ch.HighYield); err != nil {
		return nil, fmt.Errorf("decode high yield for chapter %d: %w", ch.ID, err)
	}
	if err := json.Unmarshal([]byte(mnemonics), &ch.Mnemonics); err != nil {
		return nil, fmt.Errorf("decode mnemonics for chapter %d: %w", ch.ID, err)
	}
	return ch, nil
}

func marshalList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalMnemonics(items []models.Mnemonic) (string, error) {
	if items == nil {
		items = []models.Mnemonic{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullTimePtr(t sql.NullTime) any {
	if t.Valid {
		return t.Time
	}
	return nil
}

func nullStringPtr(s sql.NullString) any {
	if s.Valid {
		return s.String
	}
	return nil
}
