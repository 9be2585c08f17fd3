package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"studyforge/internal/models"
)

// Store is the persistence collaborator the orchestrator writes through.
type Store interface {
	UpsertChapter(ctx context.Context, bookSource string, number int, fields ChapterFields) (int64, error)
	ReplaceArtifacts(ctx context.Context, chapterID int64, questions []models.Question, flashcards []models.Flashcard) error
}

// ChapterState names the per-chapter pipeline stages.
type ChapterState string

const (
	StatePending    ChapterState = "pending"
	StateGenerating ChapterState = "generating"
	StateParsing    ChapterState = "parsing"
	StatePersisting ChapterState = "persisting"
	StateDone       ChapterState = "done"
	StateFailed     ChapterState = "failed"
)

// ChapterFailure records one chapter that did not complete, with the stage it
// failed in.
type ChapterFailure struct {
	Number int          `json:"number"`
	Title  string       `json:"title"`
	Stage  ChapterState `json:"stage"`
	Reason string       `json:"reason"`
}

// RunSummary is the per-run outcome report: how many chapters landed and
// which ones failed, with reasons.
type RunSummary struct {
	Processed int              `json:"processed"`
	Failed    []ChapterFailure `json:"failed"`
}

// RunOptions restrict or soften an ingestion run.
type RunOptions struct {
	// Selected limits the run to these chapter numbers. Empty means all.
	Selected []int
	// SkipGeneration persists segmented chapters without calling the model.
	SkipGeneration bool
	// Progress, when non-nil, is invoked as each chapter changes state.
	Progress func(number int, title string, state ChapterState, processed, total int)
}

// IngestionService drives the pipeline end to end: segment, then for each
// chapter build prompt, call, parse and persist. Chapters are processed
// strictly sequentially; one chapter failing does not halt the batch.
type IngestionService struct {
	segmenter *Segmenter
	caller    *Caller
	parser    *Parser
	store     Store
	limiter   *rate.Limiter
	logger    *zap.Logger
}

func NewIngestionService(segmenter *Segmenter, caller *Caller, parser *Parser, store Store, interCallDelay time.Duration, logger *zap.Logger) *IngestionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interCallDelay <= 0 {
		interCallDelay = 2 * time.Second
	}
	return &IngestionService{
		segmenter: segmenter,
		caller:    caller,
		parser:    parser,
		store:     store,
		// Steady-state pacing between model calls, independent of retry
		// backoff. Burst 1 so the first chapter starts immediately.
		limiter: rate.NewLimiter(rate.Every(interCallDelay), 1),
		logger:  logger,
	}
}

// Run ingests rawText under bookSource. It returns a summary of per-chapter
// outcomes; the error is non-nil only for run-level aborts (cancellation, or
// a credential failure that no chapter could survive).
func (s *IngestionService) Run(ctx context.Context, bookSource, rawText string, opts RunOptions) (RunSummary, error) {
	spans := s.segmenter.Segment(rawText)
	spans = filterSpans(spans, opts.Selected)

	summary := RunSummary{}
	total := len(spans)

	seen := make(map[int]bool, total)
	for _, span := range spans {
		if seen[span.Number] {
			// Duplicate heading numbers are resolved keep-last: the upsert
			// natural key makes the later span overwrite the earlier one.
			s.logger.Warn("duplicate chapter number in segmentation, later span wins",
				zap.Int("chapter", span.Number), zap.String("title", span.Title))
		}
		seen[span.Number] = true

		state := StatePending
		report := func(st ChapterState) {
			state = st
			if opts.Progress != nil {
				opts.Progress(span.Number, span.Title, st, summary.Processed, total)
			}
		}
		report(StatePending)

		err := s.processChapter(ctx, bookSource, span, opts.SkipGeneration, report)
		if err == nil {
			report(StateDone)
			summary.Processed++
			continue
		}

		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if isCredentialError(err) {
			// No chapter can succeed without valid credentials.
			return summary, fmt.Errorf("aborting run: %w", err)
		}

		s.logger.Error("chapter failed, continuing with next",
			zap.Int("chapter", span.Number),
			zap.String("title", span.Title),
			zap.String("stage", string(state)),
			zap.Error(err))
		summary.Failed = append(summary.Failed, ChapterFailure{
			Number: span.Number,
			Title:  span.Title,
			Stage:  state,
			Reason: err.Error(),
		})
		report(StateFailed)
	}

	s.logger.Info("ingestion run finished",
		zap.String("book", bookSource),
		zap.Int("processed", summary.Processed),
		zap.Int("failed", len(summary.Failed)))
	return summary, nil
}

func (s *IngestionService) processChapter(ctx context.Context, bookSource string, span models.ChapterSpan, skipGeneration bool, report func(ChapterState)) error {
	fields := ChapterFields{
		Title:   span.Title,
		RawText: span.Text,
	}

	if skipGeneration {
		report(StatePersisting)
		_, err := s.store.UpsertChapter(ctx, bookSource, span.Number, fields)
		return err
	}

	report(StateGenerating)
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	raw, err := s.caller.Complete(ctx, BuildGenerationPrompt(span.Title, span.Text))
	if err != nil {
		return fmt.Errorf("generate chapter %d: %w", span.Number, err)
	}

	report(StateParsing)
	result := s.parser.Parse(raw)
	if result.Degraded {
		s.logger.Warn("stored degraded bundle for chapter",
			zap.Int("chapter", span.Number),
			zap.String("excerpt", clip(result.RawExcerpt, 300)))
	}
	bundle := result.Bundle

	fields.Summary = bundle.Summary
	fields.KeyPoints = bundle.KeyPoints
	fields.HighYield = bundle.HighYield
	fields.Mnemonics = bundle.Mnemonics
	fields.MemoryPalace = bundle.MemoryPalace

	report(StatePersisting)
	chapterID, err := s.store.UpsertChapter(ctx, bookSource, span.Number, fields)
	if err != nil {
		return fmt.Errorf("persist chapter %d: %w", span.Number, err)
	}

	questions := make([]models.Question, 0, len(bundle.Questions))
	for _, q := range bundle.Questions {
		questions = append(questions, models.Question{
			ChapterID:     chapterID,
			QuestionText:  q.Question,
			Options:       q.Options,
			CorrectAnswer: q.CorrectAnswer,
			Explanation:   q.Explanation,
			Difficulty:    q.Difficulty,
			Category:      q.Category,
		})
	}
	flashcards := make([]models.Flashcard, 0, len(bundle.Flashcards))
	for _, f := range bundle.Flashcards {
		flashcards = append(flashcards, models.NewFlashcard(chapterID, f.Front, f.Back, f.Category))
	}

	if err := s.store.ReplaceArtifacts(ctx, chapterID, questions, flashcards); err != nil {
		return fmt.Errorf("replace artifacts for chapter %d: %w", span.Number, err)
	}
	return nil
}

// filterSpans keeps only the selected chapter numbers, preserving document
// order. A nil or empty selection keeps everything.
func filterSpans(spans []models.ChapterSpan, selected []int) []models.ChapterSpan {
	if len(selected) == 0 {
		return spans
	}
	want := make(map[int]bool, len(selected))
	for _, n := range selected {
		want[n] = true
	}
	filtered := make([]models.ChapterSpan, 0, len(spans))
	for _, span := range spans {
		if want[span.Number] {
			filtered = append(filtered, span)
		}
	}
	return filtered
}

// isCredentialError reports failures that doom the whole run: missing
// configuration or an auth rejection from the provider.
func isCredentialError(err error) bool {
	if errors.Is(err, ErrAIUnavailable) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusUnauthorized ||
			apiErr.HTTPStatusCode == http.StatusForbidden
	}
	return false
}
