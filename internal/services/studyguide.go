package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"studyforge/internal/models"
)

const (
	StatusFormatting = "formatting"
	StatusSaving     = "saving"
	StatusError      = "error"
	StatusSuccess    = "success"
	StatusHeartbeat  = "heartbeat"
)

// ProgressEvent is one update on the study guide append channel. Heartbeat
// events carry no payload; they only keep intermediary transports alive.
type ProgressEvent struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	AddedLength int    `json:"addedLength,omitempty"`
	TotalLength int    `json:"totalLength,omitempty"`
}

// GuideStore is the persistence surface the append flow needs.
type GuideStore interface {
	GetChapter(ctx context.Context, id int64) (*models.Chapter, error)
	AppendToStudyGuide(ctx context.Context, chapterID int64, text string, position int) error
}

// StudyGuideService grows a chapter's accumulated study guide one section at
// a time, streaming progress to the caller while the model generates.
type StudyGuideService struct {
	caller    *Caller
	store     GuideStore
	logger    *zap.Logger
	heartbeat time.Duration
}

func NewStudyGuideService(caller *Caller, store GuideStore, logger *zap.Logger) *StudyGuideService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudyGuideService{
		caller:    caller,
		store:     store,
		logger:    logger,
		heartbeat: 15 * time.Second,
	}
}

// Append generates a new study guide section on topic and inserts it at
// position (see ChapterService.AppendToStudyGuide; GuidePositionEnd appends).
// Progress events arrive on the returned channel, which closes after a single
// terminal success or error event.
//
// If the consumer goes away mid-generation the in-flight model call is
// allowed to finish, but nothing is written unless the flow reaches the
// persist step with a completed section. Heartbeats and progress updates are
// delivered best-effort and dropped when the consumer falls behind; saving
// and the terminal success/error event wait for the consumer as long as ctx
// is alive.
func (s *StudyGuideService) Append(ctx context.Context, chapterID int64, topic string, position int) <-chan ProgressEvent {
	events := make(chan ProgressEvent, 16)

	go func() {
		defer close(events)

		send := func(ev ProgressEvent) {
			select {
			case events <- ev:
			default:
			}
		}
		// deliver blocks until the consumer takes the event or disconnects.
		// A slow consumer must still see the terminal event; only a dead one
		// forfeits it.
		deliver := func(ev ProgressEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}

		stopHeartbeat := s.startHeartbeat(send)
		defer stopHeartbeat()
		// finish stops the heartbeat first so no tick can land after the
		// terminal event; the channel must close right behind it.
		finish := func(ev ProgressEvent) {
			stopHeartbeat()
			deliver(ev)
		}

		// Detached from the consumer's lifetime: a disconnect must not abort
		// a paid-for generation that is already running.
		genCtx := context.WithoutCancel(ctx)

		chapter, err := s.store.GetChapter(genCtx, chapterID)
		if err != nil {
			finish(ProgressEvent{Status: StatusError, Message: fmt.Sprintf("load chapter: %v", err)})
			return
		}

		send(ProgressEvent{Status: StatusFormatting, Message: fmt.Sprintf("Generating section on %s", topic)})

		section, err := s.caller.Stream(genCtx, BuildStudyGuidePrompt(chapter.Title, topic, chapter.StudyGuide.String), func(accumulated string) {
			send(ProgressEvent{
				Status:      StatusFormatting,
				Message:     "Receiving section text",
				TotalLength: len(accumulated),
			})
		})
		if err != nil {
			s.logger.Warn("study guide generation failed",
				zap.Int64("chapter_id", chapterID),
				zap.String("topic", topic),
				zap.Error(err))
			finish(ProgressEvent{Status: StatusError, Message: fmt.Sprintf("generate section: %v", err)})
			return
		}

		deliver(ProgressEvent{Status: StatusSaving, Message: "Saving section"})
		if err := s.store.AppendToStudyGuide(genCtx, chapterID, section, position); err != nil {
			finish(ProgressEvent{Status: StatusError, Message: fmt.Sprintf("save section: %v", err)})
			return
		}

		total := len(section)
		if chapter.StudyGuide.Valid {
			total += len(chapter.StudyGuide.String) + len(GuideSectionDelimiter)
		}
		finish(ProgressEvent{
			Status:      StatusSuccess,
			Message:     "Section added",
			AddedLength: len(section),
			TotalLength: total,
		})
	}()

	return events
}

// startHeartbeat emits periodic no-op events until the returned stop function
// runs. It must be stopped on every exit path.
func (s *StudyGuideService) startHeartbeat(send func(ProgressEvent)) func() {
	ticker := time.NewTicker(s.heartbeat)
	done := make(chan struct{})
	idle := make(chan struct{})
	go func() {
		defer close(idle)
		for {
			select {
			case <-ticker.C:
				send(ProgressEvent{Status: StatusHeartbeat})
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		// Waits out an in-flight tick so no heartbeat can trail the
		// terminal event.
		once.Do(func() {
			ticker.Stop()
			close(done)
			<-idle
		})
	}
}
