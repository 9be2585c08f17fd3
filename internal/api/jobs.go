package api

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"studyforge/internal/services"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusComplete   = "complete"
	JobStatusFailed     = "failed"
)

// IngestJob tracks one ingestion run for polling clients.
type IngestJob struct {
	ID        string               `json:"jobId"`
	Book      string               `json:"book"`
	Status    string               `json:"status"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
	Chapters  []ChapterProgress    `json:"chapters"`
	Summary   *services.RunSummary `json:"summary,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// ChapterProgress is the latest known pipeline state of one chapter.
type ChapterProgress struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
}

type JobManager struct {
	mu   sync.RWMutex
	jobs map[string]*IngestJob
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*IngestJob),
	}
}

func (m *JobManager) CreateJob(book string) *IngestJob {
	job := &IngestJob{
		ID:        uuid.NewString(),
		Book:      book,
		Status:    JobStatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	return job.clone()
}

func (m *JobManager) GetJob(id string) (*IngestJob, bool) {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

func (m *JobManager) MarkProcessing(id string) {
	m.withJob(id, func(job *IngestJob) {
		job.Status = JobStatusProcessing
	})
}

func (m *JobManager) MarkCompleted(id string, summary services.RunSummary) {
	m.withJob(id, func(job *IngestJob) {
		job.Status = JobStatusComplete
		job.Summary = &summary
	})
}

func (m *JobManager) MarkFailed(id string, msg string) {
	m.withJob(id, func(job *IngestJob) {
		job.Status = JobStatusFailed
		job.Error = strings.TrimSpace(msg)
	})
}

// UpdateChapter records a state transition for one chapter, adding the
// chapter entry on first sight.
func (m *JobManager) UpdateChapter(id string, number int, title string, state services.ChapterState) {
	m.withJob(id, func(job *IngestJob) {
		for i := range job.Chapters {
			if job.Chapters[i].Number == number {
				job.Chapters[i].State = string(state)
				job.Chapters[i].Title = title
				return
			}
		}
		job.Chapters = append(job.Chapters, ChapterProgress{
			Number: number,
			Title:  title,
			State:  string(state),
		})
		sort.Slice(job.Chapters, func(a, b int) bool {
			return job.Chapters[a].Number < job.Chapters[b].Number
		})
	})
}

func (m *JobManager) withJob(id string, fn func(job *IngestJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
}

func (job *IngestJob) clone() *IngestJob {
	if job == nil {
		return nil
	}
	copyJob := &IngestJob{
		ID:        job.ID,
		Book:      job.Book,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Error:     job.Error,
	}
	if len(job.Chapters) > 0 {
		copyJob.Chapters = make([]ChapterProgress, len(job.Chapters))
		copy(copyJob.Chapters, job.Chapters)
	}
	if job.Summary != nil {
		summary := *job.Summary
		summary.Failed = append([]services.ChapterFailure(nil), job.Summary.Failed...)
		copyJob.Summary = &summary
	}
	return copyJob
}
