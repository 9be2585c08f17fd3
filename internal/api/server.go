package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"studyforge/internal/services"
)

const maxMultipartMemory = 32 << 20

// Server wires the ingestion pipeline and chapter store behind an HTTP API.
type Server struct {
	mux       *http.ServeMux
	chapters  *services.ChapterService
	ingestion *services.IngestionService
	guide     *services.StudyGuideService
	pdf       *services.PDFService
	jobs      *JobManager
	logger    *zap.Logger
}

func NewServer(chapters *services.ChapterService, ingestion *services.IngestionService, guide *services.StudyGuideService, pdf *services.PDFService, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mux:       http.NewServeMux(),
		chapters:  chapters,
		ingestion: ingestion,
		guide:     guide,
		pdf:       pdf,
		jobs:      NewJobManager(),
		logger:    logger,
	}
	s.routes()
	return s
}

// Handler returns the root handler for the API.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/ingest", s.handleIngest)
	s.mux.HandleFunc("/api/ingest/jobs/", s.handleJobStatus)
	s.mux.HandleFunc("/api/books/", s.handleBookChapters)
	s.mux.HandleFunc("/api/chapters/", s.handleChapterActions)
	s.mux.HandleFunc("/api/questions/", s.handleQuestionActions)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleIngest accepts a multipart upload and starts an asynchronous
// ingestion job. The response carries the job snapshot for polling.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	if form := r.MultipartForm; form != nil {
		defer form.RemoveAll()
	}

	book := strings.TrimSpace(r.FormValue("book"))
	if book == "" {
		writeError(w, http.StatusBadRequest, "book is required")
		return
	}

	selected, err := parseChapterList(r.FormValue("chapters"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	extractOnly := r.FormValue("extractOnly") == "true"

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	rawText, err := s.extractUpload(file, header.Filename)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("extract %s: %v", header.Filename, err))
		return
	}

	job := s.jobs.CreateJob(book)
	go s.runIngestJob(context.Background(), job.ID, book, rawText, services.RunOptions{
		Selected:       selected,
		SkipGeneration: extractOnly,
	})

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) runIngestJob(ctx context.Context, jobID, book, rawText string, opts services.RunOptions) {
	s.jobs.MarkProcessing(jobID)
	opts.Progress = func(number int, title string, state services.ChapterState, processed, total int) {
		s.jobs.UpdateChapter(jobID, number, title, state)
	}

	summary, err := s.ingestion.Run(ctx, book, rawText, opts)
	if err != nil {
		s.logger.Error("ingest job failed", zap.String("job_id", jobID), zap.Error(err))
		s.jobs.MarkFailed(jobID, err.Error())
		return
	}
	s.jobs.MarkCompleted(jobID, summary)
}

// extractUpload spools the upload to a temp file so the PDF reader can seek.
func (s *Server) extractUpload(src io.Reader, filename string) (string, error) {
	tmp, err := os.CreateTemp("", "studyforge-upload-*"+filepath.Ext(filename))
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	return s.pdf.ExtractText(tmp.Name())
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/api/ingest/jobs/")
	jobID = strings.Trim(jobID, "/")
	if jobID == "" {
		http.NotFound(w, r)
		return
	}

	job, ok := s.jobs.GetJob(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleBookChapters serves GET /api/books/{book}/chapters.
func (s *Server) handleBookChapters(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/books/")
	path = strings.Trim(path, "/")

	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "chapters" || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	chapters, err := s.chapters.ListChapters(r.Context(), parts[0])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(chapters))
	for _, ch := range chapters {
		out = append(out, map[string]any{
			"id":       ch.ID,
			"number":   ch.Number,
			"title":    ch.Title,
			"summary":  ch.Summary,
			"hasGuide": ch.StudyGuide.Valid,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chapters": out})
}

func (s *Server) handleChapterActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/chapters/")
	path = strings.Trim(path, "/")

	parts := strings.Split(path, "/")
	chapterID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chapter id")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetChapter(w, r, chapterID)
		case http.MethodDelete:
			s.handleDeleteChapter(w, r, chapterID)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
		return
	}

	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}

	switch parts[1] {
	case "questions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		questions, err := s.chapters.QuestionsForChapter(r.Context(), chapterID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"questions": questions})
	case "flashcards":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		cards, err := s.chapters.FlashcardsForChapter(r.Context(), chapterID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"flashcards": cards})
	case "study-guide":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleAppendStudyGuide(w, r, chapterID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetChapter(w http.ResponseWriter, r *http.Request, chapterID int64) {
	chapter, err := s.chapters.GetChapter(r.Context(), chapterID)
	if err != nil {
		if err == services.ErrChapterNotFound {
			writeError(w, http.StatusNotFound, "chapter not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":           chapter.ID,
		"bookSource":   chapter.BookSource,
		"number":       chapter.Number,
		"title":        chapter.Title,
		"summary":      chapter.Summary,
		"keyPoints":    chapter.KeyPoints,
		"highYield":    chapter.HighYield,
		"mnemonics":    chapter.Mnemonics,
		"memoryPalace": chapter.MemoryPalace,
		"studyGuide":   nullString(chapter.StudyGuide),
	})
}

func (s *Server) handleDeleteChapter(w http.ResponseWriter, r *http.Request, chapterID int64) {
	if err := s.chapters.DeleteChapter(r.Context(), chapterID); err != nil {
		if err == services.ErrChapterNotFound {
			writeError(w, http.StatusNotFound, "chapter not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type appendGuideRequest struct {
	Topic    string `json:"topic"`
	Position *int   `json:"position"`
}

// handleAppendStudyGuide streams append progress as server-sent events so
// slow generations survive proxy idle timeouts.
func (s *Server) handleAppendStudyGuide(w http.ResponseWriter, r *http.Request, chapterID int64) {
	var req appendGuideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}

	position := services.GuidePositionEnd
	if req.Position != nil {
		position = *req.Position
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.guide.Append(r.Context(), chapterID, req.Topic, position)
	for event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

func (s *Server) handleQuestionActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/questions/")
	path = strings.Trim(path, "/")

	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "attempts" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	questionID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid question id")
		return
	}

	var req struct {
		Selected int `json:"selected"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	attempt, err := s.chapters.RecordAttempt(r.Context(), questionID, req.Selected)
	if err != nil {
		if err == services.ErrQuestionNotFound {
			writeError(w, http.StatusNotFound, "question not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

// parseChapterList parses a comma-separated list of chapter numbers.
func parseChapterList(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	numbers := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid chapter number %q", part)
		}
		numbers = append(numbers, n)
	}
	return numbers, nil
}

func nullString(v sql.NullString) *string {
	if v.Valid {
		str := v.String
		return &str
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
