package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"studyforge/internal/db"
	"studyforge/internal/services"
)

const apiSampleBook = `Chapter 1: Introduction
Intro text.

Chapter 2: Bone
Bone text.
`

func newTestServer(t *testing.T) (*Server, *services.ChapterService) {
	t.Helper()

	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	chapters := services.NewChapterService(conn, nil)
	caller := services.NewCaller("", "", "", services.CallerOptions{}, nil)
	ingestion := services.NewIngestionService(services.NewSegmenter(nil), caller,
		services.NewParser(nil), chapters, time.Millisecond, nil)
	guide := services.NewStudyGuideService(caller, chapters, nil)

	return NewServer(chapters, ingestion, guide, services.NewPDFService(), nil), chapters
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body io.Reader, out any) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s response: %v\n%s", method, path, err, rec.Body.String())
		}
	}
	return rec
}

func uploadRequest(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field %s: %v", key, err)
		}
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		if _, err := io.WriteString(part, content); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestIngestValidation(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	t.Run("MissingBook", func(t *testing.T) {
		body, contentType := uploadRequest(t, nil, "book.txt", apiSampleBook)
		req := httptest.NewRequest(http.MethodPost, "/api/ingest", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		body, contentType := uploadRequest(t, map[string]string{"book": "anatomy"}, "", "")
		req := httptest.NewRequest(http.MethodPost, "/api/ingest", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("BadChapterList", func(t *testing.T) {
		body, contentType := uploadRequest(t, map[string]string{
			"book": "anatomy", "chapters": "1,two",
		}, "book.txt", apiSampleBook)
		req := httptest.NewRequest(http.MethodPost, "/api/ingest", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("WrongMethod", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/ingest", nil, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", rec.Code)
		}
	})
}

func TestIngestExtractOnlyFlow(t *testing.T) {
	server, chapters := newTestServer(t)
	handler := server.Handler()

	body, contentType := uploadRequest(t, map[string]string{
		"book": "anatomy", "extractOnly": "true",
	}, "book.txt", apiSampleBook)
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var job IngestJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID == "" || job.Book != "anatomy" {
		t.Fatalf("unexpected job snapshot: %+v", job)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		doJSON(t, handler, http.MethodGet, "/api/ingest/jobs/"+job.ID, nil, &job)
		if job.Status == JobStatusComplete || job.Status == JobStatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish: %+v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.Status != JobStatusComplete {
		t.Fatalf("expected completed job, got %+v", job)
	}
	if job.Summary == nil || job.Summary.Processed != 2 {
		t.Fatalf("expected 2 processed chapters, got %+v", job.Summary)
	}
	if len(job.Chapters) != 2 || job.Chapters[0].State != string(services.StateDone) {
		t.Errorf("unexpected chapter progress: %+v", job.Chapters)
	}

	var listed struct {
		Chapters []struct {
			ID     int64  `json:"id"`
			Number int    `json:"number"`
			Title  string `json:"title"`
		} `json:"chapters"`
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/books/anatomy/chapters", nil, &listed)
	if rec.Code != http.StatusOK {
		t.Fatalf("list chapters: %d", rec.Code)
	}
	if len(listed.Chapters) != 2 || listed.Chapters[1].Title != "Bone" {
		t.Fatalf("unexpected chapters: %+v", listed.Chapters)
	}

	chapterID := listed.Chapters[1].ID
	rec = doJSON(t, handler, http.MethodGet, fmt.Sprintf("/api/chapters/%d", chapterID), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get chapter: %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodDelete, fmt.Sprintf("/api/chapters/%d", chapterID), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete chapter: %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, fmt.Sprintf("/api/chapters/%d", chapterID), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}

	remaining, err := chapters.ListChapters(req.Context(), "anatomy")
	if err != nil {
		t.Fatalf("list remaining: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("expected 1 remaining chapter, got %d", len(remaining))
	}
}

func TestUnknownJob(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/ingest/jobs/no-such-job", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestQuestionAttemptValidation(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/questions/12345/attempts",
		strings.NewReader(`{"selected": 0}`), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown question, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/questions/abc/attempts",
		strings.NewReader(`{"selected": 0}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestJobManagerSnapshotsAreIsolated(t *testing.T) {
	manager := NewJobManager()

	job := manager.CreateJob("anatomy")
	manager.UpdateChapter(job.ID, 2, "Bone", services.StateGenerating)
	manager.UpdateChapter(job.ID, 1, "Intro", services.StateDone)

	snapshot, ok := manager.GetJob(job.ID)
	if !ok {
		t.Fatal("job missing")
	}
	if len(snapshot.Chapters) != 2 || snapshot.Chapters[0].Number != 1 {
		t.Fatalf("chapters must be sorted by number: %+v", snapshot.Chapters)
	}

	// Mutating the snapshot must not leak into the manager.
	snapshot.Chapters[0].State = "tampered"
	fresh, _ := manager.GetJob(job.ID)
	if fresh.Chapters[0].State == "tampered" {
		t.Error("GetJob must return an isolated copy")
	}

	manager.MarkCompleted(job.ID, services.RunSummary{Processed: 2})
	fresh, _ = manager.GetJob(job.ID)
	if fresh.Status != JobStatusComplete || fresh.Summary == nil || fresh.Summary.Processed != 2 {
		t.Errorf("unexpected completed job: %+v", fresh)
	}
}
