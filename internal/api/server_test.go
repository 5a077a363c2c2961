package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docsmith/docchat/internal/chatbot"
	"github.com/docsmith/docchat/internal/history"
	"github.com/docsmith/docchat/internal/index"
	"github.com/docsmith/docchat/internal/ingest"
	"github.com/docsmith/docchat/internal/pipeline"
	"github.com/docsmith/docchat/internal/testutil"
)

// fakeService is a hand-rolled ChatService double.
type fakeService struct {
	session    *history.Session
	answer     string
	sessions   []history.Session
	turns      []history.Turn
	err        error
	lastOwner  string
	lastUpload string
}

func (f *fakeService) CreateSession(_ context.Context, owner, filename string, upload io.Reader) (*history.Session, error) {
	f.lastOwner = owner
	data, _ := io.ReadAll(upload)
	f.lastUpload = string(data)
	if f.err != nil {
		return nil, f.err
	}
	if f.session != nil {
		return f.session, nil
	}
	return &history.Session{ID: owner + "_20260829-120000", Owner: owner, CreatedAt: time.Now()}, nil
}

func (f *fakeService) Ask(_ context.Context, _, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeService) ListSessions(_ context.Context, owner string) ([]history.Session, error) {
	f.lastOwner = owner
	return f.sessions, f.err
}

func (f *fakeService) History(_ context.Context, _, _ string) ([]history.Turn, error) {
	return f.turns, f.err
}

func newTestServer(t *testing.T, svc ChatService) http.Handler {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Logger:  testutil.DiscardLogger(),
		Service: svc,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv.Handler()
}

func multipartUpload(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	return body, mw.FormDataContentType()
}

func TestMissingUserHeader(t *testing.T) {
	h := newTestServer(t, &fakeService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUploadDocument(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(t, svc)

	body, contentType := multipartUpload(t, "report.txt", "document body")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if svc.lastOwner != "alice" {
		t.Errorf("owner = %q", svc.lastOwner)
	}
	if svc.lastUpload != "document body" {
		t.Errorf("upload content = %q", svc.lastUpload)
	}

	var resp createSessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !strings.HasPrefix(resp.SessionID, "alice_") {
		t.Errorf("session_id = %q", resp.SessionID)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestUploadDocument_MissingFileField(t *testing.T) {
	h := newTestServer(t, &fakeService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader("not multipart"))
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChat(t *testing.T) {
	h := newTestServer(t, &fakeService{answer: "forty-two"})

	body := `{"session_id": "alice_20260829-120000", "question": "what is the answer"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp chatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Answer != "forty-two" {
		t.Errorf("answer = %q", resp.Answer)
	}
}

func TestChat_MissingSessionID(t *testing.T) {
	h := newTestServer(t, &fakeService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"question":"q"}`))
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"session not found", history.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
		{"not owner", chatbot.ErrNotOwner, http.StatusForbidden, "forbidden"},
		{"no partition", index.ErrPartitionNotFound, http.StatusConflict, "session_not_ready"},
		{"empty question", pipeline.ErrEmptyQuestion, http.StatusBadRequest, "empty_question"},
		{"model rate limited", pipeline.ErrRateLimited, http.StatusServiceUnavailable, "model_rate_limited"},
		{"staged document vanished", ingest.ErrDocumentNotFound, http.StatusUnprocessableEntity, "document_unreadable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &fakeService{err: tt.err})

			body := `{"session_id": "s1", "question": "q"}`
			req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
			req.Header.Set("X-User-ID", "alice")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp errorBody
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decoding error body: %v", err)
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", resp.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestListSessions(t *testing.T) {
	svc := &fakeService{sessions: []history.Session{
		{ID: "alice_2", Owner: "alice"},
		{ID: "alice_1", Owner: "alice"},
	}}
	h := newTestServer(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp sessionsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Errorf("got %d sessions", len(resp.Sessions))
	}
	if svc.lastOwner != "alice" {
		t.Errorf("owner = %q", svc.lastOwner)
	}
}

func TestListSessions_EmptyIsArray(t *testing.T) {
	h := newTestServer(t, &fakeService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `"sessions":[]`) {
		t.Errorf("empty list not serialized as []: %s", rec.Body)
	}
}

func TestSessionHistory(t *testing.T) {
	svc := &fakeService{turns: []history.Turn{
		{Role: history.RoleHuman, Text: "Hi"},
		{Role: history.RoleAssistant, Text: "Hello! How can I assist you today?"},
	}}
	h := newTestServer(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/alice_1/history", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp historyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.SessionID != "alice_1" || len(resp.Turns) != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestUploadRateLimit(t *testing.T) {
	srv, err := NewServer(ServerConfig{
		Logger:           testutil.DiscardLogger(),
		Service:          &fakeService{},
		UploadRatePerMin: 1,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	h := srv.Handler()

	send := func() int {
		body, contentType := multipartUpload(t, "doc.txt", "x")
		req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-User-ID", "alice")
		req.RemoteAddr = "203.0.113.7:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(); code != http.StatusCreated {
		t.Fatalf("first upload status = %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("second upload status = %d, want 429", code)
	}
}

func TestHealthProbes(t *testing.T) {
	h := newTestServer(t, &fakeService{})

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, err := NewServer(ServerConfig{
		Logger:      testutil.DiscardLogger(),
		Service:     &fakeService{},
		CORSOrigins: []string{"https://app.example.com"},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Error("allowed origin header missing")
	}
}
