package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/docsmith/docchat/internal/chatbot"
	"github.com/docsmith/docchat/internal/history"
	"github.com/docsmith/docchat/internal/index"
	"github.com/docsmith/docchat/internal/ingest"
	"github.com/docsmith/docchat/internal/pipeline"
)

// maxUploadBytes caps multipart uploads (32 MiB).
const maxUploadBytes = 32 << 20

// ChatService is the slice of the chatbot service the API consumes.
type ChatService interface {
	CreateSession(ctx context.Context, owner, filename string, upload io.Reader) (*history.Session, error)
	Ask(ctx context.Context, sessionID, userID, question string) (string, error)
	ListSessions(ctx context.Context, owner string) ([]history.Session, error)
	History(ctx context.Context, sessionID, userID string) ([]history.Turn, error)
}

type handler struct {
	svc    ChatService
	logger *slog.Logger
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Owner     string `json:"owner"`
	CreatedAt string `json:"created_at"`
}

// createSession handles POST /api/v1/documents: multipart upload of one
// document, producing a fresh session bound to it.
func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "user_required", "user identity missing")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload", "multipart field 'file' is required")
		return
	}
	defer func() { _ = file.Close() }()

	session, err := h.svc.CreateSession(r.Context(), userID, header.Filename, file)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: session.ID,
		Owner:     session.Owner,
		CreatedAt: session.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
}

// chat handles POST /api/v1/chat: one question, one answer.
func (h *handler) chat(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "user_required", "user identity missing")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "missing_session", "session_id is required")
		return
	}

	answer, err := h.svc.Ask(r.Context(), req.SessionID, userID, req.Question)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{SessionID: req.SessionID, Answer: answer})
}

type sessionsResponse struct {
	Sessions []history.Session `json:"sessions"`
}

// listSessions handles GET /api/v1/sessions.
func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "user_required", "user identity missing")
		return
	}

	sessions, err := h.svc.ListSessions(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []history.Session{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions})
}

type historyResponse struct {
	SessionID string         `json:"session_id"`
	Turns     []history.Turn `json:"turns"`
}

// sessionHistory handles GET /api/v1/sessions/{id}/history.
func (h *handler) sessionHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "user_required", "user identity missing")
		return
	}
	sessionID := r.PathValue("id")

	turns, err := h.svc.History(r.Context(), sessionID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if turns == nil {
		turns = []history.Turn{}
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: sessionID, Turns: turns})
}

// writeServiceError maps service-layer errors onto HTTP statuses.
func (h *handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, history.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "session does not exist")
	case errors.Is(err, chatbot.ErrNotOwner):
		writeError(w, http.StatusForbidden, "forbidden", "session belongs to another user")
	case errors.Is(err, index.ErrPartitionNotFound):
		writeError(w, http.StatusConflict, "session_not_ready", "no document has been ingested for this session")
	case errors.Is(err, pipeline.ErrEmptyQuestion):
		writeError(w, http.StatusBadRequest, "empty_question", "question must not be empty")
	case errors.Is(err, pipeline.ErrRateLimited):
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "model_rate_limited", "model provider is rate limiting, retry later")
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_format", "document format is not supported")
	case errors.Is(err, ingest.ErrEmptyDocument):
		writeError(w, http.StatusUnprocessableEntity, "empty_document", "document contains no extractable text")
	case errors.Is(err, ingest.ErrDocumentNotFound):
		writeError(w, http.StatusUnprocessableEntity, "document_unreadable", "uploaded document could not be read")
	default:
		h.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
