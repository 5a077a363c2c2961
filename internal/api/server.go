// Package api exposes the chatbot over a JSON HTTP API.
//
// Routes:
//
//	POST /api/v1/documents             upload a document, creating a session
//	POST /api/v1/chat                  ask a question within a session
//	GET  /api/v1/sessions              list the caller's sessions
//	GET  /api/v1/sessions/{id}/history read a session transcript
//	GET  /health                       liveness probe
//	GET  /ready                        readiness probe (database ping)
//
// Caller identity comes from the X-User-ID header, set by an
// authenticating reverse proxy.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger           *slog.Logger
	Service          ChatService   // Required
	Pool             *pgxpool.Pool // Optional: nil disables database ping in /ready
	CORSOrigins      []string      // Allowed origins for CORS
	TrustProxy       bool          // Trust X-Real-IP/X-Forwarded-For headers
	ChatRatePerMin   int           // Per-IP chat requests per minute (0 = default 20)
	UploadRatePerMin int           // Per-IP uploads per minute (0 = default 5)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates an API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("chat service is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &handler{svc: cfg.Service, logger: logger}

	chatRate := cfg.ChatRatePerMin
	if chatRate <= 0 {
		chatRate = 20
	}
	uploadRate := cfg.UploadRatePerMin
	if uploadRate <= 0 {
		uploadRate = 5
	}
	// Uploads and chat are limited independently: embedding a document is
	// far more expensive than a single model call.
	chatLimit := rateLimitMiddleware(newRateLimiter(chatRate), cfg.TrustProxy, logger)
	uploadLimit := rateLimitMiddleware(newRateLimiter(uploadRate), cfg.TrustProxy, logger)

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/documents", uploadLimit(http.HandlerFunc(h.createSession)))
	mux.Handle("POST /api/v1/chat", chatLimit(http.HandlerFunc(h.chat)))
	mux.HandleFunc("GET /api/v1/sessions", h.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}/history", h.sessionHistory)

	// Middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → User → Routes
	// RequestID precedes Logging so request_id is available in log
	// attributes; CORS precedes User so preflight OPTIONS needs no
	// identity header.
	var handler http.Handler = mux
	handler = userMiddleware()(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
