// Package chatbot is the service layer tying ingestion, history, and the
// per-turn pipeline together. It owns session lifecycle and the
// concurrency rules: turns within one session never overlap, and a failed
// turn leaves the transcript untouched.
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docsmith/docchat/internal/history"
	"github.com/docsmith/docchat/internal/ingest"
	"github.com/docsmith/docchat/internal/pipeline"
)

// Greeting turns seeded into every new session, so the transcript a user
// first sees is never empty.
const (
	greetingHuman     = "Hi"
	greetingAssistant = "Hello! How can I assist you today?"
)

// ErrNotOwner indicates a user addressed a session they do not own.
var ErrNotOwner = errors.New("session not owned by user")

// TurnRunner executes one conversational turn without persisting anything.
type TurnRunner interface {
	Run(ctx context.Context, sessionID, question string, hist []history.Turn) (*pipeline.Outcome, error)
}

// Ingestor stages nothing; it parses a staged file and indexes it.
type Ingestor interface {
	Ingest(ctx context.Context, path, sessionID string) (*ingest.Result, error)
}

// Service implements the chatbot operations.
//
// Service is safe for concurrent use by multiple goroutines.
type Service struct {
	store    history.Store
	ingestor Ingestor
	staging  *ingest.Staging
	runner   TurnRunner
	locks    *sessionLocks
	logger   *slog.Logger
}

// New wires the service from its collaborators.
func New(store history.Store, ingestor Ingestor, staging *ingest.Staging, runner TurnRunner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		ingestor: ingestor,
		staging:  staging,
		runner:   runner,
		locks:    newSessionLocks(),
		logger:   logger,
	}
}

// CreateSession stages the uploaded document, ingests it into a fresh
// session partition, registers the session, and seeds the greeting
// exchange. The returned session is ready for Ask.
func (s *Service) CreateSession(ctx context.Context, owner, filename string, upload io.Reader) (*history.Session, error) {
	staged, err := s.staging.Save(filename, upload)
	if err != nil {
		return nil, fmt.Errorf("staging upload: %w", err)
	}
	defer func() {
		if rmErr := s.staging.Remove(staged); rmErr != nil {
			s.logger.Warn("removing staged upload", "path", staged, "error", rmErr)
		}
	}()

	// Uploads for the same owner in the same second derive the same
	// candidate id. Hold that id's lock across probe, ingest, and
	// registration so a concurrent upload cannot pass the probe too and
	// write its chunks into this session's partition.
	sessionID := history.NewSessionID(owner, time.Now())
	lock := s.locks.get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.store.GetSession(ctx, sessionID); err == nil {
		// Same owner, same second. Salt the id instead of failing.
		sessionID = sessionID + "-" + uuid.NewString()[:8]
	}

	if _, err := s.ingestor.Ingest(ctx, staged, sessionID); err != nil {
		return nil, fmt.Errorf("ingesting %s: %w", filename, err)
	}

	session, err := s.store.CreateSession(ctx, sessionID, owner)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	if err := s.store.Append(ctx, sessionID,
		history.Turn{Role: history.RoleHuman, Text: greetingHuman},
		history.Turn{Role: history.RoleAssistant, Text: greetingAssistant},
	); err != nil {
		return nil, fmt.Errorf("seeding greeting for session %s: %w", sessionID, err)
	}

	s.logger.Info("session created",
		"session_id", sessionID, "owner", owner, "document", filename)
	return session, nil
}

// Ask runs one turn. The session lock serializes concurrent questions to
// the same session; each waiter sees the transcript left by its
// predecessor. Ownership is checked before queueing on the lock, so a
// stranger's request is rejected without delaying the owner's turns. On
// any pipeline failure the transcript is not modified: the question is
// discarded along with the missing answer.
func (s *Service) Ask(ctx context.Context, sessionID, userID, question string) (string, error) {
	if err := s.authorize(ctx, sessionID, userID); err != nil {
		return "", err
	}

	lock := s.locks.get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	hist, err := s.store.Turns(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("reading history for session %s: %w", sessionID, err)
	}

	outcome, err := s.runner.Run(ctx, sessionID, question, hist)
	if err != nil {
		return "", err
	}

	if err := s.store.Append(ctx, sessionID, outcome.Turns...); err != nil {
		return "", fmt.Errorf("persisting turns for session %s: %w", sessionID, err)
	}
	return outcome.Answer, nil
}

// ListSessions returns the user's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, owner string) ([]history.Session, error) {
	return s.store.ListSessions(ctx, owner)
}

// History returns the session transcript in order.
func (s *Service) History(ctx context.Context, sessionID, userID string) ([]history.Turn, error) {
	if err := s.authorize(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return s.store.Turns(ctx, sessionID)
}

// authorize checks the session exists and belongs to the user.
func (s *Service) authorize(ctx context.Context, sessionID, userID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Owner != userID {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotOwner)
	}
	return nil
}
