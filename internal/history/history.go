// Package history stores sessions and their append-only conversation
// transcripts.
//
// A transcript is an ordered sequence of turns. Turns are only ever
// appended; nothing rewrites or deletes past turns.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Turn roles. A human turn is a user question; an assistant turn is the
// generated answer.
const (
	RoleHuman     = "human"
	RoleAssistant = "assistant"
)

// Sentinel errors for history operations. Check with errors.Is().
var (
	// ErrSessionNotFound indicates the session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists indicates a session with that id already exists.
	ErrSessionExists = errors.New("session already exists")

	// ErrInvalidRole indicates a turn role outside the known set.
	ErrInvalidRole = errors.New("invalid turn role")
)

// Turn is one entry in a session transcript.
type Turn struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Session identifies one conversation and its owner.
type Session struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists sessions and transcripts.
type Store interface {
	// CreateSession registers a new session. Returns ErrSessionExists if
	// the id is taken.
	CreateSession(ctx context.Context, id, owner string) (*Session, error)

	// GetSession returns the session or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns the owner's sessions, newest first.
	ListSessions(ctx context.Context, owner string) ([]Session, error)

	// Append adds turns to the end of the transcript atomically: either
	// all turns land or none do. Returns ErrSessionNotFound for unknown
	// sessions.
	Append(ctx context.Context, sessionID string, turns ...Turn) error

	// Turns returns the transcript in order. A session with no turns
	// yields an empty slice, not an error.
	Turns(ctx context.Context, sessionID string) ([]Turn, error)
}

// NewSessionID derives a session id from its owner and creation time.
// The timestamp suffix keeps ids unique per owner at second granularity
// and makes them sort chronologically.
func NewSessionID(owner string, now time.Time) string {
	return fmt.Sprintf("%s_%s", owner, now.UTC().Format("20060102-150405"))
}

// validateTurns rejects turns with unknown roles before they reach storage.
func validateTurns(turns []Turn) error {
	for _, t := range turns {
		if t.Role != RoleHuman && t.Role != RoleAssistant {
			return fmt.Errorf("%w: %q", ErrInvalidRole, t.Role)
		}
	}
	return nil
}
