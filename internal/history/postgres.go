package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// Postgres is the production Store backed by the sessions and turns tables.
//
// Postgres is safe for concurrent use by multiple goroutines.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a PostgreSQL-backed history store.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger}
}

func (p *Postgres) CreateSession(ctx context.Context, id, owner string) (*Session, error) {
	var s Session
	err := p.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, owner) VALUES ($1, $2) RETURNING id, owner, created_at`,
		id, owner).Scan(&s.ID, &s.Owner, &s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("session %s: %w", id, ErrSessionExists)
		}
		return nil, fmt.Errorf("creating session %s: %w", id, err)
	}
	p.logger.Debug("created session", "session_id", s.ID, "owner", s.Owner)
	return &s, nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := p.pool.QueryRow(ctx,
		`SELECT id, owner, created_at FROM sessions WHERE id = $1`, id).
		Scan(&s.ID, &s.Owner, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return &s, nil
}

func (p *Postgres) ListSessions(ctx context.Context, owner string) ([]Session, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, owner, created_at FROM sessions WHERE owner = $1 ORDER BY created_at DESC, id DESC`,
		owner)
	if err != nil {
		return nil, fmt.Errorf("listing sessions for %s: %w", owner, err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Owner, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading sessions: %w", err)
	}
	return sessions, nil
}

// Append writes all turns in one transaction. The session row is locked
// with SELECT ... FOR UPDATE so concurrent appenders cannot race on
// sequence numbers.
func (p *Postgres) Append(ctx context.Context, sessionID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	if err := validateTurns(turns); err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, context.Canceled) {
			p.logger.Debug("transaction rollback (may be already committed)", "error", rbErr)
		}
	}()

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("locking session %s: %w", sessionID, err)
	}

	var nextSeq int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM turns WHERE session_id = $1`, sessionID).
		Scan(&nextSeq)
	if err != nil {
		return fmt.Errorf("reading next sequence for session %s: %w", sessionID, err)
	}

	now := time.Now()
	for i, t := range turns {
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO turns (session_id, seq, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
			sessionID, nextSeq+i, t.Role, t.Text, createdAt); err != nil {
			return fmt.Errorf("appending turn %d to session %s: %w", nextSeq+i, sessionID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing turns for session %s: %w", sessionID, err)
	}
	return nil
}

func (p *Postgres) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	// Distinguish "no session" from "no turns yet".
	if _, err := p.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx,
		`SELECT role, content, created_at FROM turns WHERE session_id = $1 ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading turns for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Text, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading turns: %w", err)
	}
	return turns, nil
}
