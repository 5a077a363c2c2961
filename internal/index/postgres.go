package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// searchTimeout bounds a single vector search so a slow query cannot hold
// the caller (and its per-session lock) indefinitely.
const searchTimeout = 10 * time.Second

// Postgres is the production Index backed by PostgreSQL + pgvector.
// Partition isolation is enforced by the session_id column; every query
// filters on it.
//
// Postgres is safe for concurrent use by multiple goroutines.
type Postgres struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	logger   *slog.Logger
}

// NewPostgres creates a pgvector-backed index.
func NewPostgres(pool *pgxpool.Pool, embedder ai.Embedder, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, embedder: embedder, logger: logger}
}

// Add embeds chunks and inserts them into the session's partition inside a
// single transaction, so a failed ingestion leaves no half-written partition.
func (p *Postgres) Add(ctx context.Context, sessionID string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := embedTexts(ctx, p.embedder, texts)
	if err != nil {
		return fmt.Errorf("indexing session %s: %w", sessionID, err)
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

	const insert = `
		INSERT INTO chunks (session_id, document_id, ordinal, page, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for i, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		vec := pgvector.NewVector(vectors[i])
		if _, err := tx.Exec(ctx, insert,
			sessionID, c.DocumentID, c.Ordinal, c.Page, c.Text, vec, createdAt); err != nil {
			return fmt.Errorf("inserting chunk %d for session %s: %w", c.Ordinal, sessionID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing chunks for session %s: %w", sessionID, err)
	}

	p.logger.Debug("indexed chunks", "session_id", sessionID, "count", len(chunks))
	return nil
}

// HasPartition reports whether any chunks exist for the session.
func (p *Postgres) HasPartition(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chunks WHERE session_id = $1)`, sessionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking partition for session %s: %w", sessionID, err)
	}
	return exists, nil
}

// Query embeds the question and returns the session's top-k chunks by
// cosine similarity.
func (p *Postgres) Query(ctx context.Context, sessionID, question string, k int) ([]Result, error) {
	if k <= 0 {
		k = DefaultTopK
	}

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	exists, err := p.HasPartition(queryCtx, sessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrPartitionNotFound)
	}

	queryVec, err := embedText(queryCtx, p.embedder, question)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedding question timeout: %w", err)
		}
		return nil, fmt.Errorf("embedding question for session %s: %w", sessionID, err)
	}

	// <=> is pgvector's cosine distance operator; similarity = 1 - distance.
	const search = `
		SELECT document_id, ordinal, page, content, created_at,
		       1 - (embedding <=> $2) AS similarity
		FROM chunks
		WHERE session_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3`

	rows, err := p.pool.Query(queryCtx, search, sessionID, pgvector.NewVector(queryVec), k)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("vector search timeout: %w", err)
		}
		return nil, fmt.Errorf("searching session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			c          Chunk
			similarity float64
		)
		if err := rows.Scan(&c.DocumentID, &c.Ordinal, &c.Page, &c.Text, &c.CreatedAt, &similarity); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		results = append(results, Result{Chunk: c, Similarity: float32(similarity)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading search results: %w", err)
	}

	return results, nil
}
