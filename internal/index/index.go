// Package index provides session-partitioned vector storage and similarity
// search over document chunks.
//
// Every chunk belongs to exactly one session partition; queries never cross
// partitions. Two implementations are provided: Postgres (pgvector) for
// production and Memory (brute-force cosine) for tests and local development.
package index

import (
	"context"
	"errors"
	"time"
)

// DefaultTopK is the number of chunks returned when the caller passes k <= 0.
const DefaultTopK = 4

// Sentinel errors for index operations. Check with errors.Is().
var (
	// ErrPartitionNotFound indicates the session has no index partition,
	// i.e. ingestion never ran for it. Callers must propagate this rather
	// than answer from an empty context.
	ErrPartitionNotFound = errors.New("index partition not found")

	// ErrEmptyEmbedding indicates the embedder returned no vector.
	ErrEmptyEmbedding = errors.New("empty embedding returned")
)

// Chunk is a contiguous span of source text plus metadata.
// Chunks are immutable once created and owned by the index partition
// holding them.
type Chunk struct {
	DocumentID string    // source document identifier
	Ordinal    int       // position within the document, 0-based
	Page       int       // source page number, 1-based (0 if unpaged)
	Text       string    // chunk content
	CreatedAt  time.Time // ingestion timestamp
}

// Result is a single search result with its similarity score.
type Result struct {
	Chunk      Chunk
	Similarity float32 // cosine similarity, higher is more relevant
}

// Index is the session-partitioned vector index consumed by ingestion and
// the conversational pipeline.
type Index interface {
	// Add embeds the given chunks and stores them in the session's
	// partition, creating the partition if it does not exist.
	Add(ctx context.Context, sessionID string, chunks []Chunk) error

	// HasPartition reports whether the session already has a partition.
	// Used by ingestion to keep indexing at-most-once per session.
	HasPartition(ctx context.Context, sessionID string) (bool, error)

	// Query returns up to k chunks from the session's partition, ordered
	// by descending similarity to the question text. Returns
	// ErrPartitionNotFound if the session was never ingested.
	Query(ctx context.Context, sessionID, question string, k int) ([]Result, error)
}
