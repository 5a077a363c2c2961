// Package ingest turns uploaded documents into indexed chunks.
//
// A document is parsed into per-page text, split into overlapping chunks,
// and written to the session's index partition. Ingestion is at-most-once
// per session: a session that already has a partition is skipped.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/docsmith/docchat/internal/index"
)

// Sentinel errors for ingestion. Check with errors.Is().
var (
	// ErrDocumentNotFound indicates the source file does not exist or
	// cannot be read.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrUnsupportedFormat indicates the file extension has no parser.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrEmptyDocument indicates parsing produced no text at all.
	ErrEmptyDocument = errors.New("document contains no extractable text")
)

// DocumentIndex is the slice of the vector index that ingestion needs.
type DocumentIndex interface {
	Add(ctx context.Context, sessionID string, chunks []index.Chunk) error
	HasPartition(ctx context.Context, sessionID string) (bool, error)
}

// Result summarizes a single ingestion.
type Result struct {
	DocumentID string
	Chunks     int
	Pages      int
	Skipped    bool // session already had a partition
	Duration   time.Duration
}

// Ingestor parses, chunks, and indexes documents.
type Ingestor struct {
	index    DocumentIndex
	splitter *Splitter
	logger   *slog.Logger
}

// New creates an Ingestor writing to the given index.
func New(idx DocumentIndex, splitter *Splitter, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{index: idx, splitter: splitter, logger: logger}
}

// Ingest parses the file at path and indexes its chunks into the session's
// partition. If the session already has a partition the call is a no-op and
// Result.Skipped is true.
func (in *Ingestor) Ingest(ctx context.Context, path, sessionID string) (*Result, error) {
	start := time.Now()
	docID := filepath.Base(path)

	exists, err := in.index.HasPartition(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("checking partition for session %s: %w", sessionID, err)
	}
	if exists {
		in.logger.Info("session already indexed, skipping ingestion",
			"session_id", sessionID, "document", docID)
		return &Result{DocumentID: docID, Skipped: true, Duration: time.Since(start)}, nil
	}

	pages, err := extractText(path)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var chunks []index.Chunk
	ordinal := 0
	for _, p := range pages {
		for _, text := range in.splitter.Split(p.text) {
			chunks = append(chunks, index.Chunk{
				DocumentID: docID,
				Ordinal:    ordinal,
				Page:       p.number,
				Text:       text,
				CreatedAt:  now,
			})
			ordinal++
		}
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%s: %w", docID, ErrEmptyDocument)
	}

	if err := in.index.Add(ctx, sessionID, chunks); err != nil {
		return nil, fmt.Errorf("indexing document %s: %w", docID, err)
	}

	result := &Result{
		DocumentID: docID,
		Chunks:     len(chunks),
		Pages:      len(pages),
		Duration:   time.Since(start),
	}
	in.logger.Info("document ingested",
		"session_id", sessionID,
		"document", docID,
		"pages", result.Pages,
		"chunks", result.Chunks,
		"duration", result.Duration)
	return result, nil
}
