package index

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/firebase/genkit/go/ai"
)

// Memory is an in-process Index using brute-force cosine similarity.
// Suitable for tests and single-node development; partitions live only as
// long as the process.
//
// Memory is safe for concurrent use by multiple goroutines.
type Memory struct {
	mu         sync.RWMutex
	partitions map[string]*partition

	embedder ai.Embedder
	logger   *slog.Logger
}

type partition struct {
	chunks  []Chunk
	vectors [][]float32
}

// NewMemory creates an in-memory index backed by the given embedder.
func NewMemory(embedder ai.Embedder, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		partitions: make(map[string]*partition),
		embedder:   embedder,
		logger:     logger,
	}
}

// Add embeds chunks and appends them to the session's partition.
func (m *Memory) Add(ctx context.Context, sessionID string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := embedTexts(ctx, m.embedder, texts)
	if err != nil {
		return fmt.Errorf("indexing session %s: %w", sessionID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partitions[sessionID]
	if !ok {
		p = &partition{}
		m.partitions[sessionID] = p
	}
	p.chunks = append(p.chunks, chunks...)
	p.vectors = append(p.vectors, vectors...)

	m.logger.Debug("indexed chunks", "session_id", sessionID, "count", len(chunks))
	return nil
}

// HasPartition reports whether the session has a partition.
func (m *Memory) HasPartition(_ context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.partitions[sessionID]
	return ok, nil
}

// Query returns the top-k chunks of the session's partition by cosine
// similarity to the question.
func (m *Memory) Query(ctx context.Context, sessionID, question string, k int) ([]Result, error) {
	if k <= 0 {
		k = DefaultTopK
	}

	m.mu.RLock()
	p, ok := m.partitions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrPartitionNotFound)
	}

	queryVec, err := embedText(ctx, m.embedder, question)
	if err != nil {
		return nil, fmt.Errorf("embedding question for session %s: %w", sessionID, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Result, len(p.chunks))
	for i := range p.chunks {
		results[i] = Result{
			Chunk:      p.chunks[i],
			Similarity: cosineSimilarity(p.vectors[i], queryVec),
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Returns 0 for mismatched or zero-length vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
