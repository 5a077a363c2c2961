package index

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
)

// embedTexts generates one embedding vector per input text in a single
// embedder call.
func embedTexts(ctx context.Context, embedder ai.Embedder, texts []string) ([][]float32, error) {
	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	resp, err := embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if len(e.Embedding) == 0 {
			return nil, fmt.Errorf("%w for text %d", ErrEmptyEmbedding, i)
		}
		vectors[i] = e.Embedding
	}
	return vectors, nil
}

// embedText generates the embedding vector for a single text.
func embedText(ctx context.Context, embedder ai.Embedder, text string) ([]float32, error) {
	vectors, err := embedTexts(ctx, embedder, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
