package store

import (
	"context"
	"fmt"
	"math"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
)

// Index stores chunk embeddings and answers nearest-neighbour queries.
// Entries are only ever appended.
type Index interface {
	// Add embeds and stores all chunks, or none of them.
	Add(ctx context.Context, chunks []models.Chunk) error
	// SimilaritySearch returns up to k chunks, most similar first. Equal
	// scores keep insertion order.
	SimilaritySearch(ctx context.Context, query string, k int) ([]models.ScoredChunk, error)
	Len() int
	Close() error
}

// embedBatch embeds every chunk text and checks that the backend returned
// one usable vector per text, all of dimension dim (or of a common
// dimension when dim is zero).
func embedBatch(ctx context.Context, e embeddings.Embedder, chunks []models.Chunk, dim int) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := e.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, &types.EmbeddingError{Count: len(texts), Err: err}
	}
	if len(vectors) != len(texts) {
		return nil, &types.EmbeddingError{
			Count: len(texts),
			Err:   fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts)),
		}
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, &types.EmbeddingError{Count: len(texts), Err: fmt.Errorf("empty vector for chunk %d", i)}
		}
		if dim == 0 {
			dim = len(v)
		}
		if len(v) != dim {
			return nil, &types.EmbeddingError{
				Count: len(texts),
				Err:   fmt.Errorf("chunk %d has dimension %d, want %d", i, len(v), dim),
			}
		}
	}
	return vectors, nil
}

func embedQuery(ctx context.Context, e embeddings.Embedder, query string, dim int) ([]float32, error) {
	v, err := e.EmbedQuery(ctx, query)
	if err != nil {
		return nil, &types.EmbeddingError{Count: 1, Err: err}
	}
	if len(v) == 0 || (dim > 0 && len(v) != dim) {
		return nil, &types.EmbeddingError{
			Count: 1,
			Err:   fmt.Errorf("query vector has dimension %d, want %d", len(v), dim),
		}
	}
	return v, nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// cosine returns the cosine similarity of a and b given their norms. A zero
// vector is similar to nothing.
func cosine(a, b []float32, normA, normB float64) float64 {
	if normA == 0 || normB == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB)
}
