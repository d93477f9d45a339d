package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/testutil"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/store"
)

func chunk(id, text string) models.Chunk {
	return models.Chunk{ID: id, Text: text, SourceID: "doc"}
}

func newMemoryIndex(t *testing.T, e *testutil.HashEmbedder) *store.MemoryIndex {
	t.Helper()
	idx, err := store.NewMemoryIndex(store.MemoryConfig{Embedder: e})
	require.NoError(t, err)
	return idx
}

// pairEmbedder gives every text of a batch a fixed vector.
type pairEmbedder struct {
	docs  map[string][]float32
	query []float32
}

func (p pairEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.docs[t]
	}
	return out, nil
}

func (p pairEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return p.query, nil
}

func TestNewMemoryIndex(t *testing.T) {
	_, err := store.NewMemoryIndex(store.MemoryConfig{})
	assert.Error(t, err)
}

func TestMemoryIndex_EmptySearch(t *testing.T) {
	e := testutil.NewHashEmbedder(32)
	idx := newMemoryIndex(t, e)

	for _, k := range []int{0, 1, 4, 100} {
		results, err := idx.SimilaritySearch(context.Background(), "anything", k)
		require.NoError(t, err)
		assert.Empty(t, results)
	}
	assert.Zero(t, e.Calls(), "empty index must not call the embedder")
}

func TestMemoryIndex_SelfSimilarity(t *testing.T) {
	ctx := context.Background()
	idx := newMemoryIndex(t, testutil.NewHashEmbedder(64))

	c1 := chunk("c1", "The Eiffel tower is located in Paris")
	c2 := chunk("c2", "Bananas are rich in potassium")
	require.NoError(t, idx.Add(ctx, []models.Chunk{c1, c2}))
	assert.Equal(t, 2, idx.Len())

	results, err := idx.SimilaritySearch(ctx, c1.Text, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestMemoryIndex_TopK(t *testing.T) {
	ctx := context.Background()
	idx := newMemoryIndex(t, testutil.NewHashEmbedder(256))

	var chunks []models.Chunk
	for i := 0; i < 10; i++ {
		chunks = append(chunks, chunk(fmt.Sprintf("c%d", i), fmt.Sprintf("chunk number %d about item%d", i, i)))
	}
	require.NoError(t, idx.Add(ctx, chunks))

	results, err := idx.SimilaritySearch(ctx, chunks[7].Text, 4)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, "c7", results[0].ID)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestMemoryIndex_TiesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	same := []float32{1, 0}
	e := pairEmbedder{
		docs: map[string][]float32{
			"first":  same,
			"second": same,
			"third":  {0, 1},
			"fourth": same,
		},
		query: []float32{1, 0},
	}
	idx, err := store.NewMemoryIndex(store.MemoryConfig{Embedder: e})
	require.NoError(t, err)

	require.NoError(t, idx.Add(ctx, []models.Chunk{chunk("1", "first"), chunk("2", "second"), chunk("3", "third")}))
	require.NoError(t, idx.Add(ctx, []models.Chunk{chunk("4", "fourth")}))

	results, err := idx.SimilaritySearch(ctx, "q", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"1", "2", "4"}, []string{results[0].ID, results[1].ID, results[2].ID})
}

func TestMemoryIndex_AddIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	e := testutil.NewHashEmbedder(32)
	idx := newMemoryIndex(t, e)

	require.NoError(t, idx.Add(ctx, []models.Chunk{chunk("ok", "kept text")}))

	e.FailOn = "poison"
	err := idx.Add(ctx, []models.Chunk{chunk("a", "fine"), chunk("b", "poison pill"), chunk("c", "also fine")})
	require.Error(t, err)

	var embErr *types.EmbeddingError
	require.True(t, errors.As(err, &embErr))
	assert.Equal(t, 3, embErr.Count)
	assert.ErrorIs(t, err, testutil.ErrBackend)
	assert.Equal(t, 1, idx.Len())
}

func TestMemoryIndex_RejectsBadVectors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		embedder pairEmbedder
		chunks   []models.Chunk
	}{
		{
			name:     "empty vector",
			embedder: pairEmbedder{docs: map[string][]float32{"a": {1}, "b": {}}},
			chunks:   []models.Chunk{chunk("a", "a"), chunk("b", "b")},
		},
		{
			name:     "mixed dimensions",
			embedder: pairEmbedder{docs: map[string][]float32{"a": {1, 0}, "b": {1, 0, 0}}},
			chunks:   []models.Chunk{chunk("a", "a"), chunk("b", "b")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, err := store.NewMemoryIndex(store.MemoryConfig{Embedder: tt.embedder})
			require.NoError(t, err)

			err = idx.Add(ctx, tt.chunks)
			var embErr *types.EmbeddingError
			assert.True(t, errors.As(err, &embErr))
			assert.Zero(t, idx.Len())
		})
	}

	t.Run("dimension change across batches", func(t *testing.T) {
		e := pairEmbedder{docs: map[string][]float32{"a": {1, 0}, "b": {1, 0, 0}}}
		idx, err := store.NewMemoryIndex(store.MemoryConfig{Embedder: e})
		require.NoError(t, err)

		require.NoError(t, idx.Add(ctx, []models.Chunk{chunk("a", "a")}))
		assert.Error(t, idx.Add(ctx, []models.Chunk{chunk("b", "b")}))
		assert.Equal(t, 1, idx.Len())

		// the first batch fixed the dimension
		e.docs["c"] = []float32{0, 1}
		require.NoError(t, idx.Add(ctx, []models.Chunk{chunk("c", "c")}))
		assert.Equal(t, 2, idx.Len())
	})
}

func TestMemoryIndex_QueryEmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	e := testutil.NewHashEmbedder(32)
	idx := newMemoryIndex(t, e)
	require.NoError(t, idx.Add(ctx, []models.Chunk{chunk("a", "alpha")}))

	e.Err = testutil.ErrBackend
	_, err := idx.SimilaritySearch(ctx, "alpha", 4)

	var embErr *types.EmbeddingError
	assert.True(t, errors.As(err, &embErr))
}

func TestMemoryIndex_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	idx := newMemoryIndex(t, testutil.NewHashEmbedder(32))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				c := chunk(fmt.Sprintf("w%d-%d", w, i), fmt.Sprintf("writer %d text %d", w, i))
				assert.NoError(t, idx.Add(ctx, []models.Chunk{c}))
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := idx.SimilaritySearch(ctx, "writer text", 4)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, idx.Len())
}

func TestNew(t *testing.T) {
	e := testutil.NewHashEmbedder(8)

	idx, err := store.New(context.Background(), store.Config{Embedder: e}, "s1")
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryIndex{}, idx)

	_, err = store.New(context.Background(), store.Config{Backend: "faiss", Embedder: e}, "s1")
	assert.Error(t, err)
}
