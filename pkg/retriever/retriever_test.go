package retriever_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/testutil"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/retriever"
	"github.com/xhad/documind/pkg/store"
)

func newIndex(t *testing.T, e *testutil.HashEmbedder, n int) *store.MemoryIndex {
	t.Helper()
	idx, err := store.NewMemoryIndex(store.MemoryConfig{Embedder: e})
	require.NoError(t, err)

	var chunks []models.Chunk
	for i := 0; i < n; i++ {
		chunks = append(chunks, models.Chunk{
			ID:   fmt.Sprintf("c%d", i),
			Text: fmt.Sprintf("passage %d mentions topic%d", i, i),
		})
	}
	if n > 0 {
		require.NoError(t, idx.Add(context.Background(), chunks))
	}
	return idx
}

func TestNewWithConfig(t *testing.T) {
	idx := newIndex(t, testutil.NewHashEmbedder(16), 0)

	r, err := retriever.NewWithConfig(idx, retriever.RetrieverConfig{})
	require.NoError(t, err)
	assert.Equal(t, 4, r.TopK())

	_, err = retriever.NewWithConfig(nil, retriever.RetrieverConfig{})
	assert.Error(t, err)
	_, err = retriever.NewWithConfig(idx, retriever.RetrieverConfig{TopK: -1})
	assert.Error(t, err)
	_, err = retriever.NewWithConfig(idx, retriever.RetrieverConfig{MinScore: 2})
	assert.Error(t, err)
}

func TestRetrieve(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		chunks int
		want   int
	}{
		{name: "empty index", chunks: 0, want: 0},
		{name: "fewer than k", chunks: 2, want: 2},
		{name: "exactly k", chunks: 4, want: 4},
		{name: "more than k", chunks: 9, want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := retriever.NewWithConfig(newIndex(t, testutil.NewHashEmbedder(128), tt.chunks), retriever.RetrieverConfig{})
			require.NoError(t, err)

			results, err := r.Retrieve(ctx, "passage 1 mentions topic1")
			require.NoError(t, err)
			assert.Len(t, results, tt.want)
			if tt.want > 1 {
				assert.Equal(t, "c1", results[0].ID)
			}
		})
	}
}

func TestRetrieve_MinScore(t *testing.T) {
	idx := newIndex(t, testutil.NewHashEmbedder(128), 6)
	r, err := retriever.NewWithConfig(idx, retriever.RetrieverConfig{MinScore: 0.99})
	require.NoError(t, err)

	results, err := r.Retrieve(context.Background(), "passage 3 mentions topic3")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c3", results[0].ID)
}

func TestRetrieve_EmbeddingFailure(t *testing.T) {
	e := testutil.NewHashEmbedder(16)
	idx := newIndex(t, e, 3)
	e.Err = testutil.ErrBackend

	r, err := retriever.NewWithConfig(idx, retriever.RetrieverConfig{})
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), "q")
	var embErr *types.EmbeddingError
	assert.True(t, errors.As(err, &embErr))
}
