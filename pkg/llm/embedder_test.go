package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/xhad/documind/internal/testutil"
	"github.com/xhad/documind/pkg/llm"
)

// fakeOllama serves /api/embeddings, answering with a vector derived from
// the prompt length.
type fakeOllama struct {
	mu      sync.Mutex
	prompts []string
	fail    bool
}

func (f *fakeOllama) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		f.mu.Lock()
		f.prompts = append(f.prompts, req.Prompt)
		fail := f.fail
		f.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"model not loaded"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float32{float32(len(req.Prompt)), 1, 0},
		})
	})
	return mux
}

func (f *fakeOllama) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func TestNewEmbedderWithConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  llm.EmbedderConfig
		wantErr bool
	}{
		{name: "defaults", config: llm.EmbedderConfig{}},
		{name: "custom", config: llm.EmbedderConfig{Model: "nomic-embed-text", BaseURL: "http://localhost:1234", BatchSize: 8, CacheSize: 16}},
		{name: "negative batch", config: llm.EmbedderConfig{BatchSize: -1}, wantErr: true},
		{name: "negative cache", config: llm.EmbedderConfig{CacheSize: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb, err := llm.NewEmbedderWithConfig(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, emb.Model())
		})
	}
}

func TestEmbedder_Ollama(t *testing.T) {
	fake := &fakeOllama{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	emb, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{BaseURL: srv.URL, Model: "test-model"})
	require.NoError(t, err)

	vectors, err := emb.EmbedDocuments(context.Background(), []string{"ab", "line one\nline two"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{2, 1, 0}, vectors[0])
	assert.Equal(t, []string{"ab", "line one line two"}, fake.seen())

	q, err := emb.EmbedQuery(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 1, 0}, q)
}

func TestEmbedder_BackendError(t *testing.T) {
	fake := &fakeOllama{fail: true}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	emb, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = emb.EmbedDocuments(context.Background(), []string{"text"})
	assert.Error(t, err)
	_, err = emb.EmbedQuery(context.Background(), "text")
	assert.Error(t, err)
}

func TestEmbedder_Cache(t *testing.T) {
	var mu sync.Mutex
	var sent [][]string
	client := embeddings.EmbedderClientFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		mu.Lock()
		sent = append(sent, append([]string(nil), texts...))
		mu.Unlock()
		return testutil.NewHashEmbedder(8).EmbedDocuments(context.Background(), texts)
	})

	emb, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{Client: client, CacheSize: 8})
	require.NoError(t, err)
	ctx := context.Background()

	first, err := emb.EmbedDocuments(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)

	second, err := emb.EmbedDocuments(ctx, []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])

	_, err = emb.EmbedQuery(ctx, "gamma")
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"alpha", "beta"}, {"gamma"}}, sent)

	t.Run("Should hand out copies", func(t *testing.T) {
		v, err := emb.EmbedQuery(ctx, "alpha")
		require.NoError(t, err)
		v[0] = 99
		again, err := emb.EmbedQuery(ctx, "alpha")
		require.NoError(t, err)
		assert.NotEqual(t, float32(99), again[0])
	})
}

func TestEmbedder_ClientError(t *testing.T) {
	client := embeddings.EmbedderClientFunc(func(context.Context, []string) ([][]float32, error) {
		return nil, testutil.ErrBackend
	})
	emb, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{Client: client, CacheSize: 4})
	require.NoError(t, err)

	_, err = emb.EmbedDocuments(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, testutil.ErrBackend)
}
