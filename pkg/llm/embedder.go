package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/xhad/documind/internal/logger"
	"github.com/xhad/documind/pkg/metrics"
)

const (
	DefaultBaseURL   = "http://localhost:11434"
	DefaultModel     = "deepseek-r1:1.5b"
	DefaultBatchSize = 32
)

// EmbedderConfig represents the configuration for an embedder.
type EmbedderConfig struct {
	Model     string
	BaseURL   string // Ollama server URL
	BatchSize int
	// CacheSize bounds the number of cached vectors; zero disables caching.
	CacheSize int
	Timeout   time.Duration
	// Client replaces the Ollama client, mostly for tests.
	Client  embeddings.EmbedderClient
	Metrics *metrics.Metrics
	Logger  logger.Logger
}

// Embedder turns text into vectors through Ollama, remembering recent
// results so re-uploads and repeated questions skip the backend.
type Embedder struct {
	config EmbedderConfig
	impl   embeddings.Embedder

	cacheMu sync.Mutex
	cache   *lru.Cache[string, []float32]
}

var _ embeddings.Embedder = (*Embedder)(nil)

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.BatchSize < 0 {
		return nil, fmt.Errorf("batch size cannot be negative")
	} else if config.BatchSize == 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.CacheSize < 0 {
		return nil, fmt.Errorf("cache size cannot be negative")
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}

	client := config.Client
	if client == nil {
		opts := []ollama.Option{
			ollama.WithModel(config.Model),
			ollama.WithServerURL(config.BaseURL),
		}
		if config.Timeout > 0 {
			opts = append(opts, ollama.WithHTTPClient(&http.Client{Timeout: config.Timeout}))
		}
		emb, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedding model: %w", err)
		}
		client = emb
	}

	impl, err := embeddings.NewEmbedder(client,
		embeddings.WithBatchSize(config.BatchSize),
		embeddings.WithStripNewLines(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	e := &Embedder{config: config, impl: impl}
	if config.CacheSize > 0 {
		cache, err := lru.New[string, []float32](config.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedding cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

func (e *Embedder) Model() string {
	return e.config.Model
}

// EmbedDocuments embeds every text, sending only cache misses to the
// backend. The result has one vector per text or an error.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := e.lookup(t); ok {
			out[i] = v
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	e.config.Metrics.CacheHits(len(texts) - len(missing))
	e.config.Metrics.CacheMisses(len(missing))

	if len(missing) == 0 {
		return out, nil
	}

	// the langchaingo embedder rewrites its input in place
	batch := append([]string(nil), missing...)
	vectors, err := e.impl.EmbedDocuments(ctx, batch)
	if err != nil {
		return nil, e.wrap(err)
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embedding model %s returned %d vectors for %d texts", e.config.Model, len(vectors), len(missing))
	}

	for j, v := range vectors {
		out[missingIdx[j]] = v
		e.store(missing[j], v)
	}

	e.config.Logger.Debug("embedded texts", "model", e.config.Model, "requested", len(texts), "sent", len(missing))
	return out, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.lookup(text); ok {
		e.config.Metrics.CacheHits(1)
		return v, nil
	}
	e.config.Metrics.CacheMisses(1)

	v, err := e.impl.EmbedQuery(ctx, text)
	if err != nil {
		return nil, e.wrap(err)
	}
	e.store(text, v)
	return v, nil
}

func (e *Embedder) wrap(err error) error {
	if errors.Is(err, ollama.ErrEmptyResponse) || errors.Is(err, ollama.ErrIncompleteEmbedding) {
		return fmt.Errorf("embedding model %s returned no vectors: %w", e.config.Model, err)
	}
	return fmt.Errorf("embedding model %s: %w", e.config.Model, err)
}

func (e *Embedder) lookup(text string) ([]float32, bool) {
	if e.cache == nil {
		return nil, false
	}
	e.cacheMu.Lock()
	v, ok := e.cache.Get(cacheKey(text))
	e.cacheMu.Unlock()
	if !ok {
		return nil, false
	}
	return cloneVector(v), true
}

func (e *Embedder) store(text string, v []float32) {
	if e.cache == nil || len(v) == 0 {
		return
	}
	e.cacheMu.Lock()
	e.cache.Add(cacheKey(text), cloneVector(v))
	e.cacheMu.Unlock()
}

// cacheKey matches what the backend sees once newlines are stripped.
func cacheKey(text string) string {
	return strings.ReplaceAll(text, "\n", " ")
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
