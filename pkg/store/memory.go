package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/xhad/documind/internal/logger"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
)

type MemoryConfig struct {
	Embedder embeddings.Embedder
	Logger   logger.Logger
}

type entry struct {
	chunk  models.Chunk
	vector []float32
	norm   float64
}

// MemoryIndex is an exhaustive in-process index. Add takes the write lock
// only after embedding succeeded, so searches are never blocked on the
// embedding backend.
type MemoryIndex struct {
	embedder embeddings.Embedder
	log      logger.Logger

	mu      sync.RWMutex
	entries []entry
	dim     int
}

var _ Index = (*MemoryIndex)(nil)

func NewMemoryIndex(config MemoryConfig) (*MemoryIndex, error) {
	if config.Embedder == nil {
		return nil, errors.New("memory index requires an embedder")
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	return &MemoryIndex{
		embedder: config.Embedder,
		log:      config.Logger,
	}, nil
}

func (m *MemoryIndex) Add(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	m.mu.RLock()
	dim := m.dim
	m.mu.RUnlock()

	vectors, err := embedBatch(ctx, m.embedder, chunks, dim)
	if err != nil {
		m.log.Warn("embedding batch rejected", "chunks", len(chunks), "err", err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// a concurrent Add may have fixed the dimension meanwhile
	if m.dim != 0 && m.dim != len(vectors[0]) {
		return &types.EmbeddingError{
			Count: len(chunks),
			Err:   fmt.Errorf("dimension %d does not match index dimension %d", len(vectors[0]), m.dim),
		}
	}
	m.dim = len(vectors[0])

	for i, c := range chunks {
		m.entries = append(m.entries, entry{
			chunk:  c,
			vector: vectors[i],
			norm:   norm(vectors[i]),
		})
	}
	m.log.Debug("indexed chunks", "added", len(chunks), "total", len(m.entries))
	return nil
}

func (m *MemoryIndex) SimilaritySearch(ctx context.Context, query string, k int) ([]models.ScoredChunk, error) {
	if k <= 0 || m.Len() == 0 {
		return []models.ScoredChunk{}, nil
	}

	m.mu.RLock()
	dim := m.dim
	m.mu.RUnlock()

	qv, err := embedQuery(ctx, m.embedder, query, dim)
	if err != nil {
		return nil, err
	}
	qn := norm(qv)

	m.mu.RLock()
	scored := make([]models.ScoredChunk, len(m.entries))
	for i, e := range m.entries {
		scored[i] = models.ScoredChunk{
			Chunk: e.chunk,
			Score: cosine(qv, e.vector, qn, e.norm),
		}
	}
	m.mu.RUnlock()

	// entries are in insertion order, so a stable sort keeps earlier
	// chunks ahead on equal scores
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryIndex) Close() error {
	return nil
}
