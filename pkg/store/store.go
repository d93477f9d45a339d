package store

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/xhad/documind/internal/logger"
)

const (
	BackendMemory   = "memory"
	BackendPGVector = "pgvector"
)

// Config selects and configures an Index backend.
type Config struct {
	Backend  string
	Embedder embeddings.Embedder
	Logger   logger.Logger
	PGVector PGVectorConfig
}

// New builds the configured backend. sessionID scopes backends that keep
// state outside the process.
func New(ctx context.Context, config Config, sessionID string) (Index, error) {
	switch config.Backend {
	case "", BackendMemory:
		return NewMemoryIndex(MemoryConfig{
			Embedder: config.Embedder,
			Logger:   config.Logger,
		})
	case BackendPGVector:
		pg := config.PGVector
		pg.Embedder = config.Embedder
		pg.Logger = config.Logger
		pg.SessionID = sessionID
		return NewPGVectorIndex(ctx, pg)
	default:
		return nil, fmt.Errorf("unknown index backend %q", config.Backend)
	}
}
