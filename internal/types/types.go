package types

import (
	"context"

	"github.com/xhad/documind/internal/models"
)

// Loader turns a file on disk into a Document.
type Loader interface {
	Load(ctx context.Context, path string) (models.Document, error)
}

// Generator produces raw model output for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// Splitter turns a Document into ordered chunks.
type Splitter interface {
	Split(doc models.Document) ([]models.Chunk, error)
}
