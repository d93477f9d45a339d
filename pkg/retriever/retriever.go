// Package retriever selects the chunks most relevant to a query.
package retriever

import (
	"context"
	"errors"
	"fmt"

	"github.com/xhad/documind/internal/logger"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/pkg/store"
)

const DefaultTopK = 4

type RetrieverConfig struct {
	TopK int
	// MinScore drops results scoring below it. Zero keeps everything.
	MinScore float64
	Logger   logger.Logger
}

type Retriever struct {
	config RetrieverConfig
	index  store.Index
}

func NewWithConfig(index store.Index, config RetrieverConfig) (*Retriever, error) {
	if index == nil {
		return nil, errors.New("retriever requires an index")
	}
	if config.TopK < 0 {
		return nil, fmt.Errorf("top k cannot be negative")
	} else if config.TopK == 0 {
		config.TopK = DefaultTopK
	}
	if config.MinScore < -1 || config.MinScore > 1 {
		return nil, fmt.Errorf("min score must be between -1 and 1")
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	return &Retriever{config: config, index: index}, nil
}

func (r *Retriever) TopK() int {
	return r.config.TopK
}

// Retrieve returns at most TopK chunks, most similar first. An empty index
// yields an empty slice.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]models.ScoredChunk, error) {
	results, err := r.index.SimilaritySearch(ctx, query, r.config.TopK)
	if err != nil {
		return nil, err
	}

	if r.config.MinScore != 0 {
		kept := results[:0]
		for _, sc := range results {
			if sc.Score >= r.config.MinScore {
				kept = append(kept, sc)
			}
		}
		results = kept
	}

	logger.FromContext(ctx, r.config.Logger).Debug("retrieved chunks", "k", r.config.TopK, "found", len(results))
	return results, nil
}
