// Package app builds the pipeline components from configuration for the
// binaries.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xhad/documind/internal/logger"
	"github.com/xhad/documind/pkg/composer"
	"github.com/xhad/documind/pkg/config"
	"github.com/xhad/documind/pkg/llm"
	"github.com/xhad/documind/pkg/loader"
	"github.com/xhad/documind/pkg/metrics"
	"github.com/xhad/documind/pkg/processor"
	"github.com/xhad/documind/pkg/retriever"
	"github.com/xhad/documind/pkg/session"
	"github.com/xhad/documind/pkg/store"
)

type Options struct {
	Logger  logger.Logger
	Metrics *metrics.Metrics
	// Stream receives answer fragments while the model generates.
	Stream func(ctx context.Context, chunk []byte) error
}

// App holds the components shared by every session.
type App struct {
	Config   *config.Config
	Logger   logger.Logger
	Metrics  *metrics.Metrics
	Embedder *llm.Embedder
	Chat     *llm.ChatEngine
	Loader   *loader.Loader
	Web      *loader.WebLoader
	// Session is the template for new sessions.
	Session session.SessionConfig

	// pool is shared by every pgvector index; nil for the memory backend.
	pool *pgxpool.Pool
}

// NewLogger builds the logger described by cfg.
func NewLogger(cfg config.LogConfig) logger.Logger {
	lc := logger.DefaultConfig()
	lc.Level = logger.LogLevel(strings.ToLower(cfg.Level))
	lc.JSON = cfg.JSON
	lc.Output = os.Stderr
	return logger.NewLogger(lc)
}

func New(cfg *config.Config, opts Options) (*App, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}

	log := opts.Logger
	if log == nil {
		log = NewLogger(cfg.Log)
	}

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:     cfg.Embedder.Model,
		BaseURL:   cfg.Embedder.BaseURL,
		BatchSize: cfg.Embedder.BatchSize,
		CacheSize: cfg.Embedder.CacheSize,
		Timeout:   cfg.LLM.Timeout,
		Metrics:   opts.Metrics,
		Logger:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	chat, err := llm.NewWithConfig(llm.ChatConfig{
		Model:         cfg.LLM.Model,
		BaseURL:       cfg.LLM.BaseURL,
		ContextWindow: cfg.LLM.ContextWindow,
		Timeout:       cfg.LLM.Timeout,
		KeepAlive:     cfg.LLM.KeepAlive,
		Stream:        opts.Stream,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat engine: %w", err)
	}

	splitter, err := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:    cfg.Processor.ChunkSize,
		ChunkOverlap: cfg.Processor.ChunkOverlap,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize processor: %w", err)
	}

	fileLoader, err := loader.NewWithConfig(loader.LoaderConfig{
		AllowedExtensions: cfg.Upload.AllowedExtensions,
		MaxBytes:          cfg.Upload.MaxBytes,
		Logger:            log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize loader: %w", err)
	}

	web, err := loader.NewWebLoader(loader.WebConfig{
		RateLimit:      cfg.Web.RateLimit,
		Timeout:        cfg.Web.Timeout,
		IgnorePatterns: cfg.Web.IgnorePatterns,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize web loader: %w", err)
	}

	policy, err := session.ParsePolicy(cfg.Upload.Policy)
	if err != nil {
		return nil, err
	}

	var pool *pgxpool.Pool
	if cfg.Index.Backend == store.BackendPGVector {
		// connections are opened lazily, on the first session
		pool, err = pgxpool.New(context.Background(), cfg.Index.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
	}

	pc := splitter.Config()
	log.Debug("pipeline ready",
		"model", cfg.LLM.Model,
		"index", cfg.Index.Backend,
		"chunk_size", pc.ChunkSize,
		"chunk_overlap", pc.ChunkOverlap)

	return &App{
		Config:   cfg,
		Logger:   log,
		Metrics:  opts.Metrics,
		Embedder: embedder,
		Chat:     chat,
		Loader:   fileLoader,
		Web:      web,
		pool:     pool,
		Session: session.SessionConfig{
			Loader:    fileLoader,
			Splitter:  splitter,
			Generator: chat,
			Index: store.Config{
				Backend:  cfg.Index.Backend,
				Embedder: embedder,
				Logger:   log,
				PGVector: store.PGVectorConfig{
					ConnString:  cfg.Index.DatabaseURL,
					TablePrefix: cfg.Index.TablePrefix,
					VectorDim:   cfg.Index.VectorDim,
					HNSW:        cfg.Index.HNSW,
					DB:          dbOrNil(pool),
				},
			},
			Retriever: retriever.RetrieverConfig{
				TopK:     cfg.Retriever.TopK,
				MinScore: cfg.Retriever.MinScore,
			},
			Composer: composer.ComposerConfig{
				MaxTokens:   cfg.LLM.MaxTokens,
				Temperature: cfg.LLM.Temperature,
			},
			Policy:  policy,
			Metrics: opts.Metrics,
			Logger:  log,
		},
	}, nil
}

// NewSession opens a standalone session from the template.
func (a *App) NewSession(ctx context.Context) (*session.Session, error) {
	return session.New(ctx, a.Session)
}

// NewManager returns a session manager bounded by server.max_sessions.
func (a *App) NewManager() *session.Manager {
	return session.NewManager(session.ManagerConfig{
		Template:    a.Session,
		MaxSessions: a.Config.Server.MaxSessions,
		Logger:      a.Logger,
	})
}

// Close releases the shared database pool. Sessions must be closed first.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// dbOrNil keeps a nil pool from becoming a non-nil store.DB.
func dbOrNil(pool *pgxpool.Pool) store.DB {
	if pool == nil {
		return nil
	}
	return pool
}
