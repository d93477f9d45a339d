package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/xhad/documind/internal/logger"
	"github.com/xhad/documind/internal/models"
)

// DB is the subset of pgxpool.Pool the index needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PGVectorConfig struct {
	ConnString  string
	TablePrefix string
	// SessionID names the table; each session gets its own.
	SessionID string
	VectorDim int
	// HNSW adds an approximate index; without it search is an exact scan.
	HNSW     bool
	Embedder embeddings.Embedder
	Logger   logger.Logger
	// DB overrides ConnString. The caller keeps ownership of it.
	DB DB
}

// PGVectorIndex keeps a session's entries in a dedicated Postgres table
// that is dropped on Close. Nothing outlives the session.
type PGVectorIndex struct {
	config PGVectorConfig
	db     DB
	pool   *pgxpool.Pool
	table  string
	log    logger.Logger

	mu    sync.RWMutex
	count int
}

var _ Index = (*PGVectorIndex)(nil)

var nonIdent = regexp.MustCompile(`[^a-z0-9_]+`)

func NewPGVectorIndex(ctx context.Context, config PGVectorConfig) (*PGVectorIndex, error) {
	if config.Embedder == nil {
		return nil, errors.New("pgvector index requires an embedder")
	}
	if config.TablePrefix == "" {
		config.TablePrefix = "documind_chunks"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 1536
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}

	vi := &PGVectorIndex{
		config: config,
		db:     config.DB,
		table:  tableName(config.TablePrefix, config.SessionID),
		log:    config.Logger.With("table", tableName(config.TablePrefix, config.SessionID)),
	}

	if vi.db == nil {
		pool, err := pgxpool.New(ctx, config.ConnString)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		vi.pool = pool
		vi.db = pool
	}

	if err := vi.initialize(ctx); err != nil {
		if vi.pool != nil {
			vi.pool.Close()
		}
		return nil, err
	}

	return vi, nil
}

func tableName(prefix, session string) string {
	name := strings.ToLower(prefix)
	if session != "" {
		name += "_" + strings.ToLower(session)
	}
	return strings.Trim(nonIdent.ReplaceAllString(name, "_"), "_")
}

func (vi *PGVectorIndex) ident() string {
	return pgx.Identifier{vi.table}.Sanitize()
}

func (vi *PGVectorIndex) initialize(ctx context.Context) error {
	if _, err := vi.db.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	// leftovers from a crashed process must not leak into this session
	if _, err := vi.db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", vi.ident())); err != nil {
		return fmt.Errorf("failed to reset table: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE %s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			source_id TEXT,
			content TEXT NOT NULL,
			start_index INTEGER NOT NULL,
			embedding vector(%d)
		)`, vi.ident(), vi.config.VectorDim)
	if _, err := vi.db.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	if vi.config.HNSW {
		createIndex := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)",
			pgx.Identifier{vi.table + "_embedding_idx"}.Sanitize(), vi.ident())
		if _, err := vi.db.Exec(ctx, createIndex); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// Add inserts the batch in one transaction.
func (vi *PGVectorIndex) Add(ctx context.Context, chunks []models.Chunk) (err error) {
	if len(chunks) == 0 {
		return nil
	}

	vectors, err := embedBatch(ctx, vi.config.Embedder, chunks, vi.config.VectorDim)
	if err != nil {
		return err
	}

	tx, err := vi.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("rollback failed: %w; original error: %v", rbErr, err)
			}
		}
	}()

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, source_id, content, start_index, embedding)
		VALUES ($1, $2, $3, $4, $5)`, vi.ident())

	for i, c := range chunks {
		_, err = tx.Exec(ctx, stmt,
			c.ID,
			c.SourceID,
			sanitizeUTF8(c.Text),
			c.StartIndex,
			pgvector.NewVector(vectors[i]),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	vi.mu.Lock()
	vi.count += len(chunks)
	total := vi.count
	vi.mu.Unlock()

	vi.log.Debug("indexed chunks", "added", len(chunks), "total", total)
	return nil
}

func (vi *PGVectorIndex) SimilaritySearch(ctx context.Context, query string, k int) ([]models.ScoredChunk, error) {
	if k <= 0 || vi.Len() == 0 {
		return []models.ScoredChunk{}, nil
	}

	qv, err := embedQuery(ctx, vi.config.Embedder, query, vi.config.VectorDim)
	if err != nil {
		return nil, err
	}

	// seq keeps ties in insertion order
	q := fmt.Sprintf(`
		SELECT id, source_id, content, start_index, 1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1, seq
		LIMIT $2`, vi.ident())

	rows, err := vi.db.Query(ctx, q, pgvector.NewVector(qv), k)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	results := make([]models.ScoredChunk, 0, k)
	for rows.Next() {
		var sc models.ScoredChunk
		if err := rows.Scan(&sc.ID, &sc.SourceID, &sc.Text, &sc.StartIndex, &sc.Score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	return results, nil
}

func (vi *PGVectorIndex) Len() int {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return vi.count
}

func (vi *PGVectorIndex) Table() string {
	return vi.table
}

// Close drops the session table and releases the pool if the index owns it.
func (vi *PGVectorIndex) Close() error {
	_, err := vi.db.Exec(context.Background(), fmt.Sprintf("DROP TABLE IF EXISTS %s", vi.ident()))
	if vi.pool != nil {
		vi.pool.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to drop table: %w", err)
	}
	return nil
}

// sanitizeUTF8 drops bytes Postgres refuses in TEXT columns.
func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.ReplaceAll(s, "\x00", "")
}
