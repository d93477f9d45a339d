// Package session wires loading, splitting, indexing, retrieval and answer
// composition into per-user sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xhad/documind/internal/logger"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/composer"
	"github.com/xhad/documind/pkg/metrics"
	"github.com/xhad/documind/pkg/retriever"
	"github.com/xhad/documind/pkg/store"
)

// UploadPolicy decides what a new upload does to earlier ones.
type UploadPolicy string

const (
	// UploadAppend adds the new chunks next to those already indexed.
	UploadAppend UploadPolicy = "append"
	// UploadReplace swaps in a fresh index holding only the new document.
	UploadReplace UploadPolicy = "replace"
)

func ParsePolicy(s string) (UploadPolicy, error) {
	switch UploadPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", UploadAppend:
		return UploadAppend, nil
	case UploadReplace:
		return UploadReplace, nil
	default:
		return "", fmt.Errorf("unknown upload policy %q", s)
	}
}

type State string

const (
	StateIdle           State = "idle"
	StateDocumentLoaded State = "document_loaded"
	StateClosed         State = "closed"
)

var ErrClosed = errors.New("session is closed")

type SessionConfig struct {
	// ID defaults to a random UUID.
	ID        string
	Loader    types.Loader
	Splitter  types.Splitter
	Generator types.Generator
	// Index selects the backend; its Embedder is required.
	Index     store.Config
	Retriever retriever.RetrieverConfig
	Composer  composer.ComposerConfig
	// Filters replaces the composer's default post-processing when set.
	Filters []composer.Filter
	Policy  UploadPolicy
	Metrics *metrics.Metrics
	Logger  logger.Logger
}

// UploadResult describes one processed document.
type UploadResult struct {
	DocumentID string
	Source     string
	Title      string
	Chunks     int
	// TotalChunks is the index size after the upload.
	TotalChunks int
	Elapsed     time.Duration
}

// Answer is a composed reply and the chunks it was grounded on.
type Answer struct {
	Text    string
	Sources []models.ScoredChunk
	Elapsed time.Duration
}

// Session owns one index and one chat history. Uploads and queries are
// serialised; History never waits for them.
type Session struct {
	id       string
	config   SessionConfig
	composer *composer.Composer
	log      logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	index      store.Index
	retriever  *retriever.Retriever
	state      State
	maxTokens  int
	generation int

	histMu  sync.RWMutex
	history []models.ChatTurn
}

func New(ctx context.Context, config SessionConfig) (*Session, error) {
	if config.Loader == nil {
		return nil, errors.New("session requires a loader")
	}
	if config.Splitter == nil {
		return nil, errors.New("session requires a splitter")
	}
	if config.Generator == nil {
		return nil, errors.New("session requires a generator")
	}
	if config.Index.Embedder == nil {
		return nil, errors.New("session requires an embedder")
	}
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	policy, err := ParsePolicy(string(config.Policy))
	if err != nil {
		return nil, err
	}
	config.Policy = policy
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	log := config.Logger.With("session", config.ID)
	config.Index.Logger = log
	config.Retriever.Logger = log
	config.Composer.Logger = log

	var opts []composer.Option
	if config.Filters != nil {
		opts = append(opts, composer.WithFilters(config.Filters...))
	}
	comp, err := composer.NewWithConfig(config.Generator, config.Composer, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create composer: %w", err)
	}

	s := &Session{
		id:       config.ID,
		config:   config,
		composer: comp,
		log:      log,
		state:    StateIdle,
	}
	// a session outlives the request that created it
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.index, s.retriever, err = s.newIndex(ctx)
	if err != nil {
		s.cancel()
		return nil, err
	}

	config.Metrics.SessionOpened()
	log.Debug("session opened", "policy", policy)
	return s, nil
}

func (s *Session) newIndex(ctx context.Context) (store.Index, *retriever.Retriever, error) {
	// each index gets its own scope so a replacement never collides with
	// the index it replaces
	scope := s.id
	if s.generation > 0 {
		scope = fmt.Sprintf("%s_%d", s.id, s.generation)
	}
	s.generation++

	idx, err := store.New(ctx, s.config.Index, scope)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create index: %w", err)
	}
	r, err := retriever.NewWithConfig(idx, s.config.Retriever)
	if err != nil {
		_ = idx.Close()
		return nil, nil, fmt.Errorf("failed to create retriever: %w", err)
	}
	return idx, r, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetMaxTokens changes the answer length limit for later queries.
func (s *Session) SetMaxTokens(n int) error {
	if n <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", n)
	}
	s.mu.Lock()
	s.maxTokens = n
	s.mu.Unlock()
	return nil
}

// ProcessUpload loads the file at path and indexes it.
func (s *Session) ProcessUpload(ctx context.Context, path string) (UploadResult, error) {
	ctx, cancel := s.bind(ctx)
	defer cancel()

	doc, err := s.config.Loader.Load(ctx, path)
	if err != nil {
		s.config.Metrics.ObserveUpload(err, 0)
		s.log.Warn("failed to load document", "source", path, "err", err)
		return UploadResult{}, err
	}
	return s.processDocument(ctx, doc)
}

// ProcessDocument splits and indexes an already loaded document. On error
// the index and state are unchanged.
func (s *Session) ProcessDocument(ctx context.Context, doc models.Document) (UploadResult, error) {
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.processDocument(ctx, doc)
}

func (s *Session) processDocument(ctx context.Context, doc models.Document) (result UploadResult, err error) {
	start := time.Now()
	defer func() {
		s.config.Metrics.ObserveUpload(err, result.Chunks)
	}()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	chunks, err := s.config.Splitter.Split(doc)
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to split document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return UploadResult{}, ErrClosed
	}

	target := s.index
	var fresh *retriever.Retriever
	if s.config.Policy == UploadReplace {
		target, fresh, err = s.newIndex(ctx)
		if err != nil {
			return UploadResult{}, err
		}
	}

	if err := target.Add(ctx, chunks); err != nil {
		if fresh != nil {
			_ = target.Close()
		}
		s.log.Warn("failed to index document", "source", doc.Source, "chunks", len(chunks), "err", err)
		return UploadResult{}, err
	}

	if fresh != nil {
		old := s.index
		s.index, s.retriever = target, fresh
		if err := old.Close(); err != nil {
			s.log.Warn("failed to close replaced index", "err", err)
		}
	}
	s.state = StateDocumentLoaded

	result = UploadResult{
		DocumentID:  doc.ID,
		Source:      doc.Source,
		Title:       doc.Title,
		Chunks:      len(chunks),
		TotalChunks: s.index.Len(),
		Elapsed:     time.Since(start),
	}
	if len(chunks) == 0 {
		s.log.Warn("document has no text", "source", doc.Source)
	}
	s.log.Info("document processed",
		"source", doc.Source,
		"chunks", result.Chunks,
		"total", result.TotalChunks,
		"elapsed", result.Elapsed)
	return result, nil
}

// AnswerQuery retrieves context for query and composes an answer. The
// question and answer are added to the history only when both succeed.
func (s *Session) AnswerQuery(ctx context.Context, query string) (answer Answer, err error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Answer{}, types.ErrEmptyQuery
	}

	ctx, cancel := s.bind(ctx)
	defer cancel()

	start := time.Now()
	defer func() {
		s.config.Metrics.ObserveQuery(err, time.Since(start))
	}()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return Answer{}, ErrClosed
	}
	r := s.retriever
	maxTokens := s.maxTokens

	sources, err := r.Retrieve(ctx, query)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("retrieval failed", "err", err)
		return Answer{}, err
	}

	var text string
	if maxTokens > 0 {
		text, err = s.composer.ComposeWithLimit(ctx, query, models.Chunks(sources), maxTokens)
	} else {
		text, err = s.composer.Compose(ctx, query, models.Chunks(sources))
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("answer failed", "err", err)
		return Answer{}, err
	}

	now := time.Now()
	s.histMu.Lock()
	s.history = append(s.history,
		models.ChatTurn{Role: models.RoleUser, Text: query, At: now},
		models.ChatTurn{Role: models.RoleAI, Text: text, At: now},
	)
	s.histMu.Unlock()

	answer = Answer{Text: text, Sources: sources, Elapsed: time.Since(start)}
	s.log.Debug("query answered", "sources", len(sources), "elapsed", answer.Elapsed)
	return answer, nil
}

// ClearHistory forgets the conversation. Indexed documents stay.
func (s *Session) ClearHistory() {
	s.histMu.Lock()
	s.history = nil
	s.histMu.Unlock()
}

// History returns a copy of the conversation, oldest turn first.
func (s *Session) History() []models.ChatTurn {
	s.histMu.RLock()
	defer s.histMu.RUnlock()
	out := make([]models.ChatTurn, len(s.history))
	copy(out, s.history)
	return out
}

// Close cancels in-flight work and releases the index. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.config.Metrics.SessionClosed()
	s.log.Debug("session closed")
	return s.index.Close()
}

// bind derives a context that ends with either ctx or the session and
// carries the session logger.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(logger.ContextWithLogger(ctx, s.log))
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
