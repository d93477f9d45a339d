// Package composer turns a question and its supporting chunks into a short
// answer: it fills the prompt template, calls the model and cleans the
// output.
package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/prompts"
	"github.com/xhad/documind/internal/logger"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
)

// DefaultTemplate asks for a terse answer grounded in the context.
const DefaultTemplate = `You are an expert research assistant. Use the provided context to answer the query.
If the answer can be provided in one word or a short phrase, do so. Only provide a detailed explanation if absolutely necessary.
Do not show your reasoning steps or thinking process. Provide only the final answer.

Query: {{.user_query}}
Context: {{.document_context}}
Answer:`

const (
	DefaultMaxTokens   = 50
	DefaultTemperature = 0.3

	contextSeparator = "\n\n"
)

type ComposerConfig struct {
	// Template is a Go text/template with user_query and document_context.
	Template    string
	MaxTokens   int
	Temperature float64
	Logger      logger.Logger
}

type Composer struct {
	config    ComposerConfig
	generator types.Generator
	prompt    prompts.PromptTemplate
	filters   []Filter
}

type Option func(*Composer)

// WithFilters replaces the post-processing chain.
func WithFilters(filters ...Filter) Option {
	return func(c *Composer) {
		c.filters = filters
	}
}

func NewWithConfig(generator types.Generator, config ComposerConfig, opts ...Option) (*Composer, error) {
	if generator == nil {
		return nil, errors.New("composer requires a generator")
	}
	if config.Template == "" {
		config.Template = DefaultTemplate
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.Temperature < 0 || config.Temperature > 1 {
		return nil, fmt.Errorf("temperature must be between 0 and 1")
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}

	c := &Composer{
		config:    config,
		generator: generator,
		prompt:    prompts.NewPromptTemplate(config.Template, []string{"user_query", "document_context"}),
		filters:   DefaultFilters(),
	}
	for _, opt := range opts {
		opt(c)
	}

	// fail on a broken template now rather than on the first question
	if _, err := c.Prompt("", nil); err != nil {
		return nil, err
	}
	return c, nil
}

// Prompt renders the template for query and chunks without calling the model.
func (c *Composer) Prompt(query string, chunks []models.Chunk) (string, error) {
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}

	out, err := c.prompt.Format(map[string]any{
		"user_query":       query,
		"document_context": strings.Join(texts, contextSeparator),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return out, nil
}

// Compose answers query from chunks using the configured output limit.
func (c *Composer) Compose(ctx context.Context, query string, chunks []models.Chunk) (string, error) {
	return c.ComposeWithLimit(ctx, query, chunks, c.config.MaxTokens)
}

// ComposeWithLimit is Compose with an explicit output token limit.
func (c *Composer) ComposeWithLimit(ctx context.Context, query string, chunks []models.Chunk, maxTokens int) (string, error) {
	prompt, err := c.Prompt(query, chunks)
	if err != nil {
		return "", err
	}

	raw, err := c.generator.Generate(ctx, prompt, maxTokens, c.config.Temperature)
	if err != nil {
		return "", asGenerationError(ctx, err)
	}

	answer := strings.TrimSpace(Clean(raw, c.filters...))
	if answer == "" {
		answer = strings.TrimSpace(raw)
	}

	logger.FromContext(ctx, c.config.Logger).Debug("composed answer", "chunks", len(chunks), "raw_chars", len(raw), "answer_chars", len(answer))
	return answer, nil
}

// asGenerationError leaves typed and cancellation errors alone and wraps
// anything else from the generator.
func asGenerationError(ctx context.Context, err error) error {
	var tooLarge *types.ContextTooLargeError
	var genErr *types.GenerationError
	switch {
	case errors.As(err, &tooLarge), errors.As(err, &genErr):
		return err
	case ctx.Err() != nil:
		return err
	default:
		return &types.GenerationError{Model: "generator", Err: err}
	}
}
