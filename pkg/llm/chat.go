package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/xhad/documind/internal/logger"
	"github.com/xhad/documind/internal/types"
)

const DefaultContextWindow = 2048

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Model   string
	BaseURL string // Ollama server URL
	// ContextWindow is the model's token budget for prompt plus answer.
	// Prompts estimated to exceed it are refused before any request.
	ContextWindow int
	Timeout       time.Duration
	KeepAlive     string
	// Stream receives answer fragments as the model produces them.
	Stream func(ctx context.Context, chunk []byte) error
	Logger logger.Logger
}

// ChatEngine generates answers with an LLM.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

var _ types.Generator = (*ChatEngine)(nil)

// NewWithConfig creates a new ChatEngine backed by Ollama.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	config, err := withChatDefaults(config)
	if err != nil {
		return nil, err
	}

	opts := []ollama.Option{
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
		ollama.WithRunnerNumCtx(config.ContextWindow),
	}
	if config.Timeout > 0 {
		opts = append(opts, ollama.WithHTTPClient(&http.Client{Timeout: config.Timeout}))
	}
	if config.KeepAlive != "" {
		opts = append(opts, ollama.WithKeepAlive(config.KeepAlive))
	}

	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return &ChatEngine{config: config, llm: llm}, nil
}

// NewWithModel creates a ChatEngine around an existing model.
func NewWithModel(model llms.Model, config ChatConfig) (*ChatEngine, error) {
	if model == nil {
		return nil, errors.New("model is required")
	}
	config, err := withChatDefaults(config)
	if err != nil {
		return nil, err
	}
	return &ChatEngine{config: config, llm: model}, nil
}

func withChatDefaults(config ChatConfig) (ChatConfig, error) {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.ContextWindow < 0 {
		return config, fmt.Errorf("context window cannot be negative")
	} else if config.ContextWindow == 0 {
		config.ContextWindow = DefaultContextWindow
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	return config, nil
}

func (ce *ChatEngine) Model() string {
	return ce.config.Model
}

// Generate sends prompt as a single user message and returns the raw
// completion. The output is at most maxTokens tokens.
func (ce *ChatEngine) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	if maxTokens <= 0 {
		return "", &types.GenerationError{Model: ce.config.Model, Err: fmt.Errorf("max tokens must be positive, got %d", maxTokens)}
	}

	if est := EstimateTokens(prompt) + maxTokens; est > ce.config.ContextWindow {
		return "", &types.ContextTooLargeError{Tokens: est, Limit: ce.config.ContextWindow}
	}

	opts := []llms.CallOption{
		llms.WithMaxTokens(maxTokens),
		llms.WithTemperature(temperature),
	}
	if ce.config.Stream != nil {
		opts = append(opts, llms.WithStreamingFunc(ce.config.Stream))
	}

	start := time.Now()
	out, err := llms.GenerateFromSinglePrompt(ctx, ce.llm, prompt, opts...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if isContextLengthError(err) {
			return "", &types.ContextTooLargeError{Limit: ce.config.ContextWindow, Err: err}
		}
		return "", &types.GenerationError{Model: ce.config.Model, Err: err}
	}

	logger.FromContext(ctx, ce.config.Logger).Debug("generated answer",
		"model", ce.config.Model,
		"prompt_chars", len(prompt),
		"answer_chars", len(out),
		"elapsed", time.Since(start))
	return out, nil
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

func isContextLengthError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"context length", "context window", "too many tokens", "maximum context"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
