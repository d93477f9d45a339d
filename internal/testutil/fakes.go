// Package testutil holds deterministic stand-ins for the embedding and
// generation backends.
package testutil

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"

	"github.com/tmc/langchaingo/llms"
)

var ErrBackend = errors.New("backend unavailable")

// HashEmbedder embeds text as a bag of hashed lower-case words. Identical
// texts always get identical vectors.
type HashEmbedder struct {
	Dim int
	// Err, when set, fails every call.
	Err error
	// FailOn fails any batch containing a text with this substring.
	FailOn string

	mu    sync.Mutex
	calls int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{Dim: dim}
}

func (h *HashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()

	if h.Err != nil {
		return nil, h.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if h.FailOn != "" && strings.Contains(t, h.FailOn) {
			return nil, ErrBackend
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := h.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

// Calls returns how many embedding requests were made.
func (h *HashEmbedder) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *HashEmbedder) vector(text string) []float32 {
	dim := h.Dim
	if dim <= 0 {
		dim = 64
	}
	v := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		_, _ = f.Write([]byte(w))
		v[f.Sum32()%uint32(dim)]++
	}
	return v
}

// ScriptedModel is an llms.Model returning a fixed response and recording
// what it was asked.
type ScriptedModel struct {
	Response string
	Err      error

	mu      sync.Mutex
	prompts []string
	options llms.CallOptions
}

func (m *ScriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var b strings.Builder
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if tc, ok := part.(llms.TextContent); ok {
				b.WriteString(tc.Text)
			}
		}
	}

	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}

	m.mu.Lock()
	m.prompts = append(m.prompts, b.String())
	m.options = opts
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if opts.StreamingFunc != nil {
		if err := opts.StreamingFunc(ctx, []byte(m.Response)); err != nil {
			return nil, err
		}
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: m.Response}},
	}, nil
}

func (m *ScriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *ScriptedModel) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

func (m *ScriptedModel) LastOptions() llms.CallOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options
}

// StaticGenerator answers every prompt with Response.
type StaticGenerator struct {
	Response string
	Err      error

	mu          sync.Mutex
	prompts     []string
	maxTokens   int
	temperature float64
}

func (g *StaticGenerator) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.maxTokens = maxTokens
	g.temperature = temperature
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.Err != nil {
		return "", g.Err
	}
	return g.Response, nil
}

func (g *StaticGenerator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

// LastLimits returns the max tokens and temperature of the last call.
func (g *StaticGenerator) LastLimits() (int, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxTokens, g.temperature
}

// BlockingGenerator waits until its context is cancelled.
type BlockingGenerator struct {
	Started chan struct{}
	once    sync.Once
}

func (g *BlockingGenerator) Generate(ctx context.Context, _ string, _ int, _ float64) (string, error) {
	if g.Started != nil {
		g.once.Do(func() { close(g.Started) })
	}
	<-ctx.Done()
	return "", ctx.Err()
}
