package config

import (
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var supportedExtensions = map[string]bool{
	".pdf": true, ".txt": true, ".md": true, ".markdown": true, ".html": true, ".htm": true,
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	add := func(field, format string, args ...any) {
		errors = append(errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Validate LLM config
	if c.LLM.BaseURL == "" {
		add("llm.base_url", "Ollama base URL is required")
	} else if !validHTTPURL(c.LLM.BaseURL) {
		add("llm.base_url", "invalid Ollama base URL")
	}
	if c.LLM.Model == "" {
		add("llm.model", "model is required")
	}
	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 100 {
		add("llm.max_tokens", "max_tokens must be between 1 and 100")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		add("llm.temperature", "temperature must be between 0 and 1")
	}
	if c.LLM.ContextWindow < c.LLM.MaxTokens {
		add("llm.context_window", "context_window must be at least max_tokens")
	}
	if c.LLM.Timeout < 0 {
		add("llm.timeout", "timeout cannot be negative")
	}

	// Validate Embedder config
	if c.Embedder.BaseURL != "" && !validHTTPURL(c.Embedder.BaseURL) {
		add("embedder.base_url", "invalid embedder base URL")
	}
	if c.Embedder.BatchSize < 1 {
		add("embedder.batch_size", "batch_size must be positive")
	}
	if c.Embedder.CacheSize < 0 {
		add("embedder.cache_size", "cache_size cannot be negative")
	}

	// Validate Processor config
	if c.Processor.ChunkSize < 1 {
		add("processor.chunk_size", "chunk_size must be positive")
	}
	if c.Processor.ChunkOverlap < 0 || c.Processor.ChunkOverlap >= c.Processor.ChunkSize {
		add("processor.chunk_overlap", "chunk_overlap must be non-negative and less than chunk_size")
	}

	// Validate Retriever config
	if c.Retriever.TopK < 1 {
		add("retriever.top_k", "top_k must be positive")
	}
	if c.Retriever.MinScore < -1 || c.Retriever.MinScore > 1 {
		add("retriever.min_score", "min_score must be between -1 and 1")
	}

	// Validate Index config
	switch c.Index.Backend {
	case "memory":
	case "pgvector":
		if c.Index.DatabaseURL == "" {
			add("index.database_url", "database_url is required for the pgvector backend")
		} else if _, err := url.Parse(c.Index.DatabaseURL); err != nil {
			add("index.database_url", "invalid database URL")
		}
		if c.Index.VectorDim < 1 {
			add("index.vector_dim", "vector_dim must be positive")
		}
	default:
		add("index.backend", "unknown backend %q", c.Index.Backend)
	}

	// Validate Upload config
	for _, ext := range c.Upload.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			add("upload.allowed_extensions", "invalid extension format: %s", ext)
		} else if !supportedExtensions[strings.ToLower(ext)] {
			add("upload.allowed_extensions", "unsupported extension: %s", ext)
		}
	}
	if c.Upload.Policy != "append" && c.Upload.Policy != "replace" {
		add("upload.policy", "policy must be append or replace")
	}
	if c.Upload.MaxBytes < 0 {
		add("upload.max_bytes", "max_bytes cannot be negative")
	}

	// Validate Web config
	if c.Web.RateLimit <= 0 {
		add("web.rate_limit", "rate_limit must be positive")
	}

	// Validate Server config
	if c.Server.MaxSessions < 0 {
		add("server.max_sessions", "max_sessions cannot be negative")
	}
	if c.Server.MessageRate <= 0 {
		add("server.message_rate", "message_rate must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "level must be one of debug, info, warn, error")
	}

	return errors
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
