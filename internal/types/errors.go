package types

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrEmptyQuery      = errors.New("query is empty")
	ErrSessionNotFound = errors.New("session not found")
)

// LoadError reports a document that could not be read or parsed.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// EmbeddingError reports a failed embedding call. Count is the number of
// texts in the failed batch; none of them were indexed.
type EmbeddingError struct {
	Count int
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding %d text(s): %v", e.Count, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// ContextTooLargeError reports a prompt that does not fit the model's
// context window. Tokens is an estimate and may be zero when the backend
// rejected the prompt without saying how large it was.
type ContextTooLargeError struct {
	Tokens int
	Limit  int
	Err    error
}

func (e *ContextTooLargeError) Error() string {
	msg := "context too large"
	if e.Tokens > 0 && e.Limit > 0 {
		msg = fmt.Sprintf("context too large: ~%d tokens, limit %d", e.Tokens, e.Limit)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ContextTooLargeError) Unwrap() error { return e.Err }

// GenerationError reports a failure of the generative model backend.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation with %s: %v", e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
