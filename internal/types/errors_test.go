package types_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xhad/documind/internal/types"
)

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"load", &types.LoadError{Source: "a.pdf", Err: cause}, "load a.pdf: boom"},
		{"embedding", &types.EmbeddingError{Count: 3, Err: cause}, "embedding 3 text(s): boom"},
		{"generation", &types.GenerationError{Model: "m", Err: cause}, "generation with m: boom"},
		{"context", &types.ContextTooLargeError{Tokens: 10, Limit: 5, Err: cause}, "context too large: ~10 tokens, limit 5: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, cause)
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorsAs(t *testing.T) {
	err := fmt.Errorf("query: %w", &types.ContextTooLargeError{})

	var ctxErr *types.ContextTooLargeError
	assert.True(t, errors.As(err, &ctxErr))
	assert.Equal(t, "context too large", ctxErr.Error())

	var genErr *types.GenerationError
	assert.False(t, errors.As(err, &genErr))
}
