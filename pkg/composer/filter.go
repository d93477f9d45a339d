package composer

import "strings"

// Filter rewrites raw model output. Filters run in order; each sees the
// previous one's result.
type Filter interface {
	Apply(text string) string
}

// FilterFunc adapts a plain function to Filter.
type FilterFunc func(string) string

func (f FilterFunc) Apply(text string) string { return f(text) }

const (
	DefaultReasoningOpen  = "<think>"
	DefaultReasoningClose = "</think>"
)

// ReasoningStripper removes a reasoning block emitted ahead of the answer.
// When the output holds both markers only the text after the last closing
// marker is kept; anything else is returned as is. An empty Open matches on
// the closing marker alone. The zero value uses <think> and </think>.
type ReasoningStripper struct {
	Open  string
	Close string
}

func (r ReasoningStripper) Apply(text string) string {
	open, closing := r.Open, r.Close
	if closing == "" {
		open, closing = DefaultReasoningOpen, DefaultReasoningClose
	}
	if open != "" && !strings.Contains(text, open) {
		return text
	}
	i := strings.LastIndex(text, closing)
	if i < 0 {
		return text
	}
	return strings.TrimSpace(text[i+len(closing):])
}

const (
	DefaultDelimiter = ". "
	DefaultMaxWords  = 5
)

// Simplifier keeps only the first sentence when it is short enough to be
// an answer on its own.
type Simplifier struct {
	Delimiter string
	MaxWords  int
}

func (s Simplifier) Apply(text string) string {
	delim := s.Delimiter
	if delim == "" {
		delim = DefaultDelimiter
	}
	max := s.MaxWords
	if max <= 0 {
		max = DefaultMaxWords
	}

	first, _, _ := strings.Cut(text, delim)
	if len(strings.Fields(first)) <= max {
		return first
	}
	return text
}

// DefaultFilters strips <think> blocks, then shortens one-phrase answers.
func DefaultFilters() []Filter {
	return []Filter{
		ReasoningStripper{Open: DefaultReasoningOpen, Close: DefaultReasoningClose},
		Simplifier{Delimiter: DefaultDelimiter, MaxWords: DefaultMaxWords},
	}
}

// Clean runs text through filters in order.
func Clean(text string, filters ...Filter) string {
	for _, f := range filters {
		text = f.Apply(text)
	}
	return text
}
