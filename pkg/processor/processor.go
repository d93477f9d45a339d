package processor

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
	"github.com/xhad/documind/internal/models"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// DefaultSeparators are tried in order: paragraph, line, word, character.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

type ProcessorConfig struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// Processor is the chunk splitter. It is safe for concurrent use.
type Processor struct {
	config   ProcessorConfig
	splitter textsplitter.RecursiveCharacter
}

func NewWithConfig(config ProcessorConfig) (*Processor, error) {
	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.ChunkOverlap == 0 {
		config.ChunkOverlap = DefaultChunkOverlap
		if config.ChunkOverlap >= config.ChunkSize {
			config.ChunkOverlap = config.ChunkSize / 5
		}
	}
	if len(config.Separators) == 0 {
		config.Separators = DefaultSeparators
	}
	if config.ChunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", config.ChunkSize)
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be non-negative and less than chunk size %d",
			config.ChunkOverlap, config.ChunkSize)
	}

	return &Processor{
		config: config,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(config.ChunkSize),
			textsplitter.WithChunkOverlap(config.ChunkOverlap),
			textsplitter.WithSeparators(config.Separators),
			textsplitter.WithLenFunc(utf8.RuneCountInString),
		),
	}, nil
}

func (p *Processor) Config() ProcessorConfig {
	return p.config
}

// Split splits the document content into ordered chunks.
func (p *Processor) Split(doc models.Document) ([]models.Chunk, error) {
	return p.SplitText(doc.Content, doc.ID)
}

// SplitText splits text and records, for every chunk, the character offset
// at which the chunk text occurs in the original. An empty or blank text
// yields no chunks.
func (p *Processor) SplitText(text, sourceID string) ([]models.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return []models.Chunk{}, nil
	}

	pieces, err := p.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("failed to split text: %w", err)
	}

	chunks := make([]models.Chunk, 0, len(pieces))
	var offsets offsetTracker
	for i, piece := range pieces {
		chunks = append(chunks, models.Chunk{
			ID:         fmt.Sprintf("%s#%d", sourceID, i),
			Text:       piece,
			StartIndex: offsets.locate(text, piece, p.config.ChunkOverlap),
			SourceID:   sourceID,
		})
	}

	return chunks, nil
}

// offsetTracker finds successive chunks in the original text. The search
// for each chunk starts no earlier than the overlap window at the end of
// the previous chunk, and a match only counts if it ends past the previous
// chunk: a chunk that merely repeats text inside the overlap adds nothing.
// Offsets never decrease.
type offsetTracker struct {
	byteIdx  int
	runeIdx  int
	prevText string
	started  bool
}

func (o *offsetTracker) locate(text, chunk string, overlap int) int {
	idx := 0
	if o.started {
		prevEnd := o.byteIdx + len(o.prevText)
		from := prevEnd - overlapBytes(o.prevText, overlap)
		if from > len(text) {
			from = len(text)
		}

		idx = o.byteIdx
		if j := indexEndingPast(text, chunk, from, prevEnd); j >= 0 {
			idx = j
		} else if j := strings.Index(text[o.byteIdx:], chunk); j >= 0 {
			// never move backwards past the previous chunk
			idx = o.byteIdx + j
		}
	} else if j := strings.Index(text, chunk); j >= 0 {
		idx = j
	}

	o.runeIdx += utf8.RuneCountInString(text[o.byteIdx:idx])
	o.byteIdx = idx
	o.prevText = chunk
	o.started = true

	return o.runeIdx
}

// indexEndingPast returns the first byte index at or after from where chunk
// occurs and ends beyond end, or -1.
func indexEndingPast(text, chunk string, from, end int) int {
	for from <= len(text) {
		j := strings.Index(text[from:], chunk)
		if j < 0 {
			return -1
		}
		j += from
		if j+len(chunk) > end {
			return j
		}
		from = j + 1
	}
	return -1
}

// overlapBytes returns the byte length of the last n runes of s.
func overlapBytes(s string, n int) int {
	if n <= 0 {
		return 0
	}
	size := 0
	for i := len(s); i > 0 && n > 0; n-- {
		_, w := utf8.DecodeLastRuneInString(s[:i])
		i -= w
		size += w
	}
	return size
}
