package models

import "time"

// Document is the raw text of one uploaded source. It lives only for the
// duration of a single processing pass.
type Document struct {
	ID       string
	Source   string
	Title    string
	Content  string
	Metadata map[string]interface{}
}

// Chunk is a contiguous piece of a Document. StartIndex is a character
// offset into the original Document.Content.
type Chunk struct {
	ID         string
	Text       string
	StartIndex int
	SourceID   string
}

// ScoredChunk is a Chunk returned from a similarity search.
type ScoredChunk struct {
	Chunk
	Score float64
}

// Chunks strips the scores from a retrieval result.
func Chunks(scored []ScoredChunk) []Chunk {
	out := make([]Chunk, len(scored))
	for i, sc := range scored {
		out[i] = sc.Chunk
	}
	return out
}

type Role string

const (
	RoleUser Role = "User"
	RoleAI   Role = "AI"
)

type ChatTurn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}
