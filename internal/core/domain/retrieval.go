package domain

import "time"

const (
	DefaultTopK        = 5
	DefaultMaxTokens   = 1000
	DefaultTemperature = 0.7

	NoContextPlaceholder = "No relevant data found."
)

// Match is one nearest-neighbour hit. Lower distance is more similar.
type Match struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
	Distance float64  `json:"distance"`
}

// RetrievalContext holds the ordered matches and the joined context block
// handed to the generator.
type RetrievalContext struct {
	Matches []Match
	Block   string
}

func (r *RetrievalContext) ContextsUsed() int {
	if r == nil {
		return 0
	}
	return len(r.Matches)
}

// ChatRequest is a single stateless question. Zero values select defaults.
type ChatRequest struct {
	Message     string   `json:"message"`
	TopK        int      `json:"topK,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// GenerationOptions are passed through to the generation backend.
type GenerationOptions struct {
	MaxTokens   int
	Temperature float64
}

// ChatMessage is one turn of the prompt sent to the generator.
type ChatMessage struct {
	Role    string
	Content string
}

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

type ChatResponse struct {
	Response     string `json:"response"`
	ContextsUsed int    `json:"contextsUsed"`
}

// StreamSummary is available only after a stream was fully consumed.
type StreamSummary struct {
	Elapsed       time.Duration
	FragmentCount int
	ContextsUsed  int
}
