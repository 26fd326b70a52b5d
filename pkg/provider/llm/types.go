package llm

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`
}

// Request carries everything the LLM needs to produce a response. At minimum
// Messages must be non-empty.
type Request struct {
	// Model overrides the provider's default model for this request.
	Model string

	// SystemPrompt is sent as a leading system-role message when non-empty.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// from the user and drives the response.
	Messages []Message

	// Temperature controls output randomness. Zero keeps the server default.
	Temperature float64

	// MaxTokens caps the number of generated tokens. Zero keeps the server
	// default.
	MaxTokens int
}

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk ("stop", "length").
	FinishReason string

	// Err is set on the final chunk when the stream failed after it started.
	Err error
}

// Model describes one model served by a backend.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitzero"`
}
