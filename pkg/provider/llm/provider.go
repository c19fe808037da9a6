// Package llm defines the Provider interface for Large Language Model
// backends used by the cascade pipeline.
//
// Only token-streamed completion is required: the cascade feeds the stream
// sentence by sentence into speech synthesis, so a provider that could only
// return whole responses would add its full generation time to the
// time-to-first-audio of every turn.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishError is the FinishReason of a chunk reporting a mid-stream failure.
// The chunk's Text carries the error message.
const FinishError = "error"

// Message is a single message in a conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role    string
	Content string
}

// CompletionRequest carries everything the model needs to produce a reply.
type CompletionRequest struct {
	// Messages is the ordered history; the last entry is usually the user's
	// utterance.
	Messages []Message

	// SystemPrompt is injected ahead of Messages.
	SystemPrompt string

	// Temperature in [0,2]. Zero means provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero means provider default.
	MaxTokens int
}

// Chunk is one fragment of a streamed completion.
type Chunk struct {
	// Text is the incremental content. For FinishError chunks it holds the
	// error message.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", FinishError,
	// or "" for non-final chunks.
	FinishReason string
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion starts generating a reply. The initial error is
	// non-nil only if the stream cannot be started; later failures arrive as
	// a FinishError chunk. The channel is never nil when err is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
