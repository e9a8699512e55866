// Package llm abstracts the answer-synthesis model providers.
//
// The retrieval loop works without any provider at all; when one is
// configured it turns accumulated citations into a grounded prose
// answer. Each implementation hides its API client, authentication,
// request conversion, and streaming protocol.
package llm

import "context"

// Provider is the narrow surface the engine needs from a model vendor.
type Provider interface {
	// Name returns the provider name, for logging.
	Name() string

	// Model returns the configured model identifier.
	Model() string

	// Chat sends a blocking chat completion request.
	Chat(ctx context.Context, messages []ChatMessage) (Response, error)

	// StreamChat streams completion text to chunks. Token usage is
	// returned when the provider reports it.
	StreamChat(ctx context.Context, messages []ChatMessage, chunks chan<- string) (*TokenUsage, error)
}

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SystemMessage creates a system message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// Response is a completed chat turn.
type Response struct {
	Content string
	Usage   *TokenUsage
}

// TokenUsage contains token accounting for one request.
type TokenUsage struct {
	PromptTokens     uint32
	CompletionTokens uint32
	TotalTokens      uint32
}
