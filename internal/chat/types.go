// Package chat abstracts language-model providers behind a single Provider
// interface with an openai-compatible HTTP implementation.
package chat

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider-agnostic chat request.
type Request struct {
	Messages    []Message
	Model       string
	Temperature *float32
	MaxTokens   *int
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the provider-agnostic chat response.
type Result struct {
	Message      Message
	Model        string
	FinishReason string
	Usage        Usage
}

// Provider is a language-model backend.
type Provider interface {
	Chat(ctx context.Context, req Request) (Result, error)
}
