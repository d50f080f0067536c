// Package llm defines the language-model interface used for optional
// run summaries. Implementations live with the host application; this
// package keeps the dependency inverted so the executor never links a
// concrete provider.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the interface a language-model provider must implement.
type Client interface {
	// Complete sends a prompt with optional prior history and returns
	// the model's text response.
	Complete(ctx context.Context, prompt string, history []Message) (string, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, prompt string, history []Message) (string, error)

func (f ClientFunc) Complete(ctx context.Context, prompt string, history []Message) (string, error) {
	return f(ctx, prompt, history)
}
