// Package llm provides LLM client implementations.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// EmbeddingDimension is the vector size produced by the default OpenAI
// embedding model and expected by the vector memory backends.
const EmbeddingDimension = 1536

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is one stateless call to a completion provider. All
// conversation context travels in Messages.
type CompletionRequest struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int // 0 lets the provider decide
}

// ErrInvalidRequest is returned before any network call when a
// CompletionRequest cannot be sent.
var ErrInvalidRequest = errors.New("invalid completion request")

// Validate checks the request constraints.
func (r CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: no messages", ErrInvalidRequest)
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("%w: temperature %g outside [0, 2]", ErrInvalidRequest, r.Temperature)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("%w: negative max_tokens %d", ErrInvalidRequest, r.MaxTokens)
	}
	return nil
}

// Provider is the interface that all LLM providers must implement.
type Provider interface {
	// Complete sends the conversation and returns the generated text.
	Complete(ctx context.Context, req CompletionRequest) (string, error)

	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
