// Package model defines the provider-agnostic LLM surface used by the
// pipeline. It abstracts chat completion and text embedding APIs (Anthropic,
// OpenAI, Bedrock) so pipeline steps can invoke models without coupling to
// specific SDKs. Implementations live under features/model and translate
// these normalized types into provider-specific formats.
package model

import (
	"context"
	"errors"
)

type (
	// Client is the contract pipeline steps use to invoke chat completions.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients must be safe for concurrent use.
	Client interface {
		// Complete sends a chat completion request to the provider and returns
		// the generated response. Returns ErrRateLimited (wrapped) when the
		// provider throttles the request so callers can apply backoff.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Embedder converts text into dense vectors for similarity search.
	// Implementations must return one vector per input, in input order.
	Embedder interface {
		// Embed returns embedding vectors for the given inputs. The vector
		// dimensionality is fixed per implementation and must match the
		// dimensionality of the store's vector column.
		Embed(ctx context.Context, inputs []string) ([][]float32, error)
	}

	// Request captures the normalized parameters for a model invocation.
	// Fields map to common provider parameters but may not be supported by
	// all backends; implementations apply sensible defaults.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier (e.g., "claude-sonnet-4-20250514", "gpt-4o-mini").
		// Empty means the adapter's configured default.
		Model string

		// Messages is the ordered chat history provided to the model,
		// including system prompts and user inputs.
		Messages []Message

		// Temperature controls sampling temperature. Zero means the
		// provider default.
		Temperature float32

		// MaxTokens caps the number of completion tokens the model can
		// generate. Zero means the adapter's default.
		MaxTokens int
	}

	// Response wraps the generated content returned by the provider.
	Response struct {
		// Content contains the assistant messages returned by the model.
		// Typically a single message; providers that emit multiple content
		// blocks return one Message per block.
		Content []Message

		// Usage reports token usage when the provider supplies it. All
		// fields are zero otherwise.
		Usage TokenUsage

		// StopReason explains why the model stopped generating. Values are
		// provider-specific and may be empty.
		StopReason string
	}

	// Message mirrors an LLM chat message with role and content.
	Message struct {
		// Role is one of RoleSystem, RoleUser or RoleAssistant.
		Role string

		// Content is the message text.
		Content string
	}

	// TokenUsage records prompt/completion token counts when reported by
	// the provider.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt.
		InputTokens int
		// OutputTokens counts tokens produced by the completion.
		OutputTokens int
		// TotalTokens is the provider-reported aggregate. Prefer it over
		// summing when available.
		TotalTokens int
	}
)

// Message role values.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrRateLimited indicates the provider is throttling requests. Adapters wrap
// provider throttle errors with it so middlewares and the task runtime can
// recognize the condition.
var ErrRateLimited = errors.New("model: rate limited")

// Text concatenates the assistant message contents of the response. Most
// providers return a single message; multi-block responses are joined with
// newlines.
func (r Response) Text() string {
	switch len(r.Content) {
	case 0:
		return ""
	case 1:
		return r.Content[0].Content
	}
	out := r.Content[0].Content
	for _, m := range r.Content[1:] {
		if m.Content == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += m.Content
	}
	return out
}
