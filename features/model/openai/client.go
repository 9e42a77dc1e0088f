// Package openai provides model.Client and model.Embedder implementations
// backed by the OpenAI API. Chat completions use the Chat Completions
// endpoint; embeddings use text-embedding-3-small sized to match the vector
// column in the link store.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/linkmind/linkmind/runtime/model"
)

type (
	// ChatClient captures the subset of the OpenAI SDK used to render chat
	// completions. It is satisfied by *sdk.ChatCompletionService.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// EmbeddingsClient captures the subset of the OpenAI SDK used to embed
	// text. It is satisfied by *sdk.EmbeddingService.
	EmbeddingsClient interface {
		New(ctx context.Context, body sdk.EmbeddingNewParams, opts ...option.RequestOption) (*sdk.CreateEmbeddingResponse, error)
	}

	// Options configures the OpenAI chat adapter.
	Options struct {
		// Chat provides access to the Chat Completions API. Required.
		Chat ChatClient

		// DefaultModel is used when model.Request.Model is empty.
		DefaultModel string

		// MaxTokens caps completion tokens when a request does not specify
		// MaxTokens. Zero omits the cap so OpenAI applies its own default.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat   ChatClient
		model  string
		maxTok int
		temp   float64
	}

	// EmbedderOptions configures the OpenAI embedding adapter.
	EmbedderOptions struct {
		// Client provides access to the Embeddings API. Required.
		Client EmbeddingsClient

		// Model is the embedding model identifier. Defaults to
		// text-embedding-3-small.
		Model string

		// Dimensions is the requested vector dimensionality. Defaults to
		// 1536 and must match the store's vector column.
		Dimensions int
	}

	// Embedder implements model.Embedder via the OpenAI Embeddings API.
	Embedder struct {
		embeddings EmbeddingsClient
		model      string
		dims       int
	}
)

// defaultDimensions matches the summary_vector column width in the link
// store. Changing it requires a migration of the stored vectors.
const defaultDimensions = 1536

// New builds an OpenAI-backed chat client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{
		chat:   opts.Chat,
		model:  opts.DefaultModel,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a chat client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Chat: &oc.Chat.Completions, DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
// Provider 429 responses are wrapped with model.ErrRateLimited.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return model.Response{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: messages,
	}
	if tokens := c.effectiveMaxTokens(req.MaxTokens); tokens > 0 {
		params.MaxTokens = sdk.Int(int64(tokens))
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	completion, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(completion), nil
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

func encodeMessages(msgs []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one non-empty message is required")
	}
	return out, nil
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

func translateResponse(resp *sdk.ChatCompletion) model.Response {
	if resp == nil {
		return model.Response{}
	}
	out := model.Response{
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	for _, choice := range resp.Choices {
		if choice.Message.Content == "" {
			continue
		}
		out.Content = append(out.Content, model.Message{
			Role:    model.RoleAssistant,
			Content: choice.Message.Content,
		})
	}
	if len(resp.Choices) > 0 {
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out
}

// NewEmbedder builds an OpenAI-backed embedder from the provided options.
func NewEmbedder(opts EmbedderOptions) (*Embedder, error) {
	if opts.Client == nil {
		return nil, errors.New("openai embeddings client is required")
	}
	modelID := opts.Model
	if modelID == "" {
		modelID = string(sdk.EmbeddingModelTextEmbedding3Small)
	}
	dims := opts.Dimensions
	if dims <= 0 {
		dims = defaultDimensions
	}
	return &Embedder{embeddings: opts.Client, model: modelID, dims: dims}, nil
}

// NewEmbedderFromAPIKey constructs an embedder using the default OpenAI HTTP
// client with text-embedding-3-small at the store's dimensionality.
func NewEmbedderFromAPIKey(apiKey string) (*Embedder, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewEmbedder(EmbedderOptions{Client: &oc.Embeddings})
}

// Embed returns one vector per input, in input order. All inputs are sent in
// a single Embeddings API call.
func (e *Embedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, errors.New("openai: embedding inputs are required")
	}
	resp, err := e.embeddings.New(ctx, sdk.EmbeddingNewParams{
		Input:          sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
		Model:          sdk.EmbeddingModel(e.model),
		Dimensions:     sdk.Int(int64(e.dims)),
		EncodingFormat: sdk.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("openai: expected %d embeddings, got %d", len(inputs), len(resp.Data))
	}
	vectors := make([][]float32, len(inputs))
	for _, item := range resp.Data {
		idx := int(item.Index)
		if idx < 0 || idx >= len(vectors) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", idx)
		}
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		vectors[idx] = vec
	}
	return vectors, nil
}
