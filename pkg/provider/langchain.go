package provider

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// langchainClient adapts any langchaingo llms.Model into a Client.
// The concrete constructors below pick the upstream SDK; everything
// after GenerateContent is provider-independent.
type langchainClient struct {
	model llms.Model
}

// NewOpenAIClient builds a client for the OpenAI chat completions API.
// baseURL is optional and supports OpenAI-compatible gateways.
func NewOpenAIClient(apiKey, baseURL string) (Client, error) {
	opts := []openai.Option{openai.WithToken(apiKey)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "initializing openai client")
	}
	return &langchainClient{model: llm}, nil
}

// NewAnthropicClient builds a client for the Anthropic messages API.
func NewAnthropicClient(apiKey string) (Client, error) {
	llm, err := anthropic.New(anthropic.WithToken(apiKey))
	if err != nil {
		return nil, errors.Wrap(err, "initializing anthropic client")
	}
	return &langchainClient{model: llm}, nil
}

// NewOllamaClient builds a client for a local or remote Ollama server.
func NewOllamaClient(serverURL string) (Client, error) {
	opts := []ollama.Option{}
	if serverURL != "" {
		opts = append(opts, ollama.WithServerURL(serverURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "initializing ollama client")
	}
	return &langchainClient{model: llm}, nil
}

// NewClientForModel wraps an already-constructed llms.Model. Used by
// tests and by callers that configure langchaingo themselves.
func NewClientForModel(model llms.Model) Client {
	return &langchainClient{model: model}
}

func (c *langchainClient) Generate(ctx context.Context, req GenerateRequest) (NormalizedResult, error) {
	msgs := toMessageContent(req)

	opts := []llms.CallOption{llms.WithModel(req.Model)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}
	if req.Stream && req.OnChunk != nil {
		opts = append(opts, llms.WithStreamingFunc(req.OnChunk))
	}

	resp, err := c.model.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return NormalizedResult{}, err
	}
	if len(resp.Choices) == 0 {
		return NormalizedResult{}, errors.New("empty response: no choices returned")
	}
	choice := resp.Choices[0]

	in, out := tokenCounts(choice.GenerationInfo)
	if in == 0 {
		in = EstimateTokens(promptText(req))
	}
	if out == 0 {
		out = EstimateTokens(choice.Content)
	}

	return NormalizedResult{
		Content:      choice.Content,
		InputTokens:  in,
		OutputTokens: out,
		FinishReason: choice.StopReason,
	}, nil
}

func toMessageContent(req GenerateRequest) []llms.MessageContent {
	if len(req.Messages) == 0 {
		return []llms.MessageContent{
			{
				Role:  llms.ChatMessageTypeHuman,
				Parts: []llms.ContentPart{llms.TextPart(req.Prompt)},
			},
		}
	}
	msgs := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		var role llms.ChatMessageType
		switch strings.ToLower(m.Role) {
		case "system":
			role = llms.ChatMessageTypeSystem
		case "assistant", "ai":
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeHuman
		}
		msgs = append(msgs, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextPart(m.Content)},
		})
	}
	return msgs
}

func promptText(req GenerateRequest) string {
	if len(req.Messages) == 0 {
		return req.Prompt
	}
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString(m.Content)
	}
	return b.String()
}

// tokenCounts digs the usage numbers out of GenerationInfo. The key
// names differ per upstream SDK (OpenAI reports PromptTokens and
// CompletionTokens, Anthropic InputTokens and OutputTokens), and the
// values arrive as int, int64 or float64 depending on the decoder.
func tokenCounts(info map[string]any) (int, int) {
	in := firstInt(info, "PromptTokens", "InputTokens", "prompt_tokens", "input_tokens")
	out := firstInt(info, "CompletionTokens", "OutputTokens", "completion_tokens", "output_tokens")
	return in, out
}

func firstInt(info map[string]any, keys ...string) int {
	for _, k := range keys {
		v, ok := info[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}
