// Package provider is the normalization boundary between the engine's
// unified generation request/response shape and the upstream AI APIs.
// Nothing outside this package sees a provider-specific response.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hulrap/agentflow/pkg/models"
)

// charsPerToken is the heuristic used when a provider does not report
// token counts: roughly 4 characters of English text per token.
const charsPerToken = 4

// Message is one role-tagged entry of a structured prompt.
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// GenerateRequest is the provider-agnostic generation request. Either
// Messages or Prompt is set; Prompt alone is treated as a single user
// message. OnChunk, when set together with Stream, receives content
// incrementally as the provider delivers it.
type GenerateRequest struct {
	Model       string
	Messages    []Message
	Prompt      string
	MaxTokens   int
	Temperature float64
	Stream      bool
	OnChunk     func(ctx context.Context, chunk []byte) error
}

// NormalizedResult is the single response shape every provider is mapped
// into. Token counts are always populated, estimated when unreported.
type NormalizedResult struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	LatencyMS    int64  `json:"latency_ms"`
	FinishReason string `json:"finish_reason"`
}

// Client is implemented once per upstream provider.
type Client interface {
	Generate(ctx context.Context, req GenerateRequest) (NormalizedResult, error)
}

// Pricing is the per-1000-token price of a provider, in USD.
type Pricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// Cost computes the cost breakdown for a normalized token count. The
// formula is uniform across providers; only the prices differ.
func (p Pricing) Cost(inputTokens, outputTokens int) models.CostBreakdown {
	in := float64(inputTokens) / 1000 * p.InputPer1K
	out := float64(outputTokens) / 1000 * p.OutputPer1K
	return models.CostBreakdown{
		InputCost:  in,
		OutputCost: out,
		TotalCost:  in + out,
	}
}

// ProviderError wraps any upstream failure: network, auth, rate limit or
// a malformed response. Raw SDK errors never reach callers directly.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (model %s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// UnknownProviderError means no registered prefix matched the model
// identifier. This is a configuration error, not an upstream failure.
type UnknownProviderError struct {
	Model string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("no provider registered for model '%s'", e.Model)
}

type registration struct {
	name     string
	prefixes []string
	client   Client
	pricing  Pricing
}

// Registry maps model-identifier prefixes to provider clients and their
// pricing. It is constructor-injected wherever generation happens, so
// tests swap in fakes and new providers register without touching any
// dispatch logic.
type Registry struct {
	entries []registration
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a provider under the given model-identifier prefixes.
// Registration order decides precedence when prefixes overlap.
func (r *Registry) Register(name string, prefixes []string, client Client, pricing Pricing) {
	r.entries = append(r.entries, registration{
		name:     name,
		prefixes: prefixes,
		client:   client,
		pricing:  pricing,
	})
}

// Resolve maps a model identifier to its provider by prefix match.
func (r *Registry) Resolve(model string) (string, Client, Pricing, error) {
	for _, e := range r.entries {
		for _, p := range e.prefixes {
			if strings.HasPrefix(model, p) {
				return e.name, e.client, e.pricing, nil
			}
		}
	}
	return "", nil, Pricing{}, &UnknownProviderError{Model: model}
}

// Providers lists the registered provider names in registration order.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.name)
	}
	return names
}

// Generate resolves the provider for the requested model, invokes it,
// measures latency and computes the cost from the provider's pricing.
// Upstream failures come back as *ProviderError; a prefix miss as
// *UnknownProviderError. No retries happen at this layer.
func (r *Registry) Generate(ctx context.Context, req GenerateRequest) (string, NormalizedResult, models.CostBreakdown, error) {
	name, client, pricing, err := r.Resolve(req.Model)
	if err != nil {
		return "", NormalizedResult{}, models.CostBreakdown{}, err
	}
	start := time.Now()
	res, err := client.Generate(ctx, req)
	if err != nil {
		return name, NormalizedResult{}, models.CostBreakdown{}, &ProviderError{Provider: name, Model: req.Model, Err: err}
	}
	res.LatencyMS = time.Since(start).Milliseconds()
	if res.FinishReason == "" {
		res.FinishReason = "stop"
	}
	return name, res, pricing.Cost(res.InputTokens, res.OutputTokens), nil
}

// EstimateTokens applies the chars-per-token heuristic to a text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}
