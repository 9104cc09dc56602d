package provider_test

import (
	"context"
	"testing"

	"github.com/hulrap/agentflow/pkg/provider"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// fakeClient returns a canned result or error.
type fakeClient struct {
	result provider.NormalizedResult
	err    error
	calls  int
}

func (f *fakeClient) Generate(ctx context.Context, req provider.GenerateRequest) (provider.NormalizedResult, error) {
	f.calls++
	if f.err != nil {
		return provider.NormalizedResult{}, f.err
	}
	return f.result, nil
}

func newTestRegistry(openai, anthropic *fakeClient) *provider.Registry {
	r := provider.NewRegistry()
	r.Register("openai", []string{"gpt-", "o1"}, openai, provider.Pricing{InputPer1K: 0.0025, OutputPer1K: 0.01})
	r.Register("anthropic", []string{"claude-"}, anthropic, provider.Pricing{InputPer1K: 0.003, OutputPer1K: 0.015})
	return r
}

func TestRegistryResolve(t *testing.T) {
	openai := &fakeClient{}
	anthropic := &fakeClient{}
	r := newTestRegistry(openai, anthropic)

	t.Run("PrefixMatch", func(t *testing.T) {
		name, client, pricing, err := r.Resolve("gpt-4o")
		assert.NoError(t, err)
		assert.Equal(t, "openai", name)
		assert.Same(t, openai, client.(*fakeClient))
		assert.Equal(t, 0.0025, pricing.InputPer1K)

		name, client, _, err = r.Resolve("claude-3-5-sonnet")
		assert.NoError(t, err)
		assert.Equal(t, "anthropic", name)
		assert.Same(t, anthropic, client.(*fakeClient))
	})

	t.Run("UnknownPrefix", func(t *testing.T) {
		_, _, _, err := r.Resolve("gemini-pro")
		var unknown *provider.UnknownProviderError
		assert.ErrorAs(t, err, &unknown)
		assert.Equal(t, "gemini-pro", unknown.Model)
	})

	t.Run("RegistrationOrderPrecedence", func(t *testing.T) {
		first := &fakeClient{}
		second := &fakeClient{}
		overlapping := provider.NewRegistry()
		overlapping.Register("first", []string{"gpt-"}, first, provider.Pricing{})
		overlapping.Register("second", []string{"gpt-4"}, second, provider.Pricing{})

		name, _, _, err := overlapping.Resolve("gpt-4o")
		assert.NoError(t, err)
		assert.Equal(t, "first", name)
	})

	t.Run("Providers", func(t *testing.T) {
		assert.Equal(t, []string{"openai", "anthropic"}, r.Providers())
	})
}

func TestRegistryGenerate(t *testing.T) {
	t.Run("ComputesCostFromPricing", func(t *testing.T) {
		openai := &fakeClient{result: provider.NormalizedResult{
			Content:      "answer",
			InputTokens:  1000,
			OutputTokens: 2000,
			FinishReason: "stop",
		}}
		r := newTestRegistry(openai, &fakeClient{})

		name, res, cost, err := r.Generate(context.Background(), provider.GenerateRequest{Model: "gpt-4o", Prompt: "q"})
		assert.NoError(t, err)
		assert.Equal(t, "openai", name)
		assert.Equal(t, "answer", res.Content)
		assert.InDelta(t, 0.0025, cost.InputCost, 1e-9)
		assert.InDelta(t, 0.02, cost.OutputCost, 1e-9)
		assert.InDelta(t, 0.0225, cost.TotalCost, 1e-9)
		assert.Equal(t, 1, openai.calls)
	})

	t.Run("DefaultsFinishReason", func(t *testing.T) {
		openai := &fakeClient{result: provider.NormalizedResult{Content: "x"}}
		r := newTestRegistry(openai, &fakeClient{})

		_, res, _, err := r.Generate(context.Background(), provider.GenerateRequest{Model: "gpt-4o"})
		assert.NoError(t, err)
		assert.Equal(t, "stop", res.FinishReason)
	})

	t.Run("WrapsUpstreamError", func(t *testing.T) {
		upstream := errors.New("rate limited")
		anthropic := &fakeClient{err: upstream}
		r := newTestRegistry(&fakeClient{}, anthropic)

		_, _, _, err := r.Generate(context.Background(), provider.GenerateRequest{Model: "claude-3-5-sonnet"})
		var perr *provider.ProviderError
		assert.ErrorAs(t, err, &perr)
		assert.Equal(t, "anthropic", perr.Provider)
		assert.Equal(t, "claude-3-5-sonnet", perr.Model)
		assert.ErrorIs(t, err, upstream)
	})

	t.Run("UnknownModelSkipsClient", func(t *testing.T) {
		openai := &fakeClient{}
		r := newTestRegistry(openai, &fakeClient{})

		_, _, _, err := r.Generate(context.Background(), provider.GenerateRequest{Model: "mystery-1"})
		var unknown *provider.UnknownProviderError
		assert.ErrorAs(t, err, &unknown)
		assert.Equal(t, 0, openai.calls)
	})
}

func TestPricingCost(t *testing.T) {
	p := provider.Pricing{InputPer1K: 0.003, OutputPer1K: 0.015}

	cost := p.Cost(500, 400)
	assert.InDelta(t, 0.0015, cost.InputCost, 1e-9)
	assert.InDelta(t, 0.006, cost.OutputCost, 1e-9)
	assert.InDelta(t, cost.InputCost+cost.OutputCost, cost.TotalCost, 1e-9)

	assert.Equal(t, 0.0, provider.Pricing{}.Cost(1000, 1000).TotalCost)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, provider.EstimateTokens(""))
	assert.Equal(t, 1, provider.EstimateTokens("abc"))
	assert.Equal(t, 1, provider.EstimateTokens("abcd"))
	assert.Equal(t, 2, provider.EstimateTokens("abcde"))
	assert.Equal(t, 25, provider.EstimateTokens(string(make([]byte, 100))))
}
