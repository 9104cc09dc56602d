package service_test

import (
	"testing"

	"github.com/hulrap/agentflow/pkg/models"
	"github.com/hulrap/agentflow/pkg/service"
	"github.com/stretchr/testify/assert"
)

func TestInterpolate(t *testing.T) {
	results := map[string]models.StepResult{
		"research": {
			StepID:       "research",
			Content:      "three key findings",
			Usage:        models.TokenUsage{InputTokens: 50, OutputTokens: 200},
			FinishReason: "stop",
		},
		"input": {StepID: "input", Content: "quantum computing"},
	}

	t.Run("SubstitutesContent", func(t *testing.T) {
		got := service.Interpolate("Summarize: {{research.content}}", results)
		assert.Equal(t, "Summarize: three key findings", got)
	})

	t.Run("SubstitutesInitialInput", func(t *testing.T) {
		got := service.Interpolate("Research the topic: {{input.content}}", results)
		assert.Equal(t, "Research the topic: quantum computing", got)
	})

	t.Run("SubstitutesMetadataFields", func(t *testing.T) {
		got := service.Interpolate("{{research.output_tokens}} tokens, finished with {{research.finish_reason}}", results)
		assert.Equal(t, "200 tokens, finished with stop", got)
	})

	t.Run("WhitespaceInsidePlaceholder", func(t *testing.T) {
		got := service.Interpolate("{{ research.content }}", results)
		assert.Equal(t, "three key findings", got)
	})

	t.Run("UnknownStepLeftVerbatim", func(t *testing.T) {
		got := service.Interpolate("Use {{missing.content}} here", results)
		assert.Equal(t, "Use {{missing.content}} here", got)
	})

	t.Run("UnknownFieldLeftVerbatim", func(t *testing.T) {
		got := service.Interpolate("Use {{research.sentiment}} here", results)
		assert.Equal(t, "Use {{research.sentiment}} here", got)
	})

	t.Run("MultiplePlaceholders", func(t *testing.T) {
		got := service.Interpolate("{{input.content}}: {{research.content}} ({{research.input_tokens}} in)", results)
		assert.Equal(t, "quantum computing: three key findings (50 in)", got)
	})

	t.Run("NoPlaceholders", func(t *testing.T) {
		got := service.Interpolate("plain prompt", results)
		assert.Equal(t, "plain prompt", got)
	})

	t.Run("MalformedTokenLeftAlone", func(t *testing.T) {
		got := service.Interpolate("{{research}} and {research.content}", results)
		assert.Equal(t, "{{research}} and {research.content}", got)
	})
}
