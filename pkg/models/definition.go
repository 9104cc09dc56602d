package models

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// AgentRole describes what a step is supposed to do with the model.
// It is an open set; these are the roles shipped with the engine.
type AgentRole string

const (
	ResearcherRole  AgentRole = "researcher"
	AnalyzerRole    AgentRole = "analyzer"
	SynthesizerRole AgentRole = "synthesizer"
	CriticRole      AgentRole = "critic"
	WriterRole      AgentRole = "writer"
)

// CostRange is a per-step cost estimate in USD.
type CostRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Estimate returns the value the spend guard is asked to admit.
// The midpoint of the range, or whichever bound is set.
func (r CostRange) Estimate() float64 {
	if r.Min <= 0 && r.Max <= 0 {
		return 0
	}
	if r.Min <= 0 {
		return r.Max
	}
	if r.Max <= 0 {
		return r.Min
	}
	return (r.Min + r.Max) / 2
}

// AgentStep is a single model invocation within a workflow definition.
type AgentStep struct {
	ID             string    `json:"id" yaml:"id"`
	Role           AgentRole `json:"role" yaml:"role"`
	Provider       string    `json:"provider" yaml:"provider"`
	Model          string    `json:"model" yaml:"model"`
	PromptTemplate string    `json:"prompt_template" yaml:"prompt_template"`
	DependsOn      []string  `json:"depends_on,omitempty" yaml:"depends_on"`
	Parallel       bool      `json:"parallel,omitempty" yaml:"parallel"`
	EstimatedCost  CostRange `json:"estimated_cost" yaml:"estimated_cost"`
	MaxTokens      int       `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Temperature    float64   `json:"temperature,omitempty" yaml:"temperature"`
}

// WorkflowDefinition is an immutable workflow template. Definitions are
// registered once and looked up by ID; they are never mutated afterwards.
type WorkflowDefinition struct {
	ID                string        `json:"id" yaml:"id"`
	Name              string        `json:"name" yaml:"name"`
	Steps             []AgentStep   `json:"steps" yaml:"steps"`
	EstimatedCost     CostRange     `json:"estimated_cost" yaml:"estimated_cost"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty" yaml:"estimated_duration"`
	Capabilities      []string      `json:"capabilities,omitempty" yaml:"capabilities"`
}

// Validate checks the structural invariants of a definition: non-empty ID
// and steps, unique step IDs, model set on every step, and dependencies
// referencing only steps defined earlier in the list. The earlier-only
// rule makes cycles unrepresentable.
func (d WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return errors.New("definition ID cannot be empty")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition '%s' has no steps", d.ID)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if step.ID == "" {
			return fmt.Errorf("definition '%s' contains a step with an empty ID", d.ID)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("definition '%s': duplicate step ID '%s'", d.ID, step.ID)
		}
		if step.Model == "" {
			return fmt.Errorf("definition '%s': step '%s' has no model", d.ID, step.ID)
		}
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("definition '%s': step '%s' depends on itself", d.ID, step.ID)
			}
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("definition '%s': step '%s' depends on '%s' which is not defined earlier", d.ID, step.ID, dep)
			}
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}

// Step looks up a step by ID.
func (d WorkflowDefinition) Step(id string) (AgentStep, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return AgentStep{}, false
}
