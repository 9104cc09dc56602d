package service

// Event frame types.
const (
	ContentEventType = "content"
	StepEventType    = "step"
	UsageEventType   = "usage"
)

// Event is one typed frame of an execution's streaming channel.
type Event struct {
	Type    string      `json:"type"` // "content", "step" or "usage"
	Content string      `json:"content,omitempty"`
	Step    *StepEvent  `json:"step,omitempty"`
	Usage   *UsageEvent `json:"usage,omitempty"`
}

// StepEvent announces that a step started. Number is the step's 1-based
// position in the definition.
type StepEvent struct {
	Name   string `json:"name"`
	Number int    `json:"number"`
}

// UsageEvent reports the recorded cost of a completed step.
type UsageEvent struct {
	StepID       string  `json:"step_id"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// EventSink receives execution events as they happen.
type EventSink interface {
	Emit(e Event)
}

// EventSinkFunc adapts a function to an EventSink.
type EventSinkFunc func(e Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }
