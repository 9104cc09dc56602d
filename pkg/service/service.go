package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hulrap/agentflow/pkg/models"
	"github.com/hulrap/agentflow/pkg/provider"
	"github.com/hulrap/agentflow/pkg/spend"
	"github.com/hulrap/agentflow/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for Service.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var (
	// ErrExecutionBusy is returned when Run is called for an execution
	// that another invocation in this process is already driving.
	ErrExecutionBusy = errors.New("execution is already being processed")

	// ErrInvalidTransition is returned for status updates the execution
	// state machine does not allow, including any update on a terminal
	// execution.
	ErrInvalidTransition = errors.New("invalid execution status transition")
)

// Machine-readable error kinds stored on a failed execution record.
const (
	ErrKindProvider        = "provider_error"
	ErrKindUnknownProvider = "unknown_provider"
	ErrKindPersistence     = "persistence_error"
	ErrKindBudget          = "budget_exceeded"
)

// inputStepID is the pseudo step ID under which the execution's initial
// input is exposed to prompt templates, as {{input.content}}.
const inputStepID = "input"

// Service is the workflow orchestrator. It owns the definition registry,
// drives executions step by step under spend-guard admission, and
// persists all state that must survive between invocations, so a paused
// execution can resume in a different process.
type Service struct {
	store     storage.Store
	providers *provider.Registry
	guard     *spend.Guard
	logger    Logger
	broker    *Broker

	mu          sync.RWMutex
	definitions map[string]models.WorkflowDefinition
	claims      map[string]struct{}
}

func NewService(store storage.Store, providers *provider.Registry, guard *spend.Guard, logger Logger) *Service {
	return &Service{
		store:       store,
		providers:   providers,
		guard:       guard,
		logger:      logger,
		broker:      NewBroker(),
		definitions: make(map[string]models.WorkflowDefinition),
		claims:      make(map[string]struct{}),
	}
}

// Broker exposes the streaming broker so transport layers can subscribe.
func (s *Service) Broker() *Broker {
	return s.broker
}

// Start creates a new execution for a registered definition and persists
// it in pending state. The actual step loop runs via Run.
func (s *Service) Start(ctx context.Context, definitionID, userID, initialInput string) (models.WorkflowExecution, error) {
	if userID == "" {
		return models.WorkflowExecution{}, errors.New("user ID cannot be empty")
	}
	def, ok := s.Definition(definitionID)
	if !ok {
		return models.WorkflowExecution{}, errors.Errorf("definition '%s' is not registered", definitionID)
	}

	now := time.Now()
	exec := models.WorkflowExecution{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		UserID:       userID,
		Status:       models.PendingExecutionStatus,
		InitialInput: initialInput,
		StepResults:  make(map[string]models.StepResult),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.SaveExecution(exec); err != nil {
		return models.WorkflowExecution{}, errors.Wrap(err, "saving execution")
	}
	s.logger.Infof("Started execution %s of definition '%s' for user %s", exec.ID, def.ID, userID)
	return exec, nil
}

// Run drives an execution until it completes, pauses, fails or is
// cancelled. It is re-entrant across process restarts: each iteration
// loads the persisted step results and computes the next eligible wave,
// so resumed executions never re-run a completed step. Only one Run per
// execution ID may be active in a process at a time.
//
// Admission denial and external pause/cancel end the loop without an
// error; provider and persistence failures mark the execution failed and
// are returned to the caller.
func (s *Service) Run(ctx context.Context, executionID string, sinks ...EventSink) error {
	if !s.claim(executionID) {
		return ErrExecutionBusy
	}
	defer s.release(executionID)
	defer s.broker.Finish(executionID)

	emit := func(e Event) {
		s.broker.Publish(executionID, e)
		for _, sink := range sinks {
			sink.Emit(e)
		}
	}

	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return errors.Wrapf(err, "loading execution %s", executionID)
	}
	def, ok := s.Definition(exec.DefinitionID)
	if !ok {
		return errors.Errorf("definition '%s' of execution %s is not registered", exec.DefinitionID, executionID)
	}
	if exec.Status.Terminal() {
		return errors.Errorf("execution %s is already %s", executionID, exec.Status)
	}

	if err := s.store.UpdateExecutionStatus(executionID, models.RunningExecutionStatus, "", "", ""); err != nil {
		return errors.Wrap(err, "marking execution running")
	}

	for {
		exec, err = s.store.GetExecution(executionID)
		if err != nil {
			return errors.Wrapf(err, "reloading execution %s", executionID)
		}

		// Honor an externally requested pause/cancel before dispatching
		// the next wave. In-flight steps of the previous wave have
		// already been recorded; nothing is lost.
		if exec.Status == models.PausedExecutionStatus || exec.Status == models.CancelledExecutionStatus {
			s.logger.Infof("Execution %s is %s, stopping step loop", executionID, exec.Status)
			return nil
		}

		if len(exec.StepResults) == len(def.Steps) {
			return s.finalize(exec, def)
		}

		batch := nextBatch(def, exec.StepResults)
		if len(batch) == 0 {
			err := errors.Errorf("execution %s has no eligible steps but %d of %d results", executionID, len(exec.StepResults), len(def.Steps))
			s.fail(executionID, ErrKindPersistence, err)
			return err
		}

		outcomes := s.runBatch(ctx, exec, def, batch, emit)

		completed := len(exec.StepResults)
		totalCost := exec.TotalCost
		var deniedReason string
		var denialPauses bool
		var failed *stepOutcome
		for i := range outcomes {
			o := &outcomes[i]
			if o.result != nil {
				completed++
				totalCost += o.result.Cost.TotalCost
			}
			if o.err != nil && failed == nil {
				failed = o
			}
			if o.deniedReason != "" && deniedReason == "" {
				deniedReason = o.deniedReason
				denialPauses = o.autoPause
			}
		}

		if err := s.store.UpdateExecutionProgress(executionID, completed, totalCost); err != nil {
			err = errors.Wrap(err, "updating execution progress")
			s.fail(executionID, ErrKindPersistence, err)
			return err
		}

		if failed != nil {
			s.fail(executionID, failed.errKind, failed.err)
			return failed.err
		}
		if deniedReason != "" {
			// The user's auto_pause preference decides how a denial
			// lands: paused for a later resume, or failed outright.
			if !denialPauses {
				s.fail(executionID, ErrKindBudget, errors.New(deniedReason))
				return nil
			}
			if err := s.store.UpdateExecutionStatus(executionID, models.PausedExecutionStatus, deniedReason, "", ""); err != nil {
				return errors.Wrap(err, "pausing execution")
			}
			s.logger.Infof("Execution %s paused: %s", executionID, deniedReason)
			return nil
		}
	}
}

// Resume re-enters the step loop of a paused execution.
func (s *Service) Resume(ctx context.Context, executionID string, sinks ...EventSink) error {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return errors.Wrapf(err, "loading execution %s", executionID)
	}
	if exec.Status != models.PausedExecutionStatus {
		return errors.Errorf("execution %s is %s; only paused executions can be resumed", executionID, exec.Status)
	}
	return s.Run(ctx, executionID, sinks...)
}

// UpdateStatus applies an externally requested pause/cancel/fail. The
// running step loop notices the new status before starting its next
// wave; a step already dispatched to a provider is not interrupted.
func (s *Service) UpdateStatus(ctx context.Context, executionID string, status models.ExecutionStatus, note string) (models.WorkflowExecution, error) {
	switch status {
	case models.PausedExecutionStatus, models.CancelledExecutionStatus, models.FailedExecutionStatus:
	default:
		return models.WorkflowExecution{}, errors.Errorf("status '%s' cannot be set externally", status)
	}
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return models.WorkflowExecution{}, errors.Wrapf(err, "loading execution %s", executionID)
	}
	if !models.CanTransition(exec.Status, status) {
		return models.WorkflowExecution{}, errors.Wrapf(ErrInvalidTransition, "%s -> %s", exec.Status, status)
	}

	var pauseReason, errKind, errMsg string
	switch status {
	case models.PausedExecutionStatus, models.CancelledExecutionStatus:
		pauseReason = note
	case models.FailedExecutionStatus:
		errKind = "external"
		errMsg = note
	}
	if err := s.store.UpdateExecutionStatus(executionID, status, pauseReason, errKind, errMsg); err != nil {
		return models.WorkflowExecution{}, errors.Wrap(err, "updating execution status")
	}
	s.logger.Infof("Execution %s set to %s externally", executionID, status)
	return s.store.GetExecution(executionID)
}

// GetExecution returns the execution record and its definition's step
// count, for progress reporting.
func (s *Service) GetExecution(ctx context.Context, executionID string) (models.WorkflowExecution, int, error) {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return models.WorkflowExecution{}, 0, err
	}
	totalSteps := 0
	if def, ok := s.Definition(exec.DefinitionID); ok {
		totalSteps = len(def.Steps)
	}
	return exec, totalSteps, nil
}

// ListExecutions returns the execution history, optionally filtered by user.
func (s *Service) ListExecutions(ctx context.Context, userID string) ([]models.WorkflowExecution, error) {
	return s.store.ListExecutions(userID)
}

// UsageSummary returns a user's current totals and effective limits.
func (s *Service) UsageSummary(userID string) (models.UsageTotals, models.UsageLimits, error) {
	limits, err := s.guard.Limits(userID)
	if err != nil {
		return models.UsageTotals{}, models.UsageLimits{}, err
	}
	totals, err := s.guard.Totals(userID)
	if err != nil {
		return models.UsageTotals{}, models.UsageLimits{}, err
	}
	return totals, limits, nil
}

// SetLimits stores a user's spend limits.
func (s *Service) SetLimits(l models.UsageLimits) error {
	if l.UserID == "" {
		return errors.New("user ID cannot be empty")
	}
	if l.WarningThreshold <= 0 || l.WarningThreshold > 1 {
		l.WarningThreshold = spend.DefaultWarningThreshold
	}
	return s.store.SaveUsageLimits(l)
}

func (s *Service) claim(executionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.claims[executionID]; busy {
		return false
	}
	s.claims[executionID] = struct{}{}
	return true
}

func (s *Service) release(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, executionID)
}

func (s *Service) fail(executionID, kind string, cause error) {
	if err := s.store.UpdateExecutionStatus(executionID, models.FailedExecutionStatus, "", kind, cause.Error()); err != nil {
		s.logger.Errorf("Failed to mark execution %s as failed: %v", executionID, err)
	}
	s.logger.Errorf("Execution %s failed (%s): %v", executionID, kind, cause)
}

func (s *Service) finalize(exec models.WorkflowExecution, def models.WorkflowDefinition) error {
	final := synthesizeFinal(def, exec.StepResults)
	if err := s.store.CompleteExecution(exec.ID, final, exec.TotalCost, time.Now()); err != nil {
		err = errors.Wrap(err, "completing execution")
		s.fail(exec.ID, ErrKindPersistence, err)
		return err
	}
	s.logger.Infof("Execution %s completed: %d steps, $%.4f total", exec.ID, len(def.Steps), exec.TotalCost)
	return nil
}

// synthesizeFinal concatenates step contents in definition order.
func synthesizeFinal(def models.WorkflowDefinition, results map[string]models.StepResult) string {
	var out string
	for _, step := range def.Steps {
		r, ok := results[step.ID]
		if !ok {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += r.Content
	}
	return out
}

// nextBatch computes the next wave: steps whose dependencies all have
// recorded results and which have not executed yet, in definition order.
// A leading parallel-flagged step pulls every other eligible parallel
// step into the wave; a sequential step runs alone.
func nextBatch(def models.WorkflowDefinition, results map[string]models.StepResult) []models.AgentStep {
	var eligible []models.AgentStep
	for _, step := range def.Steps {
		if _, done := results[step.ID]; done {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			if _, ok := results[dep]; !ok {
				ready = false
				break
			}
		}
		if ready {
			eligible = append(eligible, step)
		}
	}
	if len(eligible) == 0 || !eligible[0].Parallel {
		if len(eligible) > 1 {
			eligible = eligible[:1]
		}
		return eligible
	}
	var batch []models.AgentStep
	for _, step := range eligible {
		if step.Parallel {
			batch = append(batch, step)
		}
	}
	return batch
}

type stepOutcome struct {
	step         models.AgentStep
	result       *models.StepResult
	deniedReason string
	autoPause    bool
	errKind      string
	err          error
}

// runBatch executes a wave. Parallel waves dispatch each step in its own
// goroutine and wait for the whole wave before returning.
func (s *Service) runBatch(ctx context.Context, exec models.WorkflowExecution, def models.WorkflowDefinition, batch []models.AgentStep, emit func(Event)) []stepOutcome {
	if len(batch) == 1 {
		return []stepOutcome{s.executeStep(ctx, exec, def, batch[0], emit)}
	}
	outcomes := make([]stepOutcome, len(batch))
	var wg sync.WaitGroup
	for i, step := range batch {
		wg.Add(1)
		go func(i int, step models.AgentStep) {
			defer wg.Done()
			outcomes[i] = s.executeStep(ctx, exec, def, step, emit)
		}(i, step)
	}
	wg.Wait()
	return outcomes
}

// executeStep runs one step: admission, interpolation, provider call,
// result and usage persistence, event emission.
func (s *Service) executeStep(ctx context.Context, exec models.WorkflowExecution, def models.WorkflowDefinition, step models.AgentStep, emit func(Event)) stepOutcome {
	out := stepOutcome{step: step}
	estimated := step.EstimatedCost.Estimate()

	decision, err := s.guard.CheckAdmission(ctx, exec.UserID, estimated)
	if err != nil {
		out.errKind = ErrKindPersistence
		out.err = err
		return out
	}
	if !decision.Allowed {
		s.logger.Infof("Admission denied for step %s of execution %s: %s", step.ID, exec.ID, decision.Reason)
		out.deniedReason = decision.Reason
		out.autoPause = decision.AutoPause
		return out
	}

	prompt := Interpolate(step.PromptTemplate, interpolationScope(exec))
	emit(Event{Type: StepEventType, Step: &StepEvent{Name: step.ID, Number: stepNumber(def, step.ID)}})

	streamed := false
	req := provider.GenerateRequest{
		Model:       step.Model,
		Messages:    stepMessages(step, prompt),
		MaxTokens:   step.MaxTokens,
		Temperature: step.Temperature,
		Stream:      true,
		OnChunk: func(ctx context.Context, chunk []byte) error {
			streamed = true
			emit(Event{Type: ContentEventType, Content: string(chunk)})
			return nil
		},
	}

	providerName, res, cost, err := s.providers.Generate(ctx, req)
	if err != nil {
		s.guard.Release(exec.UserID, estimated)
		out.err = err
		out.errKind = errorKind(err)
		return out
	}
	if !streamed {
		// Provider without incremental delivery: one chunk per step.
		emit(Event{Type: ContentEventType, Content: res.Content})
	}

	result := models.StepResult{
		StepID:       step.ID,
		Content:      res.Content,
		Usage:        models.TokenUsage{InputTokens: res.InputTokens, OutputTokens: res.OutputTokens},
		Cost:         cost,
		LatencyMS:    res.LatencyMS,
		FinishReason: res.FinishReason,
		CreatedAt:    time.Now(),
	}

	if err := s.guard.RecordUsage(ctx, models.UsageRecord{
		UserID:       exec.UserID,
		ExecutionID:  exec.ID,
		StepID:       step.ID,
		CostUSD:      cost.TotalCost,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	}, estimated); err != nil {
		out.errKind = ErrKindPersistence
		out.err = err
		return out
	}
	if err := s.store.SaveStepResult(exec.ID, result); err != nil {
		out.errKind = ErrKindPersistence
		out.err = errors.Wrapf(err, "saving result of step %s", step.ID)
		return out
	}

	emit(Event{Type: UsageEventType, Usage: &UsageEvent{
		StepID:       step.ID,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		CostUSD:      cost.TotalCost,
	}})
	s.logger.Infof("Step %s of execution %s completed via %s: %d in / %d out tokens, $%.4f, %dms",
		step.ID, exec.ID, providerName, res.InputTokens, res.OutputTokens, cost.TotalCost, res.LatencyMS)
	out.result = &result
	return out
}

// interpolationScope exposes prior results plus the initial input as the
// pseudo step "input", so the first step can reference {{input.content}}.
func interpolationScope(exec models.WorkflowExecution) map[string]models.StepResult {
	scope := make(map[string]models.StepResult, len(exec.StepResults)+1)
	for k, v := range exec.StepResults {
		scope[k] = v
	}
	if _, shadowed := scope[inputStepID]; !shadowed {
		scope[inputStepID] = models.StepResult{StepID: inputStepID, Content: exec.InitialInput}
	}
	return scope
}

// stepMessages builds the role-tagged prompt for a step.
func stepMessages(step models.AgentStep, prompt string) []provider.Message {
	msgs := make([]provider.Message, 0, 2)
	if step.Role != "" {
		msgs = append(msgs, provider.Message{
			Role:    "system",
			Content: "You are the " + string(step.Role) + " agent in a multi-step workflow. Fulfil your step's task directly and concisely.",
		})
	}
	return append(msgs, provider.Message{Role: "user", Content: prompt})
}

func stepNumber(def models.WorkflowDefinition, stepID string) int {
	for i, step := range def.Steps {
		if step.ID == stepID {
			return i + 1
		}
	}
	return 0
}

func errorKind(err error) string {
	var unknown *provider.UnknownProviderError
	if errors.As(err, &unknown) {
		return ErrKindUnknownProvider
	}
	return ErrKindProvider
}
