package workflow

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/events"
	"github.com/trellis-data/labflow/internal/logging"
	"github.com/trellis-data/labflow/internal/service/alias"
	"github.com/trellis-data/labflow/internal/service/scope"
)

// persistTimeout bounds saves made after the turn context is gone.
const persistTimeout = 5 * time.Second

// RunnerConfig configures the step loop.
type RunnerConfig struct {
	MaxRetriesPerStep int
	ServiceVersion    string
}

// DefaultRunnerConfig returns default configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{MaxRetriesPerStep: core.DefaultMaxRetriesPerStep}
}

// RunnerDeps holds dependencies for creating a Runner.
type RunnerDeps struct {
	Config     RunnerConfig
	Planner    *Planner
	Evaluator  *Evaluator
	Dispatcher *Dispatcher
	Aliases    *alias.Registry
	Resolver   *scope.Resolver
	State      core.StateStore
	Memory     core.MemoryStore
	Logger     *logging.Logger
	Observer   Observer
}

// Runner drives the ReAct loop of every sequence. A sequence runs at most one
// turn at a time; different sequences run concurrently.
type Runner struct {
	config     RunnerConfig
	planner    *Planner
	evaluator  *Evaluator
	dispatcher *Dispatcher
	aliases    *alias.Registry
	resolver   *scope.Resolver
	state      core.StateStore
	memory     core.MemoryStore
	logger     *logging.Logger
	observer   Observer

	mu     sync.Mutex
	active map[string]struct{}
}

// NewRunner creates a runner with all dependencies.
func NewRunner(deps RunnerDeps) (*Runner, error) {
	switch {
	case deps.Planner == nil:
		return nil, errors.New("runner: planner is required")
	case deps.Evaluator == nil:
		return nil, errors.New("runner: evaluator is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("runner: dispatcher is required")
	case deps.Aliases == nil:
		return nil, errors.New("runner: alias registry is required")
	case deps.Resolver == nil:
		return nil, errors.New("runner: context resolver is required")
	case deps.State == nil:
		return nil, errors.New("runner: state store is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.Config.MaxRetriesPerStep < 0 {
		deps.Config.MaxRetriesPerStep = core.DefaultMaxRetriesPerStep
	}
	return &Runner{
		config:     deps.Config,
		planner:    deps.Planner,
		evaluator:  deps.Evaluator,
		dispatcher: deps.Dispatcher,
		aliases:    deps.Aliases,
		resolver:   deps.Resolver,
		state:      deps.State,
		memory:     deps.Memory,
		logger:     deps.Logger,
		observer:   deps.Observer,
		active:     make(map[string]struct{}),
	}, nil
}

func (r *Runner) acquire(sequenceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[sequenceID]; busy {
		return false
	}
	r.active[sequenceID] = struct{}{}
	return true
}

func (r *Runner) release(sequenceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, sequenceID)
}

// Busy reports whether a turn is running for the sequence.
func (r *Runner) Busy(sequenceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sequenceID]
	return ok
}

// turn carries what one HandleTurn call needs across its phases.
type turn struct {
	sequenceID string
	msg        core.InboundMessage
	goal       string
	emitter    events.Emitter
	logger     *logging.Logger
	started    time.Time
	firstRec   int
	workflowUp bool
	decisions  []string
}

// HandleTurn processes one inbound message for a sequence: it plans (or
// re-plans) and runs steps until the sequence completes, fails or pauses.
// Events are emitted in transition order. The returned state is the one
// persisted last; the error is non-nil for validation, busy, connection and
// cancellation faults. A failed sequence is not an error.
func (r *Runner) HandleTurn(ctx context.Context, sequenceID string, msg core.InboundMessage, emitter events.Emitter) (*core.ReActState, error) {
	if strings.TrimSpace(sequenceID) == "" {
		return nil, core.ErrValidation(core.CodeInvalidMessage, "sequence id must not be empty")
	}
	if strings.TrimSpace(msg.Message) == "" {
		return nil, core.ErrValidation(core.CodeEmptyPrompt, "message must not be empty")
	}
	if len(msg.Message) > core.MaxPromptLength {
		return nil, core.ErrValidation(core.CodePromptTooLong, "message exceeds maximum length")
	}
	if emitter == nil {
		emitter = events.Discard
	}
	if !r.acquire(sequenceID) {
		return nil, core.ErrSequenceBusy(sequenceID)
	}
	defer r.release(sequenceID)

	t := &turn{
		sequenceID: sequenceID,
		msg:        msg,
		goal:       msg.Message,
		emitter:    emitter,
		logger:     r.logger.WithSequence(sequenceID),
		started:    time.Now(),
	}

	state, err := r.state.Load(ctx, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("loading sequence: %w", err)
	}

	if scopeIDs := msg.ProjectScope(); !scopeIDs.IsZero() {
		if err := r.resolver.Record(ctx, sequenceID, scopeIDs); err != nil {
			t.logger.Warn("recording sequence context failed", "error", err)
		}
	}
	resolved, err := r.refresh(ctx, t)
	if err != nil {
		return state, err
	}

	state, err = r.prepare(ctx, t, state, resolved)
	if err != nil {
		if state != nil && isInterruption(ctx, err) {
			return state, r.interrupt(ctx, t, state, err)
		}
		return state, err
	}
	defer r.writeMemory(ctx, t, state)

	if err := r.execute(ctx, t, state); err != nil {
		if isInterruption(ctx, err) {
			return state, r.interrupt(ctx, t, state, err)
		}
		return state, err
	}
	return state, nil
}

// prepare creates or reopens the sequence state and installs the plan the
// turn executes.
func (r *Runner) prepare(ctx context.Context, t *turn, state *core.ReActState, resolved core.ResolvedContext) (*core.ReActState, error) {
	replan := true
	var at int
	var prior, pending string

	switch {
	case state == nil:
		state = core.NewReActState(t.sequenceID, t.msg.Message, r.config.MaxRetriesPerStep)
		state.UserID = t.msg.UserID
		state.SessionID = t.msg.Session()
		at = 1
		prior = t.msg.Summary()
		state.Think("new sequence: %s", t.msg.Message)

	case state.Status == core.StatusPaused || state.Status == core.StatusFailed:
		prior = priorContext(state, t.msg)
		at = state.Resume()
		pending = pendingPrompts(state.Plan, at)
		state.Think("follow-up at step %d: %s", at, t.msg.Message)
		t.decisions = append(t.decisions, fmt.Sprintf("re-planned from step %d after follow-up", at))

	case state.Status == core.StatusCompleted:
		prior = priorContext(state, t.msg)
		at = state.Plan.Last() + 1
		state.Resume()
		state.CurrentStepNumber = at
		state.Think("follow-up after completion: %s", t.msg.Message)
		t.decisions = append(t.decisions, fmt.Sprintf("appended a plan at step %d", at))

	default:
		// Interrupted, or left mid-run by a crashed process.
		if state.Plan.TotalSteps > 0 {
			replan = false
			t.goal = state.UserPrompt
			state.Resume()
			state.Think("resuming at step %d after interruption: %s", state.CurrentStepNumber, t.msg.Message)
			t.decisions = append(t.decisions, fmt.Sprintf("resumed at step %d", state.CurrentStepNumber))
		} else {
			at = 1
			prior = t.msg.Summary()
			t.goal = state.UserPrompt
		}
	}
	if state.UserID == "" {
		state.UserID = t.msg.UserID
	}
	state.Scope = resolved.Identifiers
	t.firstRec = len(state.ExecutionHistory)

	if !replan {
		return state, r.save(ctx, state)
	}

	state.SetStatus(core.StatusPlanning)
	known, err := r.aliases.Known(ctx, t.sequenceID)
	if err != nil {
		t.logger.Warn("listing known aliases failed", "error", err)
	}
	res, err := r.planner.BuildPlan(ctx, PlanRequest{
		Prompt:         t.goal,
		AvailableFiles: resolved.Files.Paths(),
		MentionedFiles: t.msg.MentionedFiles,
		Files:          resolved.Files,
		PriorContext:   prior,
		KnownAliases:   known,
		Pending:        pending,
	})
	if err != nil {
		return state, err
	}

	added := res.Plan.Rebase(at)
	state.Plan = state.Plan.Splice(at, res.Plan)
	state.CurrentStepNumber = at
	state.Think("planned %d steps starting at step %d", added.TotalSteps, at)
	for _, w := range added.Warnings {
		state.Observe("plan warning: %s", w)
	}
	if err := r.save(ctx, state); err != nil {
		return state, err
	}
	t.logger.Info("plan generated",
		"steps", added.TotalSteps,
		"start_step", at,
		"heuristic", res.Heuristic)
	return state, emit(ctx, t.emitter, events.NewPlanGeneratedEvent(t.sequenceID, added, res.Heuristic))
}

// execute runs steps from the current step until a terminal transition.
func (r *Runner) execute(ctx context.Context, t *turn, state *core.ReActState) error {
	for state.RemainingSteps() {
		if err := ctx.Err(); err != nil {
			return err
		}
		step, ok := state.Plan.Step(state.CurrentStepNumber)
		if !ok {
			return core.ErrState(core.CodeInvalidState,
				fmt.Sprintf("plan has no step %d", state.CurrentStepNumber))
		}

		resolved, err := r.refresh(ctx, t)
		if err != nil {
			return err
		}

		if reason, pause := r.needsClarification(ctx, t.sequenceID, step); pause {
			return r.pause(ctx, t, state, step, reason, resolved)
		}

		if !t.workflowUp {
			t.workflowUp = true
			if err := emit(ctx, t.emitter, events.NewWorkflowStartedEvent(t.sequenceID, t.goal, step.StepNumber, state.Plan.TotalSteps)); err != nil {
				return err
			}
		}

		done, err := r.runStep(ctx, t, state, step, resolved)
		if err != nil || done {
			return err
		}
	}
	return r.complete(ctx, t, state, false)
}

// runStep dispatches and evaluates one step until it succeeds or exhausts its
// retries. It reports true when the sequence reached a terminal state.
func (r *Runner) runStep(ctx context.Context, t *turn, state *core.ReActState, step core.StepPlan, resolved core.ResolvedContext) (bool, error) {
	logger := t.logger.WithStep(step.StepNumber).WithAtom(step.AtomID)
	prompt := step.Prompt
	if step.RenderedPrompt != "" {
		prompt = step.RenderedPrompt
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		stepStart := time.Now()
		state.SetStatus(core.StatusExecuting)
		if err := emit(ctx, t.emitter, events.NewStepStartedEvent(t.sequenceID, step, attempt)); err != nil {
			return false, err
		}

		res, dispatchErr := r.dispatcher.Dispatch(ctx, DispatchRequest{
			SequenceID: t.sequenceID,
			UserPrompt: t.goal,
			Step:       step,
			Prompt:     prompt,
			Attempt:    attempt,
			Context:    resolved,
		}, t.emitter)

		var eval core.StepEvaluation
		if dispatchErr != nil {
			if isInterruption(ctx, dispatchErr) {
				return false, dispatchErr
			}
			logger.Warn("dispatch failed", "attempt", attempt, "error", dispatchErr)
			eval = DispatchFailureEvaluation(prompt, dispatchErr)
		} else {
			state.SetStatus(core.StatusEvaluating)
			var heuristic bool
			var err error
			eval, heuristic, err = r.evaluator.Evaluate(ctx, EvaluationRequest{
				UserPrompt: t.goal,
				Step:       step,
				Prompt:     res.RenderedPrompt,
				StepPrompt: prompt,
				Attempt:    attempt,
				TotalSteps: state.Plan.TotalSteps,
				Result:     res.Result,
				Remaining:  remainingAfter(state.Plan, step.StepNumber),
			})
			if err != nil {
				return false, err
			}
			if heuristic {
				state.Observe("step %d evaluated by rules", step.StepNumber)
			}
		}

		evalCopy := eval
		rec := core.StepRecord{
			StepNumber: step.StepNumber,
			AtomID:     step.AtomID,
			Attempt:    attempt,
			Prompt:     prompt,
			Inputs:     res.Inputs,
			CardID:     res.CardID,
			ToolCalls:  res.Calls,
			Result:     res.Result.Data,
			Evaluation: &evalCopy,
			Issues:     eval.Issues,
			StartedAt:  stepStart,
			FinishedAt: time.Now(),
		}
		if dispatchErr == nil && !res.Result.Success && res.Result.Error != "" {
			rec.Issues = append([]string{res.Result.Error}, rec.Issues...)
		}
		state.Think("step %d attempt %d: %s", step.StepNumber, attempt, eval.Summary())

		tr := Decide(state, step, eval)
		switch tr.Action {
		case ActionRetry:
			rec.Outcome = core.OutcomeRetried
			state.Record(rec)
			r.observer.StepFinished(step.AtomID, rec.Outcome, rec.FinishedAt.Sub(stepStart))
			if err := r.save(ctx, state); err != nil {
				return false, err
			}
			logger.Info("retrying step",
				"decision", string(eval.Kind()),
				"retry_count", state.RetryCount,
				"max_retries", state.MaxRetriesPerStep)
			if err := emit(ctx, t.emitter, events.NewStepRetryingEvent(
				t.sequenceID, step, eval.Kind(), state.RetryCount, state.MaxRetriesPerStep,
				eval.Reasoning, tr.Prompt, eval.Issues)); err != nil {
				return false, err
			}
			prompt = tr.Prompt
			continue

		case ActionFail:
			rec.Outcome = core.OutcomeFailed
			state.Record(rec)
			r.observer.StepFinished(step.AtomID, rec.Outcome, rec.FinishedAt.Sub(stepStart))
			return true, r.fail(ctx, t, state, step, eval, rec.Issues)

		default:
			rec.Outcome = core.OutcomeSucceeded
			r.registerOutput(ctx, t, step, res.Result, &rec)
			state.Record(rec)
			r.observer.StepFinished(step.AtomID, rec.Outcome, rec.FinishedAt.Sub(stepStart))
			state.Advance()
			if err := r.save(ctx, state); err != nil {
				return false, err
			}
			if err := emit(ctx, t.emitter, events.NewStepCompletedEvent(t.sequenceID, rec)); err != nil {
				return false, err
			}
			if tr.Action == ActionComplete {
				return true, r.complete(ctx, t, state, tr.EarlyExit)
			}
			return false, nil
		}
	}
}

// registerOutput binds the step's output alias to the produced artifact.
func (r *Runner) registerOutput(ctx context.Context, t *turn, step core.StepPlan, res core.AtomResult, rec *core.StepRecord) {
	produced := res.ProducedPath()
	if step.OutputAlias == "" || produced == "" {
		return
	}
	name, ok := alias.Name(step.OutputAlias)
	if !ok {
		return
	}
	if err := r.aliases.Register(ctx, t.sequenceID, core.StringValue(step.OutputAlias), core.StringValue(produced)); err != nil {
		t.logger.Warn("registering alias failed", "alias", step.OutputAlias, "error", err)
		return
	}
	rec.OutputAlias = name
	rec.OutputPath = produced
}

// needsClarification reports whether a step cannot run without user input.
func (r *Runner) needsClarification(ctx context.Context, sequenceID string, step core.StepPlan) (string, bool) {
	if step.NeedsClarification {
		reason := step.Clarification
		if reason == "" {
			reason = fmt.Sprintf("step %d (%s) needs more information about which data to use", step.StepNumber, step.AtomID)
		}
		return reason, true
	}
	_, unresolved := r.dispatcher.ResolveInputs(ctx, sequenceID, step)
	if len(unresolved) > 0 {
		return fmt.Sprintf("step %d refers to %s, which no earlier step produced",
			step.StepNumber, strings.Join(unresolved, ", ")), true
	}
	if len(step.Inputs) == 0 && len(step.FilesUsed) == 0 {
		return fmt.Sprintf("step %d (%s) has no input data; which file should it use?", step.StepNumber, step.AtomID), true
	}
	return "", false
}

func (r *Runner) pause(ctx context.Context, t *turn, state *core.ReActState, step core.StepPlan, reason string, resolved core.ResolvedContext) error {
	state.Pause(step.StepNumber, reason)
	state.Observe("paused at step %d: %s", step.StepNumber, reason)
	if err := r.save(ctx, state); err != nil {
		return err
	}
	r.observer.SequenceFinished(state.Status)
	t.logger.Info("clarification needed", "step", step.StepNumber, "reason", reason)
	return emit(ctx, t.emitter, events.NewClarificationNeededEvent(t.sequenceID, step.StepNumber, reason, resolved.Files.Paths()))
}

func (r *Runner) fail(ctx context.Context, t *turn, state *core.ReActState, step core.StepPlan, eval core.StepEvaluation, issues []string) error {
	attempts := 0
	for _, rec := range state.ExecutionHistory[t.firstRec:] {
		if rec.StepNumber == step.StepNumber {
			attempts++
		}
	}
	state.Fail(issues)
	state.Observe("step %d failed after %d attempts", step.StepNumber, attempts)
	if err := r.save(ctx, state); err != nil {
		return err
	}
	r.observer.SequenceFinished(state.Status)
	explanation := fmt.Sprintf("step %d (%s) failed after %d attempts: %s",
		step.StepNumber, step.AtomID, attempts, eval.Reasoning)
	t.logger.Warn("sequence failed", "step", step.StepNumber, "issues", issues)
	return emit(ctx, t.emitter, events.NewWorkflowFailedEvent(t.sequenceID, step.StepNumber, step.AtomID, explanation, issues))
}

func (r *Runner) complete(ctx context.Context, t *turn, state *core.ReActState, earlyExit bool) error {
	state.Complete()
	if err := r.save(ctx, state); err != nil {
		return err
	}
	r.observer.SequenceFinished(state.Status)
	executed := 0
	for _, rec := range state.ExecutionHistory[t.firstRec:] {
		if rec.Outcome == core.OutcomeSucceeded {
			executed++
		}
	}
	t.logger.Info("sequence completed", "steps_executed", executed, "early_exit", earlyExit)
	return emit(ctx, t.emitter, events.NewWorkflowCompletedEvent(t.sequenceID, executed, earlyExit, state.Outputs(), time.Since(t.started)))
}

// interrupt persists the state as interrupted with a context that survives
// the cancellation that caused it.
func (r *Runner) interrupt(ctx context.Context, t *turn, state *core.ReActState, cause error) error {
	state.Interrupt()
	state.Observe("interrupted at step %d", state.CurrentStepNumber)
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.state.Save(saveCtx, state); err != nil {
		t.logger.Warn("saving interrupted sequence failed", "error", err)
	}
	r.observer.SequenceFinished(state.Status)
	t.logger.Info("sequence interrupted", "step", state.CurrentStepNumber, "cause", cause)
	return cause
}

func (r *Runner) save(ctx context.Context, state *core.ReActState) error {
	if err := r.state.Save(ctx, state); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("saving sequence state: %w", err)
	}
	return nil
}

// refresh re-resolves the sequence's context and adds the files the client
// listed in its message.
func (r *Runner) refresh(ctx context.Context, t *turn) (core.ResolvedContext, error) {
	resolved, err := r.resolver.Refresh(ctx, t.sequenceID)
	if err != nil {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		t.logger.Warn("refreshing context failed, using message files only", "error", err)
		resolved = core.ResolvedContext{Files: core.FileInventory{}, ResolvedAt: time.Now()}
	}
	files := make(core.FileInventory, len(resolved.Files)+len(t.msg.AvailableFiles))
	for p, info := range resolved.Files {
		files[p] = info
	}
	resolved.Files = files
	for _, f := range t.msg.AvailableFiles {
		if _, _, ok := resolved.Files.Lookup(f); !ok {
			resolved.Files[f] = core.FileInfo{DisplayName: path.Base(f)}
		}
	}
	return resolved, nil
}

func (r *Runner) writeMemory(ctx context.Context, t *turn, state *core.ReActState) {
	if r.memory == nil || state == nil {
		return
	}
	doc := BuildMemoryDocument(state, TurnInfo{
		RequestID:      uuid.NewString(),
		Message:        t.msg,
		Model:          r.planner.Model(),
		ServiceVersion: r.config.ServiceVersion,
		Decisions:      t.decisions,
		FirstRecord:    t.firstRec,
	})
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.memory.SaveDocument(saveCtx, doc); err != nil {
		t.logger.Warn("writing memory document failed", "error", err)
	}
}

// isInterruption reports whether err means the client or the process went away.
func isInterruption(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrConnectionLost)
}

// priorContext summarizes a sequence for a follow-up planning call.
func priorContext(state *core.ReActState, msg core.InboundMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\n", state.UserPrompt)
	if state.ClarificationContext != "" {
		fmt.Fprintf(&b, "Clarification requested: %s\n", state.ClarificationContext)
	}
	if len(state.LastIssues) > 0 {
		fmt.Fprintf(&b, "Last issues: %s\n", strings.Join(state.LastIssues, "; "))
	}
	for _, rec := range state.ExecutionHistory {
		if rec.Outcome == core.OutcomeSucceeded && rec.OutputAlias != "" {
			fmt.Fprintf(&b, "Step %d (%s) produced %s\n", rec.StepNumber, rec.AtomID, core.AliasToken(rec.OutputAlias))
		}
	}
	if s := msg.Summary(); s != "" {
		fmt.Fprintf(&b, "Conversation summary: %s\n", s)
	}
	return strings.TrimSpace(b.String())
}

// pendingPrompts joins the prompts of the steps from at onward in the form the
// heuristic planner splits back into clauses.
func pendingPrompts(plan core.Plan, at int) string {
	var prompts []string
	for _, s := range plan.Steps {
		if s.StepNumber >= at && strings.TrimSpace(s.Prompt) != "" {
			prompts = append(prompts, strings.TrimSpace(s.Prompt))
		}
	}
	return strings.Join(prompts, " then ")
}

func remainingAfter(plan core.Plan, step int) []core.StepPlan {
	var out []core.StepPlan
	for _, s := range plan.Steps {
		if s.StepNumber > step {
			out = append(out, s)
		}
	}
	return out
}
