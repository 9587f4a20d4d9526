package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/events"
	"github.com/trellis-data/labflow/internal/logging"
	"github.com/trellis-data/labflow/internal/service"
	"github.com/trellis-data/labflow/internal/service/alias"
)

// ErrConnectionLost is wrapped by every error caused by a failed emit.
var ErrConnectionLost = errors.New("connection lost")

// Dispatch call names reported to the Observer.
const (
	CallAddCard     = "add_card"
	CallFetchAtom   = "fetch_atom"
	CallExecuteAtom = "execute_atom"
)

// DispatchRequest is one attempt of one step.
type DispatchRequest struct {
	SequenceID string
	UserPrompt string
	Step       core.StepPlan
	Prompt     string
	Attempt    int
	Context    core.ResolvedContext
}

// DispatchResult is what the three calls produced.
type DispatchResult struct {
	CardID         string
	Inputs         []string
	RenderedPrompt string
	Result         core.AtomResult
	Calls          []core.ToolCall
}

// Dispatcher runs the add-card, fetch-atom, execute-atom protocol for one step.
type Dispatcher struct {
	atoms    core.AtomDispatcher
	aliases  *alias.Registry
	budget   service.Budget
	logger   *logging.Logger
	observer Observer
}

// NewDispatcher creates a dispatcher. budget bounds the execute-atom call.
func NewDispatcher(atoms core.AtomDispatcher, aliases *alias.Registry, budget service.Budget, logger *logging.Logger, observer Observer) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Dispatcher{atoms: atoms, aliases: aliases, budget: budget, logger: logger, observer: observer}
}

// ResolveInputs returns the step inputs with registered aliases replaced by
// their paths, and the alias tokens that could not be resolved.
func (d *Dispatcher) ResolveInputs(ctx context.Context, sequenceID string, step core.StepPlan) (resolved, unresolved []string) {
	resolved = d.aliases.ResolveAll(ctx, sequenceID, step.Inputs)
	for _, in := range resolved {
		if core.IsAliasToken(in) {
			unresolved = append(unresolved, in)
		}
	}
	return resolved, unresolved
}

// Dispatch runs one attempt. Collaborator failures are returned as retryable
// domain errors; emit failures wrap ErrConnectionLost. The partial result is
// returned alongside any error so the caller can record what happened.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest, emitter events.Emitter) (DispatchResult, error) {
	logger := d.logger.WithSequence(req.SequenceID).WithStep(req.Step.StepNumber).WithAtom(req.Step.AtomID)
	var out DispatchResult

	inputs, _ := d.ResolveInputs(ctx, req.SequenceID, req.Step)
	out.Inputs = inputs
	prompt := d.aliases.Substitute(ctx, req.SequenceID, req.Prompt)

	start := time.Now()
	cardID, err := d.atoms.AddCard(ctx, core.CardRequest{
		AtomID:     req.Step.AtomID,
		Source:     core.CardSource,
		SequenceID: req.SequenceID,
		StepNumber: req.Step.StepNumber,
	})
	d.observer.DispatchCall(CallAddCard, time.Since(start), err)
	out.Calls = append(out.Calls, core.ToolCall{Name: CallAddCard, Target: "cards", Ref: cardID})
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, core.ErrExecution(core.CodeCardFailed, "card creation failed").WithCause(err)
	}
	out.CardID = cardID
	if err := emit(ctx, emitter, events.NewCardCreatedEvent(req.SequenceID, req.Step.StepNumber, req.Step.AtomID, cardID)); err != nil {
		return out, err
	}

	start = time.Now()
	rendered, err := d.atoms.FetchAtom(ctx, core.FetchRequest{
		AtomID:     req.Step.AtomID,
		SequenceID: req.SequenceID,
		Context: core.RenderedContext{
			Prompt:      prompt,
			Description: req.Step.Description,
			Inputs:      inputs,
			Files:       inputFiles(req.Context.Files, inputs),
			Scope:       req.Context.Identifiers,
			UserPrompt:  req.UserPrompt,
		},
	})
	d.observer.DispatchCall(CallFetchAtom, time.Since(start), err)
	out.Calls = append(out.Calls, core.ToolCall{Name: CallFetchAtom, Target: req.Step.AtomID})
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, core.ErrExecution(core.CodeFetchFailed, "fetching atom prompt failed").WithCause(err)
	}
	if rendered == "" {
		rendered = prompt
	}
	rendered = d.aliases.Substitute(ctx, req.SequenceID, rendered)
	out.RenderedPrompt = rendered

	execReq := core.ExecuteRequest{
		AtomID:     req.Step.AtomID,
		SequenceID: req.SequenceID,
		CardID:     cardID,
		Prompt:     rendered,
		Inputs:     inputs,
		Scope:      req.Context.Identifiers,
	}
	result, err := service.RetryWithBudget(ctx, d.budget, func(ctx context.Context) (core.AtomResult, error) {
		start := time.Now()
		res, err := d.atoms.ExecuteAtom(ctx, execReq)
		d.observer.DispatchCall(CallExecuteAtom, time.Since(start), err)
		return res, err
	}, func(attempt int, elapsed time.Duration, timedOut bool) {
		d.observer.AttemptFailed(SiteDispatch, timedOut)
		logger.Warn("execute attempt failed",
			"attempt", attempt,
			"elapsed", elapsed.Round(time.Millisecond).String(),
			"timed_out", timedOut)
	})
	out.Calls = append(out.Calls, core.ToolCall{Name: CallExecuteAtom, Target: req.Step.AtomID, Ref: cardID})
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, core.ErrExecution(core.CodeExecuteFailed, "atom execution failed").WithCause(err)
	}
	out.Result = result

	if err := emit(ctx, emitter, events.NewAgentExecutedEvent(req.SequenceID, req.Step.StepNumber, req.Step.AtomID, cardID, result)); err != nil {
		return out, err
	}
	logger.Debug("atom executed", "success", result.Success, "output_path", result.ProducedPath())
	return out, nil
}

func inputFiles(inv core.FileInventory, inputs []string) map[string]core.FileInfo {
	if len(inv) == 0 {
		return nil
	}
	files := make(map[string]core.FileInfo)
	for _, in := range inputs {
		if path, info, ok := inv.Lookup(in); ok {
			files[path] = info
		}
	}
	if len(files) == 0 {
		return nil
	}
	return files
}

// emit sends event and turns a failure into a connection fault.
func emit(ctx context.Context, emitter events.Emitter, event events.Event) error {
	if err := emitter.Emit(ctx, event); err != nil {
		return fmt.Errorf("emitting %s: %w: %v", event.EventType(), ErrConnectionLost, err)
	}
	return nil
}
