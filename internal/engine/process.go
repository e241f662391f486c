// Package engine implements the workflow Runtime (the runwf interpreter),
// the Durability layer that persists every step's outcome idempotently, and
// the narrow Process API an external HTTP/GraphQL layer would call
// (StartProcess, ResumeProcess, AbortProcess, LoadProcess).
package engine

import (
	"context"
	"fmt"

	"github.com/arcavia/subflow/internal/form"
	"github.com/arcavia/subflow/internal/outcome"
	"github.com/arcavia/subflow/internal/steps"
	"github.com/arcavia/subflow/internal/workflow"
)

// ProcessStat is the in-memory execution cursor the Runtime advances: a
// process id, the workflow it was started against, the Outcome of the most
// recently executed step (or the initial Success(initial_state)), and the
// StepList still to run.
type ProcessStat struct {
	ProcessID   string
	Workflow    workflow.Workflow
	State       outcome.Outcome
	Log         steps.StepList
	CurrentUser string
}

// LogStepFunc persists one step's outcome and returns the outcome the
// Runtime should continue with (the Durability layer may rewrite it, e.g.
// when logging itself fails — see SafeLogStep).
type LogStepFunc func(ctx context.Context, pstat *ProcessStat, step *steps.Step, out outcome.Outcome) (outcome.Outcome, error)

// formResultKey scopes a context value to one named step, so a resumed
// input step can find the payload meant for it without leaking into
// sibling steps.
type formResultKey struct{ step string }

// WithFormResult attaches the validated payload a resumed input step should
// consume. ResumeProcess calls this before invoking Run; every other step
// in the same Run call sees no value for its own name and behaves as if
// running for the first time.
func WithFormResult(ctx context.Context, stepName string, result form.Result) context.Context {
	return context.WithValue(ctx, formResultKey{stepName}, result)
}

func formResultFor(ctx context.Context, stepName string) (form.Result, bool) {
	v := ctx.Value(formResultKey{stepName})
	if v == nil {
		return nil, false
	}
	return v.(form.Result), true
}

// Run is the runwf interpreter: it executes pstat.Log one step at a time
// against pstat.State, asking logStep to persist each outcome before
// advancing, and returns as soon as a step yields a suspending or terminal
// outcome (Suspend, Waiting, Failed, Abort, Complete) — or after the last
// step runs to completion. State passed to step N+1 is exactly the
// (possibly rewritten) outcome logStep returned for step N.
func Run(ctx context.Context, pstat *ProcessStat, logStep LogStepFunc) (outcome.Outcome, error) {
	for _, step := range pstat.Log {
		if !continuable(pstat.State) {
			return pstat.State, nil
		}

		carryState := pstat.State.State
		out := executeStep(ctx, step, carryState)
		switch out.Kind {
		case outcome.KindSuccess, outcome.KindComplete:
			// A step's return value is a partial update: its keys are laid
			// over the accumulated state, never replacing it wholesale.
			out.State = carryState.Merge(out.State)
		case outcome.KindSkipped:
			// A skipped conditional leaves state untouched; Skipped carries
			// no state of its own to merge.
			out.State = carryState
		}

		logged, err := logStep(ctx, pstat, step, out)
		if err != nil {
			return outcome.Outcome{}, err
		}
		pstat.State = logged

		if suspendingOrTerminal(logged) {
			return logged, nil
		}
	}
	return pstat.State, nil
}

// continuable reports whether the Runtime may advance past this outcome to
// the next step: only Success and Skipped do.
func continuable(o outcome.Outcome) bool {
	return o.Kind == outcome.KindSuccess || o.Kind == outcome.KindSkipped
}

func suspendingOrTerminal(o outcome.Outcome) bool {
	return !continuable(o)
}

// executeStep runs a single step against state, dispatching on Kind. A
// panic escaping a plain/pure/retry step's Fn (a programming error, per
// spec.md's Open Question on non-map step returns) is recovered and turned
// into a Failed outcome rather than crashing the worker goroutine.
func executeStep(ctx context.Context, step *steps.Step, state outcome.State) (out outcome.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome.Failed(fmt.Errorf("step %q panicked: %v", step.Name, r))
		}
	}()

	switch step.Kind {
	case steps.KindCond:
		return executeConditional(ctx, step, state)
	case steps.KindFocus:
		return executeFocus(ctx, step, state)
	case steps.KindInput:
		return executeInput(ctx, step, state)
	default: // plain, pure, retry
		return step.Fn(ctx, state)
	}
}

func executeConditional(ctx context.Context, step *steps.Step, state outcome.State) outcome.Outcome {
	ok, err := step.If.Eval(state)
	if err != nil {
		return outcome.Failed(fmt.Errorf("conditional %q: %w", step.Name, err))
	}
	if !ok {
		return outcome.Skipped()
	}
	return executeStep(ctx, step.Inner[0], state)
}

// executeFocus narrows state to the sub-map stored under step.FocusKey
// (creating it if absent), runs the wrapped step against that sub-map, and
// merges its result back under the same key.
func executeFocus(ctx context.Context, step *steps.Step, state outcome.State) outcome.Outcome {
	var sub outcome.State
	switch v := state[step.FocusKey].(type) {
	case outcome.State:
		sub = v
	case map[string]any: // decoded from JSON (initial input or log replay)
		sub = outcome.State(v)
	}
	if sub == nil {
		sub = outcome.State{}
	}
	inner := executeStep(ctx, step.Inner[0], sub)
	if !continuable(inner) {
		return inner
	}
	return outcome.Success(state.Merge(outcome.State{step.FocusKey: sub.Merge(inner.State)}))
}

// executeInput drives the form protocol's two halves. If the context
// carries a validated payload for this step name (ResumeProcess attached
// one via WithFormResult), Apply folds it into state and the step succeeds;
// otherwise FormFor derives the schema to present and the process suspends.
func executeInput(ctx context.Context, step *steps.Step, state outcome.State) outcome.Outcome {
	if result, ok := formResultFor(ctx, step.Name); ok {
		merged, err := step.Input.Apply(state, result)
		if err != nil {
			return outcome.Failed(err)
		}
		return outcome.Success(outcome.State(merged))
	}
	schema := step.Input.FormFor(state)
	return outcome.Suspend(schema, step.Assignee)
}
