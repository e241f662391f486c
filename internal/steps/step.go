// Package steps implements the step algebra: composable Step values that
// build up a StepList via an associative Then operator, the way the
// original workflow engine composes generator-based steps with >>.
//
// A Step is a pure mapping from process state to an Outcome. Composition
// never inspects the steps it joins; a StepList is just an ordered slice,
// so Then is associative and (a.Then(b)).Then(c) always equals
// a.Then(b.Then(c)).
package steps

import (
	"context"
	"fmt"
	"time"

	engerrors "github.com/arcavia/subflow/internal/errors"
	"github.com/arcavia/subflow/internal/form"
	"github.com/arcavia/subflow/internal/outcome"
	"github.com/arcavia/subflow/internal/predicate"
)

// Func is the signature every plain step body implements: a pure mapping
// from the current process state to an Outcome.
type Func func(ctx context.Context, state outcome.State) outcome.Outcome

// Kind distinguishes the handful of step shapes the Runtime treats
// specially (input collection, retry/backoff, focus).
type Kind string

const (
	KindPlain  Kind = "plain"
	KindPure   Kind = "pure"
	KindInput  Kind = "input"
	KindRetry  Kind = "retry"
	KindFocus  Kind = "focus"
	KindCond   Kind = "conditional"
)

// Step is one named unit of work in a StepList.
type Step struct {
	Name     string
	Assignee string
	Kind     Kind
	Fn       Func

	// Focus/Conditional/Retry/Input carry nested configuration; only one
	// of these is non-nil/non-zero for a given Kind.
	FocusKey string
	Inner    StepList
	If       *predicate.Predicate
	Retry    RetryPolicy
	Input    form.InputSpec
}

// StepList is an ordered, immutable sequence of steps.
type StepList []*Step

// Init is the canonical pipeline head: a synthetic Start step that passes
// the validated initial state through unchanged, so every process log opens
// with a persisted "Start" row.
var Init = StepList{{
	Name: "Start",
	Kind: KindPure,
	Fn: func(_ context.Context, state outcome.State) outcome.Outcome {
		return outcome.Success(state)
	},
}}

// Done is the canonical pipeline tail: a synthetic Done step sealing the
// accumulated state into the terminal Complete outcome.
var Done = StepList{{
	Name: "Done",
	Kind: KindPure,
	Fn: func(_ context.Context, state outcome.State) outcome.Outcome {
		return outcome.Complete(state)
	},
}}

// AbortWF is the single-step pipeline run when a user aborts a process: it
// emits Abort through the normal logging mechanism so the termination is
// recorded like any other step.
var AbortWF = StepList{{
	Name: "User Aborted",
	Kind: KindPure,
	Fn: func(_ context.Context, state outcome.State) outcome.Outcome {
		reason, _ := state["reason"].(string)
		user, _ := state["reporter"].(string)
		return outcome.Abort(reason, user)
	},
}}

// New wraps a plain step function as a singleton StepList, the base case
// every other constructor in this package builds on.
func New(name string, fn Func) StepList {
	return StepList{{Name: name, Kind: KindPlain, Fn: fn}}
}

// PureStep wraps a total state-to-state function (one that cannot fail or
// suspend) as a singleton StepList. Its Outcome is always Success.
func PureStep(name string, fn func(state outcome.State) outcome.State) StepList {
	return StepList{{
		Name: name,
		Kind: KindPure,
		Fn: func(_ context.Context, state outcome.State) outcome.Outcome {
			return outcome.Success(fn(state))
		},
	}}
}

// Then concatenates two step lists. Then is associative: a.Then(b).Then(c)
// and a.Then(b.Then(c)) produce identical StepLists.
func (l StepList) Then(next StepList) StepList {
	out := make(StepList, 0, len(l)+len(next))
	out = append(out, l...)
	out = append(out, next...)
	return out
}

// Then concatenates any number of step lists in order, the variadic form
// of StepList.Then used to assemble init >> body >> done chains.
func Then(lists ...StepList) StepList {
	var out StepList
	for _, l := range lists {
		out = out.Then(l)
	}
	return out
}

// Conditional wraps inner so that it only runs when predicate evaluates
// truthy against the process state; otherwise the step is recorded as
// Skipped and state passes through unchanged.
func Conditional(name string, pred *predicate.Predicate, inner StepList) StepList {
	return StepList{{
		Name:     name,
		Kind:     KindCond,
		If:       pred,
		Inner:    inner,
	}}
}

// FocusSteps runs inner against the nested substate stored under key,
// merging the result back into the outer state under the same key. It is
// the rearchitected form of the original's focus-state context manager.
func FocusSteps(key string, inner StepList) StepList {
	return StepList{{
		Name:     fmt.Sprintf("focus:%s", key),
		Kind:     KindFocus,
		FocusKey: key,
		Inner:    inner,
	}}
}

// InputStep wraps a form.InputSpec as a singleton StepList: the step
// suspends the process to collect input from assignee, the rearchitected
// form of the original's generator-based input step (see package form's
// doc comment for the FormFor/Apply split that replaces yield/resume).
// The Runtime drives this step's two halves directly; Fn is left nil.
func InputStep(name, assignee string, spec form.InputSpec) StepList {
	return StepList{{
		Name:     name,
		Kind:     KindInput,
		Assignee: assignee,
		Input:    spec,
	}}
}

// intValue reads a counter out of state regardless of whether it is still
// a Go int or came back as a float64 from a JSON reload.
func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// RetryPolicy configures RetryStep's backoff schedule.
type RetryPolicy struct {
	MaxAttempts int
	// BackoffSeconds returns the delay before attempt n (1-indexed) is
	// allowed to run again, consumed as Outcome.NextStepAt.
	BackoffSeconds func(attempt int) int64
}

// DefaultBackoff doubles the delay each attempt, starting at one second,
// capped at five minutes.
func DefaultBackoff(attempt int) int64 {
	delay := int64(1)
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > 300 {
			return 300
		}
	}
	return delay
}

// RetryStep wraps fn so that an error return produces a Waiting outcome
// (with the next permissible attempt time set per policy) instead of a
// Failed one, until policy.MaxAttempts is exhausted.
func RetryStep(name string, fn func(ctx context.Context, state outcome.State) (outcome.State, error), policy RetryPolicy) StepList {
	if policy.BackoffSeconds == nil {
		policy.BackoffSeconds = DefaultBackoff
	}
	const attemptKey = "__retry_attempts__" + "."
	key := attemptKey + name
	return StepList{{
		Name: name,
		Kind: KindRetry,
		Fn: func(ctx context.Context, state outcome.State) outcome.Outcome {
			attempt := intValue(state[key])
			attempt++

			newState, err := fn(ctx, state)
			if err == nil {
				patch := outcome.State{key: 0}
				for k, v := range newState {
					patch[k] = v
				}
				return outcome.Success(patch)
			}

			// Assertion and API failures carry their own classification
			// (INCONSISTENT_DATA, API_UNAVAILABLE); only generic errors are
			// recoverable by waiting.
			switch err.(type) {
			case *engerrors.AssertionFailure, *engerrors.APIError:
				return outcome.Failed(err)
			}

			if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
				return outcome.Failed(err)
			}

			next := time.Now().Unix() + policy.BackoffSeconds(attempt)
			return outcome.Waiting(outcome.State{key: attempt}, err, "", &next)
		},
	}}
}
