package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	engerrors "github.com/arcavia/subflow/internal/errors"
	"github.com/arcavia/subflow/internal/form"
	"github.com/arcavia/subflow/internal/outcome"
	"github.com/arcavia/subflow/internal/steps"
	"github.com/arcavia/subflow/internal/store"
	"github.com/arcavia/subflow/internal/workflow"
)

// nowFunc is the engine's clock, swappable in tests that need to control
// timestamps deterministically.
var nowFunc = func() time.Time { return time.Now().UTC() }

// API is the narrow surface an HTTP/GraphQL layer (out of scope here) calls
// to drive processes: start one against a registered workflow, resume a
// suspended one with a submitted form, abort one, or reload its cursor from
// the store. It owns no transport concerns of its own.
type API struct {
	Store      store.Store
	Registry   *workflow.Registry
	Durability *Durability
}

// NewAPI wires a Process API over st, using reg to resolve workflow names
// and d to persist a step each time Run advances.
func NewAPI(st store.Store, reg *workflow.Registry, d *Durability) *API {
	return &API{Store: st, Registry: reg, Durability: d}
}

// PrepareStart validates initialInput against workflowName's initial form
// and persists the new process row (status CREATED) plus its initial-state
// input row, without executing any step. Validation failure raises before
// any row is written. The returned process id is what an executor
// dispatches for actual execution.
func (a *API) PrepareStart(ctx context.Context, workflowName, user string, initialInput form.Result) (string, error) {
	wf, err := a.Registry.Get(workflowName)
	if err != nil {
		return "", err
	}

	if _, err := a.buildInitialState(wf, "validate-only", user, initialInput); err != nil {
		return "", err
	}

	processID := uuid.NewString()
	now := nowFunc()
	if err := a.Store.CreateProcess(ctx, store.Process{
		ID: processID, Workflow: wf.Name, Target: wf.Target,
		Status: outcome.StatusCreated, CreatedBy: user,
		IsTask:    wf.Target == outcome.TargetSystem,
		StartedAt: now, LastModified: now,
	}); err != nil {
		return "", fmt.Errorf("engine: create process: %w", err)
	}
	if err := a.saveInputState(ctx, processID, store.InputInitialState, initialInput); err != nil {
		return "", err
	}
	return processID, nil
}

// buildInitialState assembles the state the first step sees: the standard
// process keys merged with the workflow's validated initial form result.
func (a *API) buildInitialState(wf workflow.Workflow, processID, user string, initialInput form.Result) (outcome.State, error) {
	initial := outcome.State{
		"process_id":      processID,
		"reporter":        user,
		"workflow_name":   wf.Name,
		"workflow_target": string(wf.Target),
	}
	if wf.InitialInputForm == nil {
		return initial, nil
	}
	schema := wf.InitialInputForm.FormFor(map[string]any{})
	if err := schema.Validate(initialInput); err != nil {
		return nil, engerrors.Wrap(err, engerrors.CodeFormValidation, "initial form validation failed")
	}
	applied, err := wf.InitialInputForm.Apply(map[string]any(initial), initialInput)
	if err != nil {
		return nil, engerrors.Wrap(err, engerrors.CodeFormValidation, "initial form apply failed")
	}
	// Apply returns a partial update, laid over the standard keys.
	return initial.Merge(outcome.State(applied)), nil
}

// ExecuteStart runs a CREATED process to its first suspending or terminal
// outcome: the initial state is rebuilt from the process row and its
// persisted initial-state input, and the full step list executes through
// the durability layer. This is the body both executors hand to a worker
// slot.
func (a *API) ExecuteStart(ctx context.Context, processID string) (ProcessStat, outcome.Outcome, error) {
	proc, err := a.Store.GetProcess(ctx, processID)
	if err != nil {
		return ProcessStat{}, outcome.Outcome{}, engerrors.Wrap(err, engerrors.CodeProcessNotFound, processID)
	}
	if proc.Status != outcome.StatusCreated {
		return ProcessStat{}, outcome.Outcome{}, engerrors.New(engerrors.CodeIllegalState,
			fmt.Sprintf("process %s is %s, not created", processID, proc.Status))
	}
	wf, err := a.Registry.Get(proc.Workflow)
	if err != nil {
		return ProcessStat{}, outcome.Outcome{}, err
	}

	initialInput, err := a.loadInput(ctx, processID, store.InputInitialState)
	if err != nil {
		return ProcessStat{}, outcome.Outcome{}, err
	}
	initial, err := a.buildInitialState(wf, processID, proc.CreatedBy, initialInput)
	if err != nil {
		return ProcessStat{}, outcome.Outcome{}, err
	}

	pstat := ProcessStat{
		ProcessID:   processID,
		Workflow:    wf,
		State:       outcome.Success(initial),
		Log:         wf.Steps,
		CurrentUser: proc.CreatedBy,
	}
	out, err := Run(ctx, &pstat, SafeLogStep(a.Durability))
	if err != nil {
		return pstat, outcome.Outcome{}, err
	}
	return pstat, out, nil
}

// StartProcess is PrepareStart followed immediately by ExecuteStart on the
// caller's goroutine: the synchronous path the thread-pool executor (and
// TESTING mode) uses.
func (a *API) StartProcess(ctx context.Context, workflowName, user string, initialInput form.Result) (ProcessStat, outcome.Outcome, error) {
	processID, err := a.PrepareStart(ctx, workflowName, user, initialInput)
	if err != nil {
		return ProcessStat{}, outcome.Outcome{}, err
	}
	return a.ExecuteStart(ctx, processID)
}

// loadInput returns the most recent persisted input payload of the given
// type, or an empty Result when none was recorded.
func (a *API) loadInput(ctx context.Context, processID string, typ store.InputType) (form.Result, error) {
	rows, err := a.Store.ListInputStates(ctx, processID)
	if err != nil {
		return nil, fmt.Errorf("engine: list input states for %s: %w", processID, err)
	}
	result := form.Result{}
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].InputType != typ {
			continue
		}
		if err := json.Unmarshal(rows[i].Payload, &result); err != nil {
			return nil, fmt.Errorf("engine: corrupt input state for %s: %w", processID, err)
		}
		break
	}
	return result, nil
}

// ResumeProcess loads processID's cursor, validates the submitted pages
// against the pending input step's form, and runs the remainder of the
// workflow. Pages are folded left-to-right into one payload, each page's
// keys layered over the previous one's, before the input step consumes it.
//
// A process that is currently RUNNING or RESUMED is not an error: the
// resume is a no-op (resumed=false, nothing written), matching the
// original engine's refuse-and-log behaviour for a concurrent resume.
// Resuming a process whose workflow was removed from the registry fails
// with CodeWorkflowRemoved rather than silently skipping the rest of the
// log.
func (a *API) ResumeProcess(ctx context.Context, processID string, pages []form.Result) (ProcessStat, outcome.Outcome, bool, error) {
	resumed, err := a.PrepareResume(ctx, processID, pages)
	if err != nil || !resumed {
		return ProcessStat{}, outcome.Outcome{}, false, err
	}
	pstat, out, err := a.ExecuteResume(ctx, processID)
	if err != nil {
		return pstat, outcome.Outcome{}, false, err
	}
	return pstat, out, true, nil
}

// PrepareResume validates the submitted pages against the pending input
// step's form, persists the user-input row, and transitions the process to
// RESUMED, without executing any step. It returns false (and no error)
// when the process is already RUNNING or RESUMED: a concurrent resume is
// refused and logged, not failed.
func (a *API) PrepareResume(ctx context.Context, processID string, pages []form.Result) (bool, error) {
	pstat, pendingStep, err := a.LoadProcess(ctx, processID)
	if err != nil {
		return false, err
	}
	if pstat.Workflow.Name == workflow.Removed.Name {
		return false, engerrors.New(engerrors.CodeWorkflowRemoved, workflow.ResumeWorkflowRemovedErrMsg)
	}

	proc, err := a.Store.GetProcess(ctx, processID)
	if err != nil {
		return false, engerrors.Wrap(err, engerrors.CodeProcessNotFound, processID)
	}
	if proc.Status == outcome.StatusRunning || proc.Status == outcome.StatusResumed {
		a.Durability.Logger.Warn("refusing to resume process that is already running",
			"process_id", processID, "status", proc.Status)
		return false, nil
	}
	switch proc.Status {
	case outcome.StatusSuspended, outcome.StatusWaiting,
		outcome.StatusFailed, outcome.StatusInconsistent, outcome.StatusAPIUnavailable:
		// Suspensions resume; failures may be retried from the failed step.
	default:
		return false, engerrors.New(engerrors.CodeIllegalState,
			fmt.Sprintf("process %s is %s and cannot be resumed", processID, proc.Status))
	}
	if pendingStep == nil {
		return false, engerrors.New(engerrors.CodeIllegalState,
			fmt.Sprintf("process %s has no pending step to resume", processID))
	}

	result := mergePages(pages)
	if pendingStep.Kind == steps.KindInput {
		schema := pendingStep.Input.FormFor(map[string]any(pstat.State.State))
		if err := schema.Validate(result); err != nil {
			return false, engerrors.Wrap(err, engerrors.CodeFormValidation,
				fmt.Sprintf("form validation failed for step %q", pendingStep.Name))
		}
	}

	if err := a.saveInputState(ctx, processID, store.InputUserInput, result); err != nil {
		return false, err
	}
	if err := a.Store.UpdateProcess(ctx, processID, store.ProcessUpdate{Status: outcome.StatusResumed}); err != nil {
		return false, fmt.Errorf("engine: mark process resumed: %w", err)
	}
	return true, nil
}

// ExecuteResume runs a RESUMED process's remaining steps, re-reading the
// persisted user input so a worker in another OS process can pick the
// resume up with nothing but the process id.
func (a *API) ExecuteResume(ctx context.Context, processID string) (ProcessStat, outcome.Outcome, error) {
	proc, err := a.Store.GetProcess(ctx, processID)
	if err != nil {
		return ProcessStat{}, outcome.Outcome{}, engerrors.Wrap(err, engerrors.CodeProcessNotFound, processID)
	}
	if proc.Status != outcome.StatusResumed {
		return ProcessStat{}, outcome.Outcome{}, engerrors.New(engerrors.CodeIllegalState,
			fmt.Sprintf("process %s is %s, not resumed", processID, proc.Status))
	}

	pstat, pendingStep, err := a.LoadProcess(ctx, processID)
	if err != nil {
		return ProcessStat{}, outcome.Outcome{}, err
	}
	if pstat.Workflow.Name == workflow.Removed.Name {
		return ProcessStat{}, outcome.Outcome{}, engerrors.New(engerrors.CodeWorkflowRemoved, workflow.ResumeWorkflowRemovedErrMsg)
	}

	if pendingStep != nil {
		result, err := a.loadInput(ctx, processID, store.InputUserInput)
		if err != nil {
			return ProcessStat{}, outcome.Outcome{}, err
		}
		ctx = WithFormResult(ctx, pendingStep.Name, result)
	}

	// The loaded cursor's State is the suspend/waiting outcome itself, which
	// Run's continuable check would treat as already halted; resuming means
	// re-entering pendingStep now that a form result is attached, so the
	// outcome fed to Run is rewound to a plain Success over the same state.
	pstat.State = outcome.Success(pstat.State.State)

	out, err := Run(ctx, &pstat, SafeLogStep(a.Durability))
	if err != nil {
		return pstat, outcome.Outcome{}, err
	}
	return pstat, out, nil
}

// mergePages folds a multi-page submission into one payload, later pages
// overriding earlier ones.
func mergePages(pages []form.Result) form.Result {
	merged := form.Result{}
	for _, page := range pages {
		for k, v := range page {
			merged[k] = v
		}
	}
	return merged
}

func (a *API) saveInputState(ctx context.Context, processID string, typ store.InputType, payload form.Result) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("engine: marshal input state: %w", err)
	}
	if err := a.Store.SaveInputState(ctx, store.InputState{
		ProcessID: processID, InputType: typ, Payload: raw, InputTime: nowFunc(),
	}); err != nil {
		return fmt.Errorf("engine: save input state: %w", err)
	}
	return nil
}

// AbortProcess terminates processID by running the single-step abort
// pipeline through the normal logging mechanism, so the termination is
// recorded like any other step. Aborting an already-aborted process is
// idempotent: nothing is written and no error is returned.
func (a *API) AbortProcess(ctx context.Context, processID, reason, user string) error {
	proc, err := a.Store.GetProcess(ctx, processID)
	if err != nil {
		return engerrors.Wrap(err, engerrors.CodeProcessNotFound, processID)
	}
	if proc.Status == outcome.StatusAborted {
		return nil
	}
	if proc.Status == outcome.StatusCompleted {
		return engerrors.New(engerrors.CodeIllegalState, fmt.Sprintf("process %s already %s", processID, proc.Status))
	}

	pstat, _, err := a.LoadProcess(ctx, processID)
	if err != nil {
		return err
	}
	state := pstat.State.State.Merge(outcome.State{"reason": reason, "reporter": user})

	abortStat := ProcessStat{
		ProcessID:   processID,
		Workflow:    pstat.Workflow,
		State:       outcome.Success(state),
		Log:         steps.AbortWF,
		CurrentUser: user,
	}
	if _, err := Run(ctx, &abortStat, SafeLogStep(a.Durability)); err != nil {
		return fmt.Errorf("engine: abort process %s: %w", processID, err)
	}
	return nil
}

// LoadProcess reconstructs a ProcessStat from the persisted step log: the
// workflow's steps filtered down to whatever remains unexecuted, and the
// state to resume from. Only success, skipped, complete, and abort rows
// count as "done" — a suspended, waiting, or failed row's step is left in
// the remaining log so the same step is re-entered on resume rather than
// treated as already executed. Returns the top-level step the process is
// currently suspended, waiting or failed on, or nil if none (the log ended on a
// continuable or a terminal outcome).
//
// Step identity here is the name of the top-level StepList entry Run
// iterates over — the same name Conditional/FocusSteps/InputStep record
// when they, themselves, suspend or wait. An input step nested inside a
// Conditional or FocusSteps wrapper is matched by the wrapper's name, not
// its own; composing InputStep directly at the top level of a Workflow's
// Steps (as every workflow in this package does) avoids the ambiguity.
func (a *API) LoadProcess(ctx context.Context, processID string) (ProcessStat, *steps.Step, error) {
	proc, err := a.Store.GetProcess(ctx, processID)
	if err != nil {
		return ProcessStat{}, nil, engerrors.Wrap(err, engerrors.CodeProcessNotFound, processID)
	}

	wf, wfErr := a.Registry.Get(proc.Workflow)
	if wfErr != nil {
		wf = workflow.Removed
	}

	rows, err := a.Store.ListSteps(ctx, processID)
	if err != nil {
		return ProcessStat{}, nil, fmt.Errorf("engine: list steps for %s: %w", processID, err)
	}

	done := map[string]bool{}
	state := outcome.Success(outcome.State{})
	pendingName := ""
	for _, row := range rows {
		switch row.Status {
		case outcome.StepSuccess, outcome.StepSkipped, outcome.StepComplete, outcome.StepAbort:
			done[row.StepName] = true
			pendingName = ""
		default: // suspend, waiting, failed — re-enter this step on resume
			pendingName = row.StepName
		}
		state = rowToOutcome(row, state)
	}

	pstat := ProcessStat{
		ProcessID:   processID,
		Workflow:    wf,
		State:       state,
		Log:         remainingSteps(wf.Steps, done),
		CurrentUser: proc.CreatedBy,
	}

	var pending *steps.Step
	if pendingName != "" {
		for _, s := range wf.Steps {
			if s.Name == pendingName {
				pending = s
				break
			}
		}
	}

	return pstat, pending, nil
}

// remainingSteps returns the subset of log whose top-level step names are
// not yet marked done, preserving order. A persisted name that no longer
// appears in log belonged to an older revision of the workflow and is
// dropped silently.
func remainingSteps(log steps.StepList, done map[string]bool) steps.StepList {
	out := make(steps.StepList, 0, len(log))
	for _, s := range log {
		if !done[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// rowToOutcome reconstructs the Outcome a persisted ProcessStep row
// represents, using prior's state for skipped rows and for the rows that do
// not carry a full state snapshot of their own (suspend, waiting, failed).
// An abort row is replayed from its stored reason alone.
func rowToOutcome(row store.ProcessStep, prior outcome.Outcome) outcome.Outcome {
	var st map[string]any
	if len(row.State) > 0 {
		_ = json.Unmarshal(row.State, &st)
	}
	state := outcome.State(st)
	if state == nil {
		state = outcome.State{}
	}

	switch row.Status {
	case outcome.StepSuccess:
		return outcome.Success(state)
	case outcome.StepSkipped:
		// A skip never carries state of its own; replay preserves prior's.
		skipped := outcome.Skipped()
		skipped.State = prior.State
		return skipped
	case outcome.StepComplete:
		return outcome.Complete(state)
	case outcome.StepAbort:
		reason, _ := state["reason"].(string)
		return outcome.Abort(reason, "")
	case outcome.StepSuspend:
		// Suspend rows persist only the form schema, not a state snapshot
		// (the business state was already captured by the preceding
		// Success row): carry prior's state forward unchanged so a resume
		// has the accumulated state to hand to Apply.
		return outcome.Outcome{Kind: outcome.KindSuspend, Form: state["__form_meta__"], State: prior.State}
	case outcome.StepWaiting:
		// A Waiting row persists only RetryStep's attempt counter, not the
		// full cumulative state: replay it as a patch over prior so the
		// business state accumulated before this retry step is preserved.
		return outcome.Waiting(prior.State.Merge(state), unmarshalRowErr(row), "", nil)
	case outcome.StepFailed:
		rowErr := unmarshalRowErr(row)
		if rowErr == nil {
			rowErr = fmt.Errorf("step %s failed", row.StepName)
		}
		// Keep the accumulated state so a retried failed step re-enters
		// with the same inputs it failed against.
		failed := outcome.Failed(rowErr)
		failed.State = prior.State
		return failed
	default:
		return prior
	}
}

func unmarshalRowErr(row store.ProcessStep) error {
	if len(row.ErrorJSON) == 0 {
		return nil
	}
	var es outcome.ErrorState
	if err := json.Unmarshal(row.ErrorJSON, &es); err != nil {
		return fmt.Errorf("engine: corrupt error state for step %s: %w", row.StepName, err)
	}
	return fmt.Errorf("%s", es.Error)
}
