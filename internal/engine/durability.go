package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	engerrors "github.com/arcavia/subflow/internal/errors"
	"github.com/arcavia/subflow/internal/outcome"
	"github.com/arcavia/subflow/internal/steps"
	"github.com/arcavia/subflow/internal/store"
)

// BroadcastFunc is the process-wide websocket broadcast hook (out of
// scope; referenced only as a callback). A nil BroadcastFunc disables
// broadcasting entirely.
type BroadcastFunc func(ctx context.Context, processID string, envelope map[string]any)

// Durability implements the engine's logstep contract (spec.md §4.3):
// persisting each step's outcome against a store.Store, computing the
// process-level status transition the outcome implies, and applying the
// one retry-deduplication rule.
type Durability struct {
	Store     store.Store
	Broadcast BroadcastFunc
	Logger    *slog.Logger
}

// NewDurability builds a Durability layer over st. log, if non-nil,
// receives one structured line per step outcome; a nil logger discards them.
func NewDurability(st store.Store, broadcast BroadcastFunc, log *slog.Logger) *Durability {
	if log == nil {
		log = slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	return &Durability{Store: st, Broadcast: broadcast, Logger: log}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// LogStep implements the contract of spec.md §4.3: look up the process,
// classify the outcome into a persisted step status and a process-level
// status/assignee, append (or dedup-update) the ProcessStep row, update the
// Process row, fire the broadcast hook, and return the outcome unchanged so
// Run can continue.
func (d *Durability) LogStep(ctx context.Context, pstat *ProcessStat, step *steps.Step, out outcome.Outcome) (outcome.Outcome, error) {
	proc, err := d.Store.GetProcess(ctx, pstat.ProcessID)
	if err != nil {
		return outcome.Outcome{}, engerrors.Wrap(err, engerrors.CodeProcessNotFound,
			fmt.Sprintf("process with PID %s not found", pstat.ProcessID))
	}

	status, assignee := classify(out)
	if assignee == "" && (out.Kind == outcome.KindSuspend || out.Kind == outcome.KindWaiting) {
		assignee = step.Assignee
	}

	stateJSON, err := json.Marshal(persistedState(out))
	if err != nil {
		return outcome.Outcome{}, fmt.Errorf("engine: marshal step state: %w", err)
	}

	var errJSON json.RawMessage
	if out.Err != nil {
		errJSON, err = json.Marshal(out.Err)
		if err != nil {
			return outcome.Outcome{}, fmt.Errorf("engine: marshal step error: %w", err)
		}
	}

	now := time.Now().UTC()
	row := store.ProcessStep{
		ProcessID:   pstat.ProcessID,
		StepName:    step.Name,
		Status:      outcome.FromKind(out.Kind),
		State:       stateJSON,
		ErrorJSON:   errJSON,
		CreatedBy:   pstat.CurrentUser,
		CompletedAt: []time.Time{now},
	}
	written, err := d.Store.AppendStep(ctx, row)
	if err != nil {
		return outcome.Outcome{}, fmt.Errorf("engine: append step %s/%s: %w", pstat.ProcessID, step.Name, err)
	}

	failedReason := ""
	if out.Err != nil {
		failedReason = out.Err.Error
	}
	if assignee == "" {
		assignee = proc.Assignee
	}
	if err := d.Store.UpdateProcess(ctx, pstat.ProcessID, store.ProcessUpdate{
		Status:       status,
		LastStep:     step.Name,
		Assignee:     assignee,
		FailedReason: failedReason,
	}); err != nil {
		return outcome.Outcome{}, fmt.Errorf("engine: update process %s: %w", pstat.ProcessID, err)
	}

	d.Logger.Info("step outcome logged",
		"process_id", pstat.ProcessID, "step", step.Name, "kind", out.Kind,
		"status", status, "assignee", assignee, "deduped", !written)

	if d.Broadcast != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.Logger.Error("broadcast hook panicked", "process_id", pstat.ProcessID, "error", r)
				}
			}()
			d.Broadcast(ctx, pstat.ProcessID, map[string]any{
				"process_id": pstat.ProcessID,
				"step":       step.Name,
				"status":     string(status),
			})
		}()
	}

	return out, nil
}

// SafeLogStep wraps LogStep: if it fails (e.g. a transient store error), the
// failure is synthesised into a Failed outcome and logged a second time. If
// that second attempt also fails, the error propagates to the executor's
// top-level exception hook, per spec.md §7's LogFailure row.
func SafeLogStep(d *Durability) LogStepFunc {
	return func(ctx context.Context, pstat *ProcessStat, step *steps.Step, out outcome.Outcome) (outcome.Outcome, error) {
		logged, err := d.LogStep(ctx, pstat, step, out)
		if err == nil {
			return logged, nil
		}

		d.Logger.Error("logstep failed, synthesising failure", "process_id", pstat.ProcessID, "step", step.Name, "error", err)
		synthetic := outcome.Failed(fmt.Errorf("durability failure logging step %q: %w", step.Name, err))
		logged, retryErr := d.LogStep(ctx, pstat, step, synthetic)
		if retryErr != nil {
			return outcome.Outcome{}, fmt.Errorf("engine: logstep failed twice for %s/%s: %w", pstat.ProcessID, step.Name, retryErr)
		}
		return logged, nil
	}
}

// LogProcessException is the executor's top-level exception hook: when a
// worker slot's execution dies with an error that never made it through
// LogStep (a durability failure past its one retry, a panic in dispatch
// plumbing), the failure is recorded directly on the process row so the
// process does not appear to hang forever in RUNNING. A missing row is
// logged and swallowed; there is nothing left to record onto.
func (d *Durability) LogProcessException(ctx context.Context, processID string, execErr error) {
	if _, err := d.Store.GetProcess(ctx, processID); err != nil {
		d.Logger.Error("process failed but its row is gone", "process_id", processID, "error", execErr)
		return
	}
	if err := d.Store.UpdateProcess(ctx, processID, store.ProcessUpdate{
		Status:       outcome.StatusFailed,
		Assignee:     outcome.AssigneeSystem,
		FailedReason: execErr.Error(),
	}); err != nil {
		d.Logger.Error("failed to record process exception", "process_id", processID, "error", err)
	}
}

// persistedState is the state map a ProcessStep row stores. A Suspend row
// stores only the pending form (under "__form_meta__"); every other row
// stores the outcome's own State: the full accumulated state for Success,
// Skipped and Complete (Run has already merged it), only the attempt
// counter for a RetryStep's Waiting, only the reason for an Abort, and an
// empty map for a Failed. Replaying a suspend, waiting, failed or abort row
// therefore takes the business state from the rows before it (see
// rowToOutcome); the final row alone does not carry it.
func persistedState(o outcome.Outcome) map[string]any {
	switch o.Kind {
	case outcome.KindSuspend:
		out := map[string]any{}
		if o.Form != nil {
			out["__form_meta__"] = o.Form
		}
		return out
	default:
		if o.State == nil {
			return map[string]any{}
		}
		return map[string]any(o.State)
	}
}

// classify maps an Outcome to the process-level status and assignee it
// drives, per spec.md §4.3 step 3 and §7's error table.
func classify(o outcome.Outcome) (outcome.ProcessStatus, string) {
	switch o.Kind {
	case outcome.KindSuccess, outcome.KindSkipped:
		return outcome.StatusRunning, ""
	case outcome.KindSuspend:
		return outcome.StatusSuspended, o.Assignee
	case outcome.KindWaiting:
		return outcome.StatusWaiting, o.Assignee
	case outcome.KindFailed:
		return classifyFailure(o)
	case outcome.KindAbort:
		return outcome.StatusAborted, o.Assignee
	case outcome.KindComplete:
		return outcome.StatusCompleted, ""
	default:
		return outcome.StatusFailed, outcome.AssigneeSystem
	}
}

func classifyFailure(o outcome.Outcome) (outcome.ProcessStatus, string) {
	if o.Err == nil {
		return outcome.StatusFailed, outcome.AssigneeSystem
	}
	if _, ok := o.Err.Unwrap().(*AssertionFailure); ok {
		return outcome.StatusInconsistent, outcome.AssigneeNOC
	}
	if _, ok := IsAPIFailure(o.Err.Unwrap()); ok {
		return outcome.StatusAPIUnavailable, outcome.AssigneeSystem
	}
	return outcome.StatusFailed, outcome.AssigneeSystem
}
