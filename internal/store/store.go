// Package store defines the durable row shapes the engine persists and the
// Store interface both the sqlite and postgres backends implement.
// ProcessStep rows are never deleted: every logged step appends a new row,
// except where the one deduplication rule (see ShouldDedup) folds a repeated
// waiting or failed attempt into the previous row in place.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/arcavia/subflow/internal/outcome"
)

// Process is the durable row tracking one workflow execution. LastStep is
// the name of the most recently appended (non-deduplicated) step row;
// Assignee is whoever currently owns acting on the process; IsTask marks
// SYSTEM-target workflows so task runs can be filtered from user-facing
// process lists.
type Process struct {
	ID           string
	Workflow     string
	Target       outcome.Target
	Status       outcome.ProcessStatus
	LastStep     string
	Assignee     string
	IsTask       bool
	CreatedBy    string
	FailedReason string
	StartedAt    time.Time
	LastModified time.Time
}

// ProcessUpdate carries the fields UpdateProcess overwrites on a Process
// row after each logged step. An empty LastStep or Assignee leaves the
// stored value unchanged; FailedReason is always overwritten (clearing it
// when the process is healthy again).
type ProcessUpdate struct {
	Status       outcome.ProcessStatus
	LastStep     string
	Assignee     string
	FailedReason string
}

// ProcessStep is one append-only row in a process's execution log. Retries
// counts how many times this row has been overwritten in place by the
// deduplication rule (see ShouldDedup); it is zero for a row that has never
// been deduplicated against. CompletedAt accumulates the timestamp of every
// attempt folded into the row, most recent last.
type ProcessStep struct {
	Sequence    int64
	ProcessID   string
	StepName    string
	Status      outcome.StepStatus
	State       json.RawMessage
	ErrorJSON   json.RawMessage
	Retries     int
	CreatedBy   string
	CompletedAt []time.Time
}

// ProcessSubscription associates a process with the subscription UUID that
// triggered it, so a later event for the same subscription can be routed
// to the process awaiting it.
type ProcessSubscription struct {
	ProcessID      string
	SubscriptionID string
}

// InputType distinguishes the two kinds of persisted user input.
type InputType string

const (
	// InputInitialState is the validated initial form a process started with.
	InputInitialState InputType = "initial_state"
	// InputUserInput is a form submitted to resume a suspended process.
	InputUserInput InputType = "user_input"
)

// InputState is one persisted form submission: the initial inputs a process
// started with, or the payload a resume consumed. Rows are append-only and
// ordered, one per submission.
type InputState struct {
	Sequence  int64
	ProcessID string
	InputType InputType
	Payload   json.RawMessage
	InputTime time.Time
}

// Store is the durability layer's persistence contract. Implementations
// must make CreateProcess and AppendStep atomic with respect to a single
// process: two concurrent AppendStep calls for the same process must not
// interleave (the Process API's ensure-correct-status check relies on
// this). The postgres backend provides this with a per-process row lock
// acquired inside AppendStep's transaction; the sqlite backend runs on a
// single connection, so its transactions never overlap.
type Store interface {
	CreateProcess(ctx context.Context, p Process) error
	GetProcess(ctx context.Context, id string) (Process, error)
	UpdateProcess(ctx context.Context, id string, upd ProcessUpdate) error

	// AppendStep appends a row to the process's log, applying the
	// deduplication rule, and returns whether a new row was written. When
	// the rule instead dedups against the previous row, that row's State,
	// ErrorJSON, and Retries (incremented by one) are updated in place,
	// the new attempt's timestamp is appended to CompletedAt, and
	// AppendStep returns written=false.
	AppendStep(ctx context.Context, step ProcessStep) (written bool, err error)
	ListSteps(ctx context.Context, processID string) ([]ProcessStep, error)

	SaveSubscription(ctx context.Context, ps ProcessSubscription) error
	FindProcessBySubscription(ctx context.Context, subscriptionID string) (string, error)

	// SaveInputState appends one form submission to the process's ordered
	// input log.
	SaveInputState(ctx context.Context, s InputState) error
	ListInputStates(ctx context.Context, processID string) ([]InputState, error)

	Close() error
}

// ShouldDedup implements the engine's one deduplication rule: a new row is
// dropped only when the immediately previous persisted row for the same
// process has the same step name and the same status, and that status is
// "waiting" or "failed". Every other case (different step, different
// status, or a status outside {waiting, failed}) is always appended,
// including repeated successes.
func ShouldDedup(prev *ProcessStep, next ProcessStep) bool {
	if prev == nil {
		return false
	}
	if prev.StepName != next.StepName || prev.Status != next.Status {
		return false
	}
	return prev.Status == outcome.StepWaiting || prev.Status == outcome.StepFailed
}
