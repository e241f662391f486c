package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcavia/subflow/internal/outcome"
	"github.com/arcavia/subflow/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testProcess(id string) store.Process {
	return store.Process{
		ID: id, Workflow: "create_node", Target: outcome.TargetCreate,
		Status: outcome.StatusRunning, CreatedBy: "jane",
		StartedAt: time.Now(), LastModified: time.Now(),
	}
}

func stepRow(processID, name string, status outcome.StepStatus, state string) store.ProcessStep {
	return store.ProcessStep{
		ProcessID: processID, StepName: name, Status: status,
		State: []byte(state), CompletedAt: []time.Time{time.Now()},
	}
}

func TestCreateAndGetProcess(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateProcess(context.Background(), testProcess("p1")))

	got, err := s.GetProcess(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "create_node", got.Workflow)
	assert.Equal(t, outcome.StatusRunning, got.Status)
	assert.Equal(t, "jane", got.CreatedBy)
	assert.False(t, got.IsTask)
}

func TestGetProcessNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetProcess(context.Background(), "missing")
	assert.Error(t, err)
}

func TestUpdateProcessCursor(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateProcess(context.Background(), testProcess("p1")))
	require.NoError(t, s.UpdateProcess(context.Background(), "p1", store.ProcessUpdate{
		Status: outcome.StatusWaiting, LastStep: "provision", Assignee: outcome.AssigneeSystem, FailedReason: "connection refused",
	}))

	got, err := s.GetProcess(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, outcome.StatusWaiting, got.Status)
	assert.Equal(t, "provision", got.LastStep)
	assert.Equal(t, outcome.AssigneeSystem, got.Assignee)
	assert.Equal(t, "connection refused", got.FailedReason)

	// An empty LastStep/Assignee keeps the stored cursor; the failure
	// reason is always overwritten.
	require.NoError(t, s.UpdateProcess(context.Background(), "p1", store.ProcessUpdate{
		Status: outcome.StatusRunning,
	}))
	got, err = s.GetProcess(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, outcome.StatusRunning, got.Status)
	assert.Equal(t, "provision", got.LastStep)
	assert.Equal(t, outcome.AssigneeSystem, got.Assignee)
	assert.Empty(t, got.FailedReason)
}

func TestUpdateProcessNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateProcess(context.Background(), "missing", store.ProcessUpdate{Status: outcome.StatusRunning})
	assert.Error(t, err)
}

// TestAppendStepDeduplicationScatteredSequence mirrors the original engine's
// step-log deduplication contract: a sequence of failed/success rows where
// no two immediately consecutive rows share both step name and status
// results in every row being written.
func TestAppendStepDeduplicationScatteredSequence(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateProcess(context.Background(), testProcess("p1")))

	seq := []store.ProcessStep{
		stepRow("p1", "step1", outcome.StepFailed, `{}`),
		stepRow("p1", "step2", outcome.StepFailed, `{}`),
		stepRow("p1", "step1", outcome.StepFailed, `{}`),
		stepRow("p1", "step1", outcome.StepSuccess, `{}`),
		stepRow("p1", "step1", outcome.StepFailed, `{}`),
	}
	for _, st := range seq {
		written, err := s.AppendStep(context.Background(), st)
		require.NoError(t, err)
		assert.True(t, written)
	}

	rows, err := s.ListSteps(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

// TestAppendStepDeduplicationConsecutiveFailures confirms that two
// immediately-consecutive rows with the same step name and a "failed"
// status collapse to one row.
func TestAppendStepDeduplicationConsecutiveFailures(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateProcess(context.Background(), testProcess("p1")))

	for i := 0; i < 3; i++ {
		_, err := s.AppendStep(context.Background(), stepRow("p1", "flaky", outcome.StepFailed, `{}`))
		require.NoError(t, err)
	}

	rows, err := s.ListSteps(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// TestAppendStepDeduplicationDoesNotApplyToSuccess confirms the rule is
// scoped to waiting/failed: repeated successes for the same step are never
// deduplicated.
func TestAppendStepDeduplicationDoesNotApplyToSuccess(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateProcess(context.Background(), testProcess("p1")))

	for i := 0; i < 3; i++ {
		written, err := s.AppendStep(context.Background(), stepRow("p1", "loop", outcome.StepSuccess, `{}`))
		require.NoError(t, err)
		assert.True(t, written)
	}

	rows, err := s.ListSteps(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

// TestAppendStepDeduplicationIncrementsRetries confirms a deduped row is
// overwritten in place: the original row survives with its retry count
// incremented, its state refreshed, and the new attempt's timestamp
// appended to the completed-at list, rather than a second row appearing.
func TestAppendStepDeduplicationIncrementsRetries(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateProcess(context.Background(), testProcess("p1")))

	_, err := s.AppendStep(context.Background(), stepRow("p1", "flaky", outcome.StepFailed, `{"attempt":1}`))
	require.NoError(t, err)
	_, err = s.AppendStep(context.Background(), stepRow("p1", "flaky", outcome.StepFailed, `{"attempt":2}`))
	require.NoError(t, err)

	rows, err := s.ListSteps(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Retries)
	assert.JSONEq(t, `{"attempt":2}`, string(rows[0].State))
	assert.Len(t, rows[0].CompletedAt, 2)
}

func TestSubscriptionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateProcess(context.Background(), testProcess("p1")))
	require.NoError(t, s.SaveSubscription(context.Background(), store.ProcessSubscription{ProcessID: "p1", SubscriptionID: "sub-1"}))

	id, err := s.FindProcessBySubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", id)
}

func TestInputStatesAppendInOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateProcess(context.Background(), testProcess("p1")))

	require.NoError(t, s.SaveInputState(context.Background(), store.InputState{
		ProcessID: "p1", InputType: store.InputInitialState, Payload: []byte(`{"node_name":"core-1"}`), InputTime: time.Now(),
	}))
	require.NoError(t, s.SaveInputState(context.Background(), store.InputState{
		ProcessID: "p1", InputType: store.InputUserInput, Payload: []byte(`{"approved":true}`), InputTime: time.Now(),
	}))

	got, err := s.ListInputStates(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, store.InputInitialState, got[0].InputType)
	assert.JSONEq(t, `{"node_name":"core-1"}`, string(got[0].Payload))
	assert.Equal(t, store.InputUserInput, got[1].InputType)
	assert.Less(t, got[0].Sequence, got[1].Sequence)
}
