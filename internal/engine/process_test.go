package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcavia/subflow/internal/outcome"
	"github.com/arcavia/subflow/internal/steps"
)

// passthroughLog is the no-op persistence used to exercise Run in
// isolation; real callers hand Run a Durability-backed logstep.
func passthroughLog(_ context.Context, _ *ProcessStat, _ *steps.Step, o outcome.Outcome) (outcome.Outcome, error) {
	return o, nil
}

func runList(t *testing.T, list steps.StepList, initial outcome.State) outcome.Outcome {
	t.Helper()
	pstat := &ProcessStat{ProcessID: "p1", State: outcome.Success(initial), Log: list}
	out, err := Run(context.Background(), pstat, passthroughLog)
	require.NoError(t, err)
	return out
}

func TestRunMergesPartialUpdates(t *testing.T) {
	list := steps.Then(
		steps.New("a", func(_ context.Context, _ outcome.State) outcome.Outcome {
			return outcome.Success(outcome.State{"a": 1})
		}),
		steps.New("b", func(_ context.Context, _ outcome.State) outcome.Outcome {
			return outcome.Success(outcome.State{"b": 2})
		}),
	)

	out := runList(t, list, outcome.State{"seed": true})
	assert.Equal(t, outcome.State{"seed": true, "a": 1, "b": 2}, out.State)
}

func TestRunStopsAtFirstNonContinuingOutcome(t *testing.T) {
	executed := []string{}
	record := func(name string, o outcome.Outcome) steps.StepList {
		return steps.New(name, func(_ context.Context, _ outcome.State) outcome.Outcome {
			executed = append(executed, name)
			return o
		})
	}

	list := steps.Then(
		record("a", outcome.Success(nil)),
		record("halt", outcome.Suspend(nil, outcome.AssigneeChanges)),
		record("never", outcome.Success(nil)),
	)

	out := runList(t, list, outcome.State{})
	assert.Equal(t, outcome.KindSuspend, out.Kind)
	assert.Equal(t, []string{"a", "halt"}, executed)
}

func TestFocusStepsNarrowAndMergeBack(t *testing.T) {
	inner := steps.PureStep("bump", func(s outcome.State) outcome.State {
		n, _ := s["n"].(int)
		return outcome.State{"n": n + 1}
	})

	list := steps.Then(
		steps.New("seed", func(_ context.Context, _ outcome.State) outcome.Outcome {
			return outcome.Success(outcome.State{"child": outcome.State{"n": 41, "label": "kept"}})
		}),
		steps.FocusSteps("child", inner),
	)

	out := runList(t, list, outcome.State{"top": true})
	child := out.State["child"].(outcome.State)
	assert.Equal(t, 42, child["n"])
	assert.Equal(t, "kept", child["label"])
	assert.Equal(t, true, out.State["top"])
}

func TestFocusStepsCreateMissingKey(t *testing.T) {
	inner := steps.PureStep("init-sub", func(_ outcome.State) outcome.State {
		return outcome.State{"fresh": true}
	})

	out := runList(t, steps.FocusSteps("child", inner), outcome.State{})
	child := out.State["child"].(outcome.State)
	assert.Equal(t, true, child["fresh"])
}

func TestPanickingStepBecomesFailed(t *testing.T) {
	list := steps.New("explodes", func(_ context.Context, _ outcome.State) outcome.Outcome {
		panic("nil map write")
	})

	out := runList(t, list, outcome.State{})
	require.Equal(t, outcome.KindFailed, out.Kind)
	assert.Contains(t, out.Err.Error, "panicked")
}

func TestRunReturnsHaltedStateWithoutExecuting(t *testing.T) {
	pstat := &ProcessStat{
		ProcessID: "p1",
		State:     outcome.Waiting(outcome.State{}, nil, "", nil),
		Log: steps.New("never", func(_ context.Context, _ outcome.State) outcome.Outcome {
			t.Fatal("step must not execute from a halted cursor")
			return outcome.Outcome{}
		}),
	}
	out, err := Run(context.Background(), pstat, passthroughLog)
	require.NoError(t, err)
	assert.Equal(t, outcome.KindWaiting, out.Kind)
}

func TestInitAndDoneSingletons(t *testing.T) {
	out := runList(t, steps.Init.Then(steps.Done), outcome.State{"x": 1})
	require.Equal(t, outcome.KindComplete, out.Kind)
	assert.Equal(t, 1, out.State["x"])
}

func TestAbortPipelineCarriesReasonAndReporter(t *testing.T) {
	out := runList(t, steps.AbortWF, outcome.State{"reason": "cancelled", "reporter": "jane"})
	require.Equal(t, outcome.KindAbort, out.Kind)
	assert.Equal(t, "cancelled", out.State["reason"])
	assert.Equal(t, "jane", out.Assignee)
}
