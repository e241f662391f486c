package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arcavia/subflow/internal/outcome"
)

func TestShouldDedupNilPrevious(t *testing.T) {
	assert.False(t, ShouldDedup(nil, ProcessStep{StepName: "a", Status: outcome.StepFailed}))
}

func TestShouldDedupDifferentName(t *testing.T) {
	prev := &ProcessStep{StepName: "a", Status: outcome.StepFailed}
	assert.False(t, ShouldDedup(prev, ProcessStep{StepName: "b", Status: outcome.StepFailed}))
}

func TestShouldDedupDifferentStatus(t *testing.T) {
	prev := &ProcessStep{StepName: "a", Status: outcome.StepFailed}
	assert.False(t, ShouldDedup(prev, ProcessStep{StepName: "a", Status: outcome.StepSuccess}))
}

func TestShouldDedupMatchingFailed(t *testing.T) {
	prev := &ProcessStep{StepName: "a", Status: outcome.StepFailed}
	assert.True(t, ShouldDedup(prev, ProcessStep{StepName: "a", Status: outcome.StepFailed}))
}

func TestShouldDedupMatchingWaiting(t *testing.T) {
	prev := &ProcessStep{StepName: "a", Status: outcome.StepWaiting}
	assert.True(t, ShouldDedup(prev, ProcessStep{StepName: "a", Status: outcome.StepWaiting}))
}

func TestShouldDedupMatchingSuccessNeverDeduped(t *testing.T) {
	prev := &ProcessStep{StepName: "a", Status: outcome.StepSuccess}
	assert.False(t, ShouldDedup(prev, ProcessStep{StepName: "a", Status: outcome.StepSuccess}))
}
