package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssertionFailureMessage(t *testing.T) {
	err := NewAssertionFailure("subscription %s has no matching node", "sub-1")
	assert.Equal(t, "subscription sub-1 has no matching node", err.Error())
}

func TestIsAPIFailureRequiresStatusCode(t *testing.T) {
	_, ok := IsAPIFailure(NewAPIError(200, "ok"))
	assert.False(t, ok)

	apiErr, ok := IsAPIFailure(NewAPIError(503, "unavailable"))
	assert.True(t, ok)
	assert.Equal(t, 503, apiErr.StatusCode)
}

func TestIsAPIFailureRejectsOtherErrorTypes(t *testing.T) {
	_, ok := IsAPIFailure(NewAssertionFailure("boom"))
	assert.False(t, ok)
}
