package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcavia/subflow/internal/outcome"
)

func TestCompileAndEval(t *testing.T) {
	p, err := Compile("state.n < 10")
	require.NoError(t, err)

	ok, err := p.Eval(outcome.State{"n": 5})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Eval(outcome.State{"n": 15})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompileRejectsNonBool(t *testing.T) {
	_, err := Compile("state.n + 1")
	assert.Error(t, err)
}

func TestCompileRejectsSyntaxError(t *testing.T) {
	_, err := Compile("state.n <")
	assert.Error(t, err)
}

func TestCompileCachesProgram(t *testing.T) {
	p1, err := Compile("state.ready == true")
	require.NoError(t, err)
	p2, err := Compile("state.ready == true")
	require.NoError(t, err)
	assert.Equal(t, p1.program, p2.program)
}

func TestCompileRejectsBareDynSelection(t *testing.T) {
	_, err := Compile("state.ready")
	assert.Error(t, err)
}
