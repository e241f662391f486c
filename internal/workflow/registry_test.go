package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcavia/subflow/internal/outcome"
	"github.com/arcavia/subflow/internal/steps"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(Workflow{Name: "create_node", Target: outcome.TargetCreate, Steps: steps.New("init", nil)})

	w, err := r.Get("create_node")
	require.NoError(t, err)
	assert.Equal(t, "create_node", w.Name)
}

func TestGetUnknownWorkflow(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	assert.Error(t, err)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(Workflow{Name: "dup"})
	assert.Panics(t, func() { r.Register(Workflow{Name: "dup"}) })
}

func TestAllIsSortedByName(t *testing.T) {
	r := NewRegistry()
	r.Register(Workflow{Name: "zeta"})
	r.Register(Workflow{Name: "alpha"})
	r.Register(Workflow{Name: "mid"})

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, []string{all[0].Name, all[1].Name, all[2].Name})
}
