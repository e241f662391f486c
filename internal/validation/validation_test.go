package validation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcavia/subflow/internal/config"
	"github.com/arcavia/subflow/internal/engine"
	"github.com/arcavia/subflow/internal/outcome"
	"github.com/arcavia/subflow/internal/steps"
	"github.com/arcavia/subflow/internal/workflow"
)

type fakeCatalog struct {
	workflows []WorkflowRecord
	products  []Product
}

func (f *fakeCatalog) Workflows(context.Context) ([]WorkflowRecord, error) { return f.workflows, nil }
func (f *fakeCatalog) ActiveProducts(context.Context) ([]Product, error)   { return f.products, nil }

type fakeTranslations map[string]string

func (f fakeTranslations) WorkflowTranslations(string) (map[string]string, error) { return f, nil }

type fakeSubs struct {
	ids    []string
	broken map[string]error
}

func (f *fakeSubs) SubscriptionIDs(context.Context) ([]string, error) { return f.ids, nil }
func (f *fakeSubs) Rehydrate(_ context.Context, id string) error      { return f.broken[id] }

// healthyDeps builds a fixture where every check passes: a product
// carrying the full CREATE/MODIFY/TERMINATE/VALIDATE set plus modify_note,
// all registered both in the engine and the catalog, all translated.
func healthyDeps(t *testing.T) Deps {
	t.Helper()
	registered := []WorkflowRecord{
		{Name: "create_node", Target: outcome.TargetCreate, Description: "Provision a node"},
		{Name: "modify_node", Target: outcome.TargetModify, Description: "Change a node"},
		{Name: "terminate_node", Target: outcome.TargetTerminate, Description: "Tear a node down"},
		{Name: "validate_node", Target: outcome.TargetValidate, Description: "Validate a node"},
		{Name: "modify_note", Target: outcome.TargetModify, Description: "Edit the note"},
	}

	reg := workflow.NewRegistry()
	translations := fakeTranslations{}
	for _, rec := range registered {
		reg.Register(workflow.Workflow{Name: rec.Name, Target: rec.Target, Description: rec.Description, Steps: steps.Init.Then(steps.Done)})
		translations[rec.Name] = rec.Description
	}

	return Deps{
		Registry: reg,
		Catalog: &fakeCatalog{
			workflows: append([]WorkflowRecord(nil), registered...),
			products: []Product{{
				Name: "Node Basic", Tag: "Node",
				Workflows:   append([]WorkflowRecord(nil), registered...),
				FixedInputs: []FixedInputRecord{{Name: "port_speed", Value: "1000", ProductName: "Node Basic", ProductTag: "Node"}},
			}},
		},
		Translations: translations,
		Subs:         &fakeSubs{ids: []string{"sub-1", "sub-2"}},
		FixedInputs: config.FixedInputConfiguration{
			FixedInputs: []config.FixedInput{{Name: "port_speed", Values: []string{"1000", "10000"}}},
			ByTag:       map[string][]config.TagField{"Node": {{Name: "port_speed", Required: true}}},
		},
	}
}

// runSteps executes a validation workflow's steps directly against an
// empty state, returning the first non-continuing outcome (or the final
// one).
func runSteps(t *testing.T, wf workflow.Workflow) outcome.Outcome {
	t.Helper()
	state := outcome.Outcome{Kind: outcome.KindSuccess, State: outcome.State{}}
	pstat := &engine.ProcessStat{ProcessID: "validate", Workflow: wf, State: state, Log: wf.Steps}
	out, err := engine.Run(context.Background(), pstat,
		func(_ context.Context, _ *engine.ProcessStat, _ *steps.Step, o outcome.Outcome) (outcome.Outcome, error) {
			return o, nil
		})
	require.NoError(t, err)
	return out
}

func TestValidationWorkflowHealthyCatalog(t *testing.T) {
	wf := Workflow(healthyDeps(t))
	assert.Equal(t, outcome.TargetSystem, wf.Target)

	out := runSteps(t, wf)
	require.Equal(t, outcome.KindComplete, out.Kind)
	assert.Equal(t, true, out.State["check_all_workflows_are_in_db"])
	assert.Equal(t, true, out.State["check_subscription_models"])
	assert.Empty(t, out.State["products_without_at_least_create_modify_terminate_validate_workflows"])
}

func TestValidationFailsOnRegistryDBDrift(t *testing.T) {
	deps := healthyDeps(t)
	deps.Catalog.(*fakeCatalog).workflows = deps.Catalog.(*fakeCatalog).workflows[:1] // drop modify_note row

	out := runSteps(t, Workflow(deps))
	require.Equal(t, outcome.KindFailed, out.Kind)
	assert.Contains(t, out.Err.Error, "missing workflows in database")
}

func TestValidationFailsOnTargetMismatch(t *testing.T) {
	deps := healthyDeps(t)
	deps.Catalog.(*fakeCatalog).workflows[0].Target = outcome.TargetTerminate

	out := runSteps(t, Workflow(deps))
	require.Equal(t, outcome.KindFailed, out.Kind)
	assert.Contains(t, out.Err.Error, "non-matching targets")
}

func TestValidationFailsOnMissingTranslation(t *testing.T) {
	deps := healthyDeps(t)
	deps.Translations = fakeTranslations{"create_node": "Create node"} // modify_note untranslated

	out := runSteps(t, Workflow(deps))
	require.Equal(t, outcome.KindFailed, out.Kind)
	assert.Contains(t, out.Err.Error, "missing translations")
}

func TestValidationFailsOnProductWithoutWorkflows(t *testing.T) {
	deps := healthyDeps(t)
	catalog := deps.Catalog.(*fakeCatalog)
	catalog.products = append(catalog.products, Product{Name: "Orphan", Tag: "Node"})

	out := runSteps(t, Workflow(deps))
	require.Equal(t, outcome.KindFailed, out.Kind)
	assert.Contains(t, out.Err.Error, "do not have a workflow")
}

func TestValidationFailsOnMissingModifyNote(t *testing.T) {
	deps := healthyDeps(t)
	catalog := deps.Catalog.(*fakeCatalog)
	catalog.products[0].Workflows = catalog.products[0].Workflows[:1] // create_node only

	out := runSteps(t, Workflow(deps))
	require.Equal(t, outcome.KindFailed, out.Kind)
	assert.Contains(t, out.Err.Error, "modify_note")
}

func TestValidationFailsOnDisallowedFixedInputValue(t *testing.T) {
	deps := healthyDeps(t)
	catalog := deps.Catalog.(*fakeCatalog)
	catalog.products[0].FixedInputs[0].Value = "400000"

	out := runSteps(t, Workflow(deps))
	require.Equal(t, outcome.KindFailed, out.Kind)
	assert.Contains(t, out.Err.Error, "disallowed value")
}

func TestValidationFailsOnMissingRequiredFixedInput(t *testing.T) {
	deps := healthyDeps(t)
	catalog := deps.Catalog.(*fakeCatalog)
	catalog.products[0].FixedInputs = nil

	out := runSteps(t, Workflow(deps))
	require.Equal(t, outcome.KindFailed, out.Kind)
	assert.Contains(t, out.Err.Error, "required fixed input")
}

func TestValidationReportsIncompleteTargetSetWithoutFailing(t *testing.T) {
	deps := healthyDeps(t)
	catalog := deps.Catalog.(*fakeCatalog)
	kept := catalog.products[0].Workflows[:0:0]
	for _, wf := range catalog.products[0].Workflows {
		if wf.Name != "validate_node" {
			kept = append(kept, wf)
		}
	}
	catalog.products[0].Workflows = kept

	out := runSteps(t, Workflow(deps))
	require.Equal(t, outcome.KindComplete, out.Kind)
	// The VALIDATE workflow is gone, so the product is reported, not fatal.
	reported, _ := out.State["products_without_at_least_create_modify_terminate_validate_workflows"].([]string)
	assert.Equal(t, []string{"Node Basic"}, reported)
}

func TestValidationFailsOnBrokenSubscription(t *testing.T) {
	deps := healthyDeps(t)
	deps.Subs = &fakeSubs{
		ids:    []string{"sub-1", "sub-2"},
		broken: map[string]error{"sub-2": errors.New("resource block missing")},
	}

	out := runSteps(t, Workflow(deps))
	require.Equal(t, outcome.KindFailed, out.Kind)
	assert.Contains(t, out.Err.Error, "could not be loaded")
}
