// Package validation bundles the SYSTEM-target workflow that verifies the
// engine's registry and catalog invariants: every registered workflow has a
// matching database row and translation, every active product carries the
// workflows it needs, the fixed-input configuration matches the database,
// and every persisted subscription still rehydrates through the domain
// model. Each check is a plain step that fails the process with a
// ProcessFailureError on violation, except the create/modify/terminate/
// validate coverage check, which lists incomplete products in the state and
// succeeds.
package validation

import (
	"context"
	"fmt"
	"sort"

	"github.com/arcavia/subflow/internal/config"
	"github.com/arcavia/subflow/internal/engine"
	"github.com/arcavia/subflow/internal/outcome"
	"github.com/arcavia/subflow/internal/steps"
	"github.com/arcavia/subflow/internal/workflow"
)

// WorkflowName is the registry key the validation task is registered under.
const WorkflowName = "task_validate_products"

// ProcessFailureError is the failure a validation step raises: a message
// plus the offending items, both persisted into the process's failed state.
type ProcessFailureError struct {
	Message string
	Details any
}

func (e *ProcessFailureError) Error() string {
	if e.Details == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Details)
}

// WorkflowRecord is a workflow's database-side registration row.
type WorkflowRecord struct {
	Name        string
	Target      outcome.Target
	Description string
}

// Product is an active product and its attached workflows and fixed
// inputs, as stored in the (excluded) relational catalog.
type Product struct {
	Name        string
	Tag         string
	Workflows   []WorkflowRecord
	FixedInputs []FixedInputRecord
}

// FixedInputRecord is one fixed-input value on a product.
type FixedInputRecord struct {
	Name        string
	Value       string
	ProductName string
	ProductTag  string
}

// CatalogStore is the slice of the relational catalog the checks read.
type CatalogStore interface {
	Workflows(ctx context.Context) ([]WorkflowRecord, error)
	ActiveProducts(ctx context.Context) ([]Product, error)
}

// TranslationSource resolves the translation bundle for a locale to the
// map of workflow key to display label.
type TranslationSource interface {
	WorkflowTranslations(locale string) (map[string]string, error)
}

// SubscriptionLoader rehydrates one persisted subscription through the
// (excluded) domain model, returning an error when the stored data no
// longer fits the model.
type SubscriptionLoader interface {
	SubscriptionIDs(ctx context.Context) ([]string, error)
	Rehydrate(ctx context.Context, subscriptionID string) error
}

// Deps carries everything the validation steps read. Resilience guards the
// rehydration calls, which go out to the domain API.
type Deps struct {
	Registry     *workflow.Registry
	Catalog      CatalogStore
	Translations TranslationSource
	Subs         SubscriptionLoader
	FixedInputs  config.FixedInputConfiguration
	Resilience   *engine.Resilience
}

// Workflow assembles the bundled validation task against deps.
func Workflow(deps Deps) workflow.Workflow {
	wf := steps.Then(
		steps.Init,
		checkAllWorkflowsAreInDB(deps),
		checkWorkflowsForMatchingTargetsAndDescriptions(deps),
		checkThatProductsHaveAtLeastOneWorkflow(deps),
		checkThatActiveProductsHaveAModifyNote(deps),
		checkDBFixedInputConfig(deps),
		checkThatProductsHaveCreateModifyAndTerminateWorkflows(deps),
		checkSubscriptionModels(deps),
		steps.Done,
	)
	return workflow.Workflow{
		Name:        WorkflowName,
		Target:      outcome.TargetSystem,
		Description: "Validate products",
		Steps:       wf,
	}
}

func checkAllWorkflowsAreInDB(deps Deps) steps.StepList {
	return steps.New("Check all workflows in database", func(ctx context.Context, _ outcome.State) outcome.Outcome {
		rows, err := deps.Catalog.Workflows(ctx)
		if err != nil {
			return outcome.Failed(err)
		}

		inDB := map[string]bool{}
		for _, row := range rows {
			inDB[row.Name] = true
		}
		registered := map[string]bool{}
		for _, wf := range deps.Registry.All() {
			registered[wf.Name] = true
		}

		var notInDB, notRegistered []string
		for name := range registered {
			if !inDB[name] {
				notInDB = append(notInDB, name)
			}
		}
		for name := range inDB {
			if !registered[name] {
				notRegistered = append(notRegistered, name)
			}
		}
		sort.Strings(notInDB)
		sort.Strings(notRegistered)

		if len(notInDB) > 0 || len(notRegistered) > 0 {
			return outcome.Failed(&ProcessFailureError{
				Message: "Found missing workflows in database or implementations",
				Details: map[string]any{
					"workflows not registered in the database": notInDB,
					"workflows not registered in the engine":   notRegistered,
				},
			})
		}
		return outcome.Success(outcome.State{"check_all_workflows_are_in_db": true})
	})
}

func checkWorkflowsForMatchingTargetsAndDescriptions(deps Deps) steps.StepList {
	return steps.New("Check workflows for matching targets and descriptions", func(ctx context.Context, _ outcome.State) outcome.Outcome {
		rows, err := deps.Catalog.Workflows(ctx)
		if err != nil {
			return outcome.Failed(err)
		}
		byName := map[string]WorkflowRecord{}
		for _, row := range rows {
			byName[row.Name] = row
		}

		var mismatches []string
		for _, wf := range deps.Registry.All() {
			row, ok := byName[wf.Name]
			if !ok {
				// Test workflows might not exist in the database.
				continue
			}
			if wf.Target != row.Target || wf.Description != row.Description {
				mismatches = append(mismatches, fmt.Sprintf(
					"Workflow %s: %s <=> %s and %q <=> %q",
					wf.Name, wf.Target, row.Target, wf.Description, row.Description))
			}
		}
		if len(mismatches) > 0 {
			return outcome.Failed(&ProcessFailureError{
				Message: "Workflows with non-matching targets and descriptions",
				Details: mismatches,
			})
		}

		translations, err := deps.Translations.WorkflowTranslations("en-GB")
		if err != nil {
			return outcome.Failed(err)
		}
		var untranslated []string
		for _, wf := range deps.Registry.All() {
			if _, ok := translations[wf.Name]; !ok {
				untranslated = append(untranslated, wf.Name)
			}
		}
		if len(untranslated) > 0 {
			return outcome.Failed(&ProcessFailureError{
				Message: "Workflows with missing translations",
				Details: untranslated,
			})
		}

		return outcome.Success(outcome.State{"check_workflows_for_matching_targets_and_descriptions": true})
	})
}

func checkThatProductsHaveAtLeastOneWorkflow(deps Deps) steps.StepList {
	return steps.New("Check that all products have at least one workflow", func(ctx context.Context, _ outcome.State) outcome.Outcome {
		products, err := deps.Catalog.ActiveProducts(ctx)
		if err != nil {
			return outcome.Failed(err)
		}
		var bare []string
		for _, p := range products {
			if len(p.Workflows) == 0 {
				bare = append(bare, p.Name)
			}
		}
		if len(bare) > 0 {
			return outcome.Failed(&ProcessFailureError{
				Message: "Found products that do not have a workflow associated with them",
				Details: bare,
			})
		}
		return outcome.Success(outcome.State{"check_that_products_have_at_least_one_workflow": true})
	})
}

func checkThatActiveProductsHaveAModifyNote(deps Deps) steps.StepList {
	return steps.New("Check that all active products have a modify note", func(ctx context.Context, _ outcome.State) outcome.Outcome {
		products, err := deps.Catalog.ActiveProducts(ctx)
		if err != nil {
			return outcome.Failed(err)
		}
		var missing []string
		for _, p := range products {
			if !hasWorkflow(p, "modify_note") {
				missing = append(missing, p.Name)
			}
		}
		if len(missing) > 0 {
			return outcome.Failed(&ProcessFailureError{
				Message: "Found products that do not have a modify_note workflow",
				Details: missing,
			})
		}
		return outcome.Success(outcome.State{"check_that_active_products_have_a_modify_note": true})
	})
}

func hasWorkflow(p Product, name string) bool {
	for _, wf := range p.Workflows {
		if wf.Name == name {
			return true
		}
	}
	return false
}

func checkDBFixedInputConfig(deps Deps) steps.StepList {
	return steps.New("Check the DB fixed input config", func(ctx context.Context, _ outcome.State) outcome.Outcome {
		products, err := deps.Catalog.ActiveProducts(ctx)
		if err != nil {
			return outcome.Failed(err)
		}

		allowed := map[string]map[string]bool{}
		for _, fi := range deps.FixedInputs.FixedInputs {
			values := map[string]bool{}
			for _, v := range fi.Values {
				values[v] = true
			}
			allowed[fi.Name] = values
		}

		var errs []string
		for _, p := range products {
			tagFields := deps.FixedInputs.ByTag[p.Tag]
			declared := map[string]bool{}
			required := map[string]bool{}
			for _, f := range tagFields {
				declared[f.Name] = true
				if f.Required {
					required[f.Name] = true
				}
			}

			present := map[string]bool{}
			for _, fi := range p.FixedInputs {
				present[fi.Name] = true
				values, ok := allowed[fi.Name]
				if !ok {
					errs = append(errs, fmt.Sprintf("%s: fixed input %s not in config", p.Name, fi.Name))
					continue
				}
				if !values[fi.Value] {
					errs = append(errs, fmt.Sprintf("%s: fixed input %s has disallowed value %q", p.Name, fi.Name, fi.Value))
				}
				if !declared[fi.Name] {
					errs = append(errs, fmt.Sprintf("%s: fixed input %s not declared for tag %s", p.Name, fi.Name, p.Tag))
				}
			}
			for name := range required {
				if !present[name] {
					errs = append(errs, fmt.Sprintf("%s: required fixed input %s missing", p.Name, name))
				}
			}
		}

		if len(errs) > 0 {
			sort.Strings(errs)
			return outcome.Failed(&ProcessFailureError{Message: "Errors in fixed input config", Details: errs})
		}
		return outcome.Success(outcome.State{"check_db_fixed_input_config": true})
	})
}

// workflowTargetSet is the full set every active product should carry.
var workflowTargetSet = []outcome.Target{
	outcome.TargetCreate, outcome.TargetModify, outcome.TargetTerminate, outcome.TargetValidate,
}

func checkThatProductsHaveCreateModifyAndTerminateWorkflows(deps Deps) steps.StepList {
	return steps.New("Check that all products have a create, modify, terminate and validate workflow", func(ctx context.Context, _ outcome.State) outcome.Outcome {
		products, err := deps.Catalog.ActiveProducts(ctx)
		if err != nil {
			return outcome.Failed(err)
		}

		var incomplete []string
		for _, p := range products {
			seen := map[outcome.Target]bool{}
			for _, wf := range p.Workflows {
				if wf.Name == "modify_note" {
					continue
				}
				seen[wf.Target] = true
			}
			complete := true
			for _, target := range workflowTargetSet {
				if !seen[target] {
					complete = false
					break
				}
			}
			if !complete {
				incomplete = append(incomplete, p.Name)
			}
		}

		// Reported in the state for operators to act on, never fatal.
		return outcome.Success(outcome.State{
			"products_without_at_least_create_modify_terminate_validate_workflows": incomplete,
			"check_that_products_have_create_modify_and_terminate_workflows":       true,
		})
	})
}

func checkSubscriptionModels(deps Deps) steps.StepList {
	return steps.New("Check subscription models", func(ctx context.Context, _ outcome.State) outcome.Outcome {
		ids, err := deps.Subs.SubscriptionIDs(ctx)
		if err != nil {
			return outcome.Failed(err)
		}

		failures := map[string]string{}
		for _, id := range ids {
			rehydrate := func() error { return deps.Subs.Rehydrate(ctx, id) }
			var rehydrateErr error
			if deps.Resilience != nil {
				rehydrateErr = deps.Resilience.Do(ctx, rehydrate)
			} else {
				rehydrateErr = rehydrate()
			}
			if rehydrateErr != nil {
				failures[id] = rehydrateErr.Error()
			}
		}

		if len(failures) > 0 {
			return outcome.Failed(&ProcessFailureError{
				Message: "Found subscriptions that could not be loaded",
				Details: failures,
			})
		}
		return outcome.Success(outcome.State{"check_subscription_models": true})
	})
}

// Register adds the validation task to reg with the given dependencies.
func Register(reg *workflow.Registry, deps Deps) {
	reg.Register(Workflow(deps))
}
