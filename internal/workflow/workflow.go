// Package workflow defines the Workflow type: a named, targeted StepList
// with an optional initial input form, and the process-wide registry
// workflows are looked up from by name.
package workflow

import (
	"github.com/arcavia/subflow/internal/form"
	"github.com/arcavia/subflow/internal/outcome"
	"github.com/arcavia/subflow/internal/steps"
)

// Workflow is a named, composed StepList together with the metadata the
// Process API needs to start one: which lifecycle Target it performs, a
// human description, and the form (if any) collected before the first step
// runs.
type Workflow struct {
	Name             string
	Target           outcome.Target
	Description      string
	InitialInputForm *form.InputSpec
	Steps            steps.StepList
}

// ResumeWorkflowRemovedErrMsg is the fixed message raised when a resume
// targets a process whose workflow no longer exists in the registry.
const ResumeWorkflowRemovedErrMsg = "This workflow cannot be resumed: the workflow has been removed from the engine"

// Removed is the placeholder workflow substituted for one whose code has
// been deleted from the registry but whose name still appears in old
// process rows; resuming it always fails with CodeWorkflowRemoved and
// ResumeWorkflowRemovedErrMsg rather than panicking on a nil lookup.
var Removed = Workflow{
	Name:        "__removed__",
	Target:      outcome.TargetSystem,
	Description: "placeholder for a workflow removed from the registry",
}
