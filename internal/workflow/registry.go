package workflow

import (
	"fmt"
	"sort"
	"sync"

	engerrors "github.com/arcavia/subflow/internal/errors"
)

// Registry is the process-wide catalog of known workflows, keyed by name.
// Workflows register themselves at package init time (mirroring the
// original's decorator-based registration) rather than being loaded from
// data, since a step's Fn is Go code, not something YAML can express.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]Workflow)}
}

// Register adds workflow to the registry. Registering the same name twice
// is a programming error and panics, the same way the original's decorator
// raised on a duplicate workflow name at import time.
func (r *Registry) Register(w Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[w.Name]; exists {
		panic(fmt.Sprintf("workflow: %q already registered", w.Name))
	}
	r.workflows[w.Name] = w
}

// Replace installs w, overwriting any existing registration under the
// same name. This is the redeploy path: processes persisted against the
// old definition pick up the new step list on their next load.
func (r *Registry) Replace(w Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.Name] = w
}

// Get looks up a workflow by name.
func (r *Registry) Get(name string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[name]
	if !ok {
		return Workflow{}, engerrors.New(engerrors.CodeWorkflowNotFound, fmt.Sprintf("workflow %q not found", name))
	}
	return w, nil
}

// All returns every registered workflow, sorted by name for deterministic
// iteration (used by the validation workflow and by `inspect` tooling).
func (r *Registry) All() []Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Workflow, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Default is the process-wide registry workflows register themselves into
// from their package init functions.
var Default = NewRegistry()
