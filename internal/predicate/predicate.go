// Package predicate compiles and evaluates CEL expressions against process
// state, the way the original subscription matcher compiled CEL filter
// expressions against event payloads, but evaluated here against a
// process's accumulated state instead of an incoming event.
package predicate

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/arcavia/subflow/internal/outcome"
)

// Predicate is a compiled CEL boolean expression, safe for concurrent
// evaluation across many processes.
type Predicate struct {
	source  string
	program cel.Program
}

var (
	envMu     sync.Mutex
	sharedEnv *cel.Env
)

func env() (*cel.Env, error) {
	envMu.Lock()
	defer envMu.Unlock()
	if sharedEnv != nil {
		return sharedEnv, nil
	}
	e, err := cel.NewEnv(
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("predicate: build CEL env: %w", err)
	}
	sharedEnv = e
	return e, nil
}

// programCache memoizes compiled programs by source text so repeated
// Compile calls for the same expression (e.g. a conditional step evaluated
// across many processes) skip re-parsing and re-checking.
var programCache sync.Map // map[string]cel.Program

// Compile parses and type-checks a CEL boolean expression over a single
// `state` variable (the process state map). It returns an error identical
// in spirit to an invalid subscription filter: a compile-time failure, not
// a deferred runtime one.
func Compile(expr string) (*Predicate, error) {
	if cached, ok := programCache.Load(expr); ok {
		return &Predicate{source: expr, program: cached.(cel.Program)}, nil
	}

	e, err := env()
	if err != nil {
		return nil, err
	}

	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("predicate: compile %q: %w", expr, issues.Err())
	}
	// State values are dyn, so a bare field selection type-checks as dyn:
	// a predicate must compare or combine, `state.ready == true` rather
	// than `state.ready`.
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("predicate: %q must evaluate to bool, got %s", expr, out)
	}

	// The cost limit keeps a pathological expression from stalling a
	// worker slot at evaluation time.
	program, err := e.Program(ast, cel.CostLimit(100_000))
	if err != nil {
		return nil, fmt.Errorf("predicate: plan %q: %w", expr, err)
	}

	programCache.Store(expr, program)
	return &Predicate{source: expr, program: program}, nil
}

// MustCompile is Compile, panicking on error; for predicates declared at
// package init time alongside a workflow definition.
func MustCompile(expr string) *Predicate {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Eval evaluates the predicate against state, returning its boolean result.
func (p *Predicate) Eval(state outcome.State) (bool, error) {
	out, _, err := p.program.Eval(map[string]any{"state": map[string]any(state)})
	if err != nil {
		return false, fmt.Errorf("predicate: eval %q: %w", p.source, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate: %q produced non-bool result %v", p.source, out)
	}
	return val, nil
}

// String returns the predicate's original source expression.
func (p *Predicate) String() string { return p.source }
