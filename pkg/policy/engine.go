// Package policy decides which trust index changes are contested.
//
// An uncontested change from a trusted authority commits directly; a
// contested one must go through the consensus trial machinery. The
// contest predicate is a CEL expression so operators can tune what
// counts as contested without rebuilding the engine. Evaluation is
// fail-closed: a missing or failing predicate contests the change.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/castellan-io/castellan/pkg/index"
)

// DefaultPolicyID names the predicate registered at startup.
const DefaultPolicyID = "default"

// DefaultContestPredicate contests everything that is not a plain
// addition by the root authority: removals, tier escalations to
// privileged, and changes from any other authority.
const DefaultContestPredicate = `remove || tier == "privileged" || authority != "root-authority"`

// Engine evaluates contest predicates over index changes.
type Engine struct {
	mu          sync.RWMutex
	env         *cel.Env
	programs    map[string]cel.Program
	definitions map[string]string
}

// NewEngine initializes the CEL environment with the change attributes
// every predicate can reference.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("path", types.StringType),
			decls.NewVariable("authority", types.StringType),
			decls.NewVariable("admitted", types.BoolType),
			decls.NewVariable("tier", types.StringType),
			decls.NewVariable("remove", types.BoolType),
			decls.NewVariable("existing", types.BoolType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Engine{
		env:         env,
		programs:    make(map[string]cel.Program),
		definitions: make(map[string]string),
	}, nil
}

// Load compiles and registers a predicate.
func (e *Engine) Load(policyID, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("policy compilation failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("program construction failed: %w", err)
	}

	e.programs[policyID] = prg
	e.definitions[policyID] = source
	return nil
}

// Definitions returns a copy of the loaded predicate sources.
func (e *Engine) Definitions() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.definitions))
	for k, v := range e.definitions {
		out[k] = v
	}
	return out
}

// Contested evaluates the named predicate over a change. existing
// reports whether the path already has a committed entry. Any
// evaluation problem returns true: when the policy cannot be consulted,
// the change is contested, never waved through.
func (e *Engine) Contested(policyID string, c index.Change, existing bool) bool {
	e.mu.RLock()
	prg, ok := e.programs[policyID]
	e.mu.RUnlock()
	if !ok {
		return true
	}

	input := map[string]interface{}{
		"path":      string(c.Entry.Path),
		"authority": c.Authority,
		"admitted":  c.Entry.Admitted,
		"tier":      string(c.Entry.RequiredTier),
		"remove":    c.Remove,
		"existing":  existing,
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return true
	}
	contested, ok := out.Value().(bool)
	if !ok {
		return true
	}
	return contested
}
