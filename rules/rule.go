package rules

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrNotBoolean is returned when an expression yields something other than a bool.
var ErrNotBoolean = errors.New("expression did not evaluate to a boolean")

// Evaluator evaluates boolean rule expressions against an environment.
// The environment is either a struct (fields become variables) or a map[string]any.
type Evaluator interface {
	Evaluate(expression string, env any) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Programs are compiled once per (expression, environment type) pair and cached.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

func cacheKey(expression string, env any) string {
	return fmt.Sprintf("%T\x00%s", env, expression)
}

// Compile type-checks expression against env and caches the program. Use it at
// startup so a bad rule fails configuration instead of the first evaluation.
func (e *ExprEvaluator) Compile(expression string, env any) error {
	_, err := e.program(expression, env)
	return err
}

func (e *ExprEvaluator) program(expression string, env any) (*vm.Program, error) {
	key := cacheKey(expression, env)

	e.mu.RLock()
	program, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[key]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	e.cache[key] = program
	return program, nil
}

// Evaluate evaluates the given expression against env.
// Returns false and an error if compilation, execution, or type assertion fails.
func (e *ExprEvaluator) Evaluate(expression string, env any) (bool, error) {
	program, err := e.program(expression, env)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("run %q: %w", expression, err)
	}

	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("%w: %q got %T", ErrNotBoolean, expression, result)
}
