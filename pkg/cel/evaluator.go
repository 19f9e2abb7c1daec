package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"funnel/pkg/models"
)

// Evaluator compiles and runs CEL predicates against event envelopes. The
// catalog compiles expressions once at load; sequences and rules reuse the
// compiled Filter on every event.
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("contact_id", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	return nil
}

// Filter is a compiled boolean predicate over one event.
type Filter struct {
	program cel.Program
}

func (e *Evaluator) CompileFilter(expression string) (*Filter, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Filter{program: program}, nil
}

func (f *Filter) Eval(ctx context.Context, ev models.Event) (bool, error) {
	vars := map[string]interface{}{
		"id":         ev.ID,
		"kind":       string(ev.Kind),
		"contact_id": ev.ContactID,
		"timestamp":  ev.Timestamp,
		"attributes": ev.Attributes,
	}

	result, _, err := f.program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

// EvaluateFilter compiles and evaluates in one shot. Prefer CompileFilter for
// expressions evaluated repeatedly.
func (e *Evaluator) EvaluateFilter(ctx context.Context, expression string, ev models.Event) (bool, error) {
	filter, err := e.CompileFilter(expression)
	if err != nil {
		return false, err
	}
	return filter.Eval(ctx, ev)
}
