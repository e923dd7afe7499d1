package automation

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// filterCostLimit bounds CEL evaluation so a pathological expression in a
// rule cannot stall a pass.
const filterCostLimit = 1_000_000

// filterSet compiles and caches the optional filter_expression condition
// shared by every trigger type. Programs are cached by expression text,
// so an updated rule picks up its new program without any invalidation
// step. Thread-safe for concurrent evaluation.
type filterSet struct {
	env      *cel.Env
	programs map[string]cel.Program
	mu       sync.RWMutex
}

// newFilterSet creates the CEL environment the filter expressions are
// checked against. Facts are map-shaped, so the top-level objects are
// declared as dynamic types.
func newFilterSet() (*filterSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("Message", cel.DynType),
		cel.Variable("Customer", cel.DynType),
		cel.Variable("Event", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &filterSet{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// matches evaluates the filter_expression in conditions, if any, against
// the event context. An absent expression is vacuously true. Compile and
// evaluation errors are returned to be attached to the rule's outcome; a
// non-boolean result counts as no match.
func (f *filterSet) matches(conditions ConditionMap, ec *EventContext) (bool, error) {
	expression := conditions.stringValue(filterExpressionKey)
	if expression == "" {
		return true, nil
	}

	prog, err := f.program(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prog.Eval(filterFacts(ec))
	if err != nil {
		return false, fmt.Errorf("filter evaluation error: %w", err)
	}

	matched, _ := out.Value().(bool)
	return matched, nil
}

func (f *filterSet) program(expression string) (cel.Program, error) {
	f.mu.RLock()
	prog, ok := f.programs[expression]
	f.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := f.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("filter compile error: %w", issues.Err())
	}

	prog, err := f.env.Program(ast, cel.CostLimit(filterCostLimit))
	if err != nil {
		return nil, fmt.Errorf("filter program error: %w", err)
	}

	f.mu.Lock()
	f.programs[expression] = prog
	f.mu.Unlock()

	return prog, nil
}

// filterFacts maps the event context onto the CEL variables.
func filterFacts(ec *EventContext) map[string]any {
	return map[string]any{
		"Message": map[string]any{
			"ID":   ec.MessageID,
			"Text": ec.MessageText,
			"Type": ec.MessageType,
		},
		"Customer": map[string]any{
			"ID":       ec.CustomerID,
			"Username": ec.CustomerUsername,
			"Name":     ec.CustomerName,
			"Email":    ec.CustomerEmail,
		},
		"Event": map[string]any{
			"AccountID": ec.AccountID,
			"ThreadID":  ec.ThreadID,
			"ItemID":    ec.ItemID,
			"ItemTitle": ec.ItemTitle,
			"OrderID":   ec.OrderID,
			"Timestamp": ec.Timestamp,
		},
	}
}
