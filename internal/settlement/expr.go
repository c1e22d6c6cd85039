package settlement

import (
	"fmt"

	"github.com/PaesslerAG/gval"
)

// evalFormula evaluates a bounded arithmetic expression against
// workflow data, the settlement module's replacement for the reference
// implementation's eval(formula, {}, {"data": workflow_data}): gval parses
// a fixed expression grammar (arithmetic, comparisons, indexing) and never
// executes arbitrary host-language statements, so a malicious or merely
// buggy amount_formula can't reach outside its "data" parameter.
func evalFormula(expression string, workflowData map[string]any) (float64, error) {
	result, err := gval.Evaluate(expression, map[string]any{"data": workflowData})
	if err != nil {
		return 0, fmt.Errorf("evaluate formula: %w", err)
	}

	switch v := result.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("formula did not evaluate to a number: %v", result)
	}
}

// evalSelector evaluates a bounded expression expected to produce a
// recipient identifier string, the same gval sandbox evalFormula uses for
// recipient_selector.
func evalSelector(expression string, workflowData map[string]any) (string, error) {
	result, err := gval.Evaluate(expression, map[string]any{"data": workflowData})
	if err != nil {
		return "", fmt.Errorf("evaluate selector: %w", err)
	}
	return fmt.Sprintf("%v", result), nil
}
