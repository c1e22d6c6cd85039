// Package compliance evaluates compliance checkpoints against workflow or
// task output and records the result in the trust ledger.
package compliance

import "fmt"

// Rule evaluates a checkpoint's rule_definition against a context.
type Rule interface {
	Evaluate(context map[string]any) (passed bool, details map[string]any)
}

// RequiredFieldRule fails if any of RequiredFields is absent from the
// context.
type RequiredFieldRule struct {
	Name           string
	RequiredFields []string
}

// Evaluate implements Rule.
func (r RequiredFieldRule) Evaluate(context map[string]any) (bool, map[string]any) {
	var missing []string
	for _, field := range r.RequiredFields {
		if _, ok := context[field]; !ok {
			missing = append(missing, field)
		}
	}
	return len(missing) == 0, map[string]any{
		"required": r.RequiredFields,
		"missing":  missing,
	}
}

// ThresholdRule fails if context[Field] falls outside [Min, Max] (either
// bound may be nil to mean unbounded).
type ThresholdRule struct {
	Name  string
	Field string
	Min   *float64
	Max   *float64
}

// Evaluate implements Rule.
func (r ThresholdRule) Evaluate(context map[string]any) (bool, map[string]any) {
	raw, ok := context[r.Field]
	if !ok || raw == nil {
		return false, map[string]any{"error": fmt.Sprintf("field %s not found", r.Field)}
	}

	value, ok := toFloat(raw)
	if !ok {
		return false, map[string]any{"error": fmt.Sprintf("field %s is not numeric", r.Field)}
	}

	passed := true
	if r.Min != nil && value < *r.Min {
		passed = false
	}
	if r.Max != nil && value > *r.Max {
		passed = false
	}

	return passed, map[string]any{
		"field": r.Field,
		"value": value,
		"min":   r.Min,
		"max":   r.Max,
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// RuleFromDefinition builds a Rule from a checkpoint's rule_definition map,
// dispatching on its "type" field ("required_fields" default, or
// "threshold").
func RuleFromDefinition(name string, def map[string]any) Rule {
	ruleType, _ := def["type"].(string)
	switch ruleType {
	case "threshold":
		field, _ := def["field"].(string)
		return ThresholdRule{
			Name:  name,
			Field: field,
			Min:   floatPtr(def["min"]),
			Max:   floatPtr(def["max"]),
		}
	default:
		fields := stringSlice(def["fields"])
		return RequiredFieldRule{Name: name, RequiredFields: fields}
	}
}

func floatPtr(v any) *float64 {
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &f
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
