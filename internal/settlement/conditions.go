package settlement

import "strings"

// EvaluateConditions reports whether every entry in conditions matches
// data, AND-conjoined: a single mismatch fails the whole rule. Keys may
// use dot notation ("output.score") to reach into nested maps; a missing
// path is treated as false rather than an error, so one absent field in a
// workflow's context can never cause a rule evaluation to blow up.
//
// An expected value that is itself a map is interpreted as an operator
// object ($eq/$gt/$gte/$lt/$lte/$in); anything else is a direct equality
// check.
func EvaluateConditions(conditions map[string]any, data map[string]any) bool {
	if len(conditions) == 0 {
		return true
	}

	for key, expected := range conditions {
		actual := lookupPath(key, data)

		if ops, ok := expected.(map[string]any); ok {
			if !evaluateOperators(ops, actual) {
				return false
			}
			continue
		}

		if actual != expected {
			return false
		}
	}
	return true
}

func lookupPath(key string, data map[string]any) any {
	if !strings.Contains(key, ".") {
		return data[key]
	}

	parts := strings.Split(key, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func evaluateOperators(ops map[string]any, actual any) bool {
	if eq, ok := ops["$eq"]; ok {
		if actual != eq {
			return false
		}
	}
	if gt, ok := ops["$gt"]; ok {
		av, ok1 := toFloat(actual)
		ev, ok2 := toFloat(gt)
		if !ok1 || !ok2 || av <= ev {
			return false
		}
	}
	if gte, ok := ops["$gte"]; ok {
		av, ok1 := toFloat(actual)
		ev, ok2 := toFloat(gte)
		if !ok1 || !ok2 || av < ev {
			return false
		}
	}
	if lt, ok := ops["$lt"]; ok {
		av, ok1 := toFloat(actual)
		ev, ok2 := toFloat(lt)
		if !ok1 || !ok2 || av >= ev {
			return false
		}
	}
	if lte, ok := ops["$lte"]; ok {
		av, ok1 := toFloat(actual)
		ev, ok2 := toFloat(lte)
		if !ok1 || !ok2 || av > ev {
			return false
		}
	}
	if in, ok := ops["$in"]; ok {
		list, ok := in.([]any)
		if !ok || !containsAny(list, actual) {
			return false
		}
	}
	return true
}

func containsAny(list []any, v any) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
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
