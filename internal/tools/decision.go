package tools

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nodadyoushutup/llmctl/internal/flowchart"
)

// RegisterDecision installs the decision domain.
func RegisterDecision(r *Registry) {
	r.Register("decision", "evaluate", decisionEvaluate)
}

// EvaluateConditions applies decision conditions to an input payload and
// returns the matched connector ids, deduplicated and sorted.
func EvaluateConditions(conditions []flowchart.DecisionCondition, input map[string]any) ([]string, error) {
	matched := make(map[string]struct{})
	for i, cond := range conditions {
		if cond.ConnectorID == "" {
			return nil, fmt.Errorf("%w: condition %d has no connector id", ErrValidation, i)
		}
		ok, err := evalCondition(cond, input)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		if ok {
			matched[cond.ConnectorID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(matched))
	for id := range matched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func evalCondition(cond flowchart.DecisionCondition, input map[string]any) (bool, error) {
	value, present := lookupField(input, cond.Field)
	switch cond.Operator {
	case "exists":
		return present, nil
	case "not_exists":
		return !present, nil
	case "equals":
		return present && asString(value) == cond.Value, nil
	case "not_equals":
		return !present || asString(value) != cond.Value, nil
	case "contains":
		return present && strings.Contains(asString(value), cond.Value), nil
	case "gt", "lt":
		if !present {
			return false, nil
		}
		left, err := asNumber(value)
		if err != nil {
			return false, nil
		}
		right, err := strconv.ParseFloat(cond.Value, 64)
		if err != nil {
			return false, fmt.Errorf("%w: non-numeric comparison value %q", ErrValidation, cond.Value)
		}
		if cond.Operator == "gt" {
			return left > right, nil
		}
		return left < right, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrValidation, cond.Operator)
	}
}

// lookupField resolves dotted paths into nested maps.
func lookupField(input map[string]any, field string) (any, bool) {
	parts := strings.Split(field, ".")
	var current any = input
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asNumber(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func decisionEvaluate(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("decision", "evaluate")
	rawConds, _ := args["decision_conditions"].([]any)
	if len(rawConds) == 0 {
		err := fmt.Errorf("%w: decision node has no decision_conditions", ErrValidation)
		trace.fail("%v", err)
		return trace, err
	}
	conditions := make([]flowchart.DecisionCondition, 0, len(rawConds))
	for i, raw := range rawConds {
		m, ok := raw.(map[string]any)
		if !ok {
			err := fmt.Errorf("%w: condition %d malformed", ErrValidation, i)
			trace.fail("%v", err)
			return trace, err
		}
		conditions = append(conditions, flowchart.DecisionCondition{
			ConnectorID: stringArg(m, "connector_id"),
			Field:       stringArg(m, "field"),
			Operator:    stringArg(m, "operator"),
			Value:       stringArg(m, "value"),
		})
	}
	input, _ := args["input"].(map[string]any)

	matched, err := EvaluateConditions(conditions, input)
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	trace.count("conditions", len(conditions))
	trace.count("matched", len(matched))
	trace.Output = map[string]any{"matched_connector_ids": matched}
	return trace, nil
}
