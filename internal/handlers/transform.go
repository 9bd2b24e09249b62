package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tevix/nodeflow/internal/datapath"
	"github.com/tevix/nodeflow/pkg/schema"
)

const dataTransformSchema = `{
  "type": "object",
  "properties": {
    "transform_type": {"type": "string", "enum": ["map", "filter", "aggregate"], "default": "map"},
    "field_mappings": {},
    "filter_field": {"type": "string"},
    "filter_operator": {"type": "string", "enum": ["equals", "not_equals", "contains", "greater_than", "less_than"]},
    "filter_value": {},
    "aggregation_type": {"type": "string", "enum": ["count", "sum", "avg", "min", "max"], "default": "count"},
    "aggregation_field": {"type": "string"}
  }
}`

// DataTransform is a pure function over the data context: field re-mapping,
// single-predicate filtering, or aggregation across a sequence.
type DataTransform struct{}

func (DataTransform) Type() string                  { return "data_transform" }
func (DataTransform) ConfigSchema() json.RawMessage { return json.RawMessage(dataTransformSchema) }

func (DataTransform) Execute(_ context.Context, req Request) (*Result, error) {
	data := req.Input["data"]

	var out map[string]any
	switch transformType := stringParam(req.Config, "transform_type", "map"); transformType {
	case "map":
		out = mapFields(data, listParam(req.Config, "field_mappings"))
	case "filter":
		out = filterData(data, req.Config)
	case "aggregate":
		out = aggregateData(data, req.Config)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "unsupported transform type: %s", transformType)
	}
	return &Result{Output: out}, nil
}

// mapFields applies an ordered list of {source, target} path pairs. A
// sequence input is mapped per item; anything else is mapped as one record.
func mapFields(data any, mappings []any) map[string]any {
	if items, ok := data.([]any); ok {
		result := make([]any, 0, len(items))
		for _, item := range items {
			result = append(result, mapOne(item, mappings))
		}
		return OK(result, fmt.Sprintf("Mapped %d items", len(result)))
	}
	return OK(mapOne(data, mappings), "Data mapped successfully")
}

func mapOne(item any, mappings []any) map[string]any {
	mapped := make(map[string]any)
	for _, m := range mappings {
		var source, target string
		switch t := m.(type) {
		case map[string]any:
			source = stringParam(t, "source", "")
			target = stringParam(t, "target", "")
		case string:
			// A bare field name maps to itself.
			source, target = t, t
		}
		if source == "" || target == "" {
			continue
		}
		v, _ := datapath.Get(item, source)
		datapath.Set(mapped, target, v)
	}
	return mapped
}

// filterData keeps the items satisfying a single field/operator/value
// predicate. A non-sequence input is treated as a one-item sequence.
func filterData(data any, config map[string]any) map[string]any {
	items, ok := data.([]any)
	if !ok {
		items = []any{data}
	}

	field := stringParam(config, "filter_field", "")
	operator := stringParam(config, "filter_operator", "equals")
	expected := config["filter_value"]

	filtered := make([]any, 0, len(items))
	for _, item := range items {
		v, _ := datapath.Get(item, field)
		if evaluateCondition(v, operator, expected) {
			filtered = append(filtered, item)
		}
	}
	return OK(filtered, fmt.Sprintf("Filtered to %d items", len(filtered)))
}

// aggregateData computes count, sum, avg, min or max of a field across a
// sequence. Missing or non-numeric values coerce to zero for sum/avg and are
// excluded for min/max.
func aggregateData(data any, config map[string]any) map[string]any {
	items, ok := data.([]any)
	if !ok {
		return OK(data, "No aggregation needed for single item")
	}

	aggType := stringParam(config, "aggregation_type", "count")
	aggField := stringParam(config, "aggregation_field", "")

	var result any
	switch {
	case aggType == "sum" && aggField != "":
		sum := 0.0
		for _, item := range items {
			v, _ := datapath.Get(item, aggField)
			sum += datapath.Number(v)
		}
		result = sum
	case aggType == "avg" && aggField != "":
		if len(items) == 0 {
			result = 0.0
			break
		}
		sum := 0.0
		for _, item := range items {
			v, _ := datapath.Get(item, aggField)
			sum += datapath.Number(v)
		}
		result = sum / float64(len(items))
	case aggType == "min" && aggField != "":
		result = extremum(items, aggField, func(a, b float64) bool { return a < b })
	case aggType == "max" && aggField != "":
		result = extremum(items, aggField, func(a, b float64) bool { return a > b })
	default:
		result = len(items)
	}

	return OK(map[string]any{
		"result": result,
		"type":   aggType,
		"field":  aggField,
	}, fmt.Sprintf("Aggregated %d items using %s", len(items), aggType))
}

// extremum returns the best numeric value of a field across items, or nil
// when no item holds a numeric value there.
func extremum(items []any, field string, better func(a, b float64) bool) any {
	var best *float64
	for _, item := range items {
		v, _ := datapath.Get(item, field)
		f, ok := datapath.NumberStrict(v)
		if !ok {
			continue
		}
		if best == nil || better(f, *best) {
			f := f
			best = &f
		}
	}
	if best == nil {
		return nil
	}
	return *best
}

// evaluateCondition applies the fixed operator set shared by the filter
// transform and the condition handler.
func evaluateCondition(value any, operator string, expected any) bool {
	switch operator {
	case "equals", "==":
		return looseEqual(value, expected)
	case "not_equals", "!=":
		return !looseEqual(value, expected)
	case "contains":
		return strings.Contains(
			strings.ToLower(datapath.Render(value)),
			strings.ToLower(datapath.Render(expected)),
		)
	case "greater_than", ">":
		return datapath.Number(value) > datapath.Number(expected)
	case "less_than", "<":
		return datapath.Number(value) < datapath.Number(expected)
	case "greater_or_equal", ">=":
		return datapath.Number(value) >= datapath.Number(expected)
	case "less_or_equal", "<=":
		return datapath.Number(value) <= datapath.Number(expected)
	default:
		return false
	}
}

// looseEqual compares scalars the way the graph editor produces them:
// numbers compare numerically regardless of int/float/string form, other
// values compare by rendered string.
func looseEqual(a, b any) bool {
	af, aok := datapath.NumberStrict(a)
	bf, bok := datapath.NumberStrict(b)
	if aok && bok {
		return af == bf
	}
	return datapath.Render(a) == datapath.Render(b)
}
