package handlers

import (
	"context"
	"encoding/json"

	"github.com/tevix/nodeflow/internal/datapath"
	"github.com/tevix/nodeflow/pkg/schema"
)

const conditionSchema = `{
  "type": "object",
  "properties": {
    "field": {"type": "string"},
    "operator": {"type": "string", "enum": ["==", "!=", ">", "<", ">=", "<=", "equals", "not_equals", "contains", "greater_than", "less_than", "greater_or_equal", "less_or_equal"], "default": "=="},
    "value": {}
  },
  "required": ["field"]
}`

const switchSchema = `{
  "type": "object",
  "properties": {
    "field": {"type": "string"},
    "cases": {"type": "array", "items": {"type": "object"}},
    "default_branch": {"type": "string", "default": "default"}
  },
  "required": ["field"]
}`

// Condition routes execution down the "true" or "false" branch based on a
// single comparison against the incoming data.
type Condition struct{}

func (Condition) Type() string                  { return "condition" }
func (Condition) ConfigSchema() json.RawMessage { return json.RawMessage(conditionSchema) }

func (Condition) Execute(_ context.Context, req Request) (*Result, error) {
	field := stringParam(req.Config, "field", "")
	if field == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "field is required")
	}
	operator := stringParam(req.Config, "operator", "==")
	expected := req.Config["value"]

	actual, _ := datapath.Get(req.Input["data"], field)
	branch := "false"
	if evaluateCondition(actual, operator, expected) {
		branch = "true"
	}

	out := OK(req.Input["data"], "Condition evaluated")
	out["branch"] = branch
	out["field"] = field
	out["actual"] = actual
	return &Result{Output: out, Branch: branch}, nil
}

// Switch routes down the first matching case's branch, falling back to the
// configured default branch. Cases are compared in declaration order.
type Switch struct{}

func (Switch) Type() string                  { return "switch" }
func (Switch) ConfigSchema() json.RawMessage { return json.RawMessage(switchSchema) }

func (Switch) Execute(_ context.Context, req Request) (*Result, error) {
	field := stringParam(req.Config, "field", "")
	if field == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "field is required")
	}

	actual, _ := datapath.Get(req.Input["data"], field)

	branch := stringParam(req.Config, "default_branch", "default")
	for _, c := range listParam(req.Config, "cases") {
		caseMap, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if looseEqual(actual, caseMap["value"]) {
			if b := stringParam(caseMap, "branch", ""); b != "" {
				branch = b
			} else {
				branch = datapath.Render(caseMap["value"])
			}
			break
		}
	}

	out := OK(req.Input["data"], "Switch evaluated")
	out["branch"] = branch
	return &Result{Output: out, Branch: branch}, nil
}
