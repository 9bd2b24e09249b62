package handlers

import (
	"context"
	"encoding/json"

	"github.com/tevix/nodeflow/internal/datapath"
	"github.com/tevix/nodeflow/pkg/schema"
)

const jsonParserSchema = `{
  "type": "object",
  "properties": {
    "operation": {"type": "string", "enum": ["parse", "stringify", "extract"], "default": "parse"},
    "source_path": {"type": "string"},
    "extract_path": {"type": "string"}
  }
}`

// JSONParser converts between JSON text and structured data, and extracts
// nested values by dot path.
type JSONParser struct{}

func (JSONParser) Type() string                  { return "json_parser" }
func (JSONParser) ConfigSchema() json.RawMessage { return json.RawMessage(jsonParserSchema) }

func (JSONParser) Execute(_ context.Context, req Request) (*Result, error) {
	source := req.Input["data"]
	if p := stringParam(req.Config, "source_path", ""); p != "" {
		source, _ = datapath.Get(req.Input["data"], p)
	}

	switch op := stringParam(req.Config, "operation", "parse"); op {
	case "parse":
		text, ok := source.(string)
		if !ok {
			// Already structured, pass through untouched.
			return &Result{Output: OK(source, "Input already parsed")}, nil
		}
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeHandler, "invalid JSON input").WithCause(err)
		}
		return &Result{Output: OK(parsed, "JSON parsed successfully")}, nil

	case "stringify":
		raw, err := json.Marshal(source)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeHandler, "value is not JSON-serializable").WithCause(err)
		}
		return &Result{Output: OK(string(raw), "JSON stringified successfully")}, nil

	case "extract":
		path := stringParam(req.Config, "extract_path", "")
		if path == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "extract_path is required for extract operation")
		}
		v, found := datapath.Get(source, path)
		if !found {
			return nil, schema.NewErrorf(schema.ErrCodeHandler, "path %q not found in input", path)
		}
		return &Result{Output: OK(v, "Value extracted successfully")}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "unsupported JSON operation: %s", op)
	}
}
