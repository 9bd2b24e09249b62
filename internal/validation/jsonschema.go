package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tevix/nodeflow/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for the workflow graph envelope.
// Per-node config validation happens separately against the registered
// handler's own config schema.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://nodeflow.dev/schemas/definition.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "connections": {
      "type": "array",
      "items": { "$ref": "#/$defs/connection" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "config": { "type": "object" },
        "position": {
          "type": "object",
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "branch": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// SchemaSource resolves a node type to the config schema of its handler.
// Satisfied by the handler registry.
type SchemaSource interface {
	Has(typeName string) bool
	ConfigSchemaFor(typeName string) (json.RawMessage, error)
}

// DefinitionValidator validates workflow definitions at save time: envelope
// shape via JSON Schema, per-node config against the handler's schema, and
// the structural graph checks. Safe for concurrent use.
type DefinitionValidator struct {
	envelope *jsonschema.Schema
	source   SchemaSource

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewDefinitionValidator compiles the envelope schema and wires the config
// schema source.
func NewDefinitionValidator(source SchemaSource) (*DefinitionValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource("https://nodeflow.dev/schemas/definition.json", doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	envelope, err := c.Compile("https://nodeflow.dev/schemas/definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &DefinitionValidator{
		envelope: envelope,
		source:   source,
		cache:    make(map[string]*jsonschema.Schema),
	}, nil
}

// Validate checks a definition for save. It reports envelope violations,
// unknown node types, invalid node configs, and structural graph defects.
func (v *DefinitionValidator) Validate(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.envelope.Validate(doc); err != nil {
		return toFlowError(err)
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if v.source != nil {
			if !v.source.Has(node.Type) {
				return schema.NewErrorf(schema.ErrCodeUnknownNodeType,
					"no handler registered for type %q", node.Type).WithNode(node.ID)
			}
			if err := v.validateConfig(node); err != nil {
				return err
			}
		}
	}

	return CheckGraph(def)
}

// validateConfig checks a node's config against its handler's schema.
func (v *DefinitionValidator) validateConfig(node *schema.NodeSpec) error {
	raw, err := v.source.ConfigSchemaFor(node.Type)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"handler %q has an invalid config schema", node.Type).WithCause(err)
	}

	config := node.Config
	if config == nil {
		config = map[string]any{}
	}
	doc, err := toJSONValue(config)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize node config").WithCause(err).WithNode(node.ID)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err).WithNode(node.ID)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches one.
func (v *DefinitionValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("nodeflow://config-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// one message per leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
