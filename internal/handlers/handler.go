// Package handlers contains the node handler contract, the type registry and
// the built-in handler implementations for every node category: triggers,
// data sources, transforms, conditions, actions and outputs.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tevix/nodeflow/pkg/schema"
)

// Handler is the executable logic behind one node type.
//
// Execute may be invoked more than once for the same node within a single
// run under the engine's retry policy, so handlers performing external
// effects are at-least-once rather than idempotent unless the concrete
// handler implements its own idempotency key.
type Handler interface {
	// Type is the node type identifier this handler is registered under.
	Type() string

	// ConfigSchema returns the JSON Schema the node's config is validated
	// against at workflow save time. Empty means no constraints.
	ConfigSchema() json.RawMessage

	// Execute runs the node. req.Input is an immutable view of the merged
	// upstream data context; the returned Result.Output is the delta the
	// engine merges back, keyed by node ID.
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Request is everything a handler receives for one invocation. Run-scoped
// metadata travels here explicitly; handlers never read ambient state.
type Request struct {
	Config map[string]any `json:"config"`
	Input  map[string]any `json:"input"`
	Run    RunContext     `json:"run"`
}

// RunContext carries run-scoped metadata into a handler invocation.
type RunContext struct {
	RunID           string             `json:"run_id"`
	WorkflowID      string             `json:"workflow_id"`
	WorkflowName    string             `json:"workflow_name"`
	WorkflowVersion int                `json:"workflow_version"`
	Trigger         schema.TriggerInfo `json:"trigger"`
	Variables       map[string]any     `json:"variables,omitempty"`
}

// Result is the outcome of one handler invocation.
type Result struct {
	// Output is merged into the run's data context keyed by node ID.
	// Conventionally {"data": ..., "success": true, "message": "..."}.
	Output map[string]any `json:"output,omitempty"`

	// Branch is the label returned by condition/switch handlers; the walker
	// follows only connections carrying this label. Empty for other nodes.
	Branch string `json:"branch,omitempty"`

	// Suspend asks the engine to pause the run's forward progress for the
	// given duration before advancing. Only the delay handler sets it; the
	// engine performs the wait so no worker slot is held.
	Suspend time.Duration `json:"-"`
}

// OK builds the conventional success output envelope.
func OK(data any, message string) map[string]any {
	return map[string]any{
		"data":    data,
		"success": true,
		"message": message,
	}
}
