package validation

import (
	"github.com/tevix/nodeflow/internal/engine"
	"github.com/tevix/nodeflow/pkg/schema"
)

// CheckGraph runs the structural graph checks shared with the execution
// engine: duplicate or empty node IDs, connections to unknown nodes, missing
// trigger, self-loops and cycles. Validating at save time means a stored
// definition can always be walked.
func CheckGraph(def *schema.WorkflowDefinition) error {
	_, err := engine.NewWalker(def)
	return err
}
