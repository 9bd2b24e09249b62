package store

import (
	"context"

	"github.com/tevix/nodeflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use; node execution
// records are append-only once finalized.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ReplaceDefinition(ctx context.Context, id string, wf *Workflow) error
	SetWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error
	TouchWorkflowExecuted(ctx context.Context, id string) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)

	// Node execution records (append, finalize once, then immutable)
	AppendNodeRecord(ctx context.Context, rec *NodeExecutionRecord) error
	FinalizeNodeRecord(ctx context.Context, id int64, update NodeRecordUpdate) error
	ListNodeRecords(ctx context.Context, runID string) ([]*NodeExecutionRecord, error)

	// Schedules
	CreateSchedule(ctx context.Context, s *Schedule) error
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	DeleteSchedule(ctx context.Context, id string) error

	// Variables
	UpsertVariable(ctx context.Context, v *Variable) error
	ListVariables(ctx context.Context) ([]*Variable, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
