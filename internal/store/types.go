package store

import (
	"encoding/json"
	"time"

	"github.com/tevix/nodeflow/pkg/schema"
)

// Workflow is a stored workflow: a named, versioned graph definition.
// The definition is immutable per version; ReplaceDefinition writes a new
// definition and increments Version.
type Workflow struct {
	ID             string                    `json:"id"`
	Name           string                    `json:"name"`
	Description    string                    `json:"description,omitempty"`
	Status         schema.WorkflowStatus     `json:"status"`
	Definition     schema.WorkflowDefinition `json:"definition"`
	Version        int                       `json:"version"`
	CreatedBy      string                    `json:"created_by,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	LastExecutedAt *time.Time                `json:"last_executed_at,omitempty"`
}

// WorkflowRun is one execution instance of a workflow definition.
// Created by the triggering layer with status queued; mutated only by the
// execution engine; terminal once Status is success, failed or cancelled.
type WorkflowRun struct {
	ID              string             `json:"id"`
	WorkflowID      string             `json:"workflow_id"`
	WorkflowVersion int                `json:"workflow_version"`
	Status          schema.RunStatus   `json:"status"`
	TriggeredBy     schema.TriggerInfo `json:"triggered_by"`
	InputData       map[string]any     `json:"input_data,omitempty"`
	DataContext     map[string]any     `json:"data_context,omitempty"`
	OutputData      map[string]any     `json:"output_data,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
	DurationMs      int64              `json:"duration_ms,omitempty"`
}

// NodeExecutionRecord is the immutable audit entry for one node invocation
// within a run. Created immediately before the handler is invoked, finalized
// immediately after, never mutated afterwards. Ordered by Order, the records
// of a run reconstruct the exact path taken through the graph.
type NodeExecutionRecord struct {
	ID             int64             `json:"id"`
	RunID          string            `json:"run_id"`
	NodeID         string            `json:"node_id"`
	NodeType       string            `json:"node_type"`
	Status         schema.NodeStatus `json:"status"`
	Order          int               `json:"order"` // monotonic sequence within the run, starting at 1
	Attempts       int               `json:"attempts"`
	InputSnapshot  json.RawMessage   `json:"input_snapshot,omitempty"`
	OutputSnapshot json.RawMessage   `json:"output_snapshot,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	DurationMs     int64             `json:"duration_ms,omitempty"`
}

// Schedule is a cron-triggered workflow execution.
type Schedule struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	CronExpression string          `json:"cron_expression"`
	Payload        json.RawMessage `json:"payload,omitempty"` // static input_data for triggered runs
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Variable is a named global value seeded into every run's data context
// under the "variables" key.
type Variable struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// --- Filter and update types ---

// RunUpdate specifies mutable fields of a workflow run.
type RunUpdate struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	DataContext  map[string]any    `json:"data_context,omitempty"`
	OutputData   map[string]any    `json:"output_data,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	DurationMs   *int64            `json:"duration_ms,omitempty"`
}

// NodeRecordUpdate finalizes a node execution record.
type NodeRecordUpdate struct {
	Status         schema.NodeStatus `json:"status"`
	Attempts       int               `json:"attempts"`
	OutputSnapshot json.RawMessage   `json:"output_snapshot,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	FinishedAt     time.Time         `json:"finished_at"`
	DurationMs     int64             `json:"duration_ms"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}
