package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tevix/nodeflow/pkg/schema"
)

func openStore(t *testing.T) *LibSQLStore {
	t.Helper()
	st, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func sampleDefinition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Nodes: []schema.NodeSpec{
			{ID: "start", Type: "manual_trigger"},
			{ID: "notify", Type: "log", Config: map[string]any{"message": "hello"}},
		},
		Connections: []schema.Connection{{Source: "start", Target: "notify"}},
	}
}

func seedWorkflow(t *testing.T, st *LibSQLStore, id string) *Workflow {
	t.Helper()
	wf := &Workflow{
		ID:         id,
		Name:       "order processing",
		Status:     schema.WorkflowStatusActive,
		Definition: sampleDefinition(),
	}
	require.NoError(t, st.CreateWorkflow(context.Background(), wf))
	return wf
}

func TestWorkflowRoundTrip(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	seedWorkflow(t, st, "wf-1")

	got, err := st.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "order processing", got.Name)
	assert.Equal(t, schema.WorkflowStatusActive, got.Status)
	assert.Equal(t, 1, got.Version)
	require.Len(t, got.Definition.Nodes, 2)
	assert.Equal(t, "manual_trigger", got.Definition.Nodes[0].Type)
	assert.Equal(t, "hello", got.Definition.Nodes[1].Config["message"])

	_, err = st.GetWorkflow(ctx, "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestReplaceDefinitionBumpsVersion(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, st, "wf-1")

	wf.Name = "order processing v2"
	wf.Definition.Nodes = append(wf.Definition.Nodes, schema.NodeSpec{ID: "extra", Type: "log"})
	require.NoError(t, st.ReplaceDefinition(ctx, "wf-1", wf))
	assert.Equal(t, 2, wf.Version)

	got, err := st.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "order processing v2", got.Name)
	assert.Len(t, got.Definition.Nodes, 3)

	err = st.ReplaceDefinition(ctx, "missing", wf)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestWorkflowStatusAndListing(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	seedWorkflow(t, st, "wf-1")
	seedWorkflow(t, st, "wf-2")

	require.NoError(t, st.SetWorkflowStatus(ctx, "wf-2", schema.WorkflowStatusInactive))

	active := schema.WorkflowStatusActive
	got, err := st.ListWorkflows(ctx, WorkflowFilter{Status: &active})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "wf-1", got[0].ID)

	all, err := st.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, st.DeleteWorkflow(ctx, "wf-2"))
	all, err = st.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunLifecycle(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	seedWorkflow(t, st, "wf-1")

	run := &WorkflowRun{
		ID:              "run-1",
		WorkflowID:      "wf-1",
		WorkflowVersion: 1,
		TriggeredBy:     schema.TriggerInfo{Type: "manual", UserID: "u-9"},
		InputData:       map[string]any{"order_id": "ord-42"},
	}
	require.NoError(t, st.CreateRun(ctx, run))
	assert.Equal(t, schema.RunStatusQueued, run.Status)

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusQueued, got.Status)
	assert.Equal(t, "manual", got.TriggeredBy.Type)
	assert.Equal(t, "ord-42", got.InputData["order_id"])

	started := time.Now()
	running := schema.RunStatusRunning
	require.NoError(t, st.UpdateRun(ctx, "run-1", RunUpdate{Status: &running, StartedAt: &started}))

	finished := time.Now()
	duration := int64(120)
	success := schema.RunStatusSuccess
	require.NoError(t, st.UpdateRun(ctx, "run-1", RunUpdate{
		Status:      &success,
		DataContext: map[string]any{"notify": map[string]any{"sent": true}},
		OutputData:  map[string]any{"data": map[string]any{"sent": true}},
		FinishedAt:  &finished,
		DurationMs:  &duration,
	}))

	got, err = st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, got.Status)
	assert.True(t, got.Status.Terminal())
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, int64(120), got.DurationMs)
	assert.NotNil(t, got.OutputData["data"])

	err = st.UpdateRun(ctx, "missing", RunUpdate{Status: &success})
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestListRunsFilters(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	seedWorkflow(t, st, "wf-1")
	seedWorkflow(t, st, "wf-2")

	for i, wfID := range []string{"wf-1", "wf-1", "wf-2"} {
		run := &WorkflowRun{
			ID:              []string{"run-a", "run-b", "run-c"}[i],
			WorkflowID:      wfID,
			WorkflowVersion: 1,
			TriggeredBy:     schema.TriggerInfo{Type: "manual"},
		}
		require.NoError(t, st.CreateRun(ctx, run))
	}
	failed := schema.RunStatusFailed
	require.NoError(t, st.UpdateRun(ctx, "run-b", RunUpdate{Status: &failed}))

	got, err := st.ListRuns(ctx, RunFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = st.ListRuns(ctx, RunFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "run-b", got[0].ID)

	got, err = st.ListRuns(ctx, RunFilter{WorkflowID: "wf-1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestNodeRecordsAppendOnly(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	seedWorkflow(t, st, "wf-1")
	require.NoError(t, st.CreateRun(ctx, &WorkflowRun{
		ID: "run-1", WorkflowID: "wf-1", WorkflowVersion: 1,
		TriggeredBy: schema.TriggerInfo{Type: "manual"},
	}))

	now := time.Now()
	rec := &NodeExecutionRecord{
		RunID:         "run-1",
		NodeID:        "start",
		NodeType:      "manual_trigger",
		Status:        schema.NodeStatusRunning,
		Order:         1,
		InputSnapshot: json.RawMessage(`{"data":null}`),
		StartedAt:     &now,
	}
	require.NoError(t, st.AppendNodeRecord(ctx, rec))
	assert.NotZero(t, rec.ID)

	// The order column is unique per run.
	dup := &NodeExecutionRecord{RunID: "run-1", NodeID: "other", NodeType: "log", Status: schema.NodeStatusRunning, Order: 1}
	assert.Error(t, st.AppendNodeRecord(ctx, dup))

	require.NoError(t, st.FinalizeNodeRecord(ctx, rec.ID, NodeRecordUpdate{
		Status:         schema.NodeStatusSuccess,
		Attempts:       1,
		OutputSnapshot: json.RawMessage(`{"data":{"ok":true}}`),
		FinishedAt:     time.Now(),
		DurationMs:     5,
	}))

	// Finalizing twice violates the append-only audit trail.
	err := st.FinalizeNodeRecord(ctx, rec.ID, NodeRecordUpdate{
		Status:     schema.NodeStatusFailed,
		FinishedAt: time.Now(),
	})
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	second := &NodeExecutionRecord{RunID: "run-1", NodeID: "notify", NodeType: "log", Status: schema.NodeStatusSkipped, Order: 2, StartedAt: &now, FinishedAt: &now}
	require.NoError(t, st.AppendNodeRecord(ctx, second))

	records, err := st.ListNodeRecords(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].Order)
	assert.Equal(t, schema.NodeStatusSuccess, records[0].Status)
	assert.Equal(t, 1, records[0].Attempts)
	assert.Equal(t, 2, records[1].Order)
	assert.Equal(t, schema.NodeStatusSkipped, records[1].Status)
}

func TestScheduleRoundTrip(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	seedWorkflow(t, st, "wf-1")

	next := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	sched := &Schedule{
		ID:             "sched-1",
		WorkflowID:     "wf-1",
		CronExpression: "*/5 * * * *",
		Payload:        json.RawMessage(`{"source":"cron"}`),
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, st.CreateSchedule(ctx, sched))

	got, err := st.ListSchedules(ctx, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "*/5 * * * *", got[0].CronExpression)
	assert.JSONEq(t, `{"source":"cron"}`, string(got[0].Payload))
	require.NotNil(t, got[0].NextRunAt)

	disabled := false
	require.NoError(t, st.UpdateSchedule(ctx, "sched-1", ScheduleUpdate{Enabled: &disabled}))
	got, err = st.ListSchedules(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = st.ListSchedules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, st.DeleteSchedule(ctx, "sched-1"))
	got, err = st.ListSchedules(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVariableUpsert(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertVariable(ctx, &Variable{Key: "environment", Value: json.RawMessage(`"staging"`)}))
	require.NoError(t, st.UpsertVariable(ctx, &Variable{Key: "batch_size", Value: json.RawMessage(`25`)}))
	require.NoError(t, st.UpsertVariable(ctx, &Variable{Key: "environment", Value: json.RawMessage(`"production"`)}))

	vars, err := st.ListVariables(ctx)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "batch_size", vars[0].Key)
	assert.Equal(t, "environment", vars[1].Key)
	assert.JSONEq(t, `"production"`, string(vars[1].Value))
}

func TestRunDeletedWithWorkflow(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	seedWorkflow(t, st, "wf-1")
	require.NoError(t, st.CreateRun(ctx, &WorkflowRun{
		ID: "run-1", WorkflowID: "wf-1", WorkflowVersion: 1,
		TriggeredBy: schema.TriggerInfo{Type: "manual"},
	}))

	require.NoError(t, st.DeleteWorkflow(ctx, "wf-1"))
	_, err := st.GetRun(ctx, "run-1")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}
