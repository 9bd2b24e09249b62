package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/tevix/nodeflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB. Query-construction handlers run their
// statements on the same database the engine persists to.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusInactive
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, status, definition, version, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, nullStr(wf.Description), string(wf.Status), string(def), wf.Version,
		nullStr(wf.CreatedBy), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var desc, createdBy sql.NullString
	var defJSON, status string
	var lastExecuted sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, status, definition, version, created_by, created_at, updated_at, last_executed_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &desc, &status, &defJSON, &wf.Version, &createdBy, &wf.CreatedAt, &wf.UpdatedAt, &lastExecuted)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.CreatedBy = createdBy.String
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal workflow definition: %w", err)
	}
	if lastExecuted.Valid {
		wf.LastExecutedAt = &lastExecuted.Time
	}
	return wf, nil
}

// ReplaceDefinition stores a new definition for the workflow and increments
// its version counter. The caller gets the new version back on wf.Version.
func (s *LibSQLStore) ReplaceDefinition(ctx context.Context, id string, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET definition = ?, name = ?, description = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		string(def), wf.Name, nullStr(wf.Description), id,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "workflow", id); err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `SELECT version FROM workflows WHERE id = ?`, id).Scan(&wf.Version)
}

func (s *LibSQLStore) SetWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) TouchWorkflowExecuted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET last_executed_at = CURRENT_TIMESTAMP WHERE id = ?`, id,
	)
	return err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT id, name, description, status, definition, version, created_by, created_at, updated_at, last_executed_at FROM workflows`
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var desc, createdBy sql.NullString
		var defJSON, status string
		var lastExecuted sql.NullTime
		if err := rows.Scan(&wf.ID, &wf.Name, &desc, &status, &defJSON, &wf.Version, &createdBy, &wf.CreatedAt, &wf.UpdatedAt, &lastExecuted); err != nil {
			return nil, err
		}
		wf.Description = desc.String
		wf.CreatedBy = createdBy.String
		wf.Status = schema.WorkflowStatus(status)
		if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal workflow definition: %w", err)
		}
		if lastExecuted.Valid {
			wf.LastExecutedAt = &lastExecuted.Time
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *WorkflowRun) error {
	trigger, err := json.Marshal(run.TriggeredBy)
	if err != nil {
		return fmt.Errorf("marshal triggered_by: %w", err)
	}
	input, err := marshalMapOrDefault(run.InputData)
	if err != nil {
		return fmt.Errorf("marshal input_data: %w", err)
	}
	if run.Status == "" {
		run.Status = schema.RunStatusQueued
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, workflow_version, status, triggered_by, input_data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowVersion, string(run.Status), string(trigger), string(input), timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	run := &WorkflowRun{}
	var status string
	var trigger, input, dataCtx, output, errMsg sql.NullString
	var started, finished sql.NullTime
	var duration sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_version, status, triggered_by, input_data, data_context, output_data,
		        error_message, created_at, started_at, finished_at, duration_ms
		 FROM workflow_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.WorkflowVersion, &status, &trigger, &input, &dataCtx, &output,
		&errMsg, &run.CreatedAt, &started, &finished, &duration)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.ErrorMessage = errMsg.String
	if trigger.Valid && trigger.String != "" {
		if err := json.Unmarshal([]byte(trigger.String), &run.TriggeredBy); err != nil {
			return nil, fmt.Errorf("unmarshal triggered_by: %w", err)
		}
	}
	if err := unmarshalNullMap(input, &run.InputData); err != nil {
		return nil, fmt.Errorf("unmarshal input_data: %w", err)
	}
	if err := unmarshalNullMap(dataCtx, &run.DataContext); err != nil {
		return nil, fmt.Errorf("unmarshal data_context: %w", err)
	}
	if err := unmarshalNullMap(output, &run.OutputData); err != nil {
		return nil, fmt.Errorf("unmarshal output_data: %w", err)
	}
	if started.Valid {
		run.StartedAt = &started.Time
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	run.DurationMs = duration.Int64
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.DataContext != nil {
		raw, err := json.Marshal(update.DataContext)
		if err != nil {
			return fmt.Errorf("marshal data_context: %w", err)
		}
		sets = append(sets, "data_context = ?")
		args = append(args, string(raw))
	}
	if update.OutputData != nil {
		raw, err := json.Marshal(update.OutputData)
		if err != nil {
			return fmt.Errorf("marshal output_data: %w", err)
		}
		sets = append(sets, "output_data = ?")
		args = append(args, string(raw))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE workflow_runs SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	query := `SELECT id, workflow_id, workflow_version, status, triggered_by, input_data, data_context, output_data,
	                 error_message, created_at, started_at, finished_at, duration_ms
	          FROM workflow_runs`
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		run := &WorkflowRun{}
		var status string
		var trigger, input, dataCtx, output, errMsg sql.NullString
		var started, finished sql.NullTime
		var duration sql.NullInt64
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.WorkflowVersion, &status, &trigger, &input, &dataCtx, &output,
			&errMsg, &run.CreatedAt, &started, &finished, &duration); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		run.ErrorMessage = errMsg.String
		if trigger.Valid && trigger.String != "" {
			if err := json.Unmarshal([]byte(trigger.String), &run.TriggeredBy); err != nil {
				return nil, fmt.Errorf("unmarshal triggered_by: %w", err)
			}
		}
		if err := unmarshalNullMap(input, &run.InputData); err != nil {
			return nil, err
		}
		if err := unmarshalNullMap(dataCtx, &run.DataContext); err != nil {
			return nil, err
		}
		if err := unmarshalNullMap(output, &run.OutputData); err != nil {
			return nil, err
		}
		if started.Valid {
			run.StartedAt = &started.Time
		}
		if finished.Valid {
			run.FinishedAt = &finished.Time
		}
		run.DurationMs = duration.Int64
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Node execution records ---

func (s *LibSQLStore) AppendNodeRecord(ctx context.Context, rec *NodeExecutionRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO node_executions (run_id, node_id, node_type, status, exec_order, attempts, input_snapshot, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.NodeID, rec.NodeType, string(rec.Status), rec.Order, rec.Attempts,
		nullRaw(rec.InputSnapshot), nullTime(rec.StartedAt),
	)
	if err != nil {
		return err
	}
	rec.ID, err = res.LastInsertId()
	return err
}

// FinalizeNodeRecord writes the terminal state of a record. It refuses to
// touch a record that is already finalized, keeping the audit trail
// append-only.
func (s *LibSQLStore) FinalizeNodeRecord(ctx context.Context, id int64, update NodeRecordUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE node_executions
		 SET status = ?, attempts = ?, output_snapshot = ?, error_message = ?, finished_at = ?, duration_ms = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		string(update.Status), update.Attempts, nullRaw(update.OutputSnapshot), nullStr(update.ErrorMessage),
		update.FinishedAt, update.DurationMs, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "node execution record %d already finalized", id)
	}
	return nil
}

func (s *LibSQLStore) ListNodeRecords(ctx context.Context, runID string) ([]*NodeExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, node_type, status, exec_order, attempts, input_snapshot, output_snapshot,
		        error_message, started_at, finished_at, duration_ms
		 FROM node_executions WHERE run_id = ? ORDER BY exec_order`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*NodeExecutionRecord
	for rows.Next() {
		rec := &NodeExecutionRecord{}
		var status string
		var input, output, errMsg sql.NullString
		var started, finished sql.NullTime
		var duration sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.NodeID, &rec.NodeType, &status, &rec.Order, &rec.Attempts,
			&input, &output, &errMsg, &started, &finished, &duration); err != nil {
			return nil, err
		}
		rec.Status = schema.NodeStatus(status)
		rec.InputSnapshot = rawOrNil(input)
		rec.OutputSnapshot = rawOrNil(output)
		rec.ErrorMessage = errMsg.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if finished.Valid {
			rec.FinishedAt = &finished.Time
		}
		rec.DurationMs = duration.Int64
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_schedules (id, workflow_id, cron_expression, payload, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, sched.CronExpression, nullRaw(sched.Payload),
		boolToInt(sched.Enabled), nullTime(sched.NextRunAt), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error) {
	query := `SELECT id, workflow_id, cron_expression, payload, enabled, last_run_at, next_run_at, created_at
	          FROM workflow_schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched := &Schedule{}
		var payload sql.NullString
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.WorkflowID, &sched.CronExpression, &payload, &enabled,
			&lastRun, &nextRun, &sched.CreatedAt); err != nil {
			return nil, err
		}
		sched.Payload = rawOrNil(payload)
		sched.Enabled = enabled != 0
		if lastRun.Valid {
			sched.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sched.NextRunAt = &nextRun.Time
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE workflow_schedules SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Variables ---

func (s *LibSQLStore) UpsertVariable(ctx context.Context, v *Variable) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_variables (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		v.Key, string(v.Value),
	)
	return err
}

func (s *LibSQLStore) ListVariables(ctx context.Context) ([]*Variable, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM workflow_variables ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vars []*Variable
	for rows.Next() {
		v := &Variable{}
		var value string
		if err := rows.Scan(&v.Key, &value, &v.UpdatedAt); err != nil {
			return nil, err
		}
		v.Value = json.RawMessage(value)
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalNullMap(ns sql.NullString, dst *map[string]any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
