package handlers

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tevix/nodeflow/internal/datapath"
	"github.com/tevix/nodeflow/pkg/schema"
)

const databaseSaveSchema = `{
  "type": "object",
  "properties": {
    "table_name": {"type": "string"},
    "field_mappings": {"type": "object"}
  },
  "required": ["table_name"]
}`

const fileExportSchema = `{
  "type": "object",
  "properties": {
    "file_path": {"type": "string"},
    "format": {"type": "string", "enum": ["json", "csv"], "default": "json"},
    "append": {"type": "boolean", "default": false}
  },
  "required": ["file_path"]
}`

const responseSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer", "default": 200},
    "body_template": {"type": "string"},
    "headers": {"type": "object"}
  }
}`

const executionLogWriteSchema = `{
  "type": "object",
  "properties": {
    "log_file_path": {"type": "string", "default": "/tmp/workflow_execution.log"}
  }
}`

// DatabaseSave persists the incoming records into a table. Field mappings
// rename data context paths to column names; without mappings each record's
// own keys become columns.
type DatabaseSave struct {
	db *sql.DB
}

// NewDatabaseSave creates a database_save handler over db.
func NewDatabaseSave(db *sql.DB) *DatabaseSave {
	return &DatabaseSave{db: db}
}

func (h *DatabaseSave) Type() string                  { return "database_save" }
func (h *DatabaseSave) ConfigSchema() json.RawMessage { return json.RawMessage(databaseSaveSchema) }

func (h *DatabaseSave) Execute(ctx context.Context, req Request) (*Result, error) {
	table := stringParam(req.Config, "table_name", "")
	if table == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "table_name is required")
	}
	if !validIdent(table) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid table name %q", table)
	}

	records := recordsFrom(req.Input["data"])
	if len(records) == 0 {
		return &Result{Output: OK(map[string]any{"saved": 0}, "No records to save")}, nil
	}

	mappings := mapParam(req.Config, "field_mappings")
	saved := 0
	for _, record := range records {
		row := record
		if len(mappings) > 0 {
			row = map[string]any{}
			for source, target := range mappings {
				col, _ := target.(string)
				if col == "" {
					continue
				}
				v, _ := datapath.Get(record, source)
				row[col] = v
			}
		}
		if len(row) == 0 {
			continue
		}

		cols := make([]string, 0, len(row))
		for c := range row {
			cols = append(cols, c)
		}
		sort.Strings(cols)

		quoted := make([]string, 0, len(cols))
		placeholders := make([]string, 0, len(cols))
		params := make([]any, 0, len(cols))
		for _, c := range cols {
			if !validIdent(c) {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid column name %q", c)
			}
			quoted = append(quoted, quoteIdent(c))
			placeholders = append(placeholders, "?")
			params = append(params, row[c])
		}

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
		if _, err := h.db.ExecContext(ctx, query, params...); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeHandler, "save failed after %d record(s)", saved).WithCause(err)
		}
		saved++
	}

	return &Result{Output: OK(map[string]any{
		"table": table,
		"saved": saved,
	}, fmt.Sprintf("Saved %d record(s) to %s", saved, table))}, nil
}

// recordsFrom normalizes the data payload into a list of row maps.
func recordsFrom(data any) []map[string]any {
	switch t := data.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		return []map[string]any{t}
	default:
		return nil
	}
}

// FileExport writes the incoming data to disk as JSON or CSV, creating
// parent directories as needed.
type FileExport struct{}

func (FileExport) Type() string                  { return "file_export" }
func (FileExport) ConfigSchema() json.RawMessage { return json.RawMessage(fileExportSchema) }

func (FileExport) Execute(_ context.Context, req Request) (*Result, error) {
	path := datapath.Substitute(stringParam(req.Config, "file_path", ""), req.Input)
	if path == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "file_path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeHandler, "failed to create export directory").WithCause(err)
		}
	}

	data := req.Input["data"]
	format := stringParam(req.Config, "format", "json")

	var content []byte
	switch format {
	case "csv":
		b, err := encodeCSV(recordsFrom(data))
		if err != nil {
			return nil, err
		}
		content = b
	default:
		b, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeHandler, "data is not JSON-serializable").WithCause(err)
		}
		content = append(b, '\n')
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if boolParam(req.Config, "append", false) {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "failed to open export file").WithCause(err)
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "failed to write export file").WithCause(err)
	}

	return &Result{Output: OK(map[string]any{
		"file_path": path,
		"format":    format,
		"bytes":     len(content),
	}, fmt.Sprintf("Exported %d bytes to %s", len(content), path))}, nil
}

func encodeCSV(records []map[string]any) ([]byte, error) {
	if len(records) == 0 {
		return nil, nil
	}
	cols := make([]string, 0, len(records[0]))
	for c := range records[0] {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write(cols); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "CSV encode failed").WithCause(err)
	}
	for _, record := range records {
		row := make([]string, len(cols))
		for i, c := range cols {
			row[i] = datapath.Render(record[c])
		}
		if err := w.Write(row); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeHandler, "CSV encode failed").WithCause(err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "CSV encode failed").WithCause(err)
	}
	return []byte(b.String()), nil
}

// Response shapes the run's final output, typically for workflows started by
// a webhook. The body template supports {{path}} references.
type Response struct{}

func (Response) Type() string                  { return "response" }
func (Response) ConfigSchema() json.RawMessage { return json.RawMessage(responseSchema) }

func (Response) Execute(_ context.Context, req Request) (*Result, error) {
	statusCode := intParam(req.Config, "status_code", 200)

	var body any = req.Input["data"]
	if tmpl := stringParam(req.Config, "body_template", ""); tmpl != "" {
		rendered := datapath.Substitute(tmpl, req.Input)
		var parsed any
		if err := json.Unmarshal([]byte(rendered), &parsed); err == nil {
			body = parsed
		} else {
			body = rendered
		}
	}

	out := OK(map[string]any{
		"status_code": statusCode,
		"body":        body,
		"headers":     mapParam(req.Config, "headers"),
	}, fmt.Sprintf("Response prepared with status %d", statusCode))
	return &Result{Output: out}, nil
}

// ExecutionLogWrite appends a human-readable execution summary to a log
// file. Used by scheduled maintenance workflows to leave an audit trail
// outside the database.
type ExecutionLogWrite struct{}

func (ExecutionLogWrite) Type() string { return "execution_log_write" }
func (ExecutionLogWrite) ConfigSchema() json.RawMessage {
	return json.RawMessage(executionLogWriteSchema)
}

func (ExecutionLogWrite) Execute(_ context.Context, req Request) (*Result, error) {
	path := stringParam(req.Config, "log_file_path", "/tmp/workflow_execution.log")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeHandler, "failed to create log directory").WithCause(err)
		}
	}

	dataJSON, _ := json.MarshalIndent(req.Input["data"], "", "  ")
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	entry := fmt.Sprintf("[%s] Scheduled Execution\nWorkflow: %s\nRun ID: %s\nData: %s\n---\n",
		timestamp, req.Run.WorkflowName, req.Run.RunID, dataJSON)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "failed to open log file").WithCause(err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "failed to write log entry").WithCause(err)
	}

	info, _ := f.Stat()
	var size int64
	if info != nil {
		size = info.Size()
	}
	return &Result{Output: OK(map[string]any{
		"log_file_path": path,
		"file_size":     size,
		"timestamp":     timestamp,
		"workflow_name": req.Run.WorkflowName,
	}, fmt.Sprintf("Execution log written to %s", path))}, nil
}
