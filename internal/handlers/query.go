package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tevix/nodeflow/internal/datapath"
	"github.com/tevix/nodeflow/pkg/schema"
)

const databaseQuerySchema = `{
  "type": "object",
  "properties": {
    "operation": {"type": "string", "enum": ["select", "insert", "update", "delete"], "default": "select"},
    "table_name": {"type": "string"},
    "columns": {"type": "array", "items": {"type": "string"}},
    "values": {"type": "object"},
    "conditions": {"type": "object"},
    "order_by": {"type": "string"},
    "order_dir": {"type": "string", "enum": ["ASC", "DESC"], "default": "ASC"},
    "limit": {"type": "integer"}
  },
  "required": ["table_name"]
}`

// identPattern restricts table and column names to plain identifiers with
// optional dotted qualification. Everything else is rejected before any SQL
// text is assembled; values never enter the statement text at all.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func validIdent(name string) bool { return identPattern.MatchString(name) }

func quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, ".")
}

// DatabaseQuery runs parameterized CRUD statements against the application
// database. Condition and insert values may reference the data context with
// {{path}} placeholders; all values bind through '?' parameters.
type DatabaseQuery struct {
	db *sql.DB
}

// NewDatabaseQuery creates a database_query handler over db.
func NewDatabaseQuery(db *sql.DB) *DatabaseQuery {
	return &DatabaseQuery{db: db}
}

func (h *DatabaseQuery) Type() string                  { return "database_query" }
func (h *DatabaseQuery) ConfigSchema() json.RawMessage { return json.RawMessage(databaseQuerySchema) }

func (h *DatabaseQuery) Execute(ctx context.Context, req Request) (*Result, error) {
	table := stringParam(req.Config, "table_name", "")
	if table == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "table_name is required")
	}
	if !validIdent(table) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid table name %q", table)
	}

	operation := strings.ToLower(stringParam(req.Config, "operation", "select"))
	switch operation {
	case "select":
		return h.runSelect(ctx, req, table)
	case "insert":
		return h.runInsert(ctx, req, table)
	case "update":
		return h.runUpdate(ctx, req, table)
	case "delete":
		return h.runDelete(ctx, req, table)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported operation %q", operation)
	}
}

func (h *DatabaseQuery) runSelect(ctx context.Context, req Request, table string) (*Result, error) {
	cols := "*"
	if list := listParam(req.Config, "columns"); len(list) > 0 {
		names := make([]string, 0, len(list))
		for _, c := range list {
			name, _ := c.(string)
			if !validIdent(name) {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid column name %q", name)
			}
			names = append(names, quoteIdent(name))
		}
		cols = strings.Join(names, ", ")
	}

	query := fmt.Sprintf("SELECT %s FROM %s", cols, quoteIdent(table))
	where, params, err := buildWhere(mapParam(req.Config, "conditions"), req.Input)
	if err != nil {
		return nil, err
	}
	query += where

	if orderBy := stringParam(req.Config, "order_by", ""); orderBy != "" {
		if !validIdent(orderBy) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid order_by column %q", orderBy)
		}
		dir := "ASC"
		if strings.EqualFold(stringParam(req.Config, "order_dir", "ASC"), "DESC") {
			dir = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY %s %s", quoteIdent(orderBy), dir)
	}
	if limit := intParam(req.Config, "limit", 0); limit > 0 {
		query += " LIMIT ?"
		params = append(params, limit)
	}

	rows, err := h.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "query failed").WithCause(err).
			WithDetails(map[string]any{"query": query})
	}
	defer rows.Close()

	records, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	return &Result{Output: OK(records, fmt.Sprintf("Retrieved %d rows from %s", len(records), table))}, nil
}

func (h *DatabaseQuery) runInsert(ctx context.Context, req Request, table string) (*Result, error) {
	values := mapParam(req.Config, "values")
	if len(values) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "values is required for insert")
	}

	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	placeholders := make([]string, 0, len(cols))
	params := make([]any, 0, len(cols))
	quoted := make([]string, 0, len(cols))
	for _, c := range cols {
		if !validIdent(c) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid column name %q", c)
		}
		quoted = append(quoted, quoteIdent(c))
		placeholders = append(placeholders, "?")
		params = append(params, resolveValue(values[c], req.Input))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	res, err := h.db.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "insert failed").WithCause(err).
			WithDetails(map[string]any{"query": query})
	}
	id, _ := res.LastInsertId()
	affected, _ := res.RowsAffected()
	return &Result{Output: OK(map[string]any{
		"inserted_id":   id,
		"rows_affected": affected,
	}, fmt.Sprintf("Inserted %d row(s) into %s", affected, table))}, nil
}

func (h *DatabaseQuery) runUpdate(ctx context.Context, req Request, table string) (*Result, error) {
	values := mapParam(req.Config, "values")
	if len(values) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "values is required for update")
	}
	conditions := mapParam(req.Config, "conditions")
	if len(conditions) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "update without conditions is not allowed")
	}

	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols))
	params := make([]any, 0, len(cols))
	for _, c := range cols {
		if !validIdent(c) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid column name %q", c)
		}
		sets = append(sets, quoteIdent(c)+" = ?")
		params = append(params, resolveValue(values[c], req.Input))
	}

	where, whereParams, err := buildWhere(conditions, req.Input)
	if err != nil {
		return nil, err
	}
	params = append(params, whereParams...)

	query := fmt.Sprintf("UPDATE %s SET %s%s", quoteIdent(table), strings.Join(sets, ", "), where)
	res, err := h.db.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "update failed").WithCause(err).
			WithDetails(map[string]any{"query": query})
	}
	affected, _ := res.RowsAffected()
	return &Result{Output: OK(map[string]any{
		"rows_affected": affected,
	}, fmt.Sprintf("Updated %d row(s) in %s", affected, table))}, nil
}

func (h *DatabaseQuery) runDelete(ctx context.Context, req Request, table string) (*Result, error) {
	conditions := mapParam(req.Config, "conditions")
	if len(conditions) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "delete without conditions is not allowed")
	}

	where, params, err := buildWhere(conditions, req.Input)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("DELETE FROM %s%s", quoteIdent(table), where)

	res, err := h.db.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "delete failed").WithCause(err).
			WithDetails(map[string]any{"query": query})
	}
	affected, _ := res.RowsAffected()
	return &Result{Output: OK(map[string]any{
		"rows_affected": affected,
	}, fmt.Sprintf("Deleted %d row(s) from %s", affected, table))}, nil
}

// buildWhere turns a simple column = value condition map into a WHERE clause
// with '?' placeholders. Columns sort alphabetically for stable statements.
func buildWhere(conditions map[string]any, input map[string]any) (string, []any, error) {
	if len(conditions) == 0 {
		return "", nil, nil
	}
	cols := make([]string, 0, len(conditions))
	for c := range conditions {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	clauses := make([]string, 0, len(cols))
	params := make([]any, 0, len(cols))
	for _, c := range cols {
		if !validIdent(c) {
			return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid condition column %q", c)
		}
		clauses = append(clauses, quoteIdent(c)+" = ?")
		params = append(params, resolveValue(conditions[c], input))
	}
	return " WHERE " + strings.Join(clauses, " AND "), params, nil
}

// resolveValue substitutes {{path}} references in string config values
// against the incoming data. A value that is exactly one placeholder keeps
// the referenced value's original type.
func resolveValue(v any, input map[string]any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") && strings.Count(trimmed, "{{") == 1 {
		path := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if resolved, found := datapath.Get(input, path); found {
			return resolved
		}
		return nil
	}
	return datapath.Substitute(s, input)
}

// scanRows converts a result set into JSON-friendly row maps. BLOB columns
// come back as strings.
func scanRows(rows *sql.Rows) ([]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "failed to read result columns").WithCause(err)
	}

	records := make([]any, 0)
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeHandler, "failed to scan row").WithCause(err)
		}
		record := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := raw[i].([]byte); ok {
				record[c] = string(b)
			} else {
				record[c] = raw[i]
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "row iteration failed").WithCause(err)
	}
	return records, nil
}
