package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tevix/nodeflow/pkg/schema"
)

const queryBuilderSchema = `{
  "type": "object",
  "properties": {
    "table": {"type": "string"},
    "columns": {"type": "array", "items": {"type": "string"}},
    "joins": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "type": {"type": "string", "enum": ["INNER", "LEFT", "RIGHT"], "default": "INNER"},
          "table": {"type": "string"},
          "on_left": {"type": "string"},
          "on_right": {"type": "string"}
        },
        "required": ["table", "on_left", "on_right"]
      }
    },
    "where": {"type": "object"},
    "group_by": {"type": "array", "items": {"type": "string"}},
    "order_by": {"type": "string"},
    "order_dir": {"type": "string", "enum": ["ASC", "DESC"], "default": "ASC"},
    "limit": {"type": "integer"},
    "execute": {"type": "boolean", "default": true}
  },
  "required": ["table"]
}`

var sqlOperators = map[string]string{
	"equals":           "=",
	"not_equals":       "!=",
	"greater_than":     ">",
	"less_than":        "<",
	"greater_or_equal": ">=",
	"less_or_equal":    "<=",
	"like":             "LIKE",
	"not_like":         "NOT LIKE",
	"in":               "IN",
	"not_in":           "NOT IN",
	"is_null":          "IS NULL",
	"is_not_null":      "IS NOT NULL",
}

// QueryBuilder assembles a SELECT statement from a structured description:
// table, columns, joins and a nested predicate tree of AND/OR rule groups.
// Built statements use '?' placeholders for every value; identifiers pass
// the same allow-list as the direct query handler. With execute=true the
// statement also runs against the application database.
type QueryBuilder struct {
	db *sql.DB
}

// NewQueryBuilder creates a query_builder handler over db. A nil db limits
// the handler to producing statement text and parameters.
func NewQueryBuilder(db *sql.DB) *QueryBuilder {
	return &QueryBuilder{db: db}
}

func (h *QueryBuilder) Type() string                  { return "query_builder" }
func (h *QueryBuilder) ConfigSchema() json.RawMessage { return json.RawMessage(queryBuilderSchema) }

func (h *QueryBuilder) Execute(ctx context.Context, req Request) (*Result, error) {
	table := stringParam(req.Config, "table", "")
	if table == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "table is required")
	}
	if !validIdent(table) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid table name %q", table)
	}

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

	var b strings.Builder
	var params []any
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, quoteIdent(table))

	for _, j := range listParam(req.Config, "joins") {
		join, ok := j.(map[string]any)
		if !ok {
			continue
		}
		joinType := strings.ToUpper(stringParam(join, "type", "INNER"))
		if joinType != "INNER" && joinType != "LEFT" && joinType != "RIGHT" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported join type %q", joinType)
		}
		joinTable := stringParam(join, "table", "")
		onLeft := stringParam(join, "on_left", "")
		onRight := stringParam(join, "on_right", "")
		if !validIdent(joinTable) || !validIdent(onLeft) || !validIdent(onRight) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid join identifiers on table %q", joinTable)
		}
		fmt.Fprintf(&b, " %s JOIN %s ON %s = %s",
			joinType, quoteIdent(joinTable), quoteIdent(onLeft), quoteIdent(onRight))
	}

	if where := mapParam(req.Config, "where"); len(where) > 0 {
		clause, whereParams, err := buildPredicate(where, req.Input)
		if err != nil {
			return nil, err
		}
		if clause != "" {
			b.WriteString(" WHERE ")
			b.WriteString(clause)
			params = append(params, whereParams...)
		}
	}

	if groups := listParam(req.Config, "group_by"); len(groups) > 0 {
		names := make([]string, 0, len(groups))
		for _, g := range groups {
			name, _ := g.(string)
			if !validIdent(name) {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid group_by column %q", name)
			}
			names = append(names, quoteIdent(name))
		}
		b.WriteString(" GROUP BY " + strings.Join(names, ", "))
	}

	if orderBy := stringParam(req.Config, "order_by", ""); orderBy != "" {
		if !validIdent(orderBy) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid order_by column %q", orderBy)
		}
		dir := "ASC"
		if strings.EqualFold(stringParam(req.Config, "order_dir", "ASC"), "DESC") {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", quoteIdent(orderBy), dir)
	}
	if limit := intParam(req.Config, "limit", 0); limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, limit)
	}

	query := b.String()
	out := map[string]any{
		"query":  query,
		"params": params,
	}

	if boolParam(req.Config, "execute", true) {
		if h.db == nil {
			return nil, schema.NewErrorf(schema.ErrCodeHandler, "no database configured for execution")
		}
		rows, err := h.db.QueryContext(ctx, query, params...)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeHandler, "built query failed").WithCause(err).
				WithDetails(map[string]any{"query": query})
		}
		defer rows.Close()
		records, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		out["rows"] = records
		out["row_count"] = len(records)
		return &Result{Output: OK(out, fmt.Sprintf("Query returned %d rows", len(records)))}, nil
	}
	return &Result{Output: OK(out, "Query built successfully")}, nil
}

// buildPredicate renders a rule group {condition: AND|OR, rules: [...]} into
// SQL. A rule is either a nested group or a leaf {field, operator, value};
// leaf values resolve {{path}} references before binding.
func buildPredicate(group map[string]any, input map[string]any) (string, []any, error) {
	connector := strings.ToUpper(stringParam(group, "condition", "AND"))
	if connector != "AND" && connector != "OR" {
		return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid group condition %q", connector)
	}

	rules := listParam(group, "rules")
	clauses := make([]string, 0, len(rules))
	var params []any

	for _, r := range rules {
		rule, ok := r.(map[string]any)
		if !ok {
			continue
		}

		// Nested group.
		if _, nested := rule["rules"]; nested {
			sub, subParams, err := buildPredicate(rule, input)
			if err != nil {
				return "", nil, err
			}
			if sub != "" {
				clauses = append(clauses, "("+sub+")")
				params = append(params, subParams...)
			}
			continue
		}

		field := stringParam(rule, "field", "")
		if !validIdent(field) {
			return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid field %q in where rule", field)
		}
		opName := strings.ToLower(stringParam(rule, "operator", "equals"))
		op, ok := sqlOperators[opName]
		if !ok {
			return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported operator %q", opName)
		}

		switch op {
		case "IS NULL", "IS NOT NULL":
			clauses = append(clauses, fmt.Sprintf("%s %s", quoteIdent(field), op))
		case "IN", "NOT IN":
			items, ok := rule["value"].([]any)
			if !ok || len(items) == 0 {
				return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "operator %q requires a non-empty list value", opName)
			}
			placeholders := make([]string, len(items))
			for i, item := range items {
				placeholders[i] = "?"
				params = append(params, resolveValue(item, input))
			}
			clauses = append(clauses, fmt.Sprintf("%s %s (%s)", quoteIdent(field), op, strings.Join(placeholders, ", ")))
		default:
			clauses = append(clauses, fmt.Sprintf("%s %s ?", quoteIdent(field), op))
			params = append(params, resolveValue(rule["value"], input))
		}
	}

	return strings.Join(clauses, " "+connector+" "), params, nil
}
