package handlers

import (
	"context"
	"reflect"
	"testing"

	"github.com/tevix/nodeflow/pkg/schema"
)

func buildQuery(t *testing.T, config map[string]any, input map[string]any) (string, []any) {
	t.Helper()
	config["execute"] = false
	result, err := NewQueryBuilder(nil).Execute(context.Background(), Request{
		Config: config,
		Input:  input,
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	data := result.Output["data"].(map[string]any)
	return data["query"].(string), data["params"].([]any)
}

func TestQueryBuilderSimpleSelect(t *testing.T) {
	query, params := buildQuery(t, map[string]any{
		"table":   "request_master",
		"columns": []any{"request_master_id", "view_status"},
	}, nil)

	want := `SELECT "request_master_id", "view_status" FROM "request_master"`
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
	if len(params) != 0 {
		t.Errorf("params = %v, want none", params)
	}
}

func TestQueryBuilderPredicateTree(t *testing.T) {
	query, params := buildQuery(t, map[string]any{
		"table": "orders",
		"where": map[string]any{
			"condition": "AND",
			"rules": []any{
				map[string]any{"field": "status", "operator": "equals", "value": "open"},
				map[string]any{
					"condition": "OR",
					"rules": []any{
						map[string]any{"field": "total", "operator": "greater_than", "value": float64(100)},
						map[string]any{"field": "priority", "operator": "in", "value": []any{"high", "urgent"}},
					},
				},
				map[string]any{"field": "deleted_at", "operator": "is_null"},
			},
		},
	}, nil)

	want := `SELECT * FROM "orders" WHERE "status" = ? AND ("total" > ? OR "priority" IN (?, ?)) AND "deleted_at" IS NULL`
	if query != want {
		t.Errorf("query = %q\nwant    %q", query, want)
	}
	wantParams := []any{"open", float64(100), "high", "urgent"}
	if !reflect.DeepEqual(params, wantParams) {
		t.Errorf("params = %v, want %v", params, wantParams)
	}
}

func TestQueryBuilderJoinsOrderLimit(t *testing.T) {
	query, params := buildQuery(t, map[string]any{
		"table": "request_master",
		"joins": []any{
			map[string]any{
				"type": "left", "table": "user_details",
				"on_left": "request_master.r_user_id", "on_right": "user_details.user_id",
			},
		},
		"order_by":  "requested_date",
		"order_dir": "desc",
		"limit":     10,
	}, nil)

	want := `SELECT * FROM "request_master" LEFT JOIN "user_details" ON "request_master"."r_user_id" = "user_details"."user_id" ORDER BY "requested_date" DESC LIMIT ?`
	if query != want {
		t.Errorf("query = %q\nwant    %q", query, want)
	}
	if len(params) != 1 || params[0] != 10 {
		t.Errorf("params = %v", params)
	}
}

func TestQueryBuilderResolvesContextValues(t *testing.T) {
	_, params := buildQuery(t, map[string]any{
		"table": "pnr_blocking_details",
		"where": map[string]any{
			"condition": "AND",
			"rules": []any{
				map[string]any{"field": "pnr", "operator": "equals", "value": "{{data.pnr}}"},
			},
		},
	}, map[string]any{"data": map[string]any{"pnr": "ABC123"}})

	if len(params) != 1 || params[0] != "ABC123" {
		t.Errorf("params = %v, want [ABC123]", params)
	}
}

// Injection attempts live in identifiers, never in values: values always
// bind through placeholders, so only identifier validation matters.
func TestQueryBuilderRejectsBadIdentifiers(t *testing.T) {
	bad := []map[string]any{
		{"table": "users; DROP TABLE users"},
		{"table": "users", "columns": []any{"name, password"}},
		{"table": "users", "order_by": "1=1 --"},
		{"table": "users", "where": map[string]any{
			"condition": "AND",
			"rules":     []any{map[string]any{"field": "a OR 1=1", "operator": "equals", "value": 1}},
		}},
	}
	for _, config := range bad {
		config["execute"] = false
		_, err := NewQueryBuilder(nil).Execute(context.Background(), Request{Config: config})
		if err == nil {
			t.Errorf("config %v must be rejected", config)
			continue
		}
		if schema.CodeOf(err) != schema.ErrCodeValidation {
			t.Errorf("config %v: error code = %q, want VALIDATION_ERROR", config, schema.CodeOf(err))
		}
	}
}

func TestQueryBuilderRequiresTable(t *testing.T) {
	_, err := NewQueryBuilder(nil).Execute(context.Background(), Request{
		Config: map[string]any{"execute": false},
	})
	if err == nil {
		t.Fatal("missing table must fail")
	}
	if schema.CodeOf(err) != schema.ErrCodeValidation {
		t.Errorf("error code = %q, want VALIDATION_ERROR", schema.CodeOf(err))
	}
}

func TestQueryBuilderEmptyInListRejected(t *testing.T) {
	_, err := NewQueryBuilder(nil).Execute(context.Background(), Request{
		Config: map[string]any{
			"table":   "t",
			"execute": false,
			"where": map[string]any{
				"condition": "AND",
				"rules":     []any{map[string]any{"field": "x", "operator": "in", "value": []any{}}},
			},
		},
	})
	if err == nil {
		t.Fatal("empty IN list must fail")
	}
}
