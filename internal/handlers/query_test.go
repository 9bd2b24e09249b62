package handlers

import (
	"context"
	"database/sql"
	"testing"

	"github.com/tevix/nodeflow/internal/store"
	"github.com/tevix/nodeflow/pkg/schema"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + t.TempDir() + "/handlers.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	db := s.DB()
	_, err = db.Exec(`CREATE TABLE inventory (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sku TEXT NOT NULL,
		qty INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_stock'
	)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func TestDatabaseQueryRequiresTableName(t *testing.T) {
	_, err := NewDatabaseQuery(nil).Execute(context.Background(), Request{
		Config: map[string]any{"operation": "select"},
	})
	if err == nil {
		t.Fatal("missing table_name must fail")
	}
	if schema.CodeOf(err) != schema.ErrCodeValidation {
		t.Errorf("error code = %q, want VALIDATION_ERROR", schema.CodeOf(err))
	}
}

func TestDatabaseQueryRejectsBadTableName(t *testing.T) {
	_, err := NewDatabaseQuery(nil).Execute(context.Background(), Request{
		Config: map[string]any{"table_name": "users; --"},
	})
	if err == nil {
		t.Fatal("bad table name must fail")
	}
	if schema.CodeOf(err) != schema.ErrCodeValidation {
		t.Errorf("error code = %q, want VALIDATION_ERROR", schema.CodeOf(err))
	}
}

func TestDatabaseQueryGuardedMutations(t *testing.T) {
	h := NewDatabaseQuery(nil)

	_, err := h.Execute(context.Background(), Request{
		Config: map[string]any{"table_name": "t", "operation": "update", "values": map[string]any{"a": 1}},
	})
	if err == nil {
		t.Error("update without conditions must fail")
	}

	_, err = h.Execute(context.Background(), Request{
		Config: map[string]any{"table_name": "t", "operation": "delete"},
	})
	if err == nil {
		t.Error("delete without conditions must fail")
	}

	_, err = h.Execute(context.Background(), Request{
		Config: map[string]any{"table_name": "t", "operation": "insert"},
	})
	if err == nil {
		t.Error("insert without values must fail")
	}
}

func TestDatabaseQueryCRUDRoundTrip(t *testing.T) {
	db := testDB(t)
	h := NewDatabaseQuery(db)
	ctx := context.Background()

	// Insert with a value resolved from the data context.
	result, err := h.Execute(ctx, Request{
		Config: map[string]any{
			"operation":  "insert",
			"table_name": "inventory",
			"values": map[string]any{
				"sku": "{{data.sku}}",
				"qty": float64(5),
			},
		},
		Input: map[string]any{"data": map[string]any{"sku": "WIDGET-1"}},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	inserted := result.Output["data"].(map[string]any)
	if inserted["rows_affected"] != int64(1) {
		t.Errorf("rows_affected = %v", inserted["rows_affected"])
	}

	// Select it back.
	result, err = h.Execute(ctx, Request{
		Config: map[string]any{
			"operation":  "select",
			"table_name": "inventory",
			"conditions": map[string]any{"sku": "WIDGET-1"},
		},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	rows := result.Output["data"].([]any)
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	row := rows[0].(map[string]any)
	if row["sku"] != "WIDGET-1" || row["qty"] != int64(5) {
		t.Errorf("row = %v", row)
	}

	// Update with a condition.
	result, err = h.Execute(ctx, Request{
		Config: map[string]any{
			"operation":  "update",
			"table_name": "inventory",
			"values":     map[string]any{"status": "sold_out"},
			"conditions": map[string]any{"sku": "WIDGET-1"},
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if result.Output["data"].(map[string]any)["rows_affected"] != int64(1) {
		t.Error("update should affect one row")
	}

	// Delete.
	result, err = h.Execute(ctx, Request{
		Config: map[string]any{
			"operation":  "delete",
			"table_name": "inventory",
			"conditions": map[string]any{"status": "sold_out"},
		},
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if result.Output["data"].(map[string]any)["rows_affected"] != int64(1) {
		t.Error("delete should affect one row")
	}
}

func TestDatabaseQuerySelectOrderAndLimit(t *testing.T) {
	db := testDB(t)
	h := NewDatabaseQuery(db)
	ctx := context.Background()

	for i, sku := range []string{"A", "B", "C"} {
		if _, err := db.Exec(`INSERT INTO inventory (sku, qty) VALUES (?, ?)`, sku, i); err != nil {
			t.Fatal(err)
		}
	}

	result, err := h.Execute(ctx, Request{
		Config: map[string]any{
			"operation":  "select",
			"table_name": "inventory",
			"columns":    []any{"sku", "qty"},
			"order_by":   "qty",
			"order_dir":  "DESC",
			"limit":      2,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	rows := result.Output["data"].([]any)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].(map[string]any)["sku"] != "C" {
		t.Errorf("first row = %v, want sku C", rows[0])
	}
}
