package handlers

import (
	"context"
	"testing"
)

func execTransform(t *testing.T, config map[string]any, data any) map[string]any {
	t.Helper()
	result, err := DataTransform{}.Execute(context.Background(), Request{
		Config: config,
		Input:  map[string]any{"data": data},
	})
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	return result.Output
}

func TestTransformMapFields(t *testing.T) {
	out := execTransform(t, map[string]any{
		"transform_type": "map",
		"field_mappings": []any{
			map[string]any{"source": "user.email", "target": "email"},
			map[string]any{"source": "id", "target": "record.id"},
		},
	}, map[string]any{
		"id":   float64(7),
		"user": map[string]any{"email": "a@b.c"},
	})

	mapped := out["data"].(map[string]any)
	if mapped["email"] != "a@b.c" {
		t.Errorf("email = %v", mapped["email"])
	}
	record := mapped["record"].(map[string]any)
	if record["id"] != float64(7) {
		t.Errorf("record.id = %v", record["id"])
	}
}

func TestTransformMapSequence(t *testing.T) {
	out := execTransform(t, map[string]any{
		"transform_type": "map",
		"field_mappings": []any{
			map[string]any{"source": "name", "target": "label"},
		},
	}, []any{
		map[string]any{"name": "a"},
		map[string]any{"name": "b"},
	})

	items := out["data"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[1].(map[string]any)["label"] != "b" {
		t.Errorf("second item = %v", items[1])
	}
}

func TestTransformFilter(t *testing.T) {
	items := []any{
		map[string]any{"status": "active", "n": float64(5)},
		map[string]any{"status": "inactive", "n": float64(9)},
		map[string]any{"status": "active", "n": float64(1)},
	}

	out := execTransform(t, map[string]any{
		"transform_type":  "filter",
		"filter_field":    "status",
		"filter_operator": "equals",
		"filter_value":    "active",
	}, items)
	if got := len(out["data"].([]any)); got != 2 {
		t.Errorf("equals filter kept %d items, want 2", got)
	}

	out = execTransform(t, map[string]any{
		"transform_type":  "filter",
		"filter_field":    "n",
		"filter_operator": "greater_than",
		"filter_value":    float64(4),
	}, items)
	if got := len(out["data"].([]any)); got != 2 {
		t.Errorf("greater_than filter kept %d items, want 2", got)
	}
}

func TestTransformFilterContainsIsCaseInsensitive(t *testing.T) {
	out := execTransform(t, map[string]any{
		"transform_type":  "filter",
		"filter_field":    "name",
		"filter_operator": "contains",
		"filter_value":    "ADA",
	}, []any{
		map[string]any{"name": "Ada Lovelace"},
		map[string]any{"name": "Grace Hopper"},
	})
	kept := out["data"].([]any)
	if len(kept) != 1 {
		t.Fatalf("kept %d items, want 1", len(kept))
	}
}

func TestTransformAggregate(t *testing.T) {
	items := []any{
		map[string]any{"amount": float64(10)},
		map[string]any{"amount": float64(30)},
		map[string]any{"amount": float64(20)},
	}

	tests := []struct {
		aggType string
		want    any
	}{
		{"count", 3},
		{"sum", float64(60)},
		{"avg", float64(20)},
		{"min", float64(10)},
		{"max", float64(30)},
	}
	for _, tt := range tests {
		out := execTransform(t, map[string]any{
			"transform_type":    "aggregate",
			"aggregation_type":  tt.aggType,
			"aggregation_field": "amount",
		}, items)
		data := out["data"].(map[string]any)
		if data["result"] != tt.want {
			t.Errorf("%s = %v, want %v", tt.aggType, data["result"], tt.want)
		}
	}
}

// Rows with a missing or null field count as zero for sum but are excluded
// from min/max.
func TestTransformAggregateNullHandling(t *testing.T) {
	items := []any{
		map[string]any{"amount": float64(10)},
		map[string]any{"amount": nil},
		map[string]any{},
		map[string]any{"amount": float64(4)},
	}

	out := execTransform(t, map[string]any{
		"transform_type":    "aggregate",
		"aggregation_type":  "sum",
		"aggregation_field": "amount",
	}, items)
	if got := out["data"].(map[string]any)["result"]; got != float64(14) {
		t.Errorf("sum = %v, want 14", got)
	}

	out = execTransform(t, map[string]any{
		"transform_type":    "aggregate",
		"aggregation_type":  "min",
		"aggregation_field": "amount",
	}, items)
	if got := out["data"].(map[string]any)["result"]; got != float64(4) {
		t.Errorf("min = %v, want 4 (nulls excluded)", got)
	}
}

func TestTransformAggregateAllNullMinIsNil(t *testing.T) {
	out := execTransform(t, map[string]any{
		"transform_type":    "aggregate",
		"aggregation_type":  "max",
		"aggregation_field": "amount",
	}, []any{map[string]any{"amount": "n/a"}, map[string]any{}})
	if got := out["data"].(map[string]any)["result"]; got != nil {
		t.Errorf("max over no numeric values = %v, want nil", got)
	}
}

func TestTransformUnknownTypeFails(t *testing.T) {
	_, err := DataTransform{}.Execute(context.Background(), Request{
		Config: map[string]any{"transform_type": "explode"},
		Input:  map[string]any{"data": nil},
	})
	if err == nil {
		t.Fatal("unknown transform type must fail")
	}
}
