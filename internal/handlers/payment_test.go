package handlers

import (
	"context"
	"database/sql"
	"testing"
)

func paymentDB(t *testing.T) *sql.DB {
	t.Helper()
	db := testDB(t)
	stmts := []string{
		`CREATE TABLE pnr_blocking_details (
			pnr TEXT NOT NULL,
			pnr_status TEXT,
			request_approved_flight_id INTEGER NOT NULL
		)`,
		`CREATE TABLE request_approved_flight_details (
			request_approved_flight_id INTEGER NOT NULL,
			transaction_master_id INTEGER NOT NULL,
			series_request_id INTEGER NOT NULL
		)`,
		`CREATE TABLE series_request_details (
			series_request_id INTEGER NOT NULL,
			series_group_id INTEGER NOT NULL
		)`,
		`CREATE TABLE request_timeline_details (
			transaction_id INTEGER NOT NULL,
			timeline_type TEXT NOT NULL,
			status TEXT NOT NULL,
			series_group_id INTEGER,
			pnr_blocking_id TEXT,
			percentage_value REAL NOT NULL DEFAULT 0,
			absolute_amount REAL NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}
	return db
}

func seedTimeline(t *testing.T, db *sql.DB, pnr string, percentage, absolute float64) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO pnr_blocking_details (pnr, request_approved_flight_id) VALUES (?, 1)`, pnr); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO request_approved_flight_details VALUES (1, 77, 5)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO series_request_details VALUES (5, 9)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(
		`INSERT INTO request_timeline_details (transaction_id, timeline_type, status, series_group_id, percentage_value, absolute_amount)
		 VALUES (77, 'PAYMENT', 'ACTIVE', 9, ?, ?)`, percentage, absolute); err != nil {
		t.Fatal(err)
	}
}

func checkPayment(t *testing.T, db *sql.DB, pnr string) string {
	t.Helper()
	result, err := NewPaymentCheck(db).Execute(context.Background(), Request{
		Config: map[string]any{"pnr": pnr},
		Input:  map[string]any{},
	})
	if err != nil {
		t.Fatalf("payment check: %v", err)
	}
	return result.Output["data"].(map[string]any)["payment_in_percent"].(string)
}

func TestPaymentCheckPercentageBased(t *testing.T) {
	db := paymentDB(t)
	seedTimeline(t, db, "PNR001", 25, 0)
	if got := checkPayment(t, db, "PNR001"); got != "Y" {
		t.Errorf("payment_in_percent = %q, want Y", got)
	}
}

func TestPaymentCheckAmountBased(t *testing.T) {
	db := paymentDB(t)
	seedTimeline(t, db, "PNR002", 0, 5000)
	if got := checkPayment(t, db, "PNR002"); got != "N" {
		t.Errorf("payment_in_percent = %q, want N", got)
	}
}

// A booking with no timeline records defaults to percentage-based.
func TestPaymentCheckDefaultsToPercentage(t *testing.T) {
	db := paymentDB(t)
	if got := checkPayment(t, db, "UNKNOWN"); got != "Y" {
		t.Errorf("payment_in_percent = %q, want Y", got)
	}
}

func TestPaymentCheckPNRFromInput(t *testing.T) {
	db := paymentDB(t)
	seedTimeline(t, db, "PNR003", 0, 100)

	result, err := NewPaymentCheck(db).Execute(context.Background(), Request{
		Config: map[string]any{},
		Input:  map[string]any{"data": map[string]any{"pnr": "PNR003"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Output["data"].(map[string]any)["payment_in_percent"]; got != "N" {
		t.Errorf("payment_in_percent = %v, want N", got)
	}
}

func TestPaymentCheckRequiresPNR(t *testing.T) {
	_, err := NewPaymentCheck(nil).Execute(context.Background(), Request{
		Config: map[string]any{},
		Input:  map[string]any{},
	})
	if err == nil {
		t.Fatal("missing pnr must fail")
	}
}
