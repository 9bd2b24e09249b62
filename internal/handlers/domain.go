package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tevix/nodeflow/internal/datapath"
	"github.com/tevix/nodeflow/pkg/schema"
)

const requestDataSchema = `{
  "type": "object",
  "properties": {
    "operation": {"type": "string", "enum": ["get_requests", "get_passengers", "get_transactions", "update_pnr_status", "check_payment_percentage"], "default": "get_requests"},
    "filters": {"type": "object"},
    "limit": {"type": "integer", "default": 100},
    "status": {"type": "string"}
  }
}`

// RequestData serves the booking-domain read and update operations used by
// the shipped workflow templates. All statements are parameterized; values
// from the data context never reach the SQL text.
type RequestData struct {
	db      *sql.DB
	payment *PaymentCheck
}

// NewRequestData creates a request_data handler over db.
func NewRequestData(db *sql.DB) *RequestData {
	return &RequestData{db: db, payment: NewPaymentCheck(db)}
}

func (h *RequestData) Type() string                  { return "request_data" }
func (h *RequestData) ConfigSchema() json.RawMessage { return json.RawMessage(requestDataSchema) }

func (h *RequestData) Execute(ctx context.Context, req Request) (*Result, error) {
	switch op := stringParam(req.Config, "operation", "get_requests"); op {
	case "get_requests":
		return h.getRequests(ctx, req)
	case "get_passengers":
		return h.getPassengers(ctx, req)
	case "get_transactions":
		return h.getTransactions(ctx, req)
	case "update_pnr_status":
		return h.updatePNRStatus(ctx, req)
	case "check_payment_percentage":
		return h.checkPaymentPercentage(ctx, req)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported operation %q", op)
	}
}

func (h *RequestData) getRequests(ctx context.Context, req Request) (*Result, error) {
	filters := mapParam(req.Config, "filters")
	limit := intParam(req.Config, "limit", 100)

	query := `SELECT rm.request_master_id, rm.request_type, rm.trip_type, rm.requested_date,
		rm.number_of_passenger, rm.request_fare, rm.view_status,
		ud.first_name, ud.last_name, ud.email_id
		FROM request_master rm
		LEFT JOIN user_details ud ON rm.r_user_id = ud.user_id
		WHERE 1=1`
	var params []any

	if userID, ok := datapath.Get(req.Input, "data.user_id"); ok {
		query += " AND rm.r_user_id = ?"
		params = append(params, userID)
	}
	if status, ok := filters["status"]; ok {
		query += " AND rm.view_status = ?"
		params = append(params, resolveValue(status, req.Input))
	}
	if dateFrom, ok := filters["date_from"]; ok {
		query += " AND rm.requested_date >= ?"
		params = append(params, resolveValue(dateFrom, req.Input))
	}
	query += " ORDER BY rm.requested_date DESC LIMIT ?"
	params = append(params, limit)

	records, err := h.query(ctx, query, params)
	if err != nil {
		return nil, err
	}
	out := OK(records, fmt.Sprintf("Retrieved %d requests", len(records)))
	out["count"] = len(records)
	return &Result{Output: out}, nil
}

func (h *RequestData) getPassengers(ctx context.Context, req Request) (*Result, error) {
	requestMasterID, ok := datapath.Get(req.Input, "data.request_master_id")
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "request_master_id is required")
	}

	records, err := h.query(ctx, `SELECT pd.passenger_id, pd.first_name, pd.last_name, pd.age,
		pd.pax_email_id, pd.pax_mobile_number, pd.passenger_type,
		pd.pnr, arm.airlines_request_id
		FROM passenger_details pd
		LEFT JOIN airlines_request_mapping arm ON pd.airlines_request_id = arm.airlines_request_id
		WHERE arm.r_request_master_id = ?
		ORDER BY pd.passenger_id`, []any{requestMasterID})
	if err != nil {
		return nil, err
	}
	out := OK(records, fmt.Sprintf("Retrieved %d passengers", len(records)))
	out["count"] = len(records)
	return &Result{Output: out}, nil
}

func (h *RequestData) getTransactions(ctx context.Context, req Request) (*Result, error) {
	requestMasterID, ok := datapath.Get(req.Input, "data.request_master_id")
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "request_master_id is required")
	}

	records, err := h.query(ctx, `SELECT tm.transaction_master_id, tm.transaction_date, tm.payment_status,
		tm.total_amount, tm.currency_code, rafd.request_approved_flight_id
		FROM transaction_master tm
		LEFT JOIN request_approved_flight_details rafd
			ON tm.transaction_master_id = rafd.transaction_master_id
		WHERE tm.r_request_master_id = ?
		ORDER BY tm.transaction_date DESC`, []any{requestMasterID})
	if err != nil {
		return nil, err
	}
	out := OK(records, fmt.Sprintf("Retrieved %d transactions", len(records)))
	out["count"] = len(records)
	return &Result{Output: out}, nil
}

func (h *RequestData) updatePNRStatus(ctx context.Context, req Request) (*Result, error) {
	pnr, ok := datapath.Get(req.Input, "data.pnr")
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "pnr is required")
	}
	status := stringParam(req.Config, "status", "")
	if status == "" {
		if v, found := datapath.Get(req.Input, "data.status"); found {
			status = datapath.Render(v)
		}
	}
	if status == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "status is required")
	}

	res, err := h.db.ExecContext(ctx,
		`UPDATE pnr_blocking_details SET pnr_status = ? WHERE pnr = ?`, status, pnr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "PNR status update failed").WithCause(err)
	}
	affected, _ := res.RowsAffected()
	return &Result{Output: OK(map[string]any{
		"pnr":           pnr,
		"status":        status,
		"rows_affected": affected,
	}, fmt.Sprintf("Updated status for PNR %v", pnr))}, nil
}

func (h *RequestData) checkPaymentPercentage(ctx context.Context, req Request) (*Result, error) {
	config := map[string]any{}
	if v, ok := datapath.Get(req.Input, "data.pnr"); ok {
		config["pnr"] = datapath.Render(v)
	}
	if v, ok := datapath.Get(req.Input, "data.transaction_master_id"); ok {
		config["transaction_master_id"] = v
	}
	if v, ok := datapath.Get(req.Input, "data.series_group_id"); ok {
		config["series_group_id"] = v
	}
	if v, ok := datapath.Get(req.Input, "data.pnr_blocking_id"); ok {
		config["pnr_blocking_id"] = datapath.Render(v)
	}
	return h.payment.Execute(ctx, Request{Config: config, Input: req.Input, Run: req.Run})
}

func (h *RequestData) query(ctx context.Context, query string, params []any) ([]any, error) {
	rows, err := h.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "query failed").WithCause(err)
	}
	defer rows.Close()
	return scanRows(rows)
}
