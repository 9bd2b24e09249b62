package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tevix/nodeflow/internal/datapath"
	"github.com/tevix/nodeflow/pkg/schema"
)

const paymentCheckSchema = `{
  "type": "object",
  "properties": {
    "pnr": {"type": "string"},
    "transaction_master_id": {"type": "integer", "default": 0},
    "series_group_id": {"type": "integer", "default": 1},
    "pnr_blocking_id": {"type": "string"}
  }
}`

// PaymentCheck resolves whether a booking's payment timeline is
// percentage-based or amount-based. The PNR comes from config or, failing
// that, from the incoming data.
type PaymentCheck struct {
	db *sql.DB
}

// NewPaymentCheck creates a payment_check handler over db.
func NewPaymentCheck(db *sql.DB) *PaymentCheck {
	return &PaymentCheck{db: db}
}

func (h *PaymentCheck) Type() string                  { return "payment_check" }
func (h *PaymentCheck) ConfigSchema() json.RawMessage { return json.RawMessage(paymentCheckSchema) }

func (h *PaymentCheck) Execute(ctx context.Context, req Request) (*Result, error) {
	pnr := stringParam(req.Config, "pnr", "")
	if pnr == "" {
		if v, ok := datapath.Get(req.Input, "data.pnr"); ok {
			pnr = datapath.Render(v)
		}
	}
	if pnr == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "pnr is required for payment check")
	}

	txnID := intParam(req.Config, "transaction_master_id", 0)
	groupID := intParam(req.Config, "series_group_id", 1)
	blockingID := stringParam(req.Config, "pnr_blocking_id", "")

	inPercent, err := h.paymentInPercentage(ctx, pnr, txnID, groupID, blockingID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeHandler, "payment check failed for PNR %s", pnr).WithCause(err)
	}

	return &Result{Output: OK(map[string]any{
		"pnr":                   pnr,
		"payment_in_percent":    inPercent,
		"transaction_master_id": txnID,
		"series_group_id":       groupID,
	}, fmt.Sprintf("Payment check completed for PNR %s", pnr))}, nil
}

// paymentInPercentage walks the blocking, flight and timeline tables to
// decide the payment mode. Percentage-based ("Y") is the default: it applies
// when the timeline carries a positive percentage with a zero absolute
// amount, and also when no timeline record exists at all. A non-zero
// absolute amount flips the answer to "N".
func (h *PaymentCheck) paymentInPercentage(ctx context.Context, pnr string, txnID, groupID int, blockingID string) (string, error) {
	inPercent := "Y"

	if txnID <= 0 || groupID <= 0 {
		var flightID int64
		err := h.db.QueryRowContext(ctx,
			`SELECT request_approved_flight_id FROM pnr_blocking_details WHERE pnr = ? LIMIT 1`,
			pnr).Scan(&flightID)
		if err == sql.ErrNoRows {
			return inPercent, nil
		}
		if err != nil {
			return "", err
		}

		var seriesRequestID int64
		err = h.db.QueryRowContext(ctx,
			`SELECT rafd.transaction_master_id, rafd.series_request_id, srd.series_group_id
			 FROM request_approved_flight_details rafd
			 JOIN series_request_details srd ON rafd.series_request_id = srd.series_request_id
			 WHERE rafd.request_approved_flight_id = ?
			 ORDER BY rafd.transaction_master_id DESC LIMIT 1`,
			flightID).Scan(&txnID, &seriesRequestID, &groupID)
		if err == sql.ErrNoRows {
			return inPercent, nil
		}
		if err != nil {
			return "", err
		}
	}

	if txnID <= 0 || groupID <= 0 {
		return inPercent, nil
	}

	query := `SELECT percentage_value, absolute_amount
		FROM request_timeline_details
		WHERE transaction_id = ? AND timeline_type = 'PAYMENT' AND status != 'TIMELINEEXTEND'`
	params := []any{txnID}
	if blockingID != "" {
		query += ` AND pnr_blocking_id = ?`
		params = append(params, blockingID)
	} else {
		query += ` AND series_group_id = ?`
		params = append(params, groupID)
	}
	query += ` ORDER BY transaction_id ASC LIMIT 1`

	var percentage, absolute float64
	err := h.db.QueryRowContext(ctx, query, params...).Scan(&percentage, &absolute)
	if err == sql.ErrNoRows {
		return inPercent, nil
	}
	if err != nil {
		return "", err
	}

	switch {
	case percentage > 0 && absolute == 0:
		inPercent = "Y"
	case absolute != 0:
		inPercent = "N"
	}
	return inPercent, nil
}
