package bigquery

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// numericScale is BigQuery NUMERIC's fixed scale.
const numericScale = 9

type InvoiceRow struct {
	InvoiceID string `bigquery:"invoice_id"` // REQUIRED
	WriteID   string `bigquery:"write_id"`   // REQUIRED
	OwnerID   string `bigquery:"owner_id"`   // REQUIRED

	PeriodStart civil.Date `bigquery:"period_start"` // REQUIRED
	PeriodEnd   civil.Date `bigquery:"period_end"`   // REQUIRED

	TotalAmount   *big.Rat            `bigquery:"total_amount"`   // REQUIRED NUMERIC
	DeclaredTotal bigquery.NullString `bigquery:"declared_total"` // NULLABLE

	SourceFormat     string    `bigquery:"source_format"`
	Timezone         string    `bigquery:"timezone"`
	UploadedTS       time.Time `bigquery:"uploaded_ts"`
	TransactionCount int64     `bigquery:"transaction_count"`

	Status      string                 `bigquery:"status"`
	CommittedTS bigquery.NullTimestamp `bigquery:"committed_ts"` // NULLABLE

	Warnings bigquery.NullJSON `bigquery:"warnings"` // NULLABLE JSON
}

type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	InvoiceID     string `bigquery:"invoice_id"`     // REQUIRED
	WriteID       string `bigquery:"write_id"`       // REQUIRED
	OwnerID       string `bigquery:"owner_id"`       // REQUIRED

	TransactionDate civil.Date             `bigquery:"transaction_date"` // REQUIRED
	BookingTS       bigquery.NullTimestamp `bigquery:"booking_ts"`       // NULLABLE

	Amount *big.Rat `bigquery:"amount"` // REQUIRED NUMERIC

	JourneyType string             `bigquery:"journey_type"`
	ZoneFrom    bigquery.NullInt64 `bigquery:"zone_from"` // NULLABLE
	ZoneTo      bigquery.NullInt64 `bigquery:"zone_to"`   // NULLABLE
	Peak        string             `bigquery:"peak"`

	Description bigquery.NullString `bigquery:"description"` // NULLABLE
	Ordinal     int64               `bigquery:"ordinal"`

	CreatedTS time.Time `bigquery:"created_ts"`
}

type EmbeddingRow struct {
	Collection string    `bigquery:"collection"`
	RecordID   string    `bigquery:"record_id"`
	OwnerID    string    `bigquery:"owner_id"`
	InvoiceID  string    `bigquery:"invoice_id"`
	SessionID  string    `bigquery:"session_id"`
	Embedding  []float64 `bigquery:"embedding"` // REPEATED FLOAT64
	Payload    string    `bigquery:"payload"`
	CreatedTS  time.Time `bigquery:"created_ts"`
}

func ratFromDecimal(d decimal.Decimal) *big.Rat {
	return d.Rat()
}

func decimalFromRat(r *big.Rat) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(r.FloatString(numericScale))
}

func newTransactionRow(t domain.Transaction, writeID string, now time.Time) *TransactionRow {
	row := &TransactionRow{
		TransactionID:   t.ID,
		InvoiceID:       t.InvoiceID,
		WriteID:         writeID,
		OwnerID:         t.OwnerID,
		TransactionDate: t.Date,
		Amount:          ratFromDecimal(t.Amount),
		JourneyType:     string(t.JourneyType),
		Peak:            string(t.Peak),
		Description:     bigquery.NullString{StringVal: t.Description, Valid: t.Description != ""},
		Ordinal:         int64(t.Ordinal),
		CreatedTS:       now,
	}
	if t.Timestamp != nil {
		row.BookingTS = bigquery.NullTimestamp{Timestamp: *t.Timestamp, Valid: true}
	}
	if t.ZoneRange != nil {
		row.ZoneFrom = bigquery.NullInt64{Int64: int64(t.ZoneRange.From), Valid: true}
		row.ZoneTo = bigquery.NullInt64{Int64: int64(t.ZoneRange.To), Valid: true}
	}
	return row
}

func (r *TransactionRow) toDomain() (domain.Transaction, error) {
	amount, err := decimalFromRat(r.Amount)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("TransactionRow.toDomain: amount of %s: %w", r.TransactionID, err)
	}
	t := domain.Transaction{
		ID:          r.TransactionID,
		InvoiceID:   r.InvoiceID,
		OwnerID:     r.OwnerID,
		Date:        r.TransactionDate,
		Amount:      amount,
		JourneyType: domain.JourneyType(r.JourneyType),
		Peak:        domain.Peak(r.Peak),
		Description: r.Description.StringVal,
		Ordinal:     int(r.Ordinal),
	}
	if r.BookingTS.Valid {
		ts := r.BookingTS.Timestamp
		t.Timestamp = &ts
	}
	if r.ZoneFrom.Valid && r.ZoneTo.Valid {
		t.ZoneRange = domain.NewZoneRange(int(r.ZoneFrom.Int64), int(r.ZoneTo.Int64))
	}
	return t, nil
}

func (r *InvoiceRow) toDomain() (domain.Invoice, error) {
	total, err := decimalFromRat(r.TotalAmount)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("InvoiceRow.toDomain: total of %s: %w", r.InvoiceID, err)
	}
	inv := domain.Invoice{
		ID:               r.InvoiceID,
		OwnerID:          r.OwnerID,
		PeriodStart:      r.PeriodStart,
		PeriodEnd:        r.PeriodEnd,
		TotalAmount:      total,
		SourceFormat:     domain.SourceFormat(r.SourceFormat),
		Timezone:         r.Timezone,
		UploadedAt:       r.UploadedTS,
		TransactionCount: int(r.TransactionCount),
	}
	if r.DeclaredTotal.Valid {
		d, err := decimal.NewFromString(r.DeclaredTotal.StringVal)
		if err != nil {
			return domain.Invoice{}, fmt.Errorf("InvoiceRow.toDomain: declared total of %s: %w", r.InvoiceID, err)
		}
		inv.DeclaredTotal = &d
	}
	if r.Warnings.Valid && r.Warnings.JSONVal != "" {
		if err := json.Unmarshal([]byte(r.Warnings.JSONVal), &inv.Warnings); err != nil {
			return domain.Invoice{}, fmt.Errorf("InvoiceRow.toDomain: warnings of %s: %w", r.InvoiceID, err)
		}
	}
	return inv, nil
}

// invoiceParams binds an invoice for the PENDING insert.
func invoiceParams(inv domain.Invoice, writeID string) ([]bigquery.QueryParameter, error) {
	declared := bigquery.NullString{}
	if inv.DeclaredTotal != nil {
		declared = bigquery.NullString{StringVal: inv.DeclaredTotal.String(), Valid: true}
	}
	warnings := "[]"
	if len(inv.Warnings) > 0 {
		b, err := json.Marshal(inv.Warnings)
		if err != nil {
			return nil, fmt.Errorf("invoiceParams: encoding warnings: %w", err)
		}
		warnings = string(b)
	}
	return []bigquery.QueryParameter{
		{Name: "invoice_id", Value: inv.ID},
		{Name: "write_id", Value: writeID},
		{Name: "owner_id", Value: inv.OwnerID},
		{Name: "period_start", Value: inv.PeriodStart},
		{Name: "period_end", Value: inv.PeriodEnd},
		{Name: "total_amount", Value: ratFromDecimal(inv.TotalAmount)},
		{Name: "declared_total", Value: declared},
		{Name: "source_format", Value: string(inv.SourceFormat)},
		{Name: "timezone", Value: inv.Timezone},
		{Name: "uploaded_ts", Value: inv.UploadedAt},
		{Name: "transaction_count", Value: int64(inv.TransactionCount)},
		{Name: "status", Value: statusPending},
		{Name: "warnings", Value: warnings},
	}, nil
}

func float64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
