package domain

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// SourceFormat is the declared format of an uploaded statement.
type SourceFormat string

const (
	FormatCSV  SourceFormat = "csv"
	FormatPDF  SourceFormat = "pdf"
	FormatJSON SourceFormat = "json"
)

// ParseSourceFormat accepts a format name, file extension or MIME type.
func ParseSourceFormat(s string) (SourceFormat, bool) {
	switch s {
	case "csv", ".csv", "text/csv", "application/csv":
		return FormatCSV, true
	case "pdf", ".pdf", "application/pdf":
		return FormatPDF, true
	case "json", ".json", "application/json":
		return FormatJSON, true
	}
	return "", false
}

// ReconciliationTolerance is the half-cent allowed between an invoice total
// and the sum of its transactions.
var ReconciliationTolerance = decimal.RequireFromString("0.005")

// Invoice is one uploaded statement. TotalAmount is always the exact sum of
// its transactions; DeclaredTotal is whatever the source file claimed.
type Invoice struct {
	ID               string           `json:"id"`
	OwnerID          string           `json:"owner_id"`
	PeriodStart      civil.Date       `json:"period_start"`
	PeriodEnd        civil.Date       `json:"period_end"`
	TotalAmount      decimal.Decimal  `json:"total_amount"`
	DeclaredTotal    *decimal.Decimal `json:"declared_total,omitempty"`
	SourceFormat     SourceFormat     `json:"source_format"`
	Timezone         string           `json:"timezone"`
	UploadedAt       time.Time        `json:"uploaded_at"`
	TransactionCount int              `json:"transaction_count"`
	Warnings         []Warning        `json:"warnings,omitempty"`
}

// Reconcile compares TotalAmount against the sum of txs. A mismatch beyond
// the tolerance is returned as a warning; nothing is corrected.
func (inv *Invoice) Reconcile(txs []Transaction) *Warning {
	sum := SumAmounts(txs)
	if sum.Sub(inv.TotalAmount).Abs().GreaterThan(ReconciliationTolerance) {
		return &Warning{
			Kind:    KindReconciliationMismatch,
			Message: fmt.Sprintf("invoice %s total %s does not match transaction sum %s", inv.ID, inv.TotalAmount.StringFixed(2), sum.StringFixed(2)),
		}
	}
	return nil
}

// CheckDeclaredTotal compares the source file's own total line, if any.
func (inv *Invoice) CheckDeclaredTotal() *Warning {
	if inv.DeclaredTotal == nil {
		return nil
	}
	if inv.DeclaredTotal.Sub(inv.TotalAmount).Abs().GreaterThan(ReconciliationTolerance) {
		return &Warning{
			Kind:    KindReconciliationMismatch,
			Message: fmt.Sprintf("statement declares total %s but transactions sum to %s", inv.DeclaredTotal.StringFixed(2), inv.TotalAmount.StringFixed(2)),
		}
	}
	return nil
}

// SummaryText is the text indexed into the documents collection.
func (inv *Invoice) SummaryText() string {
	return fmt.Sprintf("Transit invoice %s covering %s to %s: %d journeys totalling £%s (source %s).",
		inv.ID, inv.PeriodStart, inv.PeriodEnd, inv.TransactionCount, inv.TotalAmount.StringFixed(2), inv.SourceFormat)
}

// SelectedDateSet is a validated, deduplicated, ascending date selection.
type SelectedDateSet struct {
	Dates     []civil.Date `json:"dates"`
	InvoiceID string       `json:"invoice_id"`
	OwnerID   string       `json:"owner_id"`
}
