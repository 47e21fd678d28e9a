// Package parser turns an uploaded transit statement (CSV, JSON or PDF) into
// an Invoice and its ordered Transactions.
//
// Parsing prefers partial success: rows that lack a date or amount are
// skipped and counted, and the parse only fails when nothing at all could be
// extracted or the bytes cannot be decoded.
package parser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/logger"
	"github.com/dvloznov/fare-ledger/internal/metrics"
)

var (
	ErrNoTransactions    = errors.New("no transactions could be extracted")
	ErrUnsupportedFormat = errors.New("unsupported statement format")
	ErrUndecodable       = errors.New("statement is not decodable")
	ErrUnknownTimezone   = errors.New("unknown timezone")
)

// DefaultTimezone applies when neither the caller nor the source declares one.
const DefaultTimezone = "UTC"

// Only the first few skipped rows are itemized; all are counted.
const maxSkippedRowsDetails = 50

// Input is one statement to parse.
type Input struct {
	Raw     []byte
	Format  domain.SourceFormat
	OwnerID string
	// Timezone is the IANA zone used to derive calendar dates from
	// timestamps. Empty falls back to the source's own declaration, then to
	// the parser default.
	Timezone string
}

// SkippedRow explains why one source row produced no transaction.
type SkippedRow struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Diagnostics reports everything the parser ignored or adjusted.
type Diagnostics struct {
	SkippedRows int `json:"skipped_rows"`
	// IgnoredLines counts PDF text lines with neither a date nor an amount.
	IgnoredLines int              `json:"ignored_lines,omitempty"`
	Skipped      []SkippedRow     `json:"skipped,omitempty"`
	Warnings     []domain.Warning `json:"warnings,omitempty"`
}

func (d *Diagnostics) skip(line int, reason string) {
	d.SkippedRows++
	if len(d.Skipped) < maxSkippedRowsDetails {
		d.Skipped = append(d.Skipped, SkippedRow{Line: line, Reason: reason})
	}
}

// Result is a parsed statement.
type Result struct {
	Invoice      domain.Invoice       `json:"invoice"`
	Transactions []domain.Transaction `json:"transactions"`
	Diagnostics  Diagnostics          `json:"diagnostics"`
}

// TextExtractor turns PDF bytes into plain text, one statement line per line.
type TextExtractor interface {
	ExtractText(ctx context.Context, pdf []byte) (string, error)
}

// Parser is stateless apart from its collaborators and is safe for
// concurrent use.
type Parser struct {
	pdf             TextExtractor
	defaultTimezone string
	now             func() time.Time
}

// Option configures a Parser.
type Option func(*Parser)

// WithPDFExtractor overrides the PDF text extractor.
func WithPDFExtractor(e TextExtractor) Option {
	return func(p *Parser) { p.pdf = e }
}

// WithDefaultTimezone sets the zone used when neither caller nor source declares one.
func WithDefaultTimezone(tz string) Option {
	return func(p *Parser) {
		if tz != "" {
			p.defaultTimezone = tz
		}
	}
}

// WithClock fixes the upload timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// New returns a Parser using the local PDF extractor unless overridden.
func New(opts ...Option) *Parser {
	p := &Parser{
		pdf:             LocalPDFExtractor{},
		defaultTimezone: DefaultTimezone,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// sourceRows is what every format decoder produces.
type sourceRows struct {
	rows          []rawRow
	declaredTotal string
	timezone      string
	periodStart   string
	periodEnd     string
}

// Parse decodes in and builds the invoice. The invoice total is always the
// exact sum of the returned transactions; any total printed in the source
// is only compared against it.
func (p *Parser) Parse(ctx context.Context, in Input) (*Result, error) {
	log := logger.FromContext(ctx)
	diag := &Diagnostics{}

	var (
		src *sourceRows
		err error
	)
	switch in.Format {
	case domain.FormatCSV:
		src, err = decodeCSV(in.Raw, diag)
	case domain.FormatJSON:
		src, err = decodeJSON(in.Raw, diag)
	case domain.FormatPDF:
		src, err = p.decodePDF(ctx, in.Raw, diag)
	default:
		return nil, domain.E(domain.KindMalformedInput, "parser.Parse", fmt.Errorf("%w: %q", ErrUnsupportedFormat, in.Format))
	}
	if domain.IsKind(err, domain.KindUpstreamUnavailable) {
		return nil, err
	}
	if err != nil {
		return nil, domain.E(domain.KindMalformedInput, "parser.Parse", err)
	}

	tzName := firstNonEmpty(in.Timezone, src.timezone, p.defaultTimezone)
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, domain.E(domain.KindMalformedInput, "parser.Parse", fmt.Errorf("%w: %q", ErrUnknownTimezone, tzName))
	}

	invoiceID := InvoiceID(in.OwnerID, in.Raw)
	txs := make([]domain.Transaction, 0, len(src.rows))
	for _, row := range src.rows {
		t, err := row.toTransaction(loc)
		if err != nil {
			diag.skip(row.line, err.Error())
			log.Debug().Int("line", row.line).Str("reason", err.Error()).Msg("skipping statement row")
			continue
		}
		t.InvoiceID = invoiceID
		t.OwnerID = in.OwnerID
		t.ID = TransactionID(invoiceID, t.Ordinal, t.Date, t.Amount)
		txs = append(txs, t)
	}

	metrics.ParsedRowsTotal.WithLabelValues(string(in.Format), "ok").Add(float64(len(txs)))
	metrics.ParsedRowsTotal.WithLabelValues(string(in.Format), "skipped").Add(float64(diag.SkippedRows))

	if len(txs) == 0 {
		return nil, domain.E(domain.KindMalformedInput, "parser.Parse",
			fmt.Errorf("%w: %d rows skipped", ErrNoTransactions, diag.SkippedRows))
	}

	domain.SortTransactions(txs)

	inv := domain.Invoice{
		ID:               invoiceID,
		OwnerID:          in.OwnerID,
		TotalAmount:      domain.SumAmounts(txs),
		SourceFormat:     in.Format,
		Timezone:         loc.String(),
		UploadedAt:       p.now().UTC(),
		TransactionCount: len(txs),
	}
	inv.PeriodStart, inv.PeriodEnd = txs[0].Date, txs[len(txs)-1].Date
	if d, err := parseDateOnly(src.periodStart); err == nil && d.Before(inv.PeriodStart) {
		inv.PeriodStart = d
	}
	if d, err := parseDateOnly(src.periodEnd); err == nil && d.After(inv.PeriodEnd) {
		inv.PeriodEnd = d
	}

	if src.declaredTotal != "" {
		if total, err := parseAmount(src.declaredTotal); err == nil {
			inv.DeclaredTotal = &total
		} else {
			log.Debug().Str("declared_total", src.declaredTotal).Msg("ignoring unreadable statement total")
		}
	}
	for _, w := range []*domain.Warning{inv.Reconcile(txs), inv.CheckDeclaredTotal()} {
		if w != nil {
			inv.Warnings = append(inv.Warnings, *w)
			diag.Warnings = append(diag.Warnings, *w)
		}
	}

	log.Info().
		Str("invoice_id", inv.ID).
		Str("format", string(in.Format)).
		Int("transactions", len(txs)).
		Int("skipped_rows", diag.SkippedRows).
		Msg("statement parsed")

	return &Result{Invoice: inv, Transactions: txs, Diagnostics: *diag}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func parseDateOnly(s string) (civil.Date, error) {
	if s == "" {
		return civil.Date{}, errors.New("empty")
	}
	return civil.ParseDate(strings.TrimSpace(s))
}
