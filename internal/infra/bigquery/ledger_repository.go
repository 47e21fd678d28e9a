package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/ledger"
	"github.com/dvloznov/fare-ledger/internal/logger"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

// Streaming inserts are capped per request; larger statements go in batches.
const insertBatchSize = 500

const invoiceColumns = `
	invoice_id,
	write_id,
	owner_id,
	period_start,
	period_end,
	total_amount,
	declared_total,
	source_format,
	timezone,
	uploaded_ts,
	transaction_count,
	status,
	committed_ts,
	warnings`

// LedgerRepository is the BigQuery ledger.Repository.
type LedgerRepository struct {
	c   *Client
	now func() time.Time
}

var _ ledger.Repository = (*LedgerRepository)(nil)

func NewLedgerRepository(c *Client) *LedgerRepository {
	return &LedgerRepository{c: c, now: time.Now}
}

// SaveInvoice writes a PENDING invoice row, streams its transactions and
// then commits with one UPDATE that also supersedes any earlier upload of
// the same invoice. Readers only ever join on the COMMITTED row.
func (r *LedgerRepository) SaveInvoice(ctx context.Context, inv domain.Invoice, txs []domain.Transaction) error {
	log := logger.FromContext(ctx)
	writeID := uuid.NewString()

	params, err := invoiceParams(inv, writeID)
	if err != nil {
		return fmt.Errorf("SaveInvoice: %w", err)
	}
	insert := fmt.Sprintf(`
		INSERT %s (%s)
		VALUES (
			@invoice_id,
			@write_id,
			@owner_id,
			@period_start,
			@period_end,
			@total_amount,
			@declared_total,
			@source_format,
			@timezone,
			@uploaded_ts,
			@transaction_count,
			@status,
			NULL,
			PARSE_JSON(@warnings)
		)
	`, r.c.table(invoicesTable), invoiceColumns)
	if err := r.c.exec(ctx, "SaveInvoice", insert, params); err != nil {
		return err
	}

	now := r.now().UTC()
	rows := make([]*TransactionRow, 0, len(txs))
	for _, t := range txs {
		rows = append(rows, newTransactionRow(t, writeID, now))
	}
	inserter := r.c.inserter(transactionsTable)
	for start := 0; start < len(rows); start += insertBatchSize {
		end := min(start+insertBatchSize, len(rows))
		if err := inserter.Put(ctx, rows[start:end]); err != nil {
			r.markFailed(ctx, writeID)
			return fmt.Errorf("SaveInvoice: inserting transactions: %w", err)
		}
	}

	commit := fmt.Sprintf(`
		UPDATE %s
		SET status = IF(write_id = @write_id, @committed, @superseded),
		    committed_ts = IF(write_id = @write_id, @committed_ts, committed_ts)
		WHERE invoice_id = @invoice_id
		  AND (write_id = @write_id OR status = @committed)
	`, r.c.table(invoicesTable))
	err = r.c.exec(ctx, "SaveInvoice", commit, []bigquery.QueryParameter{
		{Name: "write_id", Value: writeID},
		{Name: "invoice_id", Value: inv.ID},
		{Name: "committed", Value: statusCommitted},
		{Name: "superseded", Value: statusSuperseded},
		{Name: "committed_ts", Value: now},
	})
	if err != nil {
		r.markFailed(ctx, writeID)
		return err
	}

	log.Debug().
		Str("invoice_id", inv.ID).
		Str("write_id", writeID).
		Int("transactions", len(rows)).
		Msg("invoice committed to bigquery")
	return nil
}

// markFailed flags an abandoned write. Failures are only logged: the row
// is already invisible to readers while it is not COMMITTED.
func (r *LedgerRepository) markFailed(ctx context.Context, writeID string) {
	sql := fmt.Sprintf(`
		UPDATE %s
		SET status = @status
		WHERE write_id = @write_id
	`, r.c.table(invoicesTable))
	err := r.c.exec(context.WithoutCancel(ctx), "markFailed", sql, []bigquery.QueryParameter{
		{Name: "status", Value: statusFailed},
		{Name: "write_id", Value: writeID},
	})
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("write_id", writeID).Msg("marking invoice write failed")
	}
}

func (r *LedgerRepository) GetInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	sql := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE invoice_id = @invoice_id
		  AND status = @status
		LIMIT 1
	`, invoiceColumns, r.c.table(invoicesTable))

	it, err := r.c.read(ctx, sql, []bigquery.QueryParameter{
		{Name: "invoice_id", Value: invoiceID},
		{Name: "status", Value: statusCommitted},
	})
	if err != nil {
		return nil, fmt.Errorf("GetInvoice: reading query: %w", err)
	}

	var row InvoiceRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, ledger.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetInvoice: reading row: %w", err)
	}
	inv, err := row.toDomain()
	if err != nil {
		return nil, fmt.Errorf("GetInvoice: %w", err)
	}
	return &inv, nil
}

func (r *LedgerRepository) ListTransactions(ctx context.Context, invoiceID string) ([]domain.Transaction, error) {
	sql := fmt.Sprintf(`
		SELECT
			t.transaction_id,
			t.invoice_id,
			t.write_id,
			t.owner_id,
			t.transaction_date,
			t.booking_ts,
			t.amount,
			t.journey_type,
			t.zone_from,
			t.zone_to,
			t.peak,
			t.description,
			t.ordinal,
			t.created_ts
		FROM %s t
		INNER JOIN %s i
		  ON t.write_id = i.write_id
		WHERE i.invoice_id = @invoice_id
		  AND i.status = @status
		ORDER BY t.transaction_date, t.booking_ts, t.ordinal
	`, r.c.table(transactionsTable), r.c.table(invoicesTable))

	it, err := r.c.read(ctx, sql, []bigquery.QueryParameter{
		{Name: "invoice_id", Value: invoiceID},
		{Name: "status", Value: statusCommitted},
	})
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: query read: %w", err)
	}

	var txs []domain.Transaction
	for {
		var row TransactionRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListTransactions: iter next: %w", err)
		}
		t, err := row.toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListTransactions: %w", err)
		}
		txs = append(txs, t)
	}
	domain.SortTransactions(txs)
	return txs, nil
}

func (r *LedgerRepository) ListInvoices(ctx context.Context, ownerID string) ([]domain.Invoice, error) {
	sql := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE owner_id = @owner_id
		  AND status = @status
		ORDER BY uploaded_ts DESC, invoice_id
	`, invoiceColumns, r.c.table(invoicesTable))

	it, err := r.c.read(ctx, sql, []bigquery.QueryParameter{
		{Name: "owner_id", Value: ownerID},
		{Name: "status", Value: statusCommitted},
	})
	if err != nil {
		return nil, fmt.Errorf("ListInvoices: query read: %w", err)
	}

	var invoices []domain.Invoice
	for {
		var row InvoiceRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListInvoices: iter next: %w", err)
		}
		inv, err := row.toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListInvoices: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, nil
}

func (r *LedgerRepository) CommittedInvoices(ctx context.Context, ownerID string, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sql := fmt.Sprintf(`
		SELECT DISTINCT invoice_id
		FROM %s
		WHERE owner_id = @owner_id
		  AND status = @status
		  AND invoice_id IN UNNEST(@ids)
	`, r.c.table(invoicesTable))

	it, err := r.c.read(ctx, sql, []bigquery.QueryParameter{
		{Name: "owner_id", Value: ownerID},
		{Name: "status", Value: statusCommitted},
		{Name: "ids", Value: ids},
	})
	if err != nil {
		return nil, fmt.Errorf("CommittedInvoices: query read: %w", err)
	}
	for {
		var row struct {
			InvoiceID string `bigquery:"invoice_id"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("CommittedInvoices: iter next: %w", err)
		}
		out[row.InvoiceID] = true
	}
	return out, nil
}
