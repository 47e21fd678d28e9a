// Package ledger is the owner-scoped store of invoices and transactions.
// Exact reads go through a Repository; similarity reads go through the
// vector capabilities and are post-filtered here, never trusted as scoped.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/logger"
	"github.com/dvloznov/fare-ledger/internal/metrics"
	"github.com/dvloznov/fare-ledger/internal/vector"
)

// BatchEmbedder is implemented by embedders that can embed many texts in
// one upstream call.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ScoredTransaction is one similarity hit.
type ScoredTransaction struct {
	Transaction domain.Transaction `json:"transaction"`
	Score       float64            `json:"score"`
}

// Store is safe for concurrent use.
type Store struct {
	repo     Repository
	index    vector.Index
	embedder vector.Embedder
}

func NewStore(repo Repository, index vector.Index, embedder vector.Embedder) *Store {
	return &Store{repo: repo, index: index, embedder: embedder}
}

// Store writes an invoice and its transactions. Vectors are upserted before
// the ledger commit, and similarity reads only surface committed invoices,
// so both read paths see all of the invoice or none of it.
//
// If embedding fails the ledger is still written and a warning is returned:
// exact retrieval and calculation never depend on the similarity index.
func (s *Store) Store(ctx context.Context, inv domain.Invoice, txs []domain.Transaction) (*domain.Warning, error) {
	const op = "ledger.Store"
	if inv.ID == "" || inv.OwnerID == "" {
		return nil, domain.Errorf(domain.KindMalformedInput, op, "invoice id and owner are required")
	}
	for _, t := range txs {
		if t.InvoiceID != inv.ID {
			return nil, domain.Errorf(domain.KindMalformedInput, op, "transaction %s belongs to invoice %s", t.ID, t.InvoiceID)
		}
		if t.OwnerID != inv.OwnerID {
			logger.Security(ctx).Warn().Str("invoice_id", inv.ID).Str("transaction_id", t.ID).Msg("transaction owner differs from invoice owner")
			metrics.TenancyViolationsTotal.WithLabelValues("ledger").Inc()
			return nil, domain.Errorf(domain.KindTenancyViolation, op, "transaction %s owner mismatch", t.ID)
		}
		if t.Amount.IsNegative() {
			return nil, domain.Errorf(domain.KindMalformedInput, op, "transaction %s has negative amount", t.ID)
		}
	}

	log := logger.FromContext(ctx)
	var warning *domain.Warning
	if err := s.indexTransactions(ctx, txs); err != nil {
		log.Warn().Err(err).Str("invoice_id", inv.ID).Msg("similarity indexing failed, storing ledger only")
		warning = &domain.Warning{
			Kind:    domain.KindUpstreamUnavailable,
			Message: "transactions stored but not indexed for similarity search",
		}
	}

	if err := s.repo.SaveInvoice(ctx, inv, txs); err != nil {
		return nil, fmt.Errorf("Store: saving invoice %s: %w", inv.ID, err)
	}

	log.Info().Str("invoice_id", inv.ID).Int("transactions", len(txs)).Msg("invoice stored")
	return warning, nil
}

func (s *Store) indexTransactions(ctx context.Context, txs []domain.Transaction) error {
	if s.index == nil || s.embedder == nil || len(txs) == 0 {
		return nil
	}
	texts := make([]string, len(txs))
	for i, t := range txs {
		texts[i] = t.EmbeddingText()
	}
	vectors, err := embedAll(ctx, s.embedder, texts)
	if err != nil {
		return fmt.Errorf("indexTransactions: embedding: %w", err)
	}

	records := make([]vector.Record, len(txs))
	for i, t := range txs {
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("indexTransactions: encoding %s: %w", t.ID, err)
		}
		records[i] = vector.Record{
			ID:        t.ID,
			OwnerID:   t.OwnerID,
			InvoiceID: t.InvoiceID,
			Vector:    vectors[i],
			Payload:   payload,
		}
	}
	if err := s.index.Upsert(ctx, vector.CollectionTransactions, records); err != nil {
		return fmt.Errorf("indexTransactions: upsert: %w", err)
	}
	return nil
}

func embedAll(ctx context.Context, e vector.Embedder, texts []string) ([][]float32, error) {
	if b, ok := e.(BatchEmbedder); ok {
		vecs, err := b.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("embedAll: got %d vectors for %d texts", len(vecs), len(texts))
		}
		return vecs, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// GetInvoice returns the invoice if it belongs to ownerID.
func (s *Store) GetInvoice(ctx context.Context, invoiceID, ownerID string) (*domain.Invoice, error) {
	const op = "ledger.GetInvoice"
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if errors.Is(err, ErrInvoiceNotFound) {
		return nil, domain.E(domain.KindNotFound, op, fmt.Errorf("%w: %s", ErrInvoiceNotFound, invoiceID))
	}
	if err != nil {
		return nil, fmt.Errorf("GetInvoice: %w", err)
	}
	if inv.OwnerID != ownerID {
		s.tenancyViolation(ctx, "invoice requested by another owner", invoiceID)
		return nil, domain.Errorf(domain.KindTenancyViolation, op, "invoice %s is not owned by caller", invoiceID)
	}
	return inv, nil
}

// GetByInvoice returns the invoice's transactions ordered by date, then
// timestamp. It never returns another owner's rows.
func (s *Store) GetByInvoice(ctx context.Context, invoiceID, ownerID string) ([]domain.Transaction, error) {
	if _, err := s.GetInvoice(ctx, invoiceID, ownerID); err != nil {
		return nil, err
	}
	txs, err := s.repo.ListTransactions(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("GetByInvoice: listing %s: %w", invoiceID, err)
	}
	out := txs[:0]
	for _, t := range txs {
		if t.OwnerID != ownerID {
			s.tenancyViolation(ctx, "foreign transaction under owned invoice", t.ID)
			continue
		}
		out = append(out, t)
	}
	domain.SortTransactions(out)
	return out, nil
}

// ListInvoices returns the owner's invoices, newest first.
func (s *Store) ListInvoices(ctx context.Context, ownerID string) ([]domain.Invoice, error) {
	invs, err := s.repo.ListInvoices(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ListInvoices: %w", err)
	}
	return invs, nil
}

// FindSimilar ranks the owner's transactions against queryText, optionally
// limited to one invoice. Hits for other owners or uncommitted invoices are
// dropped here whatever the index returned.
func (s *Store) FindSimilar(ctx context.Context, ownerID, queryText, invoiceID string, k int) ([]ScoredTransaction, error) {
	const op = "ledger.FindSimilar"
	if ownerID == "" {
		return nil, domain.Errorf(domain.KindMalformedInput, op, "owner is required")
	}
	if k <= 0 || s.index == nil || s.embedder == nil {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("FindSimilar: embedding query: %w", err)
	}
	filter := vector.Filter{OwnerID: ownerID, InvoiceID: invoiceID}
	hits, err := s.index.Search(ctx, vector.CollectionTransactions, vec, filter, k)
	if err != nil {
		return nil, fmt.Errorf("FindSimilar: search: %w", err)
	}

	candidates := make([]ScoredTransaction, 0, len(hits))
	invoiceIDs := make(map[string]struct{})
	for _, h := range hits {
		var t domain.Transaction
		if err := json.Unmarshal(h.Record.Payload, &t); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Str("record_id", h.Record.ID).Msg("skipping undecodable transaction hit")
			continue
		}
		if h.Record.OwnerID != ownerID || t.OwnerID != ownerID {
			s.tenancyViolation(ctx, "vector search returned another owner's transaction", h.Record.ID)
			continue
		}
		if invoiceID != "" && t.InvoiceID != invoiceID {
			continue
		}
		candidates = append(candidates, ScoredTransaction{Transaction: t, Score: h.Score})
		invoiceIDs[t.InvoiceID] = struct{}{}
	}
	if len(candidates) == 0 {
		return candidates, nil
	}

	ids := make([]string, 0, len(invoiceIDs))
	for id := range invoiceIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	committed, err := s.repo.CommittedInvoices(ctx, ownerID, ids)
	if err != nil {
		return nil, fmt.Errorf("FindSimilar: checking commit status: %w", err)
	}

	out := candidates[:0]
	for _, c := range candidates {
		if committed[c.Transaction.InvoiceID] {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (s *Store) tenancyViolation(ctx context.Context, msg, recordID string) {
	metrics.TenancyViolationsTotal.WithLabelValues("ledger").Inc()
	logger.Security(ctx).Error().Str("record_id", recordID).Msg(msg)
}
