package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/dvloznov/fare-ledger/internal/domain"
)

var ErrInvoiceNotFound = errors.New("invoice not found")

// Repository persists invoices with their transactions. SaveInvoice must be
// all-or-nothing: readers see either the whole invoice or none of it.
type Repository interface {
	SaveInvoice(ctx context.Context, inv domain.Invoice, txs []domain.Transaction) error
	GetInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error)
	ListTransactions(ctx context.Context, invoiceID string) ([]domain.Transaction, error)
	ListInvoices(ctx context.Context, ownerID string) ([]domain.Invoice, error)
	// CommittedInvoices reports which of ids are fully written for ownerID.
	CommittedInvoices(ctx context.Context, ownerID string, ids []string) (map[string]bool, error)
}

type memoryEntry struct {
	invoice domain.Invoice
	txs     []domain.Transaction
}

// MemoryRepository keeps the ledger in process. Each save swaps the whole
// entry under the write lock.
type MemoryRepository struct {
	mu       sync.RWMutex
	invoices map[string]memoryEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{invoices: make(map[string]memoryEntry)}
}

func (r *MemoryRepository) SaveInvoice(_ context.Context, inv domain.Invoice, txs []domain.Transaction) error {
	cp := make([]domain.Transaction, len(txs))
	copy(cp, txs)
	domain.SortTransactions(cp)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.invoices[inv.ID] = memoryEntry{invoice: inv, txs: cp}
	return nil
}

func (r *MemoryRepository) GetInvoice(_ context.Context, invoiceID string) (*domain.Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.invoices[invoiceID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	inv := e.invoice
	return &inv, nil
}

func (r *MemoryRepository) ListTransactions(_ context.Context, invoiceID string) ([]domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.invoices[invoiceID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	out := make([]domain.Transaction, len(e.txs))
	copy(out, e.txs)
	return out, nil
}

func (r *MemoryRepository) ListInvoices(_ context.Context, ownerID string) ([]domain.Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Invoice
	for _, e := range r.invoices {
		if e.invoice.OwnerID == ownerID {
			out = append(out, e.invoice)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.After(out[j].UploadedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepository) CommittedInvoices(_ context.Context, ownerID string, ids []string) (map[string]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if e, ok := r.invoices[id]; ok && e.invoice.OwnerID == ownerID {
			out[id] = true
		}
	}
	return out, nil
}
