package handlers

import (
	"context"
	"net/http"

	"github.com/dvloznov/fare-ledger/internal/api/middleware"
	"github.com/dvloznov/fare-ledger/internal/domain"
)

// InvoiceReader is the read side of the ledger.
type InvoiceReader interface {
	GetInvoice(ctx context.Context, invoiceID, ownerID string) (*domain.Invoice, error)
	GetByInvoice(ctx context.Context, invoiceID, ownerID string) ([]domain.Transaction, error)
	ListInvoices(ctx context.Context, ownerID string) ([]domain.Invoice, error)
}

// InvoicesHandler handles invoice read endpoints.
type InvoicesHandler struct {
	ledger InvoiceReader
}

// NewInvoicesHandler creates a new invoices handler.
func NewInvoicesHandler(ledger InvoiceReader) *InvoicesHandler {
	return &InvoicesHandler{ledger: ledger}
}

// ListInvoices handles GET /api/invoices
func (h *InvoicesHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	invoices, err := h.ledger.ListInvoices(ctx, middleware.OwnerID(ctx))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if invoices == nil {
		invoices = []domain.Invoice{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"invoices": invoices,
		"count":    len(invoices),
	})
}

// GetInvoice handles GET /api/invoices/{id}
func (h *InvoicesHandler) GetInvoice(w http.ResponseWriter, r *http.Request, invoiceID string) {
	ctx := r.Context()
	inv, err := h.ledger.GetInvoice(ctx, invoiceID, middleware.OwnerID(ctx))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, inv)
}

// ListTransactions handles GET /api/invoices/{id}/transactions
func (h *InvoicesHandler) ListTransactions(w http.ResponseWriter, r *http.Request, invoiceID string) {
	ctx := r.Context()
	txs, err := h.ledger.GetByInvoice(ctx, invoiceID, middleware.OwnerID(ctx))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	// Return array directly for frontend compatibility
	if txs == nil {
		txs = []domain.Transaction{}
	}
	middleware.WriteJSON(w, http.StatusOK, txs)
}
