package handlers

import (
	"context"
	"net/http"

	"github.com/dvloznov/fare-ledger/internal/api/middleware"
	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/retrieval"
)

// DocumentIndexer adds documents to the document collection.
type DocumentIndexer interface {
	Index(ctx context.Context, doc retrieval.Document) (retrieval.Document, error)
}

// InvoiceGetter checks that an invoice belongs to the caller.
type InvoiceGetter interface {
	GetInvoice(ctx context.Context, invoiceID, ownerID string) (*domain.Invoice, error)
}

// DocumentsHandler handles document-related endpoints.
type DocumentsHandler struct {
	docs     DocumentIndexer
	invoices InvoiceGetter
}

// NewDocumentsHandler creates a new documents handler.
func NewDocumentsHandler(docs DocumentIndexer, invoices InvoiceGetter) *DocumentsHandler {
	return &DocumentsHandler{docs: docs, invoices: invoices}
}

// IndexDocument handles POST /api/documents. Ids are always assigned
// server side so one owner cannot overwrite another's chunks.
func (h *DocumentsHandler) IndexDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Title     string `json:"title"`
		Text      string `json:"text"`
		InvoiceID string `json:"invoice_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(ctx, w, err)
		return
	}

	owner := middleware.OwnerID(ctx)
	if req.InvoiceID != "" {
		if _, err := h.invoices.GetInvoice(ctx, req.InvoiceID, owner); err != nil {
			writeError(ctx, w, err)
			return
		}
	}

	doc, err := h.docs.Index(ctx, retrieval.Document{
		OwnerID:   owner,
		InvoiceID: req.InvoiceID,
		Title:     req.Title,
		Text:      req.Text,
		Source:    "api",
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"document_id": doc.ID,
		"invoice_id":  doc.InvoiceID,
		"created_at":  doc.CreatedAt,
	})
}
