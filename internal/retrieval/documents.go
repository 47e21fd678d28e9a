// Package retrieval indexes free-text documents and assembles the context
// handed to the generation capability.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/logger"
	"github.com/dvloznov/fare-ledger/internal/metrics"
	"github.com/dvloznov/fare-ledger/internal/vector"
	"github.com/google/uuid"
)

// chunkSize is the target length of one indexed document chunk, in bytes.
const chunkSize = 1200

// Document is one owner document in the documents collection. Invoice
// summaries are indexed here too, with InvoiceID set.
type Document struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	InvoiceID string    `json:"invoice_id,omitempty"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Chunk is one indexed slice of a Document.
type Chunk struct {
	DocumentID string `json:"document_id"`
	OwnerID    string `json:"owner_id"`
	InvoiceID  string `json:"invoice_id,omitempty"`
	Title      string `json:"title"`
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`
}

// DocumentHit is a ranked chunk.
type DocumentHit struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

type Documents struct {
	index    vector.Index
	embedder vector.Embedder
	now      func() time.Time
}

func NewDocuments(index vector.Index, embedder vector.Embedder) *Documents {
	return &Documents{index: index, embedder: embedder, now: time.Now}
}

// Index chunks and embeds doc. Re-indexing a document with the same id
// replaces its chunks.
func (d *Documents) Index(ctx context.Context, doc Document) (Document, error) {
	const op = "retrieval.Index"
	if doc.OwnerID == "" || strings.TrimSpace(doc.Text) == "" {
		return doc, domain.Errorf(domain.KindMalformedInput, op, "owner and text are required")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = d.now().UTC()
	}

	parts := SplitText(doc.Text, chunkSize)
	records := make([]vector.Record, 0, len(parts))
	for i, p := range parts {
		c := Chunk{
			DocumentID: doc.ID,
			OwnerID:    doc.OwnerID,
			InvoiceID:  doc.InvoiceID,
			Title:      doc.Title,
			Ordinal:    i,
			Text:       p,
		}
		vec, err := d.embedder.Embed(ctx, strings.TrimSpace(doc.Title+"\n"+p))
		if err != nil {
			return doc, fmt.Errorf("Index: embedding chunk %d of %s: %w", i, doc.ID, err)
		}
		payload, err := json.Marshal(c)
		if err != nil {
			return doc, fmt.Errorf("Index: encoding chunk: %w", err)
		}
		records = append(records, vector.Record{
			ID:        fmt.Sprintf("%s#%d", doc.ID, i),
			OwnerID:   doc.OwnerID,
			InvoiceID: doc.InvoiceID,
			Vector:    vec,
			Payload:   payload,
		})
	}
	if err := d.index.Upsert(ctx, vector.CollectionDocuments, records); err != nil {
		return doc, fmt.Errorf("Index: upsert %s: %w", doc.ID, err)
	}
	log := logger.FromContext(ctx)
	log.Debug().Str("document_id", doc.ID).Int("chunks", len(records)).Msg("document indexed")
	return doc, nil
}

// IndexInvoiceSummary makes an invoice discoverable by general document chat.
func (d *Documents) IndexInvoiceSummary(ctx context.Context, inv domain.Invoice) error {
	_, err := d.Index(ctx, Document{
		ID:        "invoice-" + inv.ID,
		OwnerID:   inv.OwnerID,
		InvoiceID: inv.ID,
		Title:     "Invoice " + inv.ID,
		Text:      inv.SummaryText(),
		Source:    "invoice",
		CreatedAt: inv.UploadedAt,
	})
	return err
}

// Search returns the owner's best matching chunks, optionally limited to
// one invoice. Foreign hits are dropped and logged.
func (d *Documents) Search(ctx context.Context, ownerID, query, invoiceID string, k int) ([]DocumentHit, error) {
	const op = "retrieval.Search"
	if ownerID == "" {
		return nil, domain.Errorf(domain.KindMalformedInput, op, "owner is required")
	}
	if k <= 0 {
		return nil, nil
	}
	vec, err := d.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("Search: embedding query: %w", err)
	}
	hits, err := d.index.Search(ctx, vector.CollectionDocuments, vec, vector.Filter{OwnerID: ownerID, InvoiceID: invoiceID}, k)
	if err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}

	out := make([]DocumentHit, 0, len(hits))
	for _, h := range hits {
		var c Chunk
		if err := json.Unmarshal(h.Record.Payload, &c); err != nil {
			continue
		}
		if h.Record.OwnerID != ownerID || c.OwnerID != ownerID {
			metrics.TenancyViolationsTotal.WithLabelValues("documents").Inc()
			logger.Security(ctx).Error().Str("record_id", h.Record.ID).Msg("vector search returned another owner's document")
			continue
		}
		if invoiceID != "" && c.InvoiceID != invoiceID {
			continue
		}
		out = append(out, DocumentHit{Chunk: c, Score: h.Score})
	}
	return out, nil
}

// SplitText cuts text into chunks of at most size bytes, preferring
// paragraph then line then word boundaries.
func SplitText(text string, size int) []string {
	text = strings.TrimSpace(text)
	if len(text) <= size {
		return []string{text}
	}
	var out []string
	for len(text) > size {
		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(text[:size], sep); i > 0 {
				cut = i
				break
			}
		}
		if cut <= 0 {
			cut = size
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		if chunk := strings.TrimSpace(text[:cut]); chunk != "" {
			out = append(out, chunk)
		}
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
