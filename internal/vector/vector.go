// Package vector defines the embedding and similarity-search capabilities
// the ledger, memory and document stores are built on.
package vector

import (
	"context"
	"encoding/json"
	"errors"
)

// Logical collections. Each is partitioned by owner.
const (
	CollectionDocuments    = "documents"
	CollectionTransactions = "invoice_transactions"
	CollectionMemory       = "conversational_memory"
)

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index stores vectors with a structured payload and searches them.
// Implementations must honour Filter but callers still post-filter: the
// index is not trusted to enforce tenancy.
type Index interface {
	Upsert(ctx context.Context, collection string, records []Record) error
	Search(ctx context.Context, collection string, vector []float32, filter Filter, k int) ([]Hit, error)
}

// Record is one indexed item. The filter columns are duplicated out of the
// payload so the index can scope a search without decoding it.
type Record struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	InvoiceID string          `json:"invoice_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Vector    []float32       `json:"-"`
	Payload   json.RawMessage `json:"payload"`
}

// Filter scopes a search. OwnerID is always required.
type Filter struct {
	OwnerID   string
	InvoiceID string
	SessionID string
}

// Matches reports whether r satisfies every non-empty field of f.
func (f Filter) Matches(r Record) bool {
	if r.OwnerID != f.OwnerID {
		return false
	}
	if f.InvoiceID != "" && r.InvoiceID != f.InvoiceID {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	return true
}

// Hit is one ranked search result.
type Hit struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}
