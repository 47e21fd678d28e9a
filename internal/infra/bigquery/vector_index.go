package bigquery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/fare-ledger/internal/vector"
	"google.golang.org/api/iterator"
)

// VectorIndex is a vector.Index over one embeddings table, searched with
// VECTOR_SEARCH using cosine distance. Upserts append; search keeps the
// newest row per record id.
type VectorIndex struct {
	c          *Client
	dimensions int
	now        func() time.Time
}

var _ vector.Index = (*VectorIndex)(nil)

// NewVectorIndex returns an index expecting vectors of the given size.
// dimensions <= 0 disables the check.
func NewVectorIndex(c *Client, dimensions int) *VectorIndex {
	return &VectorIndex{c: c, dimensions: dimensions, now: time.Now}
}

func (x *VectorIndex) Upsert(ctx context.Context, collection string, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}
	now := x.now().UTC()
	rows := make([]*EmbeddingRow, 0, len(records))
	for _, r := range records {
		if r.ID == "" || r.OwnerID == "" {
			return fmt.Errorf("VectorIndex.Upsert: record needs id and owner")
		}
		if err := x.checkDimensions(len(r.Vector)); err != nil {
			return fmt.Errorf("VectorIndex.Upsert: record %s: %w", r.ID, err)
		}
		rows = append(rows, &EmbeddingRow{
			Collection: collection,
			RecordID:   r.ID,
			OwnerID:    r.OwnerID,
			InvoiceID:  r.InvoiceID,
			SessionID:  r.SessionID,
			Embedding:  float64s(r.Vector),
			Payload:    string(r.Payload),
			CreatedTS:  now,
		})
	}

	inserter := x.c.inserter(embeddingsTable)
	for start := 0; start < len(rows); start += insertBatchSize {
		end := min(start+insertBatchSize, len(rows))
		if err := inserter.Put(ctx, rows[start:end]); err != nil {
			return fmt.Errorf("VectorIndex.Upsert: inserting rows: %w", err)
		}
	}
	return nil
}

func (x *VectorIndex) Search(ctx context.Context, collection string, vec []float32, filter vector.Filter, k int) ([]vector.Hit, error) {
	if filter.OwnerID == "" {
		return nil, fmt.Errorf("VectorIndex.Search: owner filter is required")
	}
	if k <= 0 {
		return nil, nil
	}
	if err := x.checkDimensions(len(vec)); err != nil {
		return nil, fmt.Errorf("VectorIndex.Search: %w", err)
	}

	params := []bigquery.QueryParameter{
		{Name: "collection", Value: collection},
		{Name: "owner_id", Value: filter.OwnerID},
		{Name: "query", Value: float64s(vec)},
		{Name: "top_k", Value: int64(k)},
	}
	if filter.InvoiceID != "" {
		params = append(params, bigquery.QueryParameter{Name: "invoice_id", Value: filter.InvoiceID})
	}
	if filter.SessionID != "" {
		params = append(params, bigquery.QueryParameter{Name: "session_id", Value: filter.SessionID})
	}

	it, err := x.c.read(ctx, searchQuery(x.c.table(embeddingsTable), filter), params)
	if err != nil {
		return nil, fmt.Errorf("VectorIndex.Search: query read: %w", err)
	}

	var hits []vector.Hit
	for {
		var row struct {
			RecordID  string  `bigquery:"record_id"`
			OwnerID   string  `bigquery:"owner_id"`
			InvoiceID string  `bigquery:"invoice_id"`
			SessionID string  `bigquery:"session_id"`
			Payload   string  `bigquery:"payload"`
			Distance  float64 `bigquery:"distance"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("VectorIndex.Search: iter next: %w", err)
		}
		hits = append(hits, vector.Hit{
			Record: vector.Record{
				ID:        row.RecordID,
				OwnerID:   row.OwnerID,
				InvoiceID: row.InvoiceID,
				SessionID: row.SessionID,
				Payload:   json.RawMessage(row.Payload),
			},
			// Cosine distance is 1 - similarity.
			Score: 1 - row.Distance,
		})
	}
	return hits, nil
}

func (x *VectorIndex) checkDimensions(n int) error {
	if x.dimensions > 0 && n != x.dimensions {
		return fmt.Errorf("%w: got %d, want %d", vector.ErrDimensionMismatch, n, x.dimensions)
	}
	return nil
}

// searchQuery builds the VECTOR_SEARCH statement. The base query applies
// every filter column before the nearest-neighbour step.
func searchQuery(table string, f vector.Filter) string {
	where := []string{"collection = @collection", "owner_id = @owner_id"}
	if f.InvoiceID != "" {
		where = append(where, "invoice_id = @invoice_id")
	}
	if f.SessionID != "" {
		where = append(where, "session_id = @session_id")
	}
	return fmt.Sprintf(`
		SELECT
			base.record_id,
			base.owner_id,
			base.invoice_id,
			base.session_id,
			base.payload,
			distance
		FROM VECTOR_SEARCH(
			(
				SELECT *
				FROM %s
				WHERE %s
				QUALIFY ROW_NUMBER() OVER (PARTITION BY record_id ORDER BY created_ts DESC) = 1
			),
			'embedding',
			(SELECT @query AS embedding),
			top_k => @top_k,
			distance_type => 'COSINE'
		)
		ORDER BY distance, base.record_id
	`, table, strings.Join(where, "\n\t\t\t\t  AND "))
}
