// Package bigquery stores the ledger and its embeddings in BigQuery.
//
// Invoices are written with status PENDING, their transactions are streamed
// in, and the invoice row is then flipped to COMMITTED. Every read joins on a
// committed invoice row, so a half-written invoice is never visible.
package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
)

const (
	invoicesTable     = "invoices"
	transactionsTable = "transactions"
	embeddingsTable   = "embeddings"

	statusPending    = "PENDING"
	statusCommitted  = "COMMITTED"
	statusSuperseded = "SUPERSEDED"
	statusFailed     = "FAILED"
)

// Client is a shared BigQuery client bound to one dataset.
type Client struct {
	bq        *bigquery.Client
	projectID string
	datasetID string
}

// NewClient opens a BigQuery client for projectID/datasetID.
func NewClient(ctx context.Context, projectID, datasetID string) (*Client, error) {
	if projectID == "" || datasetID == "" {
		return nil, fmt.Errorf("NewClient: project and dataset are required")
	}
	c, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewClient: creating client: %w", err)
	}
	return &Client{bq: c, projectID: projectID, datasetID: datasetID}, nil
}

// Close closes the BigQuery client connection.
func (c *Client) Close() error {
	if c.bq != nil {
		return c.bq.Close()
	}
	return nil
}

// table returns the fully qualified, backquoted table name.
func (c *Client) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", c.projectID, c.datasetID, name)
}

func (c *Client) inserter(name string) *bigquery.Inserter {
	return c.bq.DatasetInProject(c.projectID, c.datasetID).Table(name).Inserter()
}

// exec runs a DML statement and waits for it to finish.
func (c *Client) exec(ctx context.Context, op, sql string, params []bigquery.QueryParameter) error {
	q := c.bq.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("%s: running query: %w", op, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("%s: waiting for job: %w", op, err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("%s: job error: %w", op, err)
	}
	return nil
}

func (c *Client) read(ctx context.Context, sql string, params []bigquery.QueryParameter) (*bigquery.RowIterator, error) {
	q := c.bq.Query(sql)
	q.Parameters = params
	return q.Read(ctx)
}
