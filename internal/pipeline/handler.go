package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/jobs"
	"github.com/dvloznov/fare-ledger/internal/objectstore"
)

// JobHandler runs p for each ingest job and records the outcome on the job.
// Bad files and ownership conflicts fail permanently; everything else is
// left to the queue's retry policy.
func JobHandler(p *Pipeline) jobs.JobHandler {
	return func(ctx context.Context, job *jobs.IngestJob) error {
		state := &State{
			OwnerID:  job.OwnerID,
			URI:      job.URI,
			Format:   job.Format,
			Timezone: job.Timezone,
		}
		if err := p.Execute(ctx, state); err != nil {
			if permanent(err) {
				return jobs.Permanent(err)
			}
			return err
		}

		res := state.Result
		job.InvoiceID = res.Invoice.ID
		job.Format = state.Format
		job.Transactions = len(res.Transactions)
		job.SkippedRows = res.Diagnostics.SkippedRows
		job.Warnings = append([]domain.Warning(nil), res.Diagnostics.Warnings...)
		if state.Warning != nil {
			job.Warnings = append(job.Warnings, *state.Warning)
		}
		return nil
	}
}

func permanent(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindMalformedInput, domain.KindTenancyViolation, domain.KindCapacityExceeded, domain.KindNotFound:
		return true
	}
	return errors.Is(err, objectstore.ErrNotFound) ||
		errors.Is(err, objectstore.ErrInvalidURI) ||
		errors.Is(err, objectstore.ErrTooLarge)
}

// NewJob builds a pending ingest job for owner.
func NewJob(ownerID, uri string, format domain.SourceFormat, timezone string) *jobs.IngestJob {
	return &jobs.IngestJob{
		OwnerID:   ownerID,
		URI:       uri,
		Format:    format,
		Timezone:  timezone,
		Status:    jobs.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}
