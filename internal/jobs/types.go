// Package jobs describes asynchronous statement ingestion jobs and the
// queue and store contracts that run them.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/fare-ledger/internal/domain"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueClosed = errors.New("queue is closed")
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	// JobStatusRetrying means the last attempt failed and another is scheduled.
	JobStatusRetrying JobStatus = "retrying"
)

// DefaultMaxRetries applies when a job does not set MaxRetries.
const DefaultMaxRetries = 3

// IngestJob loads one statement file from object storage into the ledger.
type IngestJob struct {
	JobID    string              `json:"job_id"`
	OwnerID  string              `json:"owner_id"`
	URI      string              `json:"uri"`
	Format   domain.SourceFormat `json:"format,omitempty"`
	Timezone string              `json:"timezone,omitempty"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`

	// Filled in on success.
	InvoiceID    string           `json:"invoice_id,omitempty"`
	Transactions int              `json:"transactions,omitempty"`
	SkippedRows  int              `json:"skipped_rows,omitempty"`
	Warnings     []domain.Warning `json:"warnings,omitempty"`
}

// Publisher enqueues jobs.
type Publisher interface {
	PublishIngest(ctx context.Context, job *IngestJob) error
	Close() error
}

// Consumer runs queued jobs.
type Consumer interface {
	// Start launches the workers; it returns immediately.
	Start(ctx context.Context, handler JobHandler) error
	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes one job. It may fill in the job's result fields.
// Errors marked with Permanent are not retried.
type JobHandler func(ctx context.Context, job *IngestJob) error

// JobStore records job state so it can be polled.
type JobStore interface {
	SaveJob(ctx context.Context, job *IngestJob) error
	GetJob(ctx context.Context, jobID string) (*IngestJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*IngestJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	OwnerID string
	Status  JobStatus
	Limit   int
	Offset  int
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
